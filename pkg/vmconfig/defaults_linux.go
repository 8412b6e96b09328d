// Copyright (c) 2024 The krunner Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package vmconfig

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

// Legacy derives VM sizing the way sandboxes were sized before the
// descriptor file existed: one vCPU per host CPU in the caller's
// affinity set, clamped to the backend ceiling, and RAM from the
// container's memory limit. defaultRAMMiB overrides the built-in
// default for containers without a memory limit; 0 keeps it.
func Legacy(spec *specs.Spec, defaultRAMMiB uint32) Parameters {
	return legacySizing(spec, hostCPUs(), defaultRAMMiB)
}

// legacySizing is the pure part of Legacy; hostCPUs <= 0 means the
// affinity query failed.
func legacySizing(spec *specs.Spec, hostCPUs int, defaultRAMMiB uint32) Parameters {
	if defaultRAMMiB == 0 {
		defaultRAMMiB = DefaultRAMMiB
	}

	params := Parameters{
		NumVCPUs:         DefaultVCPUs,
		RAMMiB:           defaultRAMMiB,
		SizingConfigured: true,
	}

	if hostCPUs > 0 {
		params.NumVCPUs = clampVCPUs(int64(hostCPUs))
	}

	if spec != nil && spec.Linux != nil && spec.Linux.Resources != nil &&
		spec.Linux.Resources.Memory != nil && spec.Linux.Resources.Memory.Limit != nil {
		params.RAMMiB = uint32(*spec.Linux.Resources.Memory.Limit / (1 << 20))
	}

	return params
}

func hostCPUs() int {
	var set unix.CPUSet

	if err := unix.SchedGetaffinity(0, &set); err != nil {
		vmconfigLogger.WithError(err).Warn("could not query CPU affinity, defaulting to 1 vCPU")
		return 0
	}

	return set.Count()
}
