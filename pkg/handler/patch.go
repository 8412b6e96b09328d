// Copyright (c) 2024 The krunner Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package handler

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	kvmHostDevicePath = "/dev/kvm"
	sevHostDevicePath = "/dev/sev"
)

// ModifyOCISpec authorizes the virtualization device nodes in the
// container's device cgroup. It must run before the sandbox's device
// policy is enforced.
//
// A container that declares no device-cgroup rules at all restricts
// nothing, so there is nothing to authorize and the spec is left
// untouched.
func (h *Handler) ModifyOCISpec(spec *specs.Spec) error {
	return patchDeviceCgroup(spec, kvmHostDevicePath, sevHostDevicePath)
}

func patchDeviceCgroup(spec *specs.Spec, kvmPath, sevPath string) error {
	if spec == nil || spec.Linux == nil || spec.Linux.Resources == nil ||
		spec.Linux.Resources.Devices == nil {
		return nil
	}

	// The host must expose /dev/kvm or the backend cannot run at all.
	var stKVM unix.Stat_t
	if err := unix.Stat(kvmPath, &stKVM); err != nil {
		return errors.Wrapf(err, "stat %q", kvmPath)
	}

	// /dev/sev is optional: without it confidential launches fail
	// later on their own terms, but standard launches work fine.
	hasSEV := true
	var stSEV unix.Stat_t
	if err := unix.Stat(sevPath, &stSEV); err != nil {
		if !errors.Is(err, unix.ENOENT) {
			return errors.Wrapf(err, "stat %q", sevPath)
		}
		hasSEV = false
	}

	// Append only: pre-existing rules keep their order and content.
	devices := spec.Linux.Resources.Devices
	devices = append(devices, allowDeviceRule(stKVM.Rdev))
	if hasSEV {
		devices = append(devices, allowDeviceRule(stSEV.Rdev))
	}
	spec.Linux.Resources.Devices = devices

	return nil
}

// allowDeviceRule builds an allow-all rule addressed by major/minor,
// not by path, matching how the device cgroup identifies devices.
func allowDeviceRule(rdev uint64) specs.LinuxDeviceCgroup {
	major := int64(unix.Major(rdev))
	minor := int64(unix.Minor(rdev))

	return specs.LinuxDeviceCgroup{
		Allow:  true,
		Type:   "a",
		Major:  &major,
		Minor:  &minor,
		Access: "rwm",
	}
}
