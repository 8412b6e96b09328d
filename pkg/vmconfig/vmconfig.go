// Copyright (c) 2024 The krunner Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package vmconfig resolves the microVM parameters for one launch:
// either from the optional VM descriptor file the image ships, or from
// host-derived legacy defaults.
package vmconfig

import (
	"encoding/json"
	"math"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/krunvm/krunner/pkg/backend"
)

// DefaultDescriptorPath is where images place the VM descriptor,
// relative to the container's view of the filesystem.
const DefaultDescriptorPath = "/.krun_vm.json"

const (
	// MaxVCPUs is the hard limit libkrun puts on a single microVM.
	MaxVCPUs = 16

	// DefaultVCPUs is used when the host affinity query fails.
	DefaultVCPUs = 1

	// DefaultRAMMiB is used when the container declares no memory
	// limit.
	DefaultRAMMiB = 2048
)

var vmconfigLogger = logrus.WithField("source", "krunner/vmconfig")

// SetLogger sets the logger for the vmconfig package.
func SetLogger(logger *logrus.Entry) {
	vmconfigLogger = logger.WithField("source", "krunner/vmconfig")
}

// Parameters is the resolved configuration for a single launch. It is
// computed at most once per launch and not mutated afterwards.
type Parameters struct {
	// Kernel is nil unless the descriptor carried a complete kernel
	// configuration; the backend then falls back to the kernel bundled
	// with its own runtime dependencies (libkrunfw).
	Kernel *backend.KernelConfig

	// NumVCPUs and RAMMiB are only meaningful when SizingConfigured
	// is set.
	NumVCPUs uint8
	RAMMiB   uint32

	// SizingConfigured records that the descriptor carried an explicit
	// cpus/ram pair, which suppresses legacy default derivation.
	SizingConfigured bool
}

// Resolve reads the VM descriptor at path. A missing file is not an
// error and yields empty Parameters, meaning the legacy defaults
// apply. A present but unreadable or malformed descriptor fails the
// launch.
//
// The descriptor is a loose JSON document; individual fields are
// honored only when present with the expected type, mirroring how
// images written for older handler versions are tolerated:
//
//   - kernel_path (string) and kernel_format (integer) form a package,
//     both or neither; initrd_path and kernel_cmdline are independent
//     extras.
//   - cpus and ram_mib (integers) likewise form a package; a lone
//     field leaves sizing unconfigured rather than failing.
func Resolve(path string) (Parameters, error) {
	var params Parameters

	config, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return params, nil
		}
		return params, errors.Wrapf(err, "could not read VM descriptor %q", path)
	}

	var tree map[string]interface{}
	if err := json.Unmarshal(config, &tree); err != nil {
		return params, errors.Wrapf(err, "could not parse VM descriptor %q", path)
	}

	params.Kernel = kernelFromTree(tree)

	cpus, cpusOK := intField(tree, "cpus")
	ramMiB, ramOK := intField(tree, "ram_mib")
	if cpusOK && ramOK {
		params.NumVCPUs = clampVCPUs(cpus)
		params.RAMMiB = uint32(ramMiB)
		params.SizingConfigured = true
	}

	vmconfigLogger.WithFields(logrus.Fields{
		"descriptor":        path,
		"kernel-configured": params.Kernel != nil,
		"sizing-configured": params.SizingConfigured,
	}).Debug("VM descriptor resolved")

	return params, nil
}

func kernelFromTree(tree map[string]interface{}) *backend.KernelConfig {
	// kernel_path and kernel_format must be present together.
	path, ok := stringField(tree, "kernel_path")
	if !ok {
		return nil
	}
	format, ok := intField(tree, "kernel_format")
	if !ok {
		return nil
	}

	kernel := backend.KernelConfig{
		Path:   path,
		Format: uint32(format),
	}
	if initrd, ok := stringField(tree, "initrd_path"); ok {
		kernel.Initrd = initrd
	}
	if cmdline, ok := stringField(tree, "kernel_cmdline"); ok {
		kernel.Cmdline = cmdline
	}

	return &kernel
}

func stringField(tree map[string]interface{}, key string) (string, bool) {
	s, ok := tree[key].(string)
	return s, ok
}

func intField(tree map[string]interface{}, key string) (int64, bool) {
	f, ok := tree[key].(float64)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int64(f), true
}

func clampVCPUs(n int64) uint8 {
	if n < 1 {
		return DefaultVCPUs
	}
	if n > MaxVCPUs {
		return MaxVCPUs
	}
	return uint8(n)
}
