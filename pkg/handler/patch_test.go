// Copyright (c) 2024 The krunner Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package handler

import (
	"os"
	"path/filepath"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"

	"github.com/krunvm/krunner/pkg/backend"
)

func int64Ptr(i int64) *int64 {
	return &i
}

func specWithDeviceRules() *specs.Spec {
	return &specs.Spec{
		Linux: &specs.Linux{
			Resources: &specs.LinuxResources{
				Devices: []specs.LinuxDeviceCgroup{
					{Allow: false, Access: "rwm"},
					{Allow: true, Type: "c", Major: int64Ptr(1), Minor: int64Ptr(3), Access: "rwm"},
				},
			},
		},
	}
}

// statablePaths creates two regular files standing in for the host
// device nodes; patching only needs them to stat.
func statablePaths(t *testing.T) (kvm, sev string) {
	t.Helper()

	dir := t.TempDir()
	kvm = filepath.Join(dir, "kvm")
	sev = filepath.Join(dir, "sev")
	assert.NoError(t, os.WriteFile(kvm, nil, 0o600))
	assert.NoError(t, os.WriteFile(sev, nil, 0o600))

	return kvm, sev
}

func TestPatchNoDevicePolicy(t *testing.T) {
	assert := assert.New(t)

	kvm, sev := statablePaths(t)

	// A container without device-cgroup rules restricts nothing;
	// the spec stays untouched.
	for _, spec := range []*specs.Spec{
		nil,
		{},
		{Linux: &specs.Linux{}},
		{Linux: &specs.Linux{Resources: &specs.LinuxResources{}}},
	} {
		assert.NoError(patchDeviceCgroup(spec, kvm, sev))
	}

	spec := &specs.Spec{Linux: &specs.Linux{Resources: &specs.LinuxResources{}}}
	assert.NoError(patchDeviceCgroup(spec, kvm, sev))
	assert.Nil(spec.Linux.Resources.Devices)
}

func TestPatchAppendsAllowRules(t *testing.T) {
	assert := assert.New(t)

	kvm, sev := statablePaths(t)
	spec := specWithDeviceRules()

	assert.NoError(patchDeviceCgroup(spec, kvm, sev))

	devices := spec.Linux.Resources.Devices
	assert.Len(devices, 4)

	// Pre-existing rules keep their position and content.
	assert.False(devices[0].Allow)
	assert.Equal("c", devices[1].Type)
	assert.Equal(int64(1), *devices[1].Major)

	for _, rule := range devices[2:] {
		assert.True(rule.Allow)
		assert.Equal("a", rule.Type)
		assert.Equal("rwm", rule.Access)
		assert.NotNil(rule.Major)
		assert.NotNil(rule.Minor)
	}
}

func TestPatchMissingKVMIsFatal(t *testing.T) {
	assert := assert.New(t)

	_, sev := statablePaths(t)
	spec := specWithDeviceRules()

	err := patchDeviceCgroup(spec, filepath.Join(t.TempDir(), "kvm"), sev)
	assert.Error(err)
}

func TestPatchMissingSEVIsTolerated(t *testing.T) {
	assert := assert.New(t)

	kvm, _ := statablePaths(t)
	spec := specWithDeviceRules()

	assert.NoError(patchDeviceCgroup(spec, kvm, filepath.Join(t.TempDir(), "sev")))
	assert.Len(spec.Linux.Resources.Devices, 3)
}

func TestModifyOCISpecHostDevices(t *testing.T) {
	if !fileExists(kvmHostDevicePath) {
		t.Skipf("%s not present on this host", kvmHostDevicePath)
	}

	assert := assert.New(t)

	h, _ := testHandler(t, &backend.Mock{}, nil)
	spec := specWithDeviceRules()

	assert.NoError(h.ModifyOCISpec(spec))
	assert.GreaterOrEqual(len(spec.Linux.Resources.Devices), 3)
}
