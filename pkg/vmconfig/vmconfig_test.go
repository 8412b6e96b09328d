// Copyright (c) 2024 The krunner Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package vmconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func writeDescriptor(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), ".krun_vm.json")
	err := os.WriteFile(path, []byte(content), 0o644)
	assert.NoError(t, err)

	return path
}

func TestResolveMissingDescriptor(t *testing.T) {
	assert := assert.New(t)

	params, err := Resolve(filepath.Join(t.TempDir(), "does-not-exist.json"))
	assert.NoError(err)
	assert.Nil(params.Kernel)
	assert.False(params.SizingConfigured)
}

func TestResolveMalformedDescriptor(t *testing.T) {
	assert := assert.New(t)

	path := writeDescriptor(t, `{"cpus": `)

	_, err := Resolve(path)
	assert.Error(err)
}

func TestResolveUnreadableDescriptor(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("file permissions do not apply to root")
	}

	assert := assert.New(t)

	path := writeDescriptor(t, `{}`)
	assert.NoError(os.Chmod(path, 0o000))

	_, err := Resolve(path)
	assert.Error(err)
}

func TestResolveSizingPair(t *testing.T) {
	assert := assert.New(t)

	path := writeDescriptor(t, `{"cpus": 4, "ram_mib": 4096}`)

	params, err := Resolve(path)
	assert.NoError(err)
	assert.Nil(params.Kernel)
	assert.True(params.SizingConfigured)
	assert.Equal(uint8(4), params.NumVCPUs)
	assert.Equal(uint32(4096), params.RAMMiB)
}

func TestResolvePartialSizingIgnored(t *testing.T) {
	assert := assert.New(t)

	for _, content := range []string{
		`{"cpus": 4}`,
		`{"ram_mib": 4096}`,
		`{"cpus": "4", "ram_mib": 4096}`,
		`{"cpus": 4, "ram_mib": 40.96}`,
	} {
		params, err := Resolve(writeDescriptor(t, content))
		assert.NoError(err, content)
		assert.False(params.SizingConfigured, content)
	}
}

func TestResolveSizingClamped(t *testing.T) {
	assert := assert.New(t)

	path := writeDescriptor(t, `{"cpus": 64, "ram_mib": 8192}`)

	params, err := Resolve(path)
	assert.NoError(err)
	assert.True(params.SizingConfigured)
	assert.Equal(uint8(MaxVCPUs), params.NumVCPUs)
}

func TestResolveKernelTriple(t *testing.T) {
	assert := assert.New(t)

	path := writeDescriptor(t, `{
		"kernel_path": "/boot/vmlinuz",
		"kernel_format": 1,
		"initrd_path": "/boot/initrd.img",
		"kernel_cmdline": "console=ttyS0"
	}`)

	params, err := Resolve(path)
	assert.NoError(err)
	assert.NotNil(params.Kernel)
	assert.Equal("/boot/vmlinuz", params.Kernel.Path)
	assert.Equal(uint32(1), params.Kernel.Format)
	assert.Equal("/boot/initrd.img", params.Kernel.Initrd)
	assert.Equal("console=ttyS0", params.Kernel.Cmdline)
	assert.False(params.SizingConfigured)
}

func TestResolvePartialKernelIgnored(t *testing.T) {
	assert := assert.New(t)

	for _, content := range []string{
		`{"kernel_path": "/boot/vmlinuz"}`,
		`{"kernel_format": 1}`,
		`{"kernel_path": "/boot/vmlinuz", "kernel_format": "raw"}`,
		`{"kernel_path": 1, "kernel_format": 1}`,
	} {
		params, err := Resolve(writeDescriptor(t, content))
		assert.NoError(err, content)
		assert.Nil(params.Kernel, content)
	}
}

func TestResolveKernelWithoutExtras(t *testing.T) {
	assert := assert.New(t)

	path := writeDescriptor(t, `{"kernel_path": "/boot/vmlinuz", "kernel_format": 0}`)

	params, err := Resolve(path)
	assert.NoError(err)
	assert.NotNil(params.Kernel)
	assert.Empty(params.Kernel.Initrd)
	assert.Empty(params.Kernel.Cmdline)
}
