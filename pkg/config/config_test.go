// Copyright (c) 2024 The krunner Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "configuration.toml")
	assert.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoadConfigurationMissingFile(t *testing.T) {
	assert := assert.New(t)

	config, err := LoadConfiguration(filepath.Join(t.TempDir(), "none.toml"))
	assert.NoError(err)
	assert.Empty(config.Library)
	assert.Zero(config.DefaultRAMMiB)
}

func TestLoadConfiguration(t *testing.T) {
	assert := assert.New(t)

	path := writeConfig(t, `
[handler]
library = "libkrun-efi.so.1"
sev_library = "libkrun-sev.so.2"
sev_sentinel = "/run/krun-sev.json"

[vm]
default_memory = "4GiB"
`)

	config, err := LoadConfiguration(path)
	assert.NoError(err)
	assert.Equal("libkrun-efi.so.1", config.Library)
	assert.Equal("libkrun-sev.so.2", config.SEVLibrary)
	assert.Equal("/run/krun-sev.json", config.SEVSentinelPath)
	assert.Equal(uint32(4096), config.DefaultRAMMiB)

	// Unset keys stay zero so the handler applies its defaults.
	assert.Empty(config.StagedConfigName)
	assert.Empty(config.RootDiskPath)
}

func TestLoadConfigurationMalformed(t *testing.T) {
	assert := assert.New(t)

	_, err := LoadConfiguration(writeConfig(t, `[handler`))
	assert.Error(err)
}

func TestLoadConfigurationBadMemory(t *testing.T) {
	assert := assert.New(t)

	_, err := LoadConfiguration(writeConfig(t, `
[vm]
default_memory = "lots"
`))
	assert.Error(err)
}
