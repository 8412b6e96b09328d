// Copyright (c) 2024 The krunner Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package config loads the optional TOML configuration for the
// handler. A host without a configuration file runs with defaults that
// match what container images in the wild expect, so deployments only
// ship one to rename libraries or relocate the fixed files.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
	units "github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/krunvm/krunner/pkg/handler"
)

// DefaultConfigPath is consulted when no explicit path is given.
const DefaultConfigPath = "/etc/krunner/configuration.toml"

var configLogger = logrus.WithField("source", "krunner/config")

// SetLogger sets the logger for the config package.
func SetLogger(logger *logrus.Entry) {
	configLogger = logger.WithField("source", "krunner/config")
}

// The TOML configuration file contains two tables:
//
//	[handler]
//	library = "libkrun.so.1"
//	sev_library = "libkrun-sev.so.1"
//	staged_config_name = ".krun_config.json"
//	sev_sentinel = "/krun-sev.json"
//	vm_descriptor = "/.krun_vm.json"
//	root_disk = "/disk.img"
//
//	[vm]
//	default_memory = "2GiB"
type tomlConfig struct {
	Handler handlerSection `toml:"handler"`
	VM      vmSection      `toml:"vm"`
}

type handlerSection struct {
	Library          string `toml:"library"`
	SEVLibrary       string `toml:"sev_library"`
	StagedConfigName string `toml:"staged_config_name"`
	SEVSentinel      string `toml:"sev_sentinel"`
	VMDescriptor     string `toml:"vm_descriptor"`
	RootDisk         string `toml:"root_disk"`
}

type vmSection struct {
	// DefaultMemory is a human-readable size ("2GiB", "512MiB") used
	// for containers without a memory limit when legacy sizing runs.
	DefaultMemory string `toml:"default_memory"`
}

// LoadConfiguration reads the TOML file at path, or DefaultConfigPath
// when path is empty. A missing file is not an error and yields the
// zero Config, which the handler fills with its built-in defaults.
func LoadConfiguration(path string) (handler.Config, error) {
	var config handler.Config

	if path == "" {
		path = DefaultConfigPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return config, errors.Wrapf(err, "could not read configuration %q", path)
	}

	var tcfg tomlConfig
	if _, err := toml.Decode(string(data), &tcfg); err != nil {
		return config, errors.Wrapf(err, "could not parse configuration %q", path)
	}

	config.Library = tcfg.Handler.Library
	config.SEVLibrary = tcfg.Handler.SEVLibrary
	config.StagedConfigName = tcfg.Handler.StagedConfigName
	config.SEVSentinelPath = tcfg.Handler.SEVSentinel
	config.DescriptorPath = tcfg.Handler.VMDescriptor
	config.RootDiskPath = tcfg.Handler.RootDisk

	if tcfg.VM.DefaultMemory != "" {
		bytes, err := units.RAMInBytes(tcfg.VM.DefaultMemory)
		if err != nil {
			return config, errors.Wrapf(err, "invalid default_memory %q in %q",
				tcfg.VM.DefaultMemory, path)
		}
		config.DefaultRAMMiB = uint32(bytes >> 20)
	}

	configLogger.WithField("path", path).Debug("configuration loaded")

	return config, nil
}
