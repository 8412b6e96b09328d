// Copyright (c) 2024 The krunner Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package handler implements the libkrun launch adapter: the lifecycle
// hooks a container launch pipeline invokes to run a container inside
// a libkrun microVM instead of a process namespace sandbox.
//
// A Handler is created once per process with Load, before any
// namespace or privilege transition, and is not safe for concurrent
// launches; callers owning multiple simultaneous launches must
// serialize access or keep one handler per launch.
package handler

import (
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/krunvm/krunner/pkg/backend"
	"github.com/krunvm/krunner/pkg/vmconfig"
)

const (
	// StagedConfigName is the file dumped into the rootfs root. It is
	// read by libkrun to set up the environment for the workload
	// inside the microVM.
	StagedConfigName = ".krun_config.json"

	// SEVSentinelPath marks a container intended to run as a
	// confidential workload inside a SEV-powered TEE. Its presence
	// alone selects the confidential backend; its content is handed
	// to that backend as the TEE configuration.
	SEVSentinelPath = "/krun-sev.json"

	// RootDiskPath is the encrypted disk image a confidential
	// workload boots from.
	RootDiskPath = "/disk.img"

	// specFileName is the stored copy of the launch specification in
	// the state directory.
	specFileName = "config.json"
)

var handlerLogger = logrus.WithField("source", "krunner/handler")

// SetLogger sets the logger for the handler package.
func SetLogger(logger *logrus.Entry) {
	handlerLogger = logger.WithField("source", "krunner/handler")
}

// Config controls how the handler binds its backends and where the
// fixed files live. The zero value selects the built-in defaults,
// which match what images in the wild expect.
type Config struct {
	Library          string
	SEVLibrary       string
	StagedConfigName string
	SEVSentinelPath  string
	DescriptorPath   string
	RootDiskPath     string

	// DefaultRAMMiB overrides the RAM given to containers that
	// declare no memory limit when legacy sizing applies.
	DefaultRAMMiB uint32
}

func (c Config) withDefaults() Config {
	if c.Library == "" {
		c.Library = backend.StandardLibrary
	}
	if c.SEVLibrary == "" {
		c.SEVLibrary = backend.ConfidentialLibrary
	}
	if c.StagedConfigName == "" {
		c.StagedConfigName = StagedConfigName
	}
	if c.SEVSentinelPath == "" {
		c.SEVSentinelPath = SEVSentinelPath
	}
	if c.DescriptorPath == "" {
		c.DescriptorPath = vmconfig.DefaultDescriptorPath
	}
	if c.RootDiskPath == "" {
		c.RootDiskPath = RootDiskPath
	}
	return c
}

// boundBackend couples a loaded backend with the execution context
// created for it at load time.
type boundBackend struct {
	backend.Backend
	ctxID int32
}

// Handler is the adapter's per-process state: up to two bound backends
// and the configuration they were loaded under.
type Handler struct {
	config       Config
	standard     *boundBackend
	confidential *boundBackend
}

// Load binds the standard and confidential libkrun libraries and
// creates one execution context per bound library. At least one usable
// context must come out of this or the load fails.
//
// Load must run before the process enters the container's namespaces:
// newer libkrun builds locate the libkrunfw kernel bundle when the
// context is created, which needs the host's view of the filesystem.
func Load(config Config) (*Handler, error) {
	config = config.withDefaults()

	h := &Handler{config: config}

	std, errStd := backend.Open(config.Library, backend.Standard)
	sev, errSev := backend.Open(config.SEVLibrary, backend.Confidential)
	if errStd != nil && errSev != nil {
		return nil, errors.Errorf("failed to open %q and %q: no backend library found",
			config.Library, config.SEVLibrary)
	}

	if errStd == nil {
		h.standard = bindContext(std, config.Library)
	}
	if errSev == nil {
		h.confidential = bindContext(sev, config.SEVLibrary)
	}

	if h.standard == nil && h.confidential == nil {
		return nil, errors.New("could not create an execution context on any backend")
	}

	return h, nil
}

// bindContext creates the backend's execution context. A backend that
// cannot produce a context is dropped; whether that is fatal is up to
// the caller, which knows if another backend is available.
func bindContext(b backend.Backend, library string) *boundBackend {
	ctxID, err := b.CreateContext()
	if err != nil {
		handlerLogger.WithError(err).WithField("library", library).Warn("could not create execution context")

		if closeErr := b.Close(); closeErr != nil {
			handlerLogger.WithError(closeErr).WithField("library", library).Warn("could not release backend")
		}
		return nil
	}

	return &boundBackend{Backend: b, ctxID: ctxID}
}

// Unload releases the bound libraries. Each release is attempted
// independently; one failure does not prevent the other release.
func (h *Handler) Unload() error {
	var result *multierror.Error

	for _, b := range []*boundBackend{h.standard, h.confidential} {
		if b == nil {
			continue
		}
		if err := b.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	h.standard = nil
	h.confidential = nil

	return result.ErrorOrNil()
}

// launchMode is the variant resolved for one launch: which backend and
// context to use, and whether the confidential setup path applies. It
// is resolved exactly once per launch, from the sentinel file alone,
// and passed by value afterwards.
type launchMode struct {
	confidential bool
	backend      backend.Backend
	ctxID        int32
}

func (h *Handler) selectLaunch() (launchMode, error) {
	if fileExists(h.config.SEVSentinelPath) {
		if h.confidential == nil {
			return launchMode{}, errors.New("the container requires libkrun-sev but it is not available")
		}
		return launchMode{confidential: true, backend: h.confidential.Backend, ctxID: h.confidential.ctxID}, nil
	}

	if h.standard == nil {
		return launchMode{}, errors.New("the container requires libkrun but it is not available")
	}
	return launchMode{backend: h.standard.Backend, ctxID: h.standard.ctxID}, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
