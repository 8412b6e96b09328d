// Copyright (c) 2024 The krunner Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package handler

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/krunvm/krunner/pkg/backend"
	"github.com/krunvm/krunner/pkg/vmconfig"
)

// Exec is the final handoff: it configures the selected backend for
// this launch and enters the microVM. On success it blocks until the
// workload exits and returns the backend's exit status; it does not
// otherwise return to the caller.
func (h *Handler) Exec(spec *specs.Spec) (int32, error) {
	mode, err := h.selectLaunch()
	if err != nil {
		return 0, err
	}

	handlerLogger.WithFields(logrus.Fields{
		"confidential": mode.confidential,
		"ctx-id":       mode.ctxID,
	}).Debug("entering microVM")

	b := mode.backend

	// The backend's own logging is fixed to errors only; anything
	// chattier interleaves with the workload's output.
	if err := b.SetLogLevel(backend.LogLevelError); err != nil {
		return 0, err
	}

	if mode.confidential {
		if err := b.SetRootDisk(mode.ctxID, h.config.RootDiskPath); err != nil {
			return 0, errors.Wrap(err, "could not set the root disk")
		}
		if err := b.SetTEEConfigFile(mode.ctxID, h.config.SEVSentinelPath); err != nil {
			return 0, errors.Wrap(err, "could not set the TEE configuration file")
		}
	} else {
		if err := b.SetRoot(mode.ctxID, "/"); err != nil {
			return 0, errors.Wrap(err, "could not set the root directory")
		}
		if spec != nil && spec.Process != nil && spec.Process.Cwd != "" {
			if err := b.SetWorkdir(mode.ctxID, spec.Process.Cwd); err != nil {
				return 0, errors.Wrap(err, "could not set the working directory")
			}
		}
	}

	params, err := vmconfig.Resolve(h.config.DescriptorPath)
	if err != nil {
		return 0, errors.Wrap(err, "could not configure the VM")
	}

	if params.Kernel != nil {
		if err := b.SetKernel(mode.ctxID, *params.Kernel); err != nil {
			return 0, errors.Wrap(err, "could not configure an external kernel")
		}
	}

	// Explicit descriptor sizing and legacy derivation are mutually
	// exclusive; exactly one of them feeds the backend.
	if !params.SizingConfigured {
		params = vmconfig.Legacy(spec, h.config.DefaultRAMMiB)
	}

	if err := b.SetVMConfig(mode.ctxID, params.NumVCPUs, params.RAMMiB); err != nil {
		return 0, errors.Wrap(err, "could not set the VM configuration")
	}

	return b.StartEnter(mode.ctxID)
}
