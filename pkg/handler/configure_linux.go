// Copyright (c) 2024 The krunner Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package handler

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/moby/sys/userns"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// LaunchPhase marks the point in the launch pipeline a configure call
// fires at. BeforeMounts precedes filesystem mount execution;
// AfterMounts follows it and precedes device-policy enforcement.
type LaunchPhase int

const (
	BeforeMounts LaunchPhase = iota
	AfterMounts
)

func (p LaunchPhase) String() string {
	switch p {
	case BeforeMounts:
		return "before-mounts"
	case AfterMounts:
		return "after-mounts"
	}
	return fmt.Sprintf("unknown-phase-%d", int(p))
}

const (
	kvmDeviceMajor = 10
	kvmDeviceMinor = 232
	sevDeviceMajor = 10
	sevDeviceMinor = 124

	deviceNodeMode = 0o666
)

// ConfigureContainer runs one configuration phase for a launch.
// stateDir is the runtime's state directory for this container, which
// holds the stored copy of the original launch specification; rootfs
// is the container root filesystem on the host.
//
// BeforeMounts stages a byte-exact copy of the stored specification
// into the rootfs. AfterMounts creates the virtualization device nodes
// the microVM monitor needs.
func (h *Handler) ConfigureContainer(phase LaunchPhase, stateDir, rootfs string, spec *specs.Spec) error {
	if rootfs == "" {
		rootfs = "."
	}

	// All writes below the rootfs go through this descriptor. The
	// rootfs content is controlled by the container image, so paths
	// must never be resolved by walking it from the host side.
	rootfsFd, err := unix.Open(rootfs, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return errors.Wrapf(err, "could not open rootfs %q", rootfs)
	}
	defer unix.Close(rootfsFd)

	switch phase {
	case BeforeMounts:
		return h.stageConfig(rootfsFd, stateDir)
	case AfterMounts:
		return h.createDeviceNodes(rootfsFd, rootfs, spec)
	}

	return nil
}

// stageConfig copies the stored launch specification into the rootfs
// under the fixed staged-config name, creating or truncating it with
// read-only permission.
func (h *Handler) stageConfig(rootfsFd int, stateDir string) error {
	originConfigPath := filepath.Join(stateDir, specFileName)

	config, err := os.ReadFile(originConfigPath)
	if err != nil {
		return errors.Wrapf(err, "could not read %q", originConfigPath)
	}

	// The destination is opened relative to the rootfs descriptor and
	// refuses to resolve symlinks anywhere in the path: a malicious
	// image could otherwise redirect this write outside the rootfs
	// (CVE-2025-24965 in the crun handler this mirrors).
	how := unix.OpenHow{
		Flags:   unix.O_WRONLY | unix.O_CREAT | unix.O_TRUNC | unix.O_NOFOLLOW | unix.O_CLOEXEC,
		Mode:    0o444,
		Resolve: unix.RESOLVE_BENEATH | unix.RESOLVE_NO_SYMLINKS,
	}

	fd, err := unix.Openat2(rootfsFd, h.config.StagedConfigName, &how)
	if err != nil {
		return errors.Wrapf(err, "could not open %q below the rootfs", h.config.StagedConfigName)
	}
	defer unix.Close(fd)

	for len(config) > 0 {
		n, err := unix.Write(fd, config)
		if err != nil {
			return errors.Wrapf(err, "could not write %q", h.config.StagedConfigName)
		}
		config = config[n:]
	}

	return nil
}

// createDeviceNodes injects /dev/kvm, and /dev/sev when the
// confidential backend is bound, into the container's /dev directory.
// A device already declared in the spec means the caller took
// ownership of it and nothing is done for it here.
func (h *Handler) createDeviceNodes(rootfsFd int, rootfs string, spec *specs.Spec) error {
	if deviceDeclared(spec, "/dev/kvm") {
		return nil
	}

	createSEV := h.confidential != nil && !deviceDeclared(spec, "/dev/sev")

	devFd, err := unix.Openat(rootfsFd, "dev", unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return errors.Wrapf(err, "could not open the dev directory in %q", rootfs)
	}
	defer unix.Close(devFd)

	// Queried once per call: the answer can differ between launches
	// handled by the same process.
	inUserNS := userns.RunningInUserNS()

	if err := createDeviceNode(devFd, "kvm", kvmDeviceMajor, kvmDeviceMinor, inUserNS); err != nil {
		return err
	}

	if createSEV {
		if err := createDeviceNode(devFd, "sev", sevDeviceMajor, sevDeviceMinor, inUserNS); err != nil {
			return err
		}
	}

	return nil
}

// createDeviceNode places one character device node in the directory
// devFd refers to. Inside a user namespace mknod is not permitted, so
// the host's node is bind-mounted over a freshly created file instead.
func createDeviceNode(devFd int, name string, major, minor uint32, inUserNS bool) error {
	if !inUserNS {
		dev := unix.Mkdev(major, minor)

		if err := unix.Mknodat(devFd, name, unix.S_IFCHR|deviceNodeMode, int(dev)); err != nil {
			return errors.Wrapf(err, "mknod /dev/%s", name)
		}

		// mknodat is subject to the umask.
		if err := unix.Fchmodat(devFd, name, deviceNodeMode, 0); err != nil {
			return errors.Wrapf(err, "chmod /dev/%s", name)
		}

		return nil
	}

	how := unix.OpenHow{
		Flags:   unix.O_WRONLY | unix.O_CREAT | unix.O_NOFOLLOW | unix.O_CLOEXEC,
		Mode:    deviceNodeMode,
		Resolve: unix.RESOLVE_BENEATH | unix.RESOLVE_NO_SYMLINKS,
	}

	fd, err := unix.Openat2(devFd, name, &how)
	if err != nil {
		return errors.Wrapf(err, "could not create mount target /dev/%s", name)
	}
	unix.Close(fd)

	// Address the target through the already-open directory
	// descriptor rather than re-resolving the rootfs path.
	target := fmt.Sprintf("/proc/self/fd/%d/%s", devFd, name)

	if err := unix.Mount("/dev/"+name, target, "", unix.MS_BIND, ""); err != nil {
		return errors.Wrapf(err, "could not bind mount /dev/%s", name)
	}

	return nil
}

func deviceDeclared(spec *specs.Spec, path string) bool {
	if spec == nil || spec.Linux == nil {
		return false
	}

	for _, device := range spec.Linux.Devices {
		if device.Path == path {
			return true
		}
	}

	return false
}
