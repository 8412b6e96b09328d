// Copyright (c) 2024 The krunner Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package backend

import (
	"github.com/ebitengine/purego"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Default sonames for the two backend flavors.
const (
	StandardLibrary     = "libkrun.so.1"
	ConfidentialLibrary = "libkrun-sev.so.1"
)

var backendLogger = logrus.WithField("source", "krunner/backend")

// SetLogger sets the logger for the backend package.
func SetLogger(logger *logrus.Entry) {
	backendLogger = logger.WithField("source", "krunner/backend")
}

// library binds one loaded libkrun shared object to the Backend
// interface. Every entry point is resolved in bind(); a nil function
// field afterwards means the symbol is absent from this library build.
type library struct {
	name   string
	typ    Type
	handle uintptr

	createCtx        func() int32
	setLogLevel      func(level uint32) int32
	setKernel        func(ctxID uint32, path *byte, format uint32, initrd *byte, cmdline *byte) int32
	setVMConfig      func(ctxID uint32, numVCPUs uint8, ramMiB uint32) int32
	setRoot          func(ctxID uint32, path string) int32
	setWorkdir       func(ctxID uint32, path string) int32
	setRootDisk      func(ctxID uint32, path string) int32
	setTEEConfigFile func(ctxID uint32, path string) int32
	startEnter       func(ctxID uint32) int32
}

// Open loads the named shared object and binds the krun entry points.
// Only dlopen failure is an error here: missing entry points are
// reported by the call that first needs them, so an older library
// lacking an optional symbol can still serve launches that never use
// it.
func Open(name string, typ Type) (Backend, error) {
	handle, err := purego.Dlopen(name, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open %q", name)
	}

	l := &library{
		name:   name,
		typ:    typ,
		handle: handle,
	}
	l.bind()

	backendLogger.WithFields(logrus.Fields{
		"library": name,
		"type":    typ,
	}).Debug("backend library loaded")

	return l, nil
}

func (l *library) bind() {
	l.register(&l.createCtx, "krun_create_ctx")
	l.register(&l.setLogLevel, "krun_set_log_level")
	l.register(&l.setKernel, "krun_set_kernel")
	l.register(&l.setVMConfig, "krun_set_vm_config")
	l.register(&l.setRoot, "krun_set_root")
	l.register(&l.setWorkdir, "krun_set_workdir")
	l.register(&l.setRootDisk, "krun_set_root_disk")
	l.register(&l.setTEEConfigFile, "krun_set_tee_config_file")
	l.register(&l.startEnter, "krun_start_enter")
}

func (l *library) register(fptr interface{}, symbol string) {
	addr, err := purego.Dlsym(l.handle, symbol)
	if err != nil || addr == 0 {
		backendLogger.WithFields(logrus.Fields{
			"library": l.name,
			"symbol":  symbol,
		}).Debug("symbol not exported by library")
		return
	}

	purego.RegisterFunc(fptr, addr)
}

// call normalizes a raw entry-point return value: negative values are
// backend error codes.
func call(symbol string, ret int32) (int32, error) {
	if ret < 0 {
		return 0, &CallError{Symbol: symbol, Code: -ret}
	}
	return ret, nil
}

func (l *library) CreateContext() (int32, error) {
	if l.createCtx == nil {
		return 0, &SymbolError{Library: l.name, Symbol: "krun_create_ctx"}
	}
	return call("krun_create_ctx", l.createCtx())
}

func (l *library) SetLogLevel(level uint32) error {
	if l.setLogLevel == nil {
		return &SymbolError{Library: l.name, Symbol: "krun_set_log_level"}
	}
	_, err := call("krun_set_log_level", l.setLogLevel(level))
	return err
}

func (l *library) SetKernel(ctxID int32, kernel KernelConfig) error {
	if l.setKernel == nil {
		return &SymbolError{Library: l.name, Symbol: "krun_set_kernel"}
	}

	// Initrd and Cmdline are optional in the ABI: a null pointer means
	// "none", which is not the same as an empty string.
	ret := l.setKernel(uint32(ctxID), cstring(kernel.Path), kernel.Format,
		cstringOrNil(kernel.Initrd), cstringOrNil(kernel.Cmdline))
	_, err := call("krun_set_kernel", ret)
	return err
}

func (l *library) SetVMConfig(ctxID int32, numVCPUs uint8, ramMiB uint32) error {
	if l.setVMConfig == nil {
		return &SymbolError{Library: l.name, Symbol: "krun_set_vm_config"}
	}
	_, err := call("krun_set_vm_config", l.setVMConfig(uint32(ctxID), numVCPUs, ramMiB))
	return err
}

func (l *library) SetRoot(ctxID int32, path string) error {
	if l.setRoot == nil {
		return &SymbolError{Library: l.name, Symbol: "krun_set_root"}
	}
	_, err := call("krun_set_root", l.setRoot(uint32(ctxID), path))
	return err
}

func (l *library) SetWorkdir(ctxID int32, path string) error {
	if l.setWorkdir == nil {
		return &SymbolError{Library: l.name, Symbol: "krun_set_workdir"}
	}
	_, err := call("krun_set_workdir", l.setWorkdir(uint32(ctxID), path))
	return err
}

func (l *library) SetRootDisk(ctxID int32, path string) error {
	if l.setRootDisk == nil {
		return &SymbolError{Library: l.name, Symbol: "krun_set_root_disk"}
	}
	_, err := call("krun_set_root_disk", l.setRootDisk(uint32(ctxID), path))
	return err
}

func (l *library) SetTEEConfigFile(ctxID int32, path string) error {
	if l.setTEEConfigFile == nil {
		return &SymbolError{Library: l.name, Symbol: "krun_set_tee_config_file"}
	}
	_, err := call("krun_set_tee_config_file", l.setTEEConfigFile(uint32(ctxID), path))
	return err
}

func (l *library) StartEnter(ctxID int32) (int32, error) {
	if l.startEnter == nil {
		return 0, &SymbolError{Library: l.name, Symbol: "krun_start_enter"}
	}
	return call("krun_start_enter", l.startEnter(uint32(ctxID)))
}

func (l *library) Type() Type {
	return l.typ
}

func (l *library) Close() error {
	if err := purego.Dlclose(l.handle); err != nil {
		return errors.Wrapf(err, "could not unload %q", l.name)
	}
	return nil
}

// cstring copies s into a null-terminated buffer for the C side.
func cstring(s string) *byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return &b[0]
}

func cstringOrNil(s string) *byte {
	if s == "" {
		return nil
	}
	return cstring(s)
}
