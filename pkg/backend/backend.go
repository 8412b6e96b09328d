// Copyright (c) 2024 The krunner Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package backend exposes a dynamically loaded libkrun library as a Go
// interface. Symbol resolution happens once, when the library is bound;
// a symbol the library does not export surfaces as a SymbolError on the
// first call that needs it, which is a different failure class than a
// negative return code reported by the library itself (CallError).
package backend

import "fmt"

// Type discriminates the two libkrun flavors a host may provide.
type Type string

const (
	// Standard is the plain libkrun backend.
	Standard Type = "libkrun"

	// Confidential is the SEV-enabled libkrun-sev backend. Workloads
	// run inside an encrypted-memory TEE.
	Confidential Type = "libkrun-sev"
)

// Log levels understood by krun_set_log_level.
const (
	LogLevelOff uint32 = iota
	LogLevelError
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
	LogLevelTrace
)

// KernelConfig describes an external kernel for the microVM. Path and
// Format always travel together; Initrd and Cmdline may be empty, in
// which case they are not passed to the library.
type KernelConfig struct {
	Path    string
	Format  uint32
	Initrd  string
	Cmdline string
}

// Backend is the entry-point set every libkrun library exports. The
// context id returned by CreateContext identifies one microVM in
// preparation and is an opaque value assigned by the library.
type Backend interface {
	CreateContext() (int32, error)
	SetLogLevel(level uint32) error
	SetKernel(ctxID int32, kernel KernelConfig) error
	SetVMConfig(ctxID int32, numVCPUs uint8, ramMiB uint32) error
	SetRoot(ctxID int32, path string) error
	SetWorkdir(ctxID int32, path string) error
	SetRootDisk(ctxID int32, path string) error
	SetTEEConfigFile(ctxID int32, path string) error

	// StartEnter boots the microVM and blocks until the workload
	// exits or the library fails. It only returns on container exit
	// or unrecoverable backend failure.
	StartEnter(ctxID int32) (int32, error)

	Type() Type
	Close() error
}

// SymbolError means a required entry point could not be resolved in the
// loaded library. It is fatal and never retried.
type SymbolError struct {
	Library string
	Symbol  string
}

func (e *SymbolError) Error() string {
	return fmt.Sprintf("could not find symbol %q in %q", e.Symbol, e.Library)
}

// CallError is a failure reported by the library: a negative return
// value from an entry point, surfaced negated so Code is positive.
type CallError struct {
	Symbol string
	Code   int32
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s failed with error code %d", e.Symbol, e.Code)
}
