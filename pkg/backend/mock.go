// Copyright (c) 2024 The krunner Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package backend

// Mock is a Backend for testing purposes. It records every call so
// tests can assert on the exact sequence the handler issued, and can
// simulate missing symbols and backend error codes.
type Mock struct {
	Flavor Type

	// NextCtxID is returned (then incremented) by CreateContext.
	NextCtxID int32

	// Missing simulates entry points the library does not export.
	Missing map[string]bool

	// Fail maps an entry point name to a negative return code.
	Fail map[string]int32

	// StartEnterRet is the value StartEnter returns when it does not
	// fail.
	StartEnterRet int32

	Calls         []string
	LogLevel      uint32
	Kernel        *KernelConfig
	NumVCPUs      uint8
	RAMMiB        uint32
	Root          string
	Workdir       string
	RootDisk      string
	TEEConfigFile string
	Closed        bool
	CloseErr      error
}

func (m *Mock) call(symbol string) (int32, error) {
	m.Calls = append(m.Calls, symbol)

	if m.Missing[symbol] {
		return 0, &SymbolError{Library: string(m.Flavor), Symbol: symbol}
	}
	if code, ok := m.Fail[symbol]; ok {
		return 0, &CallError{Symbol: symbol, Code: -code}
	}
	return 0, nil
}

func (m *Mock) CreateContext() (int32, error) {
	if _, err := m.call("krun_create_ctx"); err != nil {
		return 0, err
	}
	id := m.NextCtxID
	m.NextCtxID++
	return id, nil
}

func (m *Mock) SetLogLevel(level uint32) error {
	if _, err := m.call("krun_set_log_level"); err != nil {
		return err
	}
	m.LogLevel = level
	return nil
}

func (m *Mock) SetKernel(ctxID int32, kernel KernelConfig) error {
	if _, err := m.call("krun_set_kernel"); err != nil {
		return err
	}
	m.Kernel = &kernel
	return nil
}

func (m *Mock) SetVMConfig(ctxID int32, numVCPUs uint8, ramMiB uint32) error {
	if _, err := m.call("krun_set_vm_config"); err != nil {
		return err
	}
	m.NumVCPUs = numVCPUs
	m.RAMMiB = ramMiB
	return nil
}

func (m *Mock) SetRoot(ctxID int32, path string) error {
	if _, err := m.call("krun_set_root"); err != nil {
		return err
	}
	m.Root = path
	return nil
}

func (m *Mock) SetWorkdir(ctxID int32, path string) error {
	if _, err := m.call("krun_set_workdir"); err != nil {
		return err
	}
	m.Workdir = path
	return nil
}

func (m *Mock) SetRootDisk(ctxID int32, path string) error {
	if _, err := m.call("krun_set_root_disk"); err != nil {
		return err
	}
	m.RootDisk = path
	return nil
}

func (m *Mock) SetTEEConfigFile(ctxID int32, path string) error {
	if _, err := m.call("krun_set_tee_config_file"); err != nil {
		return err
	}
	m.TEEConfigFile = path
	return nil
}

func (m *Mock) StartEnter(ctxID int32) (int32, error) {
	if _, err := m.call("krun_start_enter"); err != nil {
		return 0, err
	}
	return m.StartEnterRet, nil
}

func (m *Mock) Type() Type {
	if m.Flavor == "" {
		return Standard
	}
	return m.Flavor
}

func (m *Mock) Close() error {
	m.Closed = true
	return m.CloseErr
}
