// Copyright (c) 2024, the go-tpmupd authors. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux || darwin

package transport

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultDevicePath is the kernel TPM character device used when the caller
// does not name one.
const DefaultDevicePath = "/dev/tpm0"

const maxResponse = 4096

// DriverBackend talks to the TPM through the OS character device. The
// kernel driver owns all register-level work, so ReadRegister and
// WriteRegister are unsupported here.
type DriverBackend struct {
	path string
	f    *os.File
}

// NewDriver returns a driver-based backend for the device at path. An empty
// path selects DefaultDevicePath.
func NewDriver(path string) *DriverBackend {
	if path == "" {
		path = DefaultDevicePath
	}
	return &DriverBackend{path: path}
}

// Connect opens the device node for exclusive use.
func (d *DriverBackend) Connect() error {
	if d.f != nil {
		return ErrAlreadyConnected
	}
	fi, err := os.Stat(d.path)
	if err != nil {
		return fmt.Errorf("transport: stat %s: %w", d.path, err)
	}
	if fi.Mode()&os.ModeDevice == 0 {
		return fmt.Errorf("transport: %s is not a device node (mode %s)", d.path, fi.Mode())
	}
	f, err := os.OpenFile(d.path, os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("transport: open %s: %w", d.path, err)
	}
	d.f = f
	return nil
}

// Disconnect closes the device node.
func (d *DriverBackend) Disconnect() error {
	if d.f == nil {
		return ErrNotConnected
	}
	err := d.f.Close()
	d.f = nil
	return err
}

// Transmit writes one command and blocks until the driver delivers the
// response or timeout elapses. The kernel driver requires the whole
// response to be consumed in a single read.
func (d *DriverBackend) Transmit(cmd []byte, timeout time.Duration) ([]byte, error) {
	if d.f == nil {
		return nil, ErrNotConnected
	}
	if _, err := d.f.Write(cmd); err != nil {
		return nil, fmt.Errorf("transport: write command: %w", err)
	}
	if err := waitReadable(d.f, timeout); err != nil {
		return nil, err
	}
	out := make([]byte, maxResponse)
	n, err := d.f.Read(out)
	if err != nil {
		return nil, fmt.Errorf("transport: read response: %w", err)
	}
	return out[:n], nil
}

// ReadRegister is not available through the kernel driver.
func (d *DriverBackend) ReadRegister(uint32) (uint8, error) {
	return 0, ErrUnsupportedOperation
}

// WriteRegister is not available through the kernel driver.
func (d *DriverBackend) WriteRegister(uint32, uint8) error {
	return ErrUnsupportedOperation
}

// waitReadable polls the file descriptor until data is available or timeout
// elapses.
func waitReadable(f *os.File, timeout time.Duration) error {
	ms := int(timeout / time.Millisecond)
	if timeout <= 0 {
		ms = -1 // block indefinitely
	}
	fds := []unix.PollFd{{Fd: int32(f.Fd()), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, ms)
	if err != nil {
		return fmt.Errorf("transport: poll: %w", err)
	}
	if n == 0 {
		return ErrTimeout
	}
	return nil
}
