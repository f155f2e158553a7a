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

// Package transport moves fully-formed command buffers to a TPM device and
// back. It knows nothing about the command format beyond "write these bytes,
// wait, read those bytes"; the codec lives in tpmutil.
package transport

import (
	"errors"
	"time"
)

var (
	// ErrUnsupportedOperation reports a capability the selected backend does
	// not have, such as register access through the kernel driver.
	ErrUnsupportedOperation = errors.New("transport: operation not supported by this backend")

	// ErrNotConnected reports use of a backend before Connect or after
	// Disconnect.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrAlreadyConnected reports a second Connect on a live backend.
	ErrAlreadyConnected = errors.New("transport: already connected")

	// ErrTimeout reports that the device did not produce a response within
	// the caller's deadline.
	ErrTimeout = errors.New("transport: timed out waiting for the device")
)

// Backend is a single serialized channel to a TPM device. One command is
// outstanding at a time; Transmit blocks until a complete response arrives
// or timeout elapses. Register access is only meaningful for memory-mapped
// backends and returns ErrUnsupportedOperation elsewhere.
//
// The variant (driver-based or memory-mapped) is chosen once at
// construction; there is no mode switching on a live backend.
type Backend interface {
	Connect() error
	Disconnect() error
	Transmit(cmd []byte, timeout time.Duration) ([]byte, error)
	ReadRegister(off uint32) (uint8, error)
	WriteRegister(off uint32, val uint8) error
}
