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

// Package tpmutil provides the command codec shared by the TPM 1.2 and
// TPM 2.0 command sets: marshalling primitives, the fixed-capacity command
// buffer with backpatched length fields, and command submission over a
// transport.
package tpmutil

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// DefaultTimeout bounds a single command exchange unless the caller says
// otherwise. Firmware update commands override it with much larger values.
const DefaultTimeout = 30 * time.Second

// Transmitter sends one fully-formed command buffer to the device and
// returns the response buffer. Implementations live in the transport
// package; each call is a complete exchange bounded by timeout.
type Transmitter interface {
	Transmit(cmd []byte, timeout time.Duration) ([]byte, error)
}

// BuildCommand encodes a complete command buffer: tag, backpatched total
// size, command code and parameters, in that order.
func BuildCommand(tag Tag, cmd Command, in ...interface{}) ([]byte, error) {
	b := NewCommandBuffer()
	if err := b.Pack(uint16(tag)); err != nil {
		return nil, err
	}
	size, err := b.ReserveLength()
	if err != nil {
		return nil, err
	}
	if err := b.Pack(uint32(cmd)); err != nil {
		return nil, err
	}
	if err := b.Pack(in...); err != nil {
		return nil, err
	}
	if err := size.FinalizeTotal(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// RunCommand encodes and submits a command with the given tag and
// parameters and returns the response body (without the response header)
// together with the response code from the header.
//
// A non-success response code is authoritative: the body is not decoded any
// further, and the returned error is nil so the caller can map the code into
// its own error space. Callers must check both.
func RunCommand(t Transmitter, timeout time.Duration, tag Tag, cmd Command, in ...interface{}) ([]byte, ResponseCode, error) {
	if t == nil {
		return nil, 0, errors.New("tpmutil: nil transport")
	}

	inb, err := BuildCommand(tag, cmd, in...)
	if err != nil {
		return nil, 0, err
	}

	outb, err := t.Transmit(inb, timeout)
	if err != nil {
		return nil, 0, err
	}

	var rh responseHeader
	rhSize := binary.Size(rh)
	if len(outb) < rhSize {
		return nil, 0, fmt.Errorf("%w: response of %d bytes is shorter than the header", ErrBufferUnderflow, len(outb))
	}
	if err := UnpackBuf(bytes.NewReader(outb[:rhSize]), &rh); err != nil {
		return nil, 0, err
	}
	if int(rh.Size) != len(outb) {
		return nil, 0, fmt.Errorf("%w: header says %d bytes, device delivered %d", ErrBufferUnderflow, rh.Size, len(outb))
	}

	if rh.Res != RCSuccess {
		return nil, rh.Res, nil
	}

	return outb[rhSize:], rh.Res, nil
}
