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

package tpmutil

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrBufferOverflow reports an attempt to encode past the fixed command
	// buffer ceiling. It is a defect in the caller, never a device error.
	ErrBufferOverflow = errors.New("tpmutil: command buffer overflow")

	// ErrBufferUnderflow reports a response buffer that was exhausted before
	// all declared fields could be decoded.
	ErrBufferUnderflow = errors.New("tpmutil: response buffer underflow")
)

// CommandBuffer is a fixed-capacity encoder for command bodies. It tracks
// remaining capacity on every write and supports reserved length fields that
// are backpatched once their content is known, which is how the command-size
// header field and every nested size-prefixed auth block are produced.
//
// The zero value is not usable; call NewCommandBuffer.
type CommandBuffer struct {
	buf   []byte
	limit int
}

// NewCommandBuffer returns an empty buffer bounded by MaxCommandSize.
func NewCommandBuffer() *CommandBuffer {
	return &CommandBuffer{buf: make([]byte, 0, MaxCommandSize), limit: MaxCommandSize}
}

// Len returns the number of bytes written so far.
func (b *CommandBuffer) Len() int { return len(b.buf) }

// Bytes returns the encoded buffer. The slice aliases the builder's storage
// and is only valid until the next write.
func (b *CommandBuffer) Bytes() []byte { return b.buf }

// Write implements io.Writer, failing with ErrBufferOverflow instead of
// growing past the ceiling.
func (b *CommandBuffer) Write(p []byte) (int, error) {
	if len(b.buf)+len(p) > b.limit {
		return 0, fmt.Errorf("%w: %d+%d exceeds %d", ErrBufferOverflow, len(b.buf), len(p), b.limit)
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// Pack encodes elts into the buffer under the rules of Pack.
func (b *CommandBuffer) Pack(elts ...interface{}) error {
	return packType(b, elts...)
}

// LengthField is a token for a reserved 32-bit length field inside a
// CommandBuffer, handed out by ReserveLength.
type LengthField struct {
	b   *CommandBuffer
	off int
}

// ReserveLength writes a placeholder 32-bit length field and returns a token
// for patching it later. The classic two-pass encode: the value of a size
// field is not known until everything after it has been written.
func (b *CommandBuffer) ReserveLength() (LengthField, error) {
	off := len(b.buf)
	if _, err := b.Write([]byte{0, 0, 0, 0}); err != nil {
		return LengthField{}, err
	}
	return LengthField{b: b, off: off}, nil
}

// Finalize overwrites the reserved field with the number of bytes written
// after it. Used for nested size-prefixed blocks such as authorization
// areas.
func (f LengthField) Finalize() error {
	if f.b == nil {
		return errors.New("tpmutil: LengthField was not reserved")
	}
	binary.BigEndian.PutUint32(f.b.buf[f.off:], uint32(len(f.b.buf)-f.off-4))
	return nil
}

// FinalizeTotal overwrites the reserved field with the total buffer length.
// This is the command-size header field: its value includes the header
// itself.
func (f LengthField) FinalizeTotal() error {
	if f.b == nil {
		return errors.New("tpmutil: LengthField was not reserved")
	}
	binary.BigEndian.PutUint32(f.b.buf[f.off:], uint32(len(f.b.buf)))
	return nil
}
