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
	"io"
)

// Fixed ceilings for a single exchange with the device. Commands and
// responses never grow beyond these; exceeding them is a codec error,
// not a resize.
const (
	MaxCommandSize  = 4096
	MaxResponseSize = 4096
)

// Tag is a command/response tag.
type Tag uint16

// Command is an identifier of a TPM command, for either chip generation.
type Command uint32

// ResponseCode is a response code returned by the device.
type ResponseCode uint32

// RCSuccess is the response code of a successful command. Identical for
// TPM 1.2 and 2.0.
const RCSuccess ResponseCode = 0x000

// A Handle is a reference to a TPM object or session.
type Handle uint32

// commandHeader is the fixed header preceding every command body.
type commandHeader struct {
	Tag  Tag
	Size uint32
	Cmd  Command
}

// responseHeader is the fixed header preceding every response body.
type responseHeader struct {
	Tag  Tag
	Size uint32
	Res  ResponseCode
}

// RawBytes is for Pack and RunCommand arguments that are already encoded.
// Compared to U16Bytes and U32Bytes, RawBytes is written verbatim without a
// length prefix.
type RawBytes []byte

// TPMMarshal packs RawBytes without prefix.
func (b RawBytes) TPMMarshal(out io.Writer) error {
	_, err := out.Write(b)
	return err
}

// TPMUnmarshal fills b from the buffer without a length prefix.
func (b RawBytes) TPMUnmarshal(in io.Reader) error {
	_, err := io.ReadFull(in, b)
	return err
}

// U16Bytes is a byte slice marshaled with a 16-bit length prefix, the
// TPM 2.0 TPM2B convention.
type U16Bytes []byte

// TPMMarshal packs U16Bytes.
func (b *U16Bytes) TPMMarshal(out io.Writer) error {
	if err := binary.Write(out, binary.BigEndian, uint16(len(*b))); err != nil {
		return err
	}
	_, err := out.Write(*b)
	return err
}

// TPMUnmarshal unpacks a U16Bytes, resizing the slice to the wire length.
func (b *U16Bytes) TPMUnmarshal(in io.Reader) error {
	var size uint16
	if err := binary.Read(in, binary.BigEndian, &size); err != nil {
		return err
	}
	*b = resize(*b, int(size))
	_, err := io.ReadFull(in, *b)
	return err
}

// U32Bytes is a byte slice marshaled with a 32-bit length prefix, the
// TPM 1.2 sized-buffer convention.
type U32Bytes []byte

// TPMMarshal packs U32Bytes.
func (b *U32Bytes) TPMMarshal(out io.Writer) error {
	if err := binary.Write(out, binary.BigEndian, uint32(len(*b))); err != nil {
		return err
	}
	_, err := out.Write(*b)
	return err
}

// TPMUnmarshal unpacks a U32Bytes, resizing the slice to the wire length.
func (b *U32Bytes) TPMUnmarshal(in io.Reader) error {
	var size uint32
	if err := binary.Read(in, binary.BigEndian, &size); err != nil {
		return err
	}
	if size > MaxResponseSize {
		return ErrBufferUnderflow
	}
	*b = resize(*b, int(size))
	_, err := io.ReadFull(in, *b)
	return err
}

func resize(b []byte, n int) []byte {
	if len(b) >= n {
		return b[:n]
	}
	return append(b, make([]byte, n-len(b))...)
}

// SelfMarshaler allows custom types to override default encoding and
// decoding behavior in Pack, Unpack and UnpackBuf.
type SelfMarshaler interface {
	TPMMarshal(out io.Writer) error
	TPMUnmarshal(in io.Reader) error
}
