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
	"bytes"
	"errors"
	"reflect"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type simplePacked struct {
	A uint32
	B uint32
}

type nestedPacked struct {
	SP simplePacked
	C  uint16
}

type sizedPacked struct {
	A uint32
	S U16Bytes
}

func TestPackRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		out  interface{}
	}{
		{"uint8", uint8(0x7f), new(uint8)},
		{"uint16", uint16(0xbeef), new(uint16)},
		{"uint32", uint32(0xdeadbeef), new(uint32)},
		{"handle", Handle(0x02000000), new(Handle)},
		{"struct", simplePacked{137, 138}, new(simplePacked)},
		{"nested", nestedPacked{simplePacked{137, 138}, 139}, new(nestedPacked)},
		{"u16bytes", U16Bytes{1, 2, 3}, new(U16Bytes)},
		{"u32bytes", U32Bytes{4, 5, 6, 7}, new(U32Bytes)},
		{"sized struct", sizedPacked{9, U16Bytes{1, 2}}, new(sizedPacked)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Pack(tt.in)
			if err != nil {
				t.Fatalf("Pack(%#v): %v", tt.in, err)
			}
			n, err := Unpack(b, tt.out)
			if err != nil {
				t.Fatalf("Unpack(% x): %v", b, err)
			}
			if n != len(b) {
				t.Errorf("Unpack consumed %d of %d bytes", n, len(b))
			}
			got := reflect.ValueOf(tt.out).Elem().Interface()
			if diff := cmp.Diff(tt.in, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPackBigEndian(t *testing.T) {
	b, err := Pack(uint32(0x01020304), uint16(0x0506))
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	if !bytes.Equal(b, want) {
		t.Errorf("Pack produced % x, want % x", b, want)
	}
}

func TestPackRejectsPlainByteSlice(t *testing.T) {
	if _, err := Pack([]byte{1, 2, 3}); err == nil {
		t.Fatal("Pack accepted a plain []byte; the prefix convention must be explicit")
	}
	var out []byte
	if err := UnpackBuf(bytes.NewReader([]byte{1, 2, 3}), &out); err == nil {
		t.Fatal("UnpackBuf accepted a plain *[]byte")
	}
}

func TestPackSizePrefixes(t *testing.T) {
	b, err := Pack(U16Bytes{0xaa, 0xbb})
	if err != nil {
		t.Fatal(err)
	}
	if want := []byte{0x00, 0x02, 0xaa, 0xbb}; !bytes.Equal(b, want) {
		t.Errorf("U16Bytes encoded as % x, want % x", b, want)
	}

	b, err = Pack(U32Bytes{0xcc})
	if err != nil {
		t.Fatal(err)
	}
	if want := []byte{0x00, 0x00, 0x00, 0x01, 0xcc}; !bytes.Equal(b, want) {
		t.Errorf("U32Bytes encoded as % x, want % x", b, want)
	}

	b, err = Pack(RawBytes{0xdd, 0xee})
	if err != nil {
		t.Fatal(err)
	}
	if want := []byte{0xdd, 0xee}; !bytes.Equal(b, want) {
		t.Errorf("RawBytes encoded as % x, want % x", b, want)
	}
}

func TestUnpackTruncatedBuffer(t *testing.T) {
	// A U16Bytes header announcing more content than the buffer holds.
	var out U16Bytes
	err := UnpackBuf(bytes.NewReader([]byte{0x00, 0x10, 0x01}), &out)
	if !errors.Is(err, ErrBufferUnderflow) {
		t.Fatalf("expected ErrBufferUnderflow, got %v", err)
	}

	var v uint32
	err = UnpackBuf(bytes.NewReader([]byte{0x01, 0x02}), &v)
	if !errors.Is(err, ErrBufferUnderflow) {
		t.Fatalf("expected ErrBufferUnderflow for a short uint32, got %v", err)
	}
}

func TestUnpackRequiresPointers(t *testing.T) {
	if err := UnpackBuf(bytes.NewReader([]byte{0, 0, 0, 0}), uint32(0)); err == nil {
		t.Fatal("UnpackBuf accepted a non-pointer value")
	}
}
