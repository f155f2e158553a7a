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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"reflect"
)

var selfMarshalerType = reflect.TypeOf((*SelfMarshaler)(nil)).Elem()

// Pack encodes a set of elements into a single byte array using
// encoding/binary under big-endian byte order. All elements must either be
// encodeable according to the rules of encoding/binary or implement
// SelfMarshaler.
//
// Plain byte slices are rejected: the wire format always states whether a
// buffer carries a 16-bit prefix (U16Bytes), a 32-bit prefix (U32Bytes) or
// no prefix at all (RawBytes), and the caller has to pick one.
func Pack(elts ...interface{}) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := packType(buf, elts...); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// tryMarshal attempts to use a TPMMarshal method defined on the type to pack
// v into buf. True is returned if the method exists and the marshal was
// attempted.
func tryMarshal(buf io.Writer, v reflect.Value) (bool, error) {
	t := v.Type()
	if t.Implements(selfMarshalerType) {
		return true, v.Interface().(SelfMarshaler).TPMMarshal(buf)
	}

	// A non-pointer struct field can still satisfy the interface through
	// its pointer type; construct an addressable copy to call it.
	if reflect.PtrTo(t).Implements(selfMarshalerType) {
		tmp := reflect.New(t)
		tmp.Elem().Set(v)
		return true, tmp.Interface().(SelfMarshaler).TPMMarshal(buf)
	}

	return false, nil
}

func packValue(buf io.Writer, v reflect.Value) error {
	if canMarshal, err := tryMarshal(buf, v); canMarshal {
		return err
	}

	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			return fmt.Errorf("tpmutil: cannot pack nil %s", v.Type().String())
		}
		return packValue(buf, v.Elem())
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if err := packValue(buf, v.Field(i)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Slice:
		if v.Type().Elem().Kind() != reflect.Uint8 {
			return fmt.Errorf("tpmutil: cannot pack slice of %s", v.Type().Elem().String())
		}
		return fmt.Errorf("tpmutil: ambiguous []byte, use RawBytes, U16Bytes or U32Bytes")
	default:
		return binary.Write(buf, binary.BigEndian, v.Interface())
	}
}

func packType(buf io.Writer, elts ...interface{}) error {
	for _, e := range elts {
		if err := packValue(buf, reflect.ValueOf(e)); err != nil {
			return err
		}
	}
	return nil
}

// tryUnmarshal attempts to use TPMUnmarshal to perform the unpack, if the
// given value implements SelfMarshaler. True is returned if TPMUnmarshal was
// called, along with its error.
func tryUnmarshal(buf io.Reader, v reflect.Value) (bool, error) {
	t := v.Type()
	if t.Implements(selfMarshalerType) {
		return true, v.Interface().(SelfMarshaler).TPMUnmarshal(buf)
	}

	if v.CanSet() && reflect.PtrTo(t).Implements(selfMarshalerType) {
		tmp := reflect.New(t)
		if err := tmp.Interface().(SelfMarshaler).TPMUnmarshal(buf); err != nil {
			return true, err
		}
		v.Set(tmp.Elem())
		return true, nil
	}

	return false, nil
}

// Unpack is a convenience wrapper around UnpackBuf. Unpack returns the
// number of bytes read from b to fill elts and error, if any.
func Unpack(b []byte, elts ...interface{}) (int, error) {
	buf := bytes.NewBuffer(b)
	err := UnpackBuf(buf, elts...)
	read := len(b) - buf.Len()
	return read, err
}

func unpackValue(buf io.Reader, v reflect.Value) error {
	if didUnmarshal, err := tryUnmarshal(buf, v); didUnmarshal {
		return underflow(err)
	}

	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			return fmt.Errorf("tpmutil: cannot unpack nil %s", v.Type().String())
		}
		return unpackValue(buf, v.Elem())
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if err := unpackValue(buf, v.Field(i)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Slice:
		return fmt.Errorf("tpmutil: ambiguous []byte, use RawBytes, U16Bytes or U32Bytes")
	}

	// binary.Read can only set pointer values, so we need to take the
	// address.
	if !v.CanAddr() {
		return fmt.Errorf("tpmutil: cannot unpack unaddressable leaf type %q", v.Type().String())
	}
	return underflow(binary.Read(buf, binary.BigEndian, v.Addr().Interface()))
}

// underflow maps the io errors produced by reading past the end of a
// response buffer onto ErrBufferUnderflow, keeping the original error
// wrapped for diagnostics.
func underflow(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", ErrBufferUnderflow, err)
	}
	return err
}

// UnpackBuf recursively unpacks types from a reader just as encoding/binary
// does under binary.BigEndian, with the U16Bytes/U32Bytes/RawBytes rules of
// this package. It assumes that incoming values are pointers to values so
// that, e.g., underlying slices can be resized as needed. Reading past the
// end of the buffer fails with ErrBufferUnderflow.
func UnpackBuf(buf io.Reader, elts ...interface{}) error {
	for _, e := range elts {
		v := reflect.ValueOf(e)
		if v.Kind() != reflect.Ptr {
			return fmt.Errorf("tpmutil: non-pointer value %q passed to UnpackBuf", v.Type().String())
		}
		if v.IsNil() {
			return errors.New("tpmutil: nil pointer passed to UnpackBuf")
		}
		if err := unpackValue(buf, v); err != nil {
			return err
		}
	}
	return nil
}
