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

package tpm12

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"errors"

	"github.com/trustedcomputing/go-tpmupd/tpmutil"
)

// oiap starts a new OIAP session on the device.
func oiap(t tpmutil.Transmitter) (*oiapResponse, error) {
	body, rc, err := tpmutil.RunCommand(t, commandTimeout, tagRQUCommand, ordOIAP)
	if err := decodeResponse(rc, err); err != nil {
		return nil, err
	}

	var resp oiapResponse
	if _, err := tpmutil.Unpack(body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// osap starts a new OSAP session bound to the entity named in the command.
func osap(t tpmutil.Transmitter, osapc *osapCommand) (*osapResponse, error) {
	body, rc, err := tpmutil.RunCommand(t, commandTimeout, tagRQUCommand, ordOSAP, osapc)
	if err := decodeResponse(rc, err); err != nil {
		return nil, err
	}

	var resp osapResponse
	if _, err := tpmutil.Unpack(body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// terminateHandle flushes a session handle.
func terminateHandle(t tpmutil.Transmitter, h tpmutil.Handle) error {
	_, rc, err := tpmutil.RunCommand(t, commandTimeout, tagRQUCommand, ordTerminateHandle, h)
	return decodeResponse(rc, err)
}

// newOSAPSession starts a new OSAP session and derives a shared key from it.
//
// The shared secret is computed as
//
//	sharedSecret = HMAC-SHA1(entityAuth, evenOSAP||oddOSAP)
//
// where entityAuth is the digest of the entity's authorization secret (the
// well-known value is 20 zero bytes).
func newOSAPSession(t tpmutil.Transmitter, entityType uint16, entityValue tpmutil.Handle, entityAuth []byte) ([20]byte, *osapResponse, error) {
	osapc := &osapCommand{
		EntityType:  entityType,
		EntityValue: entityValue,
	}

	var sharedSecret [20]byte
	if _, err := rand.Read(osapc.OddOSAP[:]); err != nil {
		return sharedSecret, nil, err
	}

	osapr, err := osap(t, osapc)
	if err != nil {
		return sharedSecret, nil, err
	}

	hm := hmac.New(sha1.New, entityAuth)
	hm.Write(osapr.EvenOSAP[:])
	hm.Write(osapc.OddOSAP[:])
	copy(sharedSecret[:], hm.Sum(nil))

	return sharedSecret, osapr, nil
}

// paramDigest hashes the response-independent command parameters, ordinal
// included, for use in the auth HMAC.
func paramDigest(params ...interface{}) ([20]byte, error) {
	var digest [20]byte
	b := bytes.Buffer{}
	for _, p := range params {
		packed, err := tpmutil.Pack(p)
		if err != nil {
			return digest, err
		}
		b.Write(packed)
	}
	return sha1.Sum(b.Bytes()), nil
}

// newCommandAuth creates a commandAuth trailer over the given parameters,
// using the given secret for HMAC computation.
//
// Auth = HMAC-SHA1(key, SHA1(ordinal||params) || NonceEven || NonceOdd || ContSession)
func newCommandAuth(authHandle tpmutil.Handle, nonceEven nonce, key []byte, params ...interface{}) (*commandAuth, error) {
	digest, err := paramDigest(params...)
	if err != nil {
		return nil, err
	}

	ca := &commandAuth{AuthHandle: authHandle}
	if _, err := rand.Read(ca.NonceOdd[:]); err != nil {
		return nil, err
	}

	hm := hmac.New(sha1.New, key)
	hm.Write(digest[:])
	hm.Write(nonceEven[:])
	hm.Write(ca.NonceOdd[:])
	hm.Write([]byte{ca.ContSession})
	copy(ca.Auth[:], hm.Sum(nil))

	return ca, nil
}

// verify checks the response authentication trailer. It hashes the response
// code, ordinal and response parameters and compares the HMAC over that
// digest against the trailer the device returned.
func (ra *responseAuth) verify(nonceOdd nonce, key []byte, params ...interface{}) error {
	digest, err := paramDigest(params...)
	if err != nil {
		return err
	}

	hm := hmac.New(sha1.New, key)
	hm.Write(digest[:])
	hm.Write(ra.NonceEven[:])
	hm.Write(nonceOdd[:])
	hm.Write([]byte{ra.ContSession})

	if !hmac.Equal(ra.Auth[:], hm.Sum(nil)) {
		return errors.New("tpm12: the computed response HMAC didn't match the provided HMAC")
	}
	return nil
}

// zeroBytes zeroes a byte slice holding secret material.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
