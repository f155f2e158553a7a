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

package tpm20

import (
	"crypto/rand"

	"github.com/trustedcomputing/go-tpmupd/tpmutil"
)

// An authSession is one session block of a command's authorization area.
type authSession struct {
	Handle     tpmutil.Handle
	Nonce      tpmutil.U16Bytes
	Attributes byte
	Auth       tpmutil.U16Bytes
}

// passwordSession builds the plaintext password session block over the
// reserved password handle.
func passwordSession(auth []byte) authSession {
	return authSession{
		Handle:     HandlePW,
		Attributes: attrContinueSession,
		Auth:       auth,
	}
}

// authArea serializes session blocks behind the 32-bit authorizationSize
// field. The size covers the session blocks only, not the field itself, so
// it is reserved first and patched once the blocks are in place.
func authArea(sessions ...authSession) (tpmutil.RawBytes, error) {
	b := tpmutil.NewCommandBuffer()
	size, err := b.ReserveLength()
	if err != nil {
		return nil, err
	}
	for _, s := range sessions {
		if err := b.Pack(s); err != nil {
			return nil, err
		}
	}
	if err := size.Finalize(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// runSessionCommand submits a command under tagSessions and strips the
// parameterSize field from the response body.
func runSessionCommand(t tpmutil.Transmitter, cmd tpmutil.Command, in ...interface{}) ([]byte, error) {
	body, rc, err := tpmutil.RunCommand(t, commandTimeout, tagSessions, cmd, in...)
	if err := decodeResponse(rc, err); err != nil {
		return nil, err
	}

	var paramSize uint32
	read, err := tpmutil.Unpack(body, &paramSize)
	if err != nil {
		return nil, err
	}
	body = body[read:]
	if int(paramSize) > len(body) {
		return nil, tpmutil.ErrBufferUnderflow
	}
	return body[:paramSize], nil
}

// StartPolicySession starts an unbound, unsalted policy session and
// returns its handle. The caller owns the handle and must flush it, on the
// failure paths too; the device only has a handful of session slots.
func StartPolicySession(t tpmutil.Transmitter) (tpmutil.Handle, error) {
	nonceCaller := make([]byte, 16)
	if _, err := rand.Read(nonceCaller); err != nil {
		return 0, err
	}

	body, rc, err := tpmutil.RunCommand(t, commandTimeout, tagNoSessions, ccStartAuthSession,
		HandleNull, // tpmKey, no salt
		HandleNull, // bind
		tpmutil.U16Bytes(nonceCaller),
		tpmutil.U16Bytes(nil), // encryptedSalt
		sePolicy,
		algNull,
		algSHA256,
	)
	if err := decodeResponse(rc, err); err != nil {
		return 0, err
	}

	var handle tpmutil.Handle
	var nonceTPM tpmutil.U16Bytes
	if _, err := tpmutil.Unpack(body, &handle, &nonceTPM); err != nil {
		return 0, err
	}
	return handle, nil
}

// PolicyCommandCode restricts the policy session to a single command code.
func PolicyCommandCode(t tpmutil.Transmitter, session tpmutil.Handle, cc tpmutil.Command) error {
	_, rc, err := tpmutil.RunCommand(t, commandTimeout, tagNoSessions, ccPolicyCommandCode,
		session, uint32(cc))
	return decodeResponse(rc, err)
}

// PolicySecret includes the authorization of the given hierarchy in the
// policy digest. The hierarchy is authorized with its plaintext password,
// empty for the unprovisioned platform hierarchy.
func PolicySecret(t tpmutil.Transmitter, session tpmutil.Handle, authHandle tpmutil.Handle, auth []byte) error {
	area, err := authArea(passwordSession(auth))
	if err != nil {
		return err
	}

	_, err = runSessionCommand(t, ccPolicySecret,
		authHandle, session, area,
		tpmutil.U16Bytes(nil), // nonceTPM
		tpmutil.U16Bytes(nil), // cpHashA
		tpmutil.U16Bytes(nil), // policyRef
		int32(0),              // expiration
	)
	return err
}

// FlushContext releases a session or object slot.
func FlushContext(t tpmutil.Transmitter, h tpmutil.Handle) error {
	_, rc, err := tpmutil.RunCommand(t, commandTimeout, tagNoSessions, ccFlushContext, h)
	return decodeResponse(rc, err)
}
