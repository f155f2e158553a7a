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
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustedcomputing/go-tpmupd/tpmutil"
)

// fakeDevice replays a scripted list of responses and records every
// command it was given.
type fakeDevice struct {
	t         *testing.T
	responses [][]byte
	commands  [][]byte
}

func (f *fakeDevice) Transmit(cmd []byte, _ time.Duration) ([]byte, error) {
	f.commands = append(f.commands, cmd)
	if len(f.responses) == 0 {
		f.t.Fatal("fake device ran out of scripted responses")
	}
	r := f.responses[0]
	f.responses = f.responses[1:]
	return r, nil
}

// respond builds a response buffer. The response header has the same shape
// as a command header with the response code in the third field, so
// BuildCommand assembles it, backpatched size included.
func respond(t *testing.T, tag tpmutil.Tag, rc tpmutil.ResponseCode, params ...interface{}) []byte {
	t.Helper()
	b, err := tpmutil.BuildCommand(tag, tpmutil.Command(rc), params...)
	require.NoError(t, err)
	return b
}

func TestOwnerSet(t *testing.T) {
	f := &fakeDevice{t: t, responses: [][]byte{
		respond(t, tagRSPCommand, tpmutil.RCSuccess, tpmutil.U32Bytes{1}),
	}}

	owned, err := OwnerSet(f)
	require.NoError(t, err)
	assert.True(t, owned)

	// The command must carry the property capability area and the owner
	// sub-capability with its 32-bit size prefix.
	require.Len(t, f.commands, 1)
	cmd := f.commands[0]
	assert.Equal(t, uint32(ordGetCapability), binary.BigEndian.Uint32(cmd[6:10]))
	assert.Equal(t, capProperty, binary.BigEndian.Uint32(cmd[10:14]))
	assert.Equal(t, uint32(4), binary.BigEndian.Uint32(cmd[14:18]))
	assert.Equal(t, subCapPropOwner, binary.BigEndian.Uint32(cmd[18:22]))
}

func TestOwnerSetRejectsOversizedPayload(t *testing.T) {
	f := &fakeDevice{t: t, responses: [][]byte{
		respond(t, tagRSPCommand, tpmutil.RCSuccess, tpmutil.U32Bytes{1, 2}),
	}}

	_, err := OwnerSet(f)
	assert.Error(t, err)
}

func TestDeviceErrorCodesSurfaceAsErrors(t *testing.T) {
	f := &fakeDevice{t: t, responses: [][]byte{
		respond(t, tagRSPCommand, tpmutil.ResponseCode(ErrBadPresence)),
	}}

	err := PhysicalPresence(f, PhysicalPresencePresent)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBadPresence))

	var devErr Error
	require.True(t, errors.As(err, &devErr))
	assert.Equal(t, ErrBadPresence, devErr)
	assert.Contains(t, devErr.Error(), "physicalPresence")
}

func TestUnknownErrorCodeRendersHex(t *testing.T) {
	assert.Contains(t, Error(0xBEEF).Error(), "0xbeef")
}

func TestReadVersionInfo(t *testing.T) {
	payload, err := tpmutil.Pack(CapVersionInfo{
		Tag:            0x0030,
		Version:        Version{Major: 1, Minor: 2, RevMajor: 4, RevMinor: 40},
		SpecLevel:      2,
		ErrataRev:      3,
		VendorID:       VendorIDInfineon,
		VendorSpecific: tpmutil.U16Bytes{0xAA, 0xBB},
	})
	require.NoError(t, err)

	f := &fakeDevice{t: t, responses: [][]byte{
		respond(t, tagRSPCommand, tpmutil.RCSuccess, tpmutil.U32Bytes(payload)),
	}}

	info, err := ReadVersionInfo(f)
	require.NoError(t, err)
	assert.Equal(t, VendorIDInfineon, info.VendorID)
	assert.Equal(t, "1.2.4.40", info.Version.String())
}

func TestFieldUpgradeInfoRequest(t *testing.T) {
	payload, err := tpmutil.Pack(FieldUpgradeInfo{
		Stage:            StageBootLoader,
		KeyGroupID:       7,
		FwVersion:        Version{Major: 4, Minor: 40, RevMajor: 119, RevMinor: 0},
		RemainingUpdates: 63,
	})
	require.NoError(t, err)

	f := &fakeDevice{t: t, responses: [][]byte{
		respond(t, tagRSPCommand, tpmutil.RCSuccess, tpmutil.U32Bytes(payload)),
	}}

	info, err := FieldUpgradeInfoRequest(f)
	require.NoError(t, err)
	assert.Equal(t, StageBootLoader, info.Stage)
	assert.Equal(t, uint16(63), info.RemainingUpdates)
	assert.Equal(t, "boot loader", info.Stage.String())
}

func TestFieldUpgradeUpdateEncodesBlock(t *testing.T) {
	f := &fakeDevice{t: t, responses: [][]byte{
		respond(t, tagRSPCommand, tpmutil.RCSuccess, tpmutil.U32Bytes{}),
	}}

	block := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	require.NoError(t, FieldUpgradeUpdate(f, block))

	cmd := f.commands[0]
	assert.Equal(t, uint32(ordFieldUpgrade), binary.BigEndian.Uint32(cmd[6:10]))
	assert.Equal(t, fuSubCmdUpdate, binary.BigEndian.Uint16(cmd[10:12]))
	assert.Equal(t, uint32(len(block)), binary.BigEndian.Uint32(cmd[12:16]))
	assert.Equal(t, block, cmd[16:20])
}

func TestOSAPSharedSecretDerivation(t *testing.T) {
	var even, evenOSAP nonce
	for i := range even {
		even[i] = byte(i)
		evenOSAP[i] = byte(0x80 + i)
	}

	resp, err := tpmutil.Pack(osapResponse{
		AuthHandle: 0x0101,
		NonceEven:  even,
		EvenOSAP:   evenOSAP,
	})
	require.NoError(t, err)

	f := &fakeDevice{t: t, responses: [][]byte{
		respond(t, tagRSPCommand, tpmutil.RCSuccess, tpmutil.RawBytes(resp)),
	}}

	authDigest := sha1.Sum([]byte("owner secret"))
	auth := authDigest[:]
	secret, osapr, err := newOSAPSession(f, etOwner, khOwner, auth)
	require.NoError(t, err)

	// Recompute the shared secret from the odd nonce the session put on
	// the wire.
	cmd := f.commands[0]
	var oddOSAP nonce
	copy(oddOSAP[:], cmd[16:36])

	hm := hmac.New(sha1.New, auth)
	hm.Write(evenOSAP[:])
	hm.Write(oddOSAP[:])
	assert.Equal(t, hm.Sum(nil), secret[:])
	assert.Equal(t, tpmutil.Handle(0x0101), osapr.AuthHandle)
}

func TestResponseAuthVerify(t *testing.T) {
	key := []byte("12345678901234567890")
	var nonceEven, nonceOdd nonce
	nonceEven[0] = 0x11
	nonceOdd[0] = 0x22

	params := []interface{}{uint32(tpmutil.RCSuccess), ordOwnerClear}
	digest, err := paramDigest(params...)
	require.NoError(t, err)

	ra := responseAuth{NonceEven: nonceEven, ContSession: 0}
	hm := hmac.New(sha1.New, key)
	hm.Write(digest[:])
	hm.Write(ra.NonceEven[:])
	hm.Write(nonceOdd[:])
	hm.Write([]byte{ra.ContSession})
	copy(ra.Auth[:], hm.Sum(nil))

	assert.NoError(t, ra.verify(nonceOdd, key, params...))

	ra.Auth[0] ^= 0xFF
	assert.Error(t, ra.verify(nonceOdd, key, params...))
}

func TestZeroBytes(t *testing.T) {
	b := []byte{1, 2, 3}
	zeroBytes(b)
	assert.Equal(t, []byte{0, 0, 0}, b)
}

// scriptedDevice computes each response from the command it received, for
// flows whose responses depend on caller-generated nonces.
type scriptedDevice struct {
	t        *testing.T
	steps    []func(cmd []byte) []byte
	commands [][]byte
}

func (s *scriptedDevice) Transmit(cmd []byte, _ time.Duration) ([]byte, error) {
	s.commands = append(s.commands, cmd)
	if len(s.steps) == 0 {
		s.t.Fatal("scripted device ran out of steps")
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	return step(cmd), nil
}

func TestOwnerClear(t *testing.T) {
	ownerAuth := sha1.Sum([]byte("owner secret"))

	var evenOSAP, sessionNonce nonce
	evenOSAP[0] = 0x33
	sessionNonce[0] = 0x42
	var sharedSecret []byte

	f := &scriptedDevice{t: t, steps: []func(cmd []byte) []byte{
		// OSAP bound to the owner: derive the shared secret from the odd
		// nonce the session put on the wire.
		func(cmd []byte) []byte {
			assert.Equal(t, uint32(ordOSAP), binary.BigEndian.Uint32(cmd[6:10]))
			assert.Equal(t, etOwner, binary.BigEndian.Uint16(cmd[10:12]))
			assert.Equal(t, uint32(khOwner), binary.BigEndian.Uint32(cmd[12:16]))

			hm := hmac.New(sha1.New, ownerAuth[:])
			hm.Write(evenOSAP[:])
			hm.Write(cmd[16:36])
			sharedSecret = hm.Sum(nil)

			return respond(t, tagRSPCommand, tpmutil.RCSuccess, osapResponse{
				AuthHandle: 0x0301,
				NonceEven:  sessionNonce,
				EvenOSAP:   evenOSAP,
			})
		},
		// OwnerClear: the auth trailer must be keyed with the shared
		// secret, not the owner auth itself.
		func(cmd []byte) []byte {
			assert.Equal(t, uint32(ordOwnerClear), binary.BigEndian.Uint32(cmd[6:10]))
			assert.Equal(t, uint32(0x0301), binary.BigEndian.Uint32(cmd[10:14]))
			nonceOdd := cmd[len(cmd)-41 : len(cmd)-21]

			digest, err := paramDigest(uint32(tpmutil.RCSuccess), ordOwnerClear)
			require.NoError(t, err)

			cmdDigest, err := paramDigest(ordOwnerClear)
			require.NoError(t, err)
			hm := hmac.New(sha1.New, sharedSecret)
			hm.Write(cmdDigest[:])
			hm.Write(sessionNonce[:])
			hm.Write(nonceOdd)
			hm.Write([]byte{0})
			assert.Equal(t, hm.Sum(nil), cmd[len(cmd)-20:])

			var ra responseAuth
			ra.NonceEven[0] = 0x77
			hm = hmac.New(sha1.New, sharedSecret)
			hm.Write(digest[:])
			hm.Write(ra.NonceEven[:])
			hm.Write(nonceOdd)
			hm.Write([]byte{ra.ContSession})
			copy(ra.Auth[:], hm.Sum(nil))

			return respond(t, tagRSPAuth1Command, tpmutil.RCSuccess, ra)
		},
		// TerminateHandle for the OSAP session.
		func(cmd []byte) []byte {
			assert.Equal(t, uint32(ordTerminateHandle), binary.BigEndian.Uint32(cmd[6:10]))
			assert.Equal(t, uint32(0x0301), binary.BigEndian.Uint32(cmd[10:14]))
			return respond(t, tagRSPCommand, tpmutil.RCSuccess)
		},
	}}

	require.NoError(t, OwnerClear(f, ownerAuth))
	require.Len(t, f.commands, 3)
}

func TestTakeOwnership(t *testing.T) {
	ek, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	ekParms, err := tpmutil.Pack(rsaKeyParms{KeyLength: 1024, NumPrimes: 2})
	require.NoError(t, err)
	ekPub := pubKey{
		AlgorithmParms: keyParms{
			AlgID:     algRSA,
			EncScheme: esRSAEsOAEPSHA1MGF1,
			SigScheme: ssNone,
			Parms:     ekParms,
		},
		Key: tpmutil.U32Bytes(ek.N.Bytes()),
	}

	ownerAuth := sha1.Sum([]byte("owner secret"))
	srkPub := key{
		Version:       0x01010000,
		KeyUsage:      keyUsageStorage,
		AuthDataUsage: authAlways,
		AlgorithmParms: keyParms{
			AlgID:     algRSA,
			EncScheme: esRSAEsOAEPSHA1MGF1,
			SigScheme: ssNone,
			Parms:     ekParms,
		},
	}
	var sessionNonce nonce
	sessionNonce[0] = 0x42

	f := &scriptedDevice{t: t, steps: []func(cmd []byte) []byte{
		// ReadPubEK: the checksum covers the key and the caller's
		// anti-replay nonce.
		func(cmd []byte) []byte {
			antiReplay := cmd[10:30]
			pkBytes, err := tpmutil.Pack(ekPub)
			require.NoError(t, err)
			checksum := sha1.Sum(append(pkBytes, antiReplay...))
			return respond(t, tagRSPCommand, tpmutil.RCSuccess, ekPub, tpmutil.RawBytes(checksum[:]))
		},
		// OIAP
		func(cmd []byte) []byte {
			return respond(t, tagRSPCommand, tpmutil.RCSuccess, oiapResponse{
				AuthHandle: 0x0201,
				NonceEven:  sessionNonce,
			})
		},
		// TakeOwnership: decrypt both secrets to prove the OAEP
		// wrapping and answer with a valid response auth trailer.
		func(cmd []byte) []byte {
			encOwner := cmd[16 : 16+128]
			encSRK := cmd[148 : 148+128]
			gotOwner, err := rsa.DecryptOAEP(sha1.New(), nil, ek, encOwner, oaepLabel)
			require.NoError(t, err)
			assert.Equal(t, ownerAuth[:], gotOwner)
			gotSRK, err := rsa.DecryptOAEP(sha1.New(), nil, ek, encSRK, oaepLabel)
			require.NoError(t, err)
			assert.Equal(t, WellKnownAuth[:], gotSRK)

			// Auth trailer: handle + nonceOdd + contSession + HMAC.
			nonceOdd := cmd[len(cmd)-41 : len(cmd)-21]

			digest, err := paramDigest(uint32(tpmutil.RCSuccess), ordTakeOwnership, srkPub)
			require.NoError(t, err)
			var ra responseAuth
			ra.NonceEven[0] = 0x77
			hm := hmac.New(sha1.New, ownerAuth[:])
			hm.Write(digest[:])
			hm.Write(ra.NonceEven[:])
			hm.Write(nonceOdd)
			hm.Write([]byte{ra.ContSession})
			copy(ra.Auth[:], hm.Sum(nil))

			return respond(t, tagRSPAuth1Command, tpmutil.RCSuccess, srkPub, ra)
		},
		// TerminateHandle for the OIAP session.
		func(cmd []byte) []byte {
			assert.Equal(t, uint32(ordTerminateHandle), binary.BigEndian.Uint32(cmd[6:10]))
			assert.Equal(t, uint32(0x0201), binary.BigEndian.Uint32(cmd[10:14]))
			return respond(t, tagRSPCommand, tpmutil.RCSuccess)
		},
	}}

	require.NoError(t, TakeOwnership(f, ownerAuth))
	require.Len(t, f.commands, 4)

	// The protocol id and the first encrypted blob sit right after the
	// ordinal.
	cmd := f.commands[2]
	assert.Equal(t, uint32(ordTakeOwnership), binary.BigEndian.Uint32(cmd[6:10]))
	assert.Equal(t, uint16(pidOwner), binary.BigEndian.Uint16(cmd[10:12]))
	assert.Equal(t, uint32(128), binary.BigEndian.Uint32(cmd[12:16]))
}
