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

func respond(t *testing.T, tag tpmutil.Tag, rc tpmutil.ResponseCode, params ...interface{}) []byte {
	t.Helper()
	b, err := tpmutil.BuildCommand(tag, tpmutil.Command(rc), params...)
	require.NoError(t, err)
	return b
}

func propertyResponse(t *testing.T, prop, value uint32) []byte {
	return respond(t, tagNoSessions, tpmutil.RCSuccess,
		byte(0), // moreData
		capTPMProperties,
		uint32(1), // count
		prop, value)
}

func TestManufacturer(t *testing.T) {
	f := &fakeDevice{t: t, responses: [][]byte{
		propertyResponse(t, ptManufacturer, VendorIDInfineon),
	}}

	m, err := Manufacturer(f)
	require.NoError(t, err)
	assert.Equal(t, VendorIDInfineon, m)

	cmd := f.commands[0]
	assert.Equal(t, uint32(ccGetCapability), binary.BigEndian.Uint32(cmd[6:10]))
	assert.Equal(t, capTPMProperties, binary.BigEndian.Uint32(cmd[10:14]))
	assert.Equal(t, ptManufacturer, binary.BigEndian.Uint32(cmd[14:18]))
}

func TestPropertyMismatchRejected(t *testing.T) {
	f := &fakeDevice{t: t, responses: [][]byte{
		propertyResponse(t, ptFirmwareVersion2, 42),
	}}

	_, err := tpmProperty(f, ptFirmwareVersion1)
	assert.Error(t, err)
}

func TestReadPermanentFlags(t *testing.T) {
	f := &fakeDevice{t: t, responses: [][]byte{
		propertyResponse(t, ptPermanent, paOwnerAuthSet|paInLockout),
	}}

	flags, err := ReadPermanentFlags(f)
	require.NoError(t, err)
	assert.True(t, flags.OwnerAuthSet)
	assert.True(t, flags.InLockout)
	assert.False(t, flags.EndorsementAuthSet)
	assert.False(t, flags.LockoutAuthSet)
}

func TestErrorBaseMatching(t *testing.T) {
	// ErrBadAuth reported for session 1 carries the session number in
	// bits 8 through 11.
	sessionScoped := Error(0x0A2 | 0x900)
	assert.True(t, errors.Is(sessionScoped, ErrBadAuth))
	assert.False(t, errors.Is(sessionScoped, ErrAuthFail))

	// Format-0 codes match exactly.
	assert.True(t, errors.Is(Error(0x101), ErrFailure))
	assert.False(t, errors.Is(Error(0x101), ErrUpgrade))
}

func TestTestPlatformAuthMapsBadAuth(t *testing.T) {
	f := &fakeDevice{t: t, responses: [][]byte{
		respond(t, tagSessions, tpmutil.ResponseCode(0x9A2)),
	}}

	err := TestPlatformAuth(f)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBadAuth))
}

func TestStartFieldUpgradePolicyFlushesOnFailure(t *testing.T) {
	const session = tpmutil.Handle(0x03000000)

	f := &fakeDevice{t: t, responses: [][]byte{
		// StartAuthSession succeeds.
		respond(t, tagNoSessions, tpmutil.RCSuccess, session, tpmutil.U16Bytes(make([]byte, 16))),
		// PolicyCommandCode fails.
		respond(t, tagNoSessions, tpmutil.ResponseCode(ErrValue)),
		// FlushContext succeeds.
		respond(t, tagNoSessions, tpmutil.RCSuccess),
	}}

	_, err := StartFieldUpgradePolicy(f)
	require.Error(t, err)
	require.Len(t, f.commands, 3)

	flush := f.commands[2]
	assert.Equal(t, uint32(ccFlushContext), binary.BigEndian.Uint32(flush[6:10]))
	assert.Equal(t, uint32(session), binary.BigEndian.Uint32(flush[10:14]))
}

func TestPolicySecretAuthArea(t *testing.T) {
	f := &fakeDevice{t: t, responses: [][]byte{
		respond(t, tagSessions, tpmutil.RCSuccess, uint32(0), tpmutil.RawBytes(nil)),
	}}

	const session = tpmutil.Handle(0x03000001)
	require.NoError(t, PolicySecret(f, session, HandlePlatform, nil))

	cmd := f.commands[0]
	assert.Equal(t, uint32(ccPolicySecret), binary.BigEndian.Uint32(cmd[6:10]))
	assert.Equal(t, uint32(HandlePlatform), binary.BigEndian.Uint32(cmd[10:14]))
	assert.Equal(t, uint32(session), binary.BigEndian.Uint32(cmd[14:18]))

	// The authorization area holds one password session block of 9
	// bytes: handle, empty nonce, attributes, empty hmac.
	assert.Equal(t, uint32(9), binary.BigEndian.Uint32(cmd[18:22]))
	assert.Equal(t, uint32(HandlePW), binary.BigEndian.Uint32(cmd[22:26]))
}

func TestFieldUpgradeDataEncoding(t *testing.T) {
	f := &fakeDevice{t: t, responses: [][]byte{
		respond(t, tagNoSessions, tpmutil.RCSuccess),
	}}

	block := []byte{1, 2, 3}
	require.NoError(t, FieldUpgradeData(f, block))

	cmd := f.commands[0]
	assert.Equal(t, uint32(ccFieldUpgradeData), binary.BigEndian.Uint32(cmd[6:10]))
	assert.Equal(t, uint16(3), binary.BigEndian.Uint16(cmd[10:12]))
	assert.Equal(t, block, cmd[12:15])
}
