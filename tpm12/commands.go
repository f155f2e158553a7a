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

// Package tpm12 implements the generation-1 command subset needed to probe
// a device and drive it through a firmware update: capability reads,
// physical presence, self test, ownership and the vendor field-upgrade
// ordinal. All commands take a transport and return explicit errors; device
// response codes surface as Error values.
package tpm12

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"fmt"
	"time"

	"github.com/trustedcomputing/go-tpmupd/tpmutil"
)

// commandTimeout bounds ordinary command exchanges. Field-upgrade ordinals
// use fuTimeout instead; erasing and writing flash takes far longer than a
// capability read.
const (
	commandTimeout = 30 * time.Second
	fuTimeout      = 4 * time.Minute
)

// getCapability reads a capability area from the device and returns the raw
// response payload.
func getCapability(t tpmutil.Transmitter, capArea uint32, subCap []byte) ([]byte, error) {
	body, rc, err := tpmutil.RunCommand(t, commandTimeout, tagRQUCommand, ordGetCapability,
		capArea, tpmutil.U32Bytes(subCap))
	if err := decodeResponse(rc, err); err != nil {
		return nil, err
	}

	var resp tpmutil.U32Bytes
	if _, err := tpmutil.Unpack(body, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func subCap32(v uint32) []byte {
	b, _ := tpmutil.Pack(v)
	return b
}

// OwnerSet reports whether an owner is installed.
func OwnerSet(t tpmutil.Transmitter) (bool, error) {
	resp, err := getCapability(t, capProperty, subCap32(subCapPropOwner))
	if err != nil {
		return false, err
	}
	if len(resp) != 1 {
		return false, fmt.Errorf("tpm12: unexpected owner capability payload of %d bytes", len(resp))
	}
	return resp[0] != 0, nil
}

// ReadVersionInfo reads the version-value capability, which carries the
// firmware revision and the manufacturer ID.
func ReadVersionInfo(t tpmutil.Transmitter) (*CapVersionInfo, error) {
	resp, err := getCapability(t, capVersionVal, nil)
	if err != nil {
		return nil, err
	}

	var info CapVersionInfo
	if _, err := tpmutil.Unpack(resp, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// DeferredPhysicalPresenceSet reports whether the deferred physical
// presence bit of STCLEAR_DATA is set, via the manufacturer capability
// area.
func DeferredPhysicalPresenceSet(t tpmutil.Transmitter) (bool, error) {
	resp, err := getCapability(t, capMfr, subCap32(subCapMfrDeferredPP))
	if err != nil {
		return false, err
	}
	if len(resp) != 1 {
		return false, fmt.Errorf("tpm12: unexpected deferred physical presence payload of %d bytes", len(resp))
	}
	return resp[0] != 0, nil
}

// SetDeferredPhysicalPresence sets the deferred physical presence bit of
// STCLEAR_DATA. Physical presence must already be asserted, otherwise the
// device answers with ErrBadPresence.
func SetDeferredPhysicalPresence(t tpmutil.Transmitter) error {
	_, rc, err := tpmutil.RunCommand(t, commandTimeout, tagRQUCommand, ordSetCapability,
		setCapSTClearData,
		tpmutil.U32Bytes(subCap32(subCapDeferredPPBit)),
		tpmutil.U32Bytes([]byte{1}))
	return decodeResponse(rc, err)
}

// PhysicalPresence submits a TSC_PhysicalPresence command with the given
// flag value.
func PhysicalPresence(t tpmutil.Transmitter, flags uint16) error {
	_, rc, err := tpmutil.RunCommand(t, commandTimeout, tagRQUCommand, ordTSCPhysicalPresence, flags)
	return decodeResponse(rc, err)
}

// GetTestResult returns the manufacturer-specific self-test data. A device
// stuck in failure mode keeps answering this command even when everything
// else fails.
func GetTestResult(t tpmutil.Transmitter) ([]byte, error) {
	body, rc, err := tpmutil.RunCommand(t, commandTimeout, tagRQUCommand, ordGetTestResult)
	if err := decodeResponse(rc, err); err != nil {
		return nil, err
	}

	var resp tpmutil.U32Bytes
	if _, err := tpmutil.Unpack(body, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// SelfTestFull runs the full self test.
func SelfTestFull(t tpmutil.Transmitter) error {
	_, rc, err := tpmutil.RunCommand(t, commandTimeout, tagRQUCommand, ordSelfTestFull)
	return decodeResponse(rc, err)
}

// ContinueSelfTest asks the device to finish any self test still pending.
func ContinueSelfTest(t tpmutil.Transmitter) error {
	_, rc, err := tpmutil.RunCommand(t, commandTimeout, tagRQUCommand, ordContinueSelfTest)
	return decodeResponse(rc, err)
}

// ReadPubEK reads the public endorsement key of an unowned device and
// verifies the response checksum against the anti-replay nonce.
func ReadPubEK(t tpmutil.Transmitter) (*pubKey, error) {
	var antiReplay nonce
	if _, err := rand.Read(antiReplay[:]); err != nil {
		return nil, err
	}

	body, rc, err := tpmutil.RunCommand(t, commandTimeout, tagRQUCommand, ordReadPubEK, antiReplay)
	if err := decodeResponse(rc, err); err != nil {
		return nil, err
	}

	var pk pubKey
	checksum := make(tpmutil.RawBytes, digestSize)
	if _, err := tpmutil.Unpack(body, &pk, &checksum); err != nil {
		return nil, err
	}

	pkBytes, err := tpmutil.Pack(pk)
	if err != nil {
		return nil, err
	}
	want := sha1.Sum(append(pkBytes, antiReplay[:]...))
	if !bytes.Equal(checksum, want[:]) {
		return nil, fmt.Errorf("tpm12: the checksum of the public endorsement key didn't match")
	}
	return &pk, nil
}
