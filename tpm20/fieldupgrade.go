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
	"github.com/trustedcomputing/go-tpmupd/tpmutil"
)

// StartFieldUpgradePolicy builds the policy session that authorizes
// FieldUpgradeStart over the platform hierarchy: PolicyCommandCode binds
// the session to the upgrade command, PolicySecret includes the empty
// platform authorization. The session is flushed on every failure path so
// a retrying caller cannot exhaust the device's session slots.
func StartFieldUpgradePolicy(t tpmutil.Transmitter) (tpmutil.Handle, error) {
	session, err := StartPolicySession(t)
	if err != nil {
		return 0, err
	}

	if err := PolicyCommandCode(t, session, ccFieldUpgradeStart); err != nil {
		FlushContext(t, session)
		return 0, err
	}
	if err := PolicySecret(t, session, HandlePlatform, nil); err != nil {
		FlushContext(t, session)
		return 0, err
	}
	return session, nil
}

// FieldUpgradeStart authorizes an update with the given policy session and
// hands the firmware manifest to the device. The session is consumed by
// the command whether it succeeds or not. On success the device switches
// into the boot loader and only accepts FieldUpgradeData blocks.
func FieldUpgradeStart(t tpmutil.Transmitter, session tpmutil.Handle, fuDigest, manifest []byte) error {
	area, err := authArea(authSession{
		Handle: session,
		// The session is used once; no continueSession, the device
		// flushes it with the command.
	})
	if err != nil {
		return err
	}

	_, rc, err := tpmutil.RunCommand(t, fuTimeout, tagSessions, ccFieldUpgradeStart,
		HandlePlatform, area,
		tpmutil.U16Bytes(fuDigest),
		tpmutil.RawBytes(manifest))
	return decodeResponse(rc, err)
}

// FieldUpgradeData transfers one firmware data block to the boot loader.
func FieldUpgradeData(t tpmutil.Transmitter, block []byte) error {
	_, rc, err := tpmutil.RunCommand(t, fuTimeout, tagNoSessions, ccFieldUpgradeData,
		tpmutil.U16Bytes(block))
	return decodeResponse(rc, err)
}

// FieldUpgradeAbandon cancels an authorized update before any data block
// was transferred. Once the first block is written the device can only go
// forward or resume.
func FieldUpgradeAbandon(t tpmutil.Transmitter) error {
	_, rc, err := tpmutil.RunCommand(t, commandTimeout, tagNoSessions, ccFieldUpgradeAbandon)
	return decodeResponse(rc, err)
}
