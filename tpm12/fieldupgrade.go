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
	"github.com/trustedcomputing/go-tpmupd/tpmutil"
)

// Stage is the execution stage reported by FieldUpgradeInfoRequest. The
// boot loader answers the same vendor ordinal as the application firmware,
// which is how an interrupted update is recognized after a power cycle.
type Stage uint8

// Execution stages.
const (
	StageApplication12 Stage = 0x01
	StageApplication20 Stage = 0x02
	StageBootLoader    Stage = 0x03
)

func (s Stage) String() string {
	switch s {
	case StageApplication12:
		return "TPM 1.2 firmware"
	case StageApplication20:
		return "TPM 2.0 firmware"
	case StageBootLoader:
		return "boot loader"
	}
	return "unknown stage"
}

// FieldUpgradeInfo is the vendor upgrade state of the device.
type FieldUpgradeInfo struct {
	Stage            Stage
	KeyGroupID       uint32
	FwVersion        Version
	RemainingUpdates uint16
}

// fieldUpgrade submits one vendor field-upgrade subcommand and returns the
// raw response payload. Upgrade ordinals run with a long timeout; flash
// erase cycles dominate the exchange.
func fieldUpgrade(t tpmutil.Transmitter, subCmd uint16, data []byte) ([]byte, error) {
	body, rc, err := tpmutil.RunCommand(t, fuTimeout, tagRQUCommand, ordFieldUpgrade,
		subCmd, tpmutil.U32Bytes(data))
	if err := decodeResponse(rc, err); err != nil {
		return nil, err
	}

	var resp tpmutil.U32Bytes
	if _, err := tpmutil.Unpack(body, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// FieldUpgradeInfoRequest queries the vendor upgrade state. It is answered
// in every stage, boot loader included, and regardless of which firmware
// generation is running.
func FieldUpgradeInfoRequest(t tpmutil.Transmitter) (*FieldUpgradeInfo, error) {
	resp, err := fieldUpgrade(t, fuSubCmdInfoRequest, nil)
	if err != nil {
		return nil, err
	}

	var info FieldUpgradeInfo
	if _, err := tpmutil.Unpack(resp, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// FieldUpgradeStart authorizes an update with the owner secret and hands
// the firmware manifest to the device. On success the device switches into
// the boot loader and only accepts FieldUpgradeUpdate blocks until the
// image is complete.
func FieldUpgradeStart(t tpmutil.Transmitter, ownerAuth [20]byte, manifest []byte) error {
	osess, err := oiap(t)
	if err != nil {
		return err
	}
	defer osess.Close(t)

	ca, err := newCommandAuth(osess.AuthHandle, osess.NonceEven, ownerAuth[:],
		ordFieldUpgrade, fuSubCmdStart, tpmutil.U32Bytes(manifest))
	if err != nil {
		return err
	}

	_, rc, err := tpmutil.RunCommand(t, fuTimeout, tagRQUAuth1Command, ordFieldUpgrade,
		fuSubCmdStart, tpmutil.U32Bytes(manifest), ca)
	return decodeResponse(rc, err)
}

// FieldUpgradeStartPP hands the firmware manifest to the device without an
// owner session. The device checks the deferred physical presence bit of
// STCLEAR_DATA instead; setting it up front is the caller's job.
func FieldUpgradeStartPP(t tpmutil.Transmitter, manifest []byte) error {
	_, err := fieldUpgrade(t, fuSubCmdStart, manifest)
	return err
}

// FieldUpgradeUpdate transfers one firmware data block to the boot loader.
func FieldUpgradeUpdate(t tpmutil.Transmitter, block []byte) error {
	_, err := fieldUpgrade(t, fuSubCmdUpdate, block)
	return err
}

// FieldUpgradeComplete finishes the transfer and asks the boot loader to
// activate the new firmware.
func FieldUpgradeComplete(t tpmutil.Transmitter) error {
	_, err := fieldUpgrade(t, fuSubCmdComplete, nil)
	return err
}
