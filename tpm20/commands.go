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

// Package tpm20 implements the generation-2 command subset needed to probe
// a device and authorize a firmware update: property reads, policy
// sessions over the platform hierarchy and the field-upgrade commands.
package tpm20

import (
	"fmt"
	"time"

	"github.com/trustedcomputing/go-tpmupd/tpmutil"
)

// commandTimeout bounds ordinary command exchanges; field-upgrade commands
// use fuTimeout.
const (
	commandTimeout = 30 * time.Second
	fuTimeout      = 4 * time.Minute
)

// Startup initializes the device after _TPM_Init. ErrInitialize from an
// already-started device is not an error worth surfacing; probing flows
// issue Startup defensively without knowing whether the platform firmware
// did.
func Startup(t tpmutil.Transmitter, su uint16) error {
	_, rc, err := tpmutil.RunCommand(t, commandTimeout, tagNoSessions, ccStartup, su)
	return decodeResponse(rc, err)
}

// Shutdown prepares the device for a power cycle.
func Shutdown(t tpmutil.Transmitter, su uint16) error {
	_, rc, err := tpmutil.RunCommand(t, commandTimeout, tagNoSessions, ccShutdown, su)
	return decodeResponse(rc, err)
}

// SelfTest runs the self tests. fullTest asks for all of them, not just
// the untested ones.
func SelfTest(t tpmutil.Transmitter, fullTest bool) error {
	v := byte(0)
	if fullTest {
		v = 1
	}
	_, rc, err := tpmutil.RunCommand(t, commandTimeout, tagNoSessions, ccSelfTest, v)
	return decodeResponse(rc, err)
}

// GetTestResult returns the manufacturer-specific test data and the test
// response code. A device in failure mode answers this command when
// everything else fails with ErrFailure.
func GetTestResult(t tpmutil.Transmitter) ([]byte, uint32, error) {
	body, rc, err := tpmutil.RunCommand(t, commandTimeout, tagNoSessions, ccGetTestResult)
	if err := decodeResponse(rc, err); err != nil {
		return nil, 0, err
	}

	var outData tpmutil.U16Bytes
	var testResult uint32
	if _, err := tpmutil.Unpack(body, &outData, &testResult); err != nil {
		return nil, 0, err
	}
	return outData, testResult, nil
}

// tpmProperty reads a single value from the TPM-properties capability.
func tpmProperty(t tpmutil.Transmitter, prop uint32) (uint32, error) {
	body, rc, err := tpmutil.RunCommand(t, commandTimeout, tagNoSessions, ccGetCapability,
		capTPMProperties, prop, uint32(1))
	if err := decodeResponse(rc, err); err != nil {
		return 0, err
	}

	var moreData byte
	var capability, count, gotProp, value uint32
	if _, err := tpmutil.Unpack(body, &moreData, &capability, &count, &gotProp, &value); err != nil {
		return 0, err
	}
	if count < 1 || gotProp != prop {
		return 0, fmt.Errorf("tpm20: device answered property 0x%x when asked for 0x%x", gotProp, prop)
	}
	return value, nil
}

// Manufacturer reads the manufacturer property.
func Manufacturer(t tpmutil.Transmitter) (uint32, error) {
	return tpmProperty(t, ptManufacturer)
}

// FirmwareVersion reads the two firmware version properties. The first
// carries major and minor, the second the vendor build number.
func FirmwareVersion(t tpmutil.Transmitter) (uint32, uint32, error) {
	v1, err := tpmProperty(t, ptFirmwareVersion1)
	if err != nil {
		return 0, 0, err
	}
	v2, err := tpmProperty(t, ptFirmwareVersion2)
	if err != nil {
		return 0, 0, err
	}
	return v1, v2, nil
}

// PermanentFlags is the decoded TPMA_PERMANENT attribute word.
type PermanentFlags struct {
	OwnerAuthSet       bool
	EndorsementAuthSet bool
	LockoutAuthSet     bool
	InLockout          bool
}

// ReadPermanentFlags reads and decodes the permanent attributes.
func ReadPermanentFlags(t tpmutil.Transmitter) (PermanentFlags, error) {
	v, err := tpmProperty(t, ptPermanent)
	if err != nil {
		return PermanentFlags{}, err
	}
	return PermanentFlags{
		OwnerAuthSet:       v&paOwnerAuthSet != 0,
		EndorsementAuthSet: v&paEndorsementAuthSet != 0,
		LockoutAuthSet:     v&paLockoutAuthSet != 0,
		InLockout:          v&paInLockout != 0,
	}, nil
}

// TestPlatformAuth verifies that the platform hierarchy still has the
// empty authorization by changing it to the same empty value. A device
// whose platform auth was provisioned by firmware answers ErrBadAuth.
func TestPlatformAuth(t tpmutil.Transmitter) error {
	area, err := authArea(passwordSession(nil))
	if err != nil {
		return err
	}

	_, err = runSessionCommand(t, ccHierarchyChangeAuth,
		HandlePlatform, area,
		tpmutil.U16Bytes(nil), // newAuth
	)
	return err
}
