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
	"strconv"

	"github.com/trustedcomputing/go-tpmupd/tpmutil"
)

// An Error is a response code returned by a generation-1 device. Callers
// that need to branch on a particular code use errors.As and compare
// against the constants below.
type Error uint32

// Error produces a string for the given response code.
func (e Error) Error() string {
	if s, ok := errMsgs[e]; ok {
		return "tpm12: " + s
	}
	return "tpm12: unknown error code 0x" + strconv.FormatUint(uint64(e), 16)
}

// Response codes the update flows act on. The full TPM 1.2 code space is
// much larger; anything not listed here still surfaces as an Error with a
// hex rendering.
const (
	ErrAuthFail        Error = 0x0001
	ErrBadParameter    Error = 0x0003
	ErrDeactivated     Error = 0x0006
	ErrDisabled        Error = 0x0007
	ErrFail            Error = 0x0009
	ErrInstallDisabled Error = 0x000B
	ErrOwnerSet        Error = 0x0014
	ErrBadParamSize    Error = 0x0019
	ErrFailedSelfTest  Error = 0x001C
	ErrBadTag          Error = 0x001E
	ErrInvalidPostInit Error = 0x0026
	ErrBadPresence     Error = 0x002D
	ErrNoOperator      Error = 0x0048

	// Non-fatal codes from the defend-lock and retry layers.
	ErrRetry             Error = 0x0800
	ErrDefendLockRunning Error = 0x0803
)

var errMsgs = map[Error]string{
	ErrAuthFail:          "authentication failed",
	ErrBadParameter:      "one or more parameter is bad",
	ErrDeactivated:       "the TPM is deactivated",
	ErrDisabled:          "the TPM is disabled",
	ErrFail:              "the operation failed",
	ErrInstallDisabled:   "the ability to install an owner is disabled",
	ErrOwnerSet:          "there is already an owner",
	ErrBadParamSize:      "the paramSize argument to the command has the incorrect value",
	ErrFailedSelfTest:    "self-test has failed and the TPM has shutdown",
	ErrBadTag:            "the tag value sent for a command is invalid",
	ErrInvalidPostInit:   "the command was received in the wrong sequence relative to Init and a subsequent Startup",
	ErrBadPresence:       "either the physicalPresence or physicalPresenceLock bits have the wrong value",
	ErrNoOperator:        "no operator AuthData value is set",
	ErrRetry:             "the TPM is busy, retry the command at a later time",
	ErrDefendLockRunning: "the TPM is defending against dictionary attacks and is in some time-out period",
}

// decodeResponse turns a non-success response code into an Error. Transport
// failures pass through unchanged.
func decodeResponse(rc tpmutil.ResponseCode, err error) error {
	if err != nil {
		return err
	}
	if rc != tpmutil.RCSuccess {
		return Error(rc)
	}
	return nil
}
