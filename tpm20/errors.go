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
	"strconv"

	"github.com/trustedcomputing/go-tpmupd/tpmutil"
)

// An Error is a TPM 2.0 response code. Format-1 codes carry the offending
// handle, session or parameter number in bits 8 through 11; Is strips those
// so callers can compare against the base constants below with errors.Is.
type Error uint32

const rcFmt1 Error = 0x080

// base strips the handle/session/parameter number from a format-1 code.
func (e Error) base() Error {
	if e&rcFmt1 != 0 {
		return e & 0x0BF
	}
	return e
}

// Is reports whether this code matches target, comparing format-1 codes by
// their base value.
func (e Error) Is(target error) bool {
	t, ok := target.(Error)
	if !ok {
		return false
	}
	return e.base() == t.base()
}

// Error produces a string for the given response code.
func (e Error) Error() string {
	if s, ok := errMsgs[e.base()]; ok {
		return "tpm20: " + s
	}
	return "tpm20: unknown error code 0x" + strconv.FormatUint(uint64(e), 16)
}

// Response codes the update flows act on.
const (
	// Format-0 codes.
	ErrInitialize Error = 0x100
	ErrFailure    Error = 0x101
	ErrUpgrade    Error = 0x12D
	ErrReboot     Error = 0x130

	// Format-1 codes, base values.
	ErrValue      Error = 0x084
	ErrAuthFail   Error = 0x08E
	ErrPolicyFail Error = 0x09D
	ErrBadAuth    Error = 0x0A2

	// Warning codes.
	ErrSessionMemory Error = 0x903
	ErrLockout       Error = 0x921
	ErrRetry         Error = 0x922
)

var errMsgs = map[Error]string{
	ErrInitialize:    "TPM not initialized by TPM2_Startup or already initialized",
	ErrFailure:       "commands not being accepted because of a TPM failure",
	ErrUpgrade:       "the TPM is in field upgrade mode",
	ErrReboot:        "a _TPM_Init and Startup(CLEAR) is required before the TPM can resume operation",
	ErrValue:         "value is out of range or is not correct for the context",
	ErrAuthFail:      "the authorization HMAC check failed and DA counter incremented",
	ErrPolicyFail:    "a policy check failed",
	ErrBadAuth:       "authorization failure without DA implications",
	ErrSessionMemory: "out of memory for session contexts",
	ErrLockout:       "authorizations for objects subject to DA protection are not allowed at this time",
	ErrRetry:         "the TPM was not able to start the command",
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
