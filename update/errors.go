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

package update

import "fmt"

// Code is the tool-level result code of an update run. Every terminal
// failure maps to exactly one code so a caller can render a precise
// diagnosis without string matching.
type Code int

// Result codes.
const (
	CodeSuccess Code = iota
	CodeAlreadyOwned
	CodeInvalidUpdateOption
	CodeRestartRequired
	CodeFailureMode
	CodeSelfTestFailed
	CodeUpdateBlocked
	CodeAlreadyUpToDate
	CodeUpdateNotFound
	CodeImageFileError
	CodeCorruptImage
	CodeWrongImage
	CodeNewerToolRequired
	CodeWrongDecryptKeys
	CodeDeferredPPRequired
	CodeDisabledDeactivated
	CodePlatformAuthSet
	CodeResumeDataNotFound
	CodeNotInfineon
	CodeDeviceError
	CodeTransportError
	CodeInternalError
)

var codeNames = map[Code]string{
	CodeSuccess:             "Success",
	CodeAlreadyOwned:        "AlreadyOwned",
	CodeInvalidUpdateOption: "InvalidUpdateOption",
	CodeRestartRequired:     "RestartRequired",
	CodeFailureMode:         "FailureMode",
	CodeSelfTestFailed:      "SelfTestFailed",
	CodeUpdateBlocked:       "UpdateBlocked",
	CodeAlreadyUpToDate:     "AlreadyUpToDate",
	CodeUpdateNotFound:      "UpdateNotFound",
	CodeImageFileError:      "ImageFileError",
	CodeCorruptImage:        "CorruptImage",
	CodeWrongImage:          "WrongImage",
	CodeNewerToolRequired:   "NewerToolRequired",
	CodeWrongDecryptKeys:    "WrongDecryptKeys",
	CodeDeferredPPRequired:  "DeferredPPRequired",
	CodeDisabledDeactivated: "DisabledDeactivated",
	CodePlatformAuthSet:     "PlatformAuthSet",
	CodeResumeDataNotFound:  "ResumeDataNotFound",
	CodeNotInfineon:         "NotInfineon",
	CodeDeviceError:         "DeviceError",
	CodeTransportError:      "TransportError",
	CodeInternalError:       "InternalError",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// An Error is a coded update failure. Two Errors match under errors.Is
// when their codes are equal, so the sentinel values below double as
// comparison targets for wrapped errors carrying a cause.
type Error struct {
	Code Code
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s (%s): %v", e.msg, e.Code, e.err)
	}
	return fmt.Sprintf("%s (%s)", e.msg, e.Code)
}

func (e *Error) Unwrap() error { return e.err }

// Is matches any Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

func newError(code Code, msg string) *Error {
	return &Error{Code: code, msg: msg}
}

// wrapError attaches a cause to a sentinel, preserving its code.
func wrapError(sentinel *Error, cause error) *Error {
	return &Error{Code: sentinel.Code, msg: sentinel.msg, err: cause}
}

// Terminal update errors. The messages are operator-facing; the codes are
// for programmatic handling.
var (
	ErrAlreadyOwned        = newError(CodeAlreadyOwned, "the TPM already has an owner, clear ownership before updating")
	ErrInvalidUpdateOption = newError(CodeInvalidUpdateOption, "the requested update type does not fit the detected device state")
	ErrRestartRequired     = newError(CodeRestartRequired, "the system must be restarted before the TPM accepts an update")
	ErrFailureMode         = newError(CodeFailureMode, "the TPM is in failure mode")
	ErrSelfTestFailed      = newError(CodeSelfTestFailed, "the TPM self test has failed")
	ErrUpdateBlocked       = newError(CodeUpdateBlocked, "the field upgrade counter is exhausted, no further updates are possible")
	ErrAlreadyUpToDate     = newError(CodeAlreadyUpToDate, "the firmware image matches the version already installed")
	ErrUpdateNotFound      = newError(CodeUpdateNotFound, "no firmware image found for the installed firmware version")
	ErrImageFileError      = newError(CodeImageFileError, "the firmware image file could not be read")
	ErrCorruptImage        = newError(CodeCorruptImage, "the firmware image is corrupt")
	ErrWrongImage          = newError(CodeWrongImage, "the firmware image does not fit this device")
	ErrNewerToolRequired   = newError(CodeNewerToolRequired, "the firmware image requires a newer version of this tool")
	ErrWrongDecryptKeys    = newError(CodeWrongDecryptKeys, "the firmware image is encrypted for a different key group")
	ErrDeferredPPRequired  = newError(CodeDeferredPPRequired, "physical presence is locked, enable deferred physical presence in the platform firmware")
	ErrDisabledDeactivated = newError(CodeDisabledDeactivated, "the TPM is disabled or deactivated, enable it in the platform firmware")
	ErrPlatformAuthSet     = newError(CodePlatformAuthSet, "the platform hierarchy authorization is set, the update cannot be authorized")
	ErrResumeDataNotFound  = newError(CodeResumeDataNotFound, "the TPM waits for an interrupted update to resume but no resume data was found")
	ErrNotInfineon         = newError(CodeNotInfineon, "the TPM is not an Infineon part")
)

// deviceError wraps a raw device response code failure.
func deviceError(cause error) *Error {
	return &Error{Code: CodeDeviceError, msg: "the TPM rejected a command", err: cause}
}
