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

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/trustedcomputing/go-tpmupd/fwimage"
	"github.com/trustedcomputing/go-tpmupd/tpm12"
	"github.com/trustedcomputing/go-tpmupd/tpm20"
	"github.com/trustedcomputing/go-tpmupd/tpmutil"
)

// Classification is the mutually exclusive operating mode of the device.
// The orthogonal details (ownership, physical presence, restart) live in
// the ChipState flags.
type Classification int

// Operating modes. Failure mode wins over a pending restart when both
// apply.
const (
	ClassTPM12 Classification = iota
	ClassTPM20
	ClassBootloader
	ClassSelfTestFailed
	ClassFailureMode
)

var classNames = map[Classification]string{
	ClassTPM12:          "TPM 1.2 firmware",
	ClassTPM20:          "TPM 2.0 firmware",
	ClassBootloader:     "boot loader (interrupted update)",
	ClassSelfTestFailed: "self test failed",
	ClassFailureMode:    "failure mode",
}

func (c Classification) String() string {
	if s, ok := classNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Classification(%d)", int(c))
}

// ChipState is the read-only result of Detect.
type ChipState struct {
	Class Classification

	// Family and Version identify the running firmware. Both are empty
	// in boot-loader mode; the breadcrumb names the image instead.
	Family  string
	Version string

	// VersionMajor selects the LPC or SPI firmware line.
	VersionMajor uint8

	// KeyGroup is the key set the device accepts firmware for.
	KeyGroup uint32

	// RemainingUpdates is the field upgrade counter.
	RemainingUpdates uint16

	// Generation-1 flags.
	OwnerPresent bool
	DeferredPP   bool

	// Generation-2 flags.
	RestartRequired bool
	PlatformAuthSet bool
}

// Updatable reports whether the device can accept any update at all,
// regardless of update type.
func (s *ChipState) Updatable() bool {
	switch s.Class {
	case ClassFailureMode, ClassSelfTestFailed:
		return false
	}
	return !s.RestartRequired && s.RemainingUpdates > 0
}

// Detect probes the device with a fixed read-only command battery and
// classifies it. The boot-loader probe runs first: a device mid-update
// answers nothing but the vendor upgrade ordinal, and in that mode nothing
// else about the chip matters.
func Detect(t tpmutil.Transmitter, log *logrus.Entry) (*ChipState, error) {
	info, err := tpm12.FieldUpgradeInfoRequest(t)
	if err != nil {
		var devErr tpm12.Error
		if !errors.As(err, &devErr) {
			return nil, err
		}
		// Not answering the vendor ordinal at all already rules out
		// the supported parts.
		return nil, wrapError(ErrNotInfineon, err)
	}
	log.WithFields(logrus.Fields{
		"stage":     info.Stage,
		"keygroup":  info.KeyGroupID,
		"version":   info.FwVersion,
		"remaining": info.RemainingUpdates,
	}).Debug("field upgrade info")

	state := &ChipState{
		Version:          info.FwVersion.String(),
		VersionMajor:     info.FwVersion.Major,
		KeyGroup:         info.KeyGroupID,
		RemainingUpdates: info.RemainingUpdates,
	}

	switch info.Stage {
	case tpm12.StageBootLoader:
		state.Class = ClassBootloader
		state.Family = ""
		state.Version = ""
		return state, nil
	case tpm12.StageApplication12:
		state.Class = ClassTPM12
		state.Family = fwimage.FamilyTPM12
		return state, detectTPM12(t, state)
	case tpm12.StageApplication20:
		state.Class = ClassTPM20
		state.Family = fwimage.FamilyTPM20
		return state, detectTPM20(t, state)
	}
	return nil, fmt.Errorf("update: device reported unknown upgrade stage 0x%x", uint8(info.Stage))
}

// detectTPM12 fills the generation-1 state: vendor, ownership, deferred
// physical presence and the self-test result.
func detectTPM12(t tpmutil.Transmitter, state *ChipState) error {
	vi, err := tpm12.ReadVersionInfo(t)
	if err != nil {
		return classifyProbeError12(state, err)
	}
	if vi.VendorID != tpm12.VendorIDInfineon {
		return wrapError(ErrNotInfineon, fmt.Errorf("vendor 0x%08x", vi.VendorID))
	}

	if state.OwnerPresent, err = tpm12.OwnerSet(t); err != nil {
		return classifyProbeError12(state, err)
	}
	if state.DeferredPP, err = tpm12.DeferredPhysicalPresenceSet(t); err != nil {
		return classifyProbeError12(state, err)
	}
	if _, err := tpm12.GetTestResult(t); err != nil {
		return classifyProbeError12(state, err)
	}
	return nil
}

// classifyProbeError12 folds self-test failures into the classification
// instead of failing detection; a chip in that state is still reportable
// and still updatable through recovery firmware.
func classifyProbeError12(state *ChipState, err error) error {
	if errors.Is(err, tpm12.ErrFailedSelfTest) {
		state.Class = ClassSelfTestFailed
		return nil
	}
	return err
}

// detectTPM20 fills the generation-2 state: vendor, failure mode, pending
// restart and the platform hierarchy authorization.
func detectTPM20(t tpmutil.Transmitter, state *ChipState) error {
	// Startup is idempotent here: ErrInitialize just means the platform
	// firmware already started the device.
	if err := tpm20.Startup(t, tpm20.StartupClear); err != nil {
		switch {
		case errors.Is(err, tpm20.ErrInitialize):
		case errors.Is(err, tpm20.ErrReboot):
			state.RestartRequired = true
		case errors.Is(err, tpm20.ErrFailure):
			state.Class = ClassFailureMode
			return nil
		default:
			return err
		}
	}

	m, err := tpm20.Manufacturer(t)
	if err != nil {
		if errors.Is(err, tpm20.ErrFailure) {
			// Failure mode wins over a pending restart.
			state.Class = ClassFailureMode
			return nil
		}
		return err
	}
	if m != tpm20.VendorIDInfineon {
		return wrapError(ErrNotInfineon, fmt.Errorf("manufacturer 0x%08x", m))
	}

	if _, testResult, err := tpm20.GetTestResult(t); err != nil {
		if errors.Is(err, tpm20.ErrFailure) {
			state.Class = ClassFailureMode
			return nil
		}
		return err
	} else if testResult != 0 {
		state.Class = ClassFailureMode
		return nil
	}

	if err := tpm20.TestPlatformAuth(t); err != nil {
		if errors.Is(err, tpm20.ErrBadAuth) || errors.Is(err, tpm20.ErrAuthFail) {
			state.PlatformAuthSet = true
		} else {
			return err
		}
	}
	return nil
}
