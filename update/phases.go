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
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/trustedcomputing/go-tpmupd/fwimage"
	"github.com/trustedcomputing/go-tpmupd/tpm12"
	"github.com/trustedcomputing/go-tpmupd/tpm20"
)

// isUpdatable validates the requested update against the detected chip
// state and loads the firmware image. Every rejection is terminal and
// carries its own code; nothing here touches the device.
func (u *Updater) isUpdatable(ctx *Context) error {
	chip := ctx.Chip

	switch chip.Class {
	case ClassFailureMode:
		return ErrFailureMode
	case ClassSelfTestFailed:
		return ErrSelfTestFailed
	}
	if chip.RestartRequired {
		return ErrRestartRequired
	}

	switch ctx.Type {
	case UpdateTypeTPM12PP:
		if chip.Class != ClassTPM12 {
			return wrapError(ErrInvalidUpdateOption, fmt.Errorf("%s requested but device runs %s", ctx.Type, chip.Class))
		}
	case UpdateTypeTPM12TakeOwnership:
		if chip.Class != ClassTPM12 {
			return wrapError(ErrInvalidUpdateOption, fmt.Errorf("%s requested but device runs %s", ctx.Type, chip.Class))
		}
		if chip.OwnerPresent {
			return ErrAlreadyOwned
		}
	case UpdateTypeTPM20EmptyPlatformAuth:
		if chip.Class != ClassTPM20 {
			return wrapError(ErrInvalidUpdateOption, fmt.Errorf("%s requested but device runs %s", ctx.Type, chip.Class))
		}
		if chip.PlatformAuthSet {
			return ErrPlatformAuthSet
		}
	default:
		return wrapError(ErrInvalidUpdateOption, fmt.Errorf("no update type selected"))
	}

	if chip.RemainingUpdates == 0 {
		return ErrUpdateBlocked
	}

	img, err := fwimage.Load(ctx.ImagePath)
	if err != nil {
		return mapImageError(err)
	}
	if err := img.MatchesDevice(chip.Family, chip.Version, chip.KeyGroup); err != nil {
		return mapImageError(err)
	}
	if img.TargetFamily == chip.Family && img.TargetVersion == chip.Version {
		return ErrAlreadyUpToDate
	}

	ctx.Image = img
	u.log.WithFields(logrus.Fields{
		"image":  ctx.ImagePath,
		"target": img.TargetFamily + " " + img.TargetVersion,
	}).Info("firmware image accepted")
	return nil
}

// prepare runs the generation-specific authorization flow. In dry-run mode
// nothing is prepared; preparation already mutates the device.
func (u *Updater) prepare(ctx *Context) error {
	if u.dryRun {
		u.log.Info("dry run, skipping update preparation")
		return nil
	}

	switch ctx.Type {
	case UpdateTypeTPM12PP:
		return u.prepareDeferredPP(ctx)
	case UpdateTypeTPM12TakeOwnership:
		return u.prepareOwnership(ctx)
	case UpdateTypeTPM20EmptyPlatformAuth:
		return u.preparePolicySession(ctx)
	}
	return nil
}

// prepareDeferredPP asserts physical presence and sets the deferred
// physical presence bit so the upgrade ordinal is accepted without an
// owner. Platform firmware that locked physical presence for the OS makes
// the PRESENT step fail with TPM_BAD_PARAMETER; that is an operator
// problem, not a tool problem.
func (u *Updater) prepareDeferredPP(ctx *Context) error {
	if ctx.Chip.DeferredPP {
		u.log.Debug("deferred physical presence already set")
		return nil
	}

	// Enabling the PP command may be locked with lifetimeLock; the
	// device answers TPM_BAD_PARAMETER and the PRESENT step decides.
	err := retryTransient(func() error {
		return tpm12.PhysicalPresence(u.dev, tpm12.PhysicalPresenceCmdEnable)
	})
	if err != nil && !errors.Is(err, tpm12.ErrBadParameter) {
		return u.mapPrepare12Error(err)
	}

	err = retryTransient(func() error {
		return tpm12.PhysicalPresence(u.dev, tpm12.PhysicalPresencePresent)
	})
	if err != nil {
		if errors.Is(err, tpm12.ErrBadParameter) {
			return wrapError(ErrDeferredPPRequired, err)
		}
		return u.mapPrepare12Error(err)
	}

	if err := retryTransient(func() error { return tpm12.SetDeferredPhysicalPresence(u.dev) }); err != nil {
		return u.mapPrepare12Error(err)
	}
	u.log.Info("deferred physical presence set")
	return nil
}

// prepareOwnership installs the well-known owner whose authorization
// signs FieldUpgradeStart.
func (u *Updater) prepareOwnership(ctx *Context) error {
	if err := tpm12.TakeOwnership(u.dev, u.ownerAuth); err != nil {
		if errors.Is(err, tpm12.ErrOwnerSet) || errors.Is(err, tpm12.ErrInstallDisabled) {
			return wrapError(ErrAlreadyOwned, err)
		}
		return u.mapPrepare12Error(err)
	}
	u.log.Info("ownership installed for update")
	return nil
}

func (u *Updater) mapPrepare12Error(err error) error {
	if errors.Is(err, tpm12.ErrDisabled) || errors.Is(err, tpm12.ErrDeactivated) {
		return wrapError(ErrDisabledDeactivated, err)
	}
	return err
}

// preparePolicySession builds the platform policy session authorizing
// FieldUpgradeStart. The handle lands on the context so the failure path
// can flush it.
func (u *Updater) preparePolicySession(ctx *Context) error {
	session, err := tpm20.StartFieldUpgradePolicy(u.dev)
	if err != nil {
		if errors.Is(err, tpm20.ErrBadAuth) || errors.Is(err, tpm20.ErrAuthFail) {
			return wrapError(ErrPlatformAuthSet, err)
		}
		return err
	}
	ctx.Session = session
	u.log.WithField("session", fmt.Sprintf("0x%x", uint32(session))).Debug("policy session ready")
	return nil
}

// Transfer progress milestones reported in dry-run mode.
var dryRunMilestones = []int{25, 50, 75, 100}

// applyUpdate performs the destructive firmware transfer. The breadcrumb
// is written before the first device write and removed only after the
// transfer completed; everything in between is advertised to the operator
// as non-interruptible.
func (u *Updater) applyUpdate(ctx *Context) error {
	if u.dryRun {
		u.log.Info("dry run, simulating firmware transfer")
		for _, m := range dryRunMilestones {
			u.reportProgress(m)
		}
		return nil
	}

	if u.store != nil && !ctx.Resumed {
		if err := u.store.Write(ctx.ImagePath); err != nil {
			return fmt.Errorf("update: writing resume data: %w", err)
		}
	}

	if !ctx.Resumed {
		if err := u.startTransfer(ctx); err != nil {
			return err
		}
	}

	if err := u.streamBlocks(ctx); err != nil {
		return err
	}

	if u.store != nil {
		if err := u.store.Clear(); err != nil {
			u.log.WithError(err).Warn("could not remove resume data")
		}
	}
	return nil
}

// startTransfer authorizes the update and switches the device into the
// boot loader.
func (u *Updater) startTransfer(ctx *Context) error {
	u.log.Info("starting firmware transfer, do not interrupt power")

	switch ctx.Type {
	case UpdateTypeTPM20EmptyPlatformAuth:
		fuDigest := sha256.Sum256(ctx.Image.Manifest)
		err := tpm20.FieldUpgradeStart(u.dev, ctx.Session, fuDigest[:], ctx.Image.Manifest)
		if err == nil {
			// Success consumes the session; on failure it stays on
			// the context so the failure path flushes it.
			ctx.Session = 0
		}
		return err
	case UpdateTypeTPM12TakeOwnership:
		return tpm12.FieldUpgradeStart(u.dev, u.ownerAuth, ctx.Image.Manifest)
	case UpdateTypeTPM12PP:
		return tpm12.FieldUpgradeStartPP(u.dev, ctx.Image.Manifest)
	}
	return wrapError(ErrInvalidUpdateOption, fmt.Errorf("no transfer flow for %s", ctx.Type))
}

// streamBlocks sends the firmware data blocks and completes the transfer.
// A resumed run talks to the boot loader, which accepts the generation-1
// framing regardless of the image's target family.
func (u *Updater) streamBlocks(ctx *Context) error {
	blocks := ctx.Image.Blocks
	useBootLoaderFraming := ctx.Resumed || ctx.Type != UpdateTypeTPM20EmptyPlatformAuth

	lastMilestone := 0
	for i, block := range blocks {
		var err error
		if useBootLoaderFraming {
			err = tpm12.FieldUpgradeUpdate(u.dev, block)
		} else {
			err = tpm20.FieldUpgradeData(u.dev, block)
		}
		if err != nil {
			return fmt.Errorf("update: firmware block %d of %d: %w", i+1, len(blocks), err)
		}

		if percent := (i + 1) * 100 / len(blocks); percent/25 > lastMilestone/25 {
			lastMilestone = percent
			u.reportProgress(percent)
		}
	}

	if err := u.completeTransfer(ctx); err != nil {
		if u.ignoreCompleteError {
			u.log.WithError(err).Warn("ignoring error from transfer completion as configured")
			return nil
		}
		return err
	}
	return nil
}

// completeTransfer asks the boot loader to activate the new firmware.
// The generation-2 flow finishes with its last data block.
func (u *Updater) completeTransfer(ctx *Context) error {
	if !ctx.Resumed && ctx.Type == UpdateTypeTPM20EmptyPlatformAuth {
		return nil
	}
	return tpm12.FieldUpgradeComplete(u.dev)
}

func (u *Updater) reportProgress(percent int) {
	if u.progress != nil {
		u.progress(percent)
	}
}
