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

// Package update orchestrates a firmware update end to end: chip state
// detection, update-type validation, the generation-specific preparation
// (physical presence, ownership or a platform policy session) and the
// non-interruptible firmware transfer with resume support.
package update

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/trustedcomputing/go-tpmupd/fwimage"
	"github.com/trustedcomputing/go-tpmupd/tpm12"
	"github.com/trustedcomputing/go-tpmupd/tpm20"
	"github.com/trustedcomputing/go-tpmupd/tpmutil"
)

// UpdateType selects the preparation flow for an update.
type UpdateType int

// Update types.
const (
	UpdateTypeNone UpdateType = iota
	// UpdateTypeTPM12PP authorizes a generation-1 update through the
	// deferred physical presence bit.
	UpdateTypeTPM12PP
	// UpdateTypeTPM12TakeOwnership authorizes a generation-1 update by
	// installing a well-known owner first.
	UpdateTypeTPM12TakeOwnership
	// UpdateTypeTPM20EmptyPlatformAuth authorizes a generation-2 update
	// with a policy session over the empty platform hierarchy.
	UpdateTypeTPM20EmptyPlatformAuth
)

var updateTypeNames = map[string]UpdateType{
	"tpm12-pp":                UpdateTypeTPM12PP,
	"tpm12-takeownership":     UpdateTypeTPM12TakeOwnership,
	"tpm20-emptyplatformauth": UpdateTypeTPM20EmptyPlatformAuth,
}

// ParseUpdateType parses the command-line spelling of an update type.
func ParseUpdateType(s string) (UpdateType, error) {
	if ut, ok := updateTypeNames[s]; ok {
		return ut, nil
	}
	return UpdateTypeNone, fmt.Errorf("update: unknown update type %q", s)
}

func (ut UpdateType) String() string {
	for name, v := range updateTypeNames {
		if v == ut {
			return name
		}
	}
	return fmt.Sprintf("UpdateType(%d)", int(ut))
}

// State is the orchestration sub-state of one update run.
type State int

// Orchestration states.
const (
	StateIsUpdatable State = iota
	StatePrepare
	StateUpdate
	StateDone
)

// Context is the mutable record of one update run. It is owned by a
// single Run invocation and never shared.
type Context struct {
	State     State
	Chip      *ChipState
	Type      UpdateType
	ImagePath string
	Image     *fwimage.Image
	Session   tpmutil.Handle
	Code      Code
	Resumed   bool
}

// ProgressFunc is invoked at completion milestones during the firmware
// transfer, with percent in 1..100.
type ProgressFunc func(percent int)

// wellKnownOwnerAuth is the fixed owner authorization digest the updater
// installs with TakeOwnership and expects when clearing ownership again.
var wellKnownOwnerAuth = [20]byte{
	0x67, 0x68, 0x03, 0x3e, 0x21, 0x64, 0x68, 0x24, 0x7b, 0xd0,
	0x31, 0xa0, 0xa2, 0xd9, 0x87, 0x6d, 0x79, 0x81, 0x8f, 0x8f,
}

// Transient device-busy retry policy for the non-destructive Prepare
// steps.
const (
	retryAttempts = 3
	retryDelay    = 500 * time.Millisecond
)

// An Updater drives firmware updates over one transport.
type Updater struct {
	dev      tpmutil.Transmitter
	log      *logrus.Entry
	store    *ResumeStore
	progress ProgressFunc

	dryRun              bool
	ignoreCompleteError bool
	ownerAuth           [20]byte
}

// An Option configures an Updater.
type Option func(*Updater)

// WithLogger routes the updater's logging through the given entry.
func WithLogger(log *logrus.Entry) Option {
	return func(u *Updater) { u.log = log }
}

// WithResumeStore sets the breadcrumb store consulted for resume.
func WithResumeStore(s *ResumeStore) Option {
	return func(u *Updater) { u.store = s }
}

// WithProgress sets the milestone callback for the firmware transfer.
func WithProgress(f ProgressFunc) Option {
	return func(u *Updater) { u.progress = f }
}

// WithDryRun validates and reports but never writes to the device.
func WithDryRun(dryRun bool) Option {
	return func(u *Updater) { u.dryRun = dryRun }
}

// WithIgnoreErrorOnComplete suppresses a device error from the final
// transfer step. Some firmware revisions report a spurious error after the
// image is already activated.
func WithIgnoreErrorOnComplete(ignore bool) Option {
	return func(u *Updater) { u.ignoreCompleteError = ignore }
}

// WithOwnerAuth overrides the well-known owner authorization digest.
func WithOwnerAuth(auth [20]byte) Option {
	return func(u *Updater) { u.ownerAuth = auth }
}

// New builds an Updater over the given transport.
func New(dev tpmutil.Transmitter, opts ...Option) *Updater {
	u := &Updater{
		dev:       dev,
		log:       logrus.NewEntry(logrus.StandardLogger()),
		ownerAuth: wellKnownOwnerAuth,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Run performs one complete update. With the chip in boot-loader mode the
// requested type and image path are ignored and the interrupted update is
// resumed from the breadcrumb instead. The returned Context always carries
// the result code, on failure too.
func (u *Updater) Run(chip *ChipState, ut UpdateType, imagePath string) (*Context, error) {
	ctx := &Context{Chip: chip, Type: ut, ImagePath: imagePath}

	if chip.Class == ClassBootloader {
		if err := u.enterResume(ctx); err != nil {
			return ctx, u.fail(ctx, err)
		}
	} else {
		if err := u.isUpdatable(ctx); err != nil {
			return ctx, u.fail(ctx, err)
		}
		ctx.State = StatePrepare
		if err := u.prepare(ctx); err != nil {
			return ctx, u.fail(ctx, err)
		}
	}

	ctx.State = StateUpdate
	if err := u.applyUpdate(ctx); err != nil {
		return ctx, u.fail(ctx, err)
	}

	ctx.State = StateDone
	ctx.Code = CodeSuccess
	u.log.WithField("version", ctx.Image.TargetVersion).Info("firmware update complete, restart the system to activate")
	return ctx, nil
}

// enterResume recovers the in-flight image from the breadcrumb and
// prepares the context to re-enter the transfer directly.
func (u *Updater) enterResume(ctx *Context) error {
	if u.store == nil {
		return ErrResumeDataNotFound
	}
	path, err := u.store.Read()
	if err != nil {
		return err
	}
	u.log.WithField("image", path).Info("resuming interrupted update")

	img, err := fwimage.Load(path)
	if err != nil {
		return mapImageError(err)
	}
	ctx.ImagePath = path
	ctx.Image = img
	ctx.Resumed = true
	return nil
}

// fail closes out a failed run: the result code lands on the context, any
// open session is flushed and cleanup problems are logged without masking
// the primary error.
func (u *Updater) fail(ctx *Context, err error) error {
	coded := classify(err)
	ctx.Code = coded.Code

	var cleanup *multierror.Error
	if ctx.Session != 0 {
		if ferr := tpm20.FlushContext(u.dev, ctx.Session); ferr != nil {
			cleanup = multierror.Append(cleanup, fmt.Errorf("flushing session 0x%x: %w", ctx.Session, ferr))
		}
		ctx.Session = 0
	}
	if cerr := cleanup.ErrorOrNil(); cerr != nil {
		u.log.WithError(cerr).Warn("cleanup after failed update")
	}

	u.log.WithField("code", coded.Code).WithError(err).Error("update failed")
	return coded
}

// classify maps an arbitrary failure onto the coded error space, keeping
// the cause wrapped for diagnostics.
func classify(err error) *Error {
	var coded *Error
	if errors.As(err, &coded) {
		return coded
	}

	var dev12 tpm12.Error
	var dev20 tpm20.Error
	switch {
	case errors.As(err, &dev12), errors.As(err, &dev20):
		return deviceError(err)
	case errors.Is(err, tpmutil.ErrBufferOverflow), errors.Is(err, tpmutil.ErrBufferUnderflow):
		return &Error{Code: CodeInternalError, msg: "command codec failure", err: err}
	}
	return &Error{Code: CodeTransportError, msg: "communication with the TPM failed", err: err}
}

// mapImageError lifts fwimage validation failures into the coded space.
func mapImageError(err error) error {
	switch {
	case errors.Is(err, fwimage.ErrCorruptImage):
		return wrapError(ErrCorruptImage, err)
	case errors.Is(err, fwimage.ErrWrongImage):
		return wrapError(ErrWrongImage, err)
	case errors.Is(err, fwimage.ErrNewerToolRequired):
		return wrapError(ErrNewerToolRequired, err)
	case errors.Is(err, fwimage.ErrWrongDecryptKeys):
		return wrapError(ErrWrongDecryptKeys, err)
	case errors.Is(err, fwimage.ErrUpdateNotFound):
		return wrapError(ErrUpdateNotFound, err)
	}

	// A file the image cannot be read from is an operator problem, not a
	// device problem.
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return wrapError(ErrImageFileError, err)
	}
	return err
}

// retryTransient retries fn a bounded number of times while the device
// reports a transient busy condition. Only used for non-destructive steps.
func retryTransient(fn func() error) error {
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(retryDelay)
		}
		err = fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, tpm12.ErrRetry) && !errors.Is(err, tpm12.ErrDefendLockRunning) {
			return err
		}
	}
	return err
}

// ClearOwnership removes the owner the updater installed. It refuses to
// run against anything but a generation-1 chip with an owner present.
func (u *Updater) ClearOwnership(chip *ChipState) error {
	if chip.Class != ClassTPM12 {
		return wrapError(ErrInvalidUpdateOption, fmt.Errorf("device runs %s", chip.Class))
	}
	if !chip.OwnerPresent {
		return wrapError(ErrInvalidUpdateOption, errors.New("no owner is present"))
	}
	if err := tpm12.OwnerClear(u.dev, u.ownerAuth); err != nil {
		if errors.Is(err, tpm12.ErrDisabled) || errors.Is(err, tpm12.ErrDeactivated) {
			return wrapError(ErrDisabledDeactivated, err)
		}
		return classify(err)
	}
	u.log.Info("ownership cleared")
	return nil
}
