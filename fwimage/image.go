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

// Package fwimage parses and validates firmware image containers. A
// container binds the firmware payload to the device it may be written to:
// source and target identity, the key group the payload is encrypted for,
// and an integrity digest. Validation failures are terminal for an update;
// the operator has to supply a different image.
package fwimage

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"

	"github.com/trustedcomputing/go-tpmupd/tpmutil"
)

// Image validation errors.
var (
	ErrCorruptImage      = errors.New("fwimage: the firmware image is corrupt")
	ErrWrongImage        = errors.New("fwimage: the firmware image does not fit this device")
	ErrNewerToolRequired = errors.New("fwimage: the firmware image requires a newer version of this tool")
	ErrWrongDecryptKeys  = errors.New("fwimage: the firmware image is encrypted for a different key group")
	ErrUpdateNotFound    = errors.New("fwimage: no firmware image found for this device in the firmware folder")
)

// Family names as they appear in containers and file names.
const (
	FamilyTPM12 = "TPM12"
	FamilyTPM20 = "TPM20"
)

var magic = []byte("IFXFWU")

// layoutVersion is the newest container layout this tool understands.
const layoutVersion uint16 = 1

// An Image is a parsed firmware container.
type Image struct {
	// SourceFamily and SourceVersion constrain the firmware the device
	// must currently run. Either may be empty, meaning any.
	SourceFamily  string
	SourceVersion string

	// TargetFamily and TargetVersion identify the firmware the device
	// runs after a successful update.
	TargetFamily  string
	TargetVersion string

	// KeyGroupID names the key set the payload is encrypted for. Zero
	// means the image fits every key group.
	KeyGroupID uint32

	// Manifest is the signed header handed to FieldUpgradeStart.
	Manifest []byte

	// Blocks are the firmware data blocks, in transfer order.
	Blocks [][]byte
}

// Parse decodes and validates a firmware container.
func Parse(data []byte) (*Image, error) {
	r := bytes.NewReader(data)

	gotMagic := make(tpmutil.RawBytes, len(magic))
	if err := tpmutil.UnpackBuf(r, &gotMagic); err != nil {
		return nil, fmt.Errorf("%w: shorter than the magic", ErrCorruptImage)
	}
	if !bytes.Equal(gotMagic, magic) {
		return nil, fmt.Errorf("%w: bad magic % x", ErrCorruptImage, []byte(gotMagic))
	}

	var layout uint16
	var srcFamily, srcVersion, dstFamily, dstVersion tpmutil.U16Bytes
	var keyGroup uint32
	digest := make(tpmutil.RawBytes, sha256.Size)
	if err := tpmutil.UnpackBuf(r, &layout); err != nil {
		return nil, fmt.Errorf("%w: truncated header: %v", ErrCorruptImage, err)
	}
	if layout > layoutVersion {
		return nil, fmt.Errorf("%w: container layout %d, tool understands up to %d", ErrNewerToolRequired, layout, layoutVersion)
	}
	if err := tpmutil.UnpackBuf(r, &srcFamily, &srcVersion, &dstFamily, &dstVersion, &keyGroup, &digest); err != nil {
		return nil, fmt.Errorf("%w: truncated header: %v", ErrCorruptImage, err)
	}

	// The payload length prefix is read by hand and checked against the
	// bytes actually present. Firmware payloads run to hundreds of
	// kilobytes; the codec's sized-buffer types cap at the device exchange
	// ceiling and must not bound an on-disk container.
	var payloadLen uint32
	if err := tpmutil.UnpackBuf(r, &payloadLen); err != nil {
		return nil, fmt.Errorf("%w: truncated header: %v", ErrCorruptImage, err)
	}
	if int64(payloadLen) > int64(r.Len()) {
		return nil, fmt.Errorf("%w: payload length %d but only %d bytes present", ErrCorruptImage, payloadLen, r.Len())
	}
	payload := make(tpmutil.RawBytes, payloadLen)
	if err := tpmutil.UnpackBuf(r, &payload); err != nil {
		return nil, fmt.Errorf("%w: truncated payload: %v", ErrCorruptImage, err)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after the payload", ErrCorruptImage, r.Len())
	}

	if sum := sha256.Sum256(payload); !bytes.Equal(sum[:], digest) {
		return nil, fmt.Errorf("%w: payload digest mismatch", ErrCorruptImage)
	}

	img := &Image{
		SourceFamily:  string(srcFamily),
		SourceVersion: string(srcVersion),
		TargetFamily:  string(dstFamily),
		TargetVersion: string(dstVersion),
		KeyGroupID:    keyGroup,
	}
	if err := img.parsePayload(payload); err != nil {
		return nil, err
	}
	return img, nil
}

// parsePayload splits the verified payload into the manifest and the data
// blocks.
func (img *Image) parsePayload(payload []byte) error {
	r := bytes.NewReader(payload)

	var manifest tpmutil.U16Bytes
	if err := tpmutil.UnpackBuf(r, &manifest); err != nil {
		return fmt.Errorf("%w: truncated manifest: %v", ErrCorruptImage, err)
	}
	if len(manifest) == 0 {
		return fmt.Errorf("%w: empty manifest", ErrCorruptImage)
	}
	img.Manifest = manifest

	for r.Len() > 0 {
		var block tpmutil.U16Bytes
		if err := tpmutil.UnpackBuf(r, &block); err != nil {
			return fmt.Errorf("%w: truncated data block %d: %v", ErrCorruptImage, len(img.Blocks), err)
		}
		img.Blocks = append(img.Blocks, block)
	}
	if len(img.Blocks) == 0 {
		return fmt.Errorf("%w: no data blocks", ErrCorruptImage)
	}
	return nil
}

// Load reads and parses a firmware container from disk.
func Load(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// MatchesDevice checks the image against the identity of the device about
// to be updated. family and version describe the firmware the device runs
// now; keyGroup is the device's key group, zero if unknown.
func (img *Image) MatchesDevice(family, version string, keyGroup uint32) error {
	if img.KeyGroupID != 0 && keyGroup != 0 && img.KeyGroupID != keyGroup {
		return fmt.Errorf("%w: image key group %d, device key group %d", ErrWrongDecryptKeys, img.KeyGroupID, keyGroup)
	}
	if img.SourceFamily != "" && img.SourceFamily != family {
		return fmt.Errorf("%w: image expects %s firmware, device runs %s", ErrWrongImage, img.SourceFamily, family)
	}
	if img.SourceVersion != "" && img.SourceVersion != version {
		return fmt.Errorf("%w: image expects firmware %s, device runs %s", ErrWrongImage, img.SourceVersion, version)
	}
	return nil
}
