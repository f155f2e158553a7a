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

package fwimage

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustedcomputing/go-tpmupd/tpmutil"
)

// buildContainer assembles a container for tests. Pass a negative layout
// to use the current one.
func buildContainer(t *testing.T, layout int, keyGroup uint32, manifest []byte, blocks ...[]byte) []byte {
	t.Helper()

	payloadParts := []interface{}{tpmutil.U16Bytes(manifest)}
	for _, b := range blocks {
		payloadParts = append(payloadParts, tpmutil.U16Bytes(b))
	}
	payload, err := tpmutil.Pack(payloadParts...)
	require.NoError(t, err)

	if layout < 0 {
		layout = int(layoutVersion)
	}
	digest := sha256.Sum256(payload)
	data, err := tpmutil.Pack(
		tpmutil.RawBytes(magic),
		uint16(layout),
		tpmutil.U16Bytes(FamilyTPM12),  // source family
		tpmutil.U16Bytes("4.40.119.0"), // source version
		tpmutil.U16Bytes(FamilyTPM20),  // target family
		tpmutil.U16Bytes("7.63.3353.0"),
		keyGroup,
		tpmutil.RawBytes(digest[:]),
		tpmutil.U32Bytes(payload),
	)
	require.NoError(t, err)
	return data
}

func TestParse(t *testing.T) {
	data := buildContainer(t, -1, 7, []byte("manifest"), []byte("block0"), []byte("block1"))

	img, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, FamilyTPM12, img.SourceFamily)
	assert.Equal(t, "4.40.119.0", img.SourceVersion)
	assert.Equal(t, FamilyTPM20, img.TargetFamily)
	assert.Equal(t, "7.63.3353.0", img.TargetVersion)
	assert.Equal(t, uint32(7), img.KeyGroupID)
	assert.Equal(t, []byte("manifest"), img.Manifest)
	require.Len(t, img.Blocks, 2)
	assert.Equal(t, []byte("block1"), img.Blocks[1])
}

func TestParseProductionSizedPayload(t *testing.T) {
	// Real images are hundreds of kilobytes, far past the device exchange
	// ceiling bounding a single TPM command.
	blocks := make([][]byte, 8)
	for i := range blocks {
		blocks[i] = make([]byte, 60000)
		blocks[i][0] = byte(i)
	}

	data := buildContainer(t, -1, 7, []byte("manifest"), blocks...)
	require.Greater(t, len(data), tpmutil.MaxResponseSize)

	img, err := Parse(data)
	require.NoError(t, err)
	require.Len(t, img.Blocks, 8)
	assert.Len(t, img.Blocks[7], 60000)
	assert.Equal(t, byte(7), img.Blocks[7][0])
}

func TestParseRejectsOverlongPayloadLength(t *testing.T) {
	data := buildContainer(t, -1, 0, []byte("m"), []byte("b"))

	// Corrupt the payload length prefix to claim more bytes than follow.
	// It sits right after the 32-byte digest: magic, layout, the four
	// length-prefixed identity strings, key group and digest precede it.
	hdr := len(magic) + 2 +
		2 + len(FamilyTPM12) + 2 + len("4.40.119.0") +
		2 + len(FamilyTPM20) + 2 + len("7.63.3353.0") +
		4 + sha256.Size
	data[hdr] = 0xFF

	_, err := Parse(data)
	assert.ErrorIs(t, err, ErrCorruptImage)
}

func TestParseRejectsBadMagic(t *testing.T) {
	data := buildContainer(t, -1, 0, []byte("m"), []byte("b"))
	data[0] ^= 0xFF

	_, err := Parse(data)
	assert.ErrorIs(t, err, ErrCorruptImage)
}

func TestParseRejectsTamperedPayload(t *testing.T) {
	data := buildContainer(t, -1, 0, []byte("m"), []byte("b"))
	data[len(data)-1] ^= 0xFF

	_, err := Parse(data)
	assert.ErrorIs(t, err, ErrCorruptImage)
}

func TestParseRejectsTruncation(t *testing.T) {
	data := buildContainer(t, -1, 0, []byte("m"), []byte("b"))

	for _, n := range []int{3, 7, 20, len(data) - 1} {
		_, err := Parse(data[:n])
		assert.ErrorIs(t, err, ErrCorruptImage, "truncated to %d bytes", n)
	}
}

func TestParseRejectsTrailingGarbage(t *testing.T) {
	data := buildContainer(t, -1, 0, []byte("m"), []byte("b"))

	_, err := Parse(append(data, 0x00))
	assert.ErrorIs(t, err, ErrCorruptImage)
}

func TestParseRejectsNewerLayout(t *testing.T) {
	data := buildContainer(t, int(layoutVersion)+1, 0, []byte("m"), []byte("b"))

	_, err := Parse(data)
	assert.ErrorIs(t, err, ErrNewerToolRequired)
}

func TestMatchesDevice(t *testing.T) {
	img := &Image{
		SourceFamily:  FamilyTPM12,
		SourceVersion: "4.40.119.0",
		KeyGroupID:    7,
	}

	assert.NoError(t, img.MatchesDevice(FamilyTPM12, "4.40.119.0", 7))

	// Zero on either side skips the key group check.
	assert.NoError(t, img.MatchesDevice(FamilyTPM12, "4.40.119.0", 0))

	assert.ErrorIs(t, img.MatchesDevice(FamilyTPM20, "4.40.119.0", 7), ErrWrongImage)
	assert.ErrorIs(t, img.MatchesDevice(FamilyTPM12, "4.43.257.0", 7), ErrWrongImage)
	assert.ErrorIs(t, img.MatchesDevice(FamilyTPM12, "4.40.119.0", 8), ErrWrongDecryptKeys)
}

func TestMatchesDeviceUnconstrainedSource(t *testing.T) {
	img := &Image{}
	assert.NoError(t, img.MatchesDevice(FamilyTPM20, "7.40.2098.0", 3))
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "TPM12_4.40.119.0_to_TPM20_7.63.3353.0.BIN",
		FileName(FamilyTPM12, "4.40.119.0", FamilyTPM20, "7.63.3353.0"))
}

func TestVariantSelection(t *testing.T) {
	assert.False(t, IsSPI(4))
	assert.False(t, IsSPI(5))
	assert.True(t, IsSPI(6))
	assert.True(t, IsSPI(7))

	assert.Equal(t, "lpc", TargetVersionFor(5, "lpc", "spi"))
	assert.Equal(t, "spi", TargetVersionFor(7, "lpc", "spi"))
}

func TestFind(t *testing.T) {
	dir := t.TempDir()
	name := FileName(FamilyTPM20, "7.40.2098.0", FamilyTPM20, "7.63.3353.0")
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))

	path, err := Find(dir, FamilyTPM20, "7.40.2098.0", FamilyTPM20, "7.63.3353.0")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, name), path)

	_, err = Find(dir, FamilyTPM12, "4.40.119.0", FamilyTPM12, "4.43.257.0")
	assert.ErrorIs(t, err, ErrUpdateNotFound)
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	data := buildContainer(t, -1, 0, []byte("m"), []byte("b"))
	path := filepath.Join(dir, "fw.BIN")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	img, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("m"), img.Manifest)
}
