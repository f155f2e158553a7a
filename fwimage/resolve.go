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
	"fmt"
	"os"
	"path/filepath"
)

// FileName returns the canonical firmware file name for an update from the
// given source identity to the given target identity, for example
// "TPM12_4.40.119.0_to_TPM20_7.63.3353.0.BIN".
func FileName(srcFamily, srcVersion, dstFamily, dstVersion string) string {
	return fmt.Sprintf("%s_%s_to_%s_%s.BIN", srcFamily, srcVersion, dstFamily, dstVersion)
}

// IsSPI reports whether a firmware version major denotes the SPI part
// (SLB9670). Majors 4 and 5 are the LPC parts (SLB966x).
func IsSPI(major uint8) bool {
	return major >= 6
}

// TargetVersionFor selects the configured target version matching the
// device's bus variant. Firmware for the LPC and SPI parts is not
// interchangeable, so the update config carries one version per variant.
func TargetVersionFor(major uint8, lpcVersion, spiVersion string) string {
	if IsSPI(major) {
		return spiVersion
	}
	return lpcVersion
}

// Find resolves the firmware image file for a config-driven update. The
// file must sit in folder under the canonical name; a missing file means
// no update path exists from the device's current firmware and surfaces as
// ErrUpdateNotFound.
func Find(folder, srcFamily, srcVersion, dstFamily, dstVersion string) (string, error) {
	name := FileName(srcFamily, srcVersion, dstFamily, dstVersion)
	path := filepath.Join(folder, name)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrUpdateNotFound, name)
		}
		return "", err
	}
	return path, nil
}
