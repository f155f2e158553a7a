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

package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/trustedcomputing/go-tpmupd/fwimage"
	"github.com/trustedcomputing/go-tpmupd/update"
)

// Update config keys. The config is an ini file with one update type per
// firmware generation and one target version per bus variant:
//
//	[UpdateType]
//	tpm12 = tpm12-takeownership
//	tpm20 = tpm20-emptyplatformauth
//
//	[TargetFirmware]
//	version_SLB966x = 4.43.257.0
//	version_SLB9670 = 7.85.4.0
//
//	[FirmwareFolder]
//	path = ./firmware
var configKeys = map[string]bool{
	"updatetype.tpm12":               true,
	"updatetype.tpm20":               true,
	"targetfirmware.version_slb966x": true,
	"targetfirmware.version_slb9670": true,
	"firmwarefolder.path":            true,
}

// resolveFromConfig picks the update type for the detected firmware
// generation and locates the firmware image for the configured target
// version. Unknown config keys are reported but do not fail the run.
func resolveFromConfig(path string, chip *update.ChipState, log *logrus.Entry) (update.UpdateType, string, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")
	if err := v.ReadInConfig(); err != nil {
		return update.UpdateTypeNone, "", fmt.Errorf("reading update config: %w", err)
	}
	for _, key := range v.AllKeys() {
		if !configKeys[key] {
			log.WithField("key", key).Warn("ignoring unknown update config key")
		}
	}

	var typeName string
	switch chip.Class {
	case update.ClassTPM12:
		typeName = v.GetString("updatetype.tpm12")
	case update.ClassTPM20:
		typeName = v.GetString("updatetype.tpm20")
	default:
		return update.UpdateTypeNone, "", fmt.Errorf("no config-driven update for a device in mode %q", chip.Class)
	}
	if typeName == "" {
		return update.UpdateTypeNone, "", fmt.Errorf("update config names no update type for %s", chip.Class)
	}
	ut, err := update.ParseUpdateType(typeName)
	if err != nil {
		return update.UpdateTypeNone, "", err
	}

	target := fwimage.TargetVersionFor(chip.VersionMajor,
		v.GetString("targetfirmware.version_slb966x"),
		v.GetString("targetfirmware.version_slb9670"))
	if target == "" {
		return update.UpdateTypeNone, "", fmt.Errorf("update config names no target version for firmware %s", chip.Version)
	}

	imagePath, err := fwimage.Find(v.GetString("firmwarefolder.path"),
		chip.Family, chip.Version, chip.Family, target)
	if err != nil {
		return update.UpdateTypeNone, "", err
	}
	log.WithFields(logrus.Fields{
		"type":  ut,
		"image": imagePath,
	}).Info("update resolved from config")
	return ut, imagePath, nil
}
