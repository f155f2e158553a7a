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
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/trustedcomputing/go-tpmupd/update"
)

// NewUpdateCmd returns the subcommand that performs a firmware update. The
// update is selected either directly (--type plus --firmware) or through
// an update config file (--type config-file plus --config).
func NewUpdateCmd(root *cobra.Command) *cobra.Command {
	c := &cobra.Command{
		Use:   "update",
		Short: "Update the TPM firmware",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := setupLogging()
			if err != nil {
				return err
			}
			backend, err := openBackend()
			if err != nil {
				return err
			}
			defer backend.Disconnect()

			chip, err := update.Detect(backend, log)
			if err != nil {
				return err
			}

			ut, imagePath, err := selectUpdate(cmd.Flags(), chip, log)
			if err != nil {
				return err
			}

			updater := update.New(backend,
				update.WithLogger(log),
				update.WithResumeStore(update.NewResumeStore(".")),
				update.WithDryRun(mustBool(cmd.Flags(), "dry-run")),
				update.WithIgnoreErrorOnComplete(mustBool(cmd.Flags(), "ignore-error-on-complete")),
				update.WithProgress(func(percent int) {
					fmt.Fprintf(cmd.OutOrStdout(), "Completion: %d%%\n", percent)
				}),
			)
			_, err = updater.Run(chip, ut, imagePath)
			return err
		},
	}
	root.AddCommand(c)
	c.Flags().String("type", "", "Update type (tpm12-pp, tpm12-takeownership, tpm20-emptyplatformauth, config-file)")
	c.Flags().String("firmware", "", "Firmware image file")
	c.Flags().String("config", "", "Update config file for --type config-file")
	c.Flags().Bool("dry-run", false, "Validate the update without writing to the device")
	c.Flags().Bool("ignore-error-on-complete", false, "Treat an error from the final update step as success")
	return c
}

// selectUpdate resolves the update type and firmware image from the flags.
// A device sitting in the boot loader resumes the recorded update and
// needs neither.
func selectUpdate(flags *pflag.FlagSet, chip *update.ChipState, log *logrus.Entry) (update.UpdateType, string, error) {
	if chip.Class == update.ClassBootloader {
		return update.UpdateTypeNone, "", nil
	}

	typeName, err := flags.GetString("type")
	if err != nil {
		return update.UpdateTypeNone, "", err
	}
	if typeName == "config-file" {
		cfgPath, err := flags.GetString("config")
		if err != nil {
			return update.UpdateTypeNone, "", err
		}
		if cfgPath == "" {
			return update.UpdateTypeNone, "", errors.New("--type config-file requires --config")
		}
		return resolveFromConfig(cfgPath, chip, log)
	}

	ut, err := update.ParseUpdateType(typeName)
	if err != nil {
		return update.UpdateTypeNone, "", err
	}
	imagePath, err := flags.GetString("firmware")
	if err != nil {
		return update.UpdateTypeNone, "", err
	}
	if imagePath == "" {
		return update.UpdateTypeNone, "", errors.New("--firmware is required unless --type config-file is used")
	}
	return ut, imagePath, nil
}

func mustBool(flags *pflag.FlagSet, name string) bool {
	v, err := flags.GetBool(name)
	if err != nil {
		panic(err)
	}
	return v
}

