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

	"github.com/spf13/cobra"

	"github.com/trustedcomputing/go-tpmupd/update"
)

// NewInfoCmd returns the subcommand that probes the device and prints a
// chip report.
func NewInfoCmd(root *cobra.Command) *cobra.Command {
	c := &cobra.Command{
		Use:   "info",
		Short: "Show the TPM firmware state",
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
			printChipReport(cmd, chip)
			return nil
		},
	}
	root.AddCommand(c)
	return c
}

func printChipReport(cmd *cobra.Command, chip *update.ChipState) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Mode              : %s\n", chip.Class)
	if chip.Class == update.ClassBootloader {
		fmt.Fprintf(out, "Remaining updates : %d\n", chip.RemainingUpdates)
		return
	}
	fmt.Fprintf(out, "Firmware family   : %s\n", chip.Family)
	fmt.Fprintf(out, "Firmware version  : %s\n", chip.Version)
	fmt.Fprintf(out, "Remaining updates : %d\n", chip.RemainingUpdates)
	switch chip.Class {
	case update.ClassTPM12:
		fmt.Fprintf(out, "Owner present     : %t\n", chip.OwnerPresent)
		fmt.Fprintf(out, "Deferred PP set   : %t\n", chip.DeferredPP)
	case update.ClassTPM20:
		fmt.Fprintf(out, "Restart required  : %t\n", chip.RestartRequired)
		fmt.Fprintf(out, "Platform auth set : %t\n", chip.PlatformAuthSet)
	}
	fmt.Fprintf(out, "Updatable         : %t\n", chip.Updatable())
}

