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

// NewClearOwnershipCmd returns the subcommand that removes the owner a
// previous tpm12-takeownership update installed.
func NewClearOwnershipCmd(root *cobra.Command) *cobra.Command {
	c := &cobra.Command{
		Use:   "clear-ownership",
		Short: "Clear the TPM ownership taken for a firmware update",
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
			if err := update.New(backend, update.WithLogger(log)).ClearOwnership(chip); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Ownership cleared.")
			return nil
		},
	}
	root.AddCommand(c)
	return c
}

