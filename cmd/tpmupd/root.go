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
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/trustedcomputing/go-tpmupd/transport"
	"github.com/trustedcomputing/go-tpmupd/update"
)

// NewRootCmd builds the base command with the flags shared by every
// subcommand.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "tpmupd",
		Short:        "Firmware update tool for Infineon TPM devices",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", "", "Also write the log to this file")
	cmd.PersistentFlags().String("access-mode", "driver", "TPM access mode (driver, mmio)")
	cmd.PersistentFlags().String("device", transport.DefaultDevicePath, "TPM character device for driver mode")
	_ = viper.BindPFlag("log-level", cmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log-file", cmd.PersistentFlags().Lookup("log-file"))
	_ = viper.BindPFlag("access-mode", cmd.PersistentFlags().Lookup("access-mode"))
	_ = viper.BindPFlag("device", cmd.PersistentFlags().Lookup("device"))
	return cmd
}

// rootCmd is the assembled command tree.
var rootCmd = NewRootCmd()

func init() {
	NewInfoCmd(rootCmd)
	NewUpdateCmd(rootCmd)
	NewClearOwnershipCmd(rootCmd)
}

// Execute runs the tool. A coded update error becomes the process exit
// code so callers can script against the documented error space.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		var coded *update.Error
		if errors.As(err, &coded) && coded.Code != update.CodeSuccess {
			os.Exit(int(coded.Code))
		}
		os.Exit(1)
	}
}

// setupLogging configures the process logger from the persistent flags
// and hands out the entry the library packages log through.
func setupLogging() (*logrus.Entry, error) {
	log := logrus.StandardLogger()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	level, err := logrus.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	log.SetLevel(level)

	if path := viper.GetString("log-file"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		log.SetOutput(io.MultiWriter(os.Stderr, f))
	}
	return logrus.NewEntry(log), nil
}

// openBackend builds and connects the transport selected by the
// persistent flags. The caller owns the Disconnect.
func openBackend() (transport.Backend, error) {
	var backend transport.Backend
	switch mode := viper.GetString("access-mode"); mode {
	case "driver":
		backend = transport.NewDriver(viper.GetString("device"))
	case "mmio":
		backend = transport.NewMMIO(0)
	default:
		return nil, fmt.Errorf("unknown access mode %q", mode)
	}
	if err := backend.Connect(); err != nil {
		return nil, err
	}
	return backend, nil
}
