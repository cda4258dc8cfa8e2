// Copyright 2022 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cmd contains the snpverify command tree.
package cmd

import (
	"errors"
	"io"
	"os"

	"github.com/google/go-sev-verify/check"
	"github.com/google/logger"
	"github.com/spf13/cobra"
)

var verbose bool

// RootCmd is the entrypoint of snpverify.
var RootCmd = &cobra.Command{
	Use:   "snpverify",
	Short: "Verify AMD SEV-SNP attestation evidence",
	Long: `snpverify checks that an AMD SEV-SNP attestation report was signed by a genuine AMD
chip, that its VCEK certificate chains to an AMD root key, and that the report carries the
expected nonce.`,
	SilenceUsage: true,
	PersistentPreRun: func(*cobra.Command, []string) {
		var logFile io.Writer = io.Discard
		if verbose {
			logFile = os.Stderr
		}
		logger.Init("snpverify", false, false, logFile)
	},
}

func init() {
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log every pipeline stage to stderr")
	// Disable the "help" subcommand (and just use the -h/--help flags).
	RootCmd.SetHelpCommand(&cobra.Command{Hidden: true})
}

// RejectedError is returned when the evidence was read but is not trusted.
type RejectedError struct {
	Outcome *check.Outcome
}

func (e *RejectedError) Error() string {
	return "evidence rejected at " + e.Outcome.Stage.String() + ": " + e.Outcome.Err.Error()
}

// ExitCode maps a command error to the process exit status: 0 on success, 2 if the evidence
// was rejected, and 1 for usage or input errors.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return 2
	}
	return 1
}
