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

package cmd

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/go-sev-verify/check"
	"github.com/google/go-sev-verify/tools/lib/bundle"
	"github.com/google/go-sev-verify/tools/lib/cmdline"
	"github.com/google/go-sev-verify/tools/lib/config"
	"github.com/google/go-sev-verify/validate"
	"github.com/google/go-sev-verify/verify/trust"
	"github.com/google/logger"
	"github.com/spf13/cobra"
)

var (
	jsonFile      string
	reportData    string
	b64ReportData string
	configFile    string
	trustedRoots  []string
	nonceMode     string
	checkUvm      bool
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify attestation evidence against an expected nonce",
	Long: `Verify reads a JSON evidence file with the attestation report, the VCEK, ASK and ARK
certificates as PEM, and an optional utility VM endorsement. It prints one status line per
verification stage and exits 0 if the evidence is trusted, 2 if it is rejected, and 1 if the
input or flags could not be read.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		opts, err := verifyOptions()
		if err != nil {
			return err
		}
		nonce, err := cmdline.ExpectedNonce(reportData, b64ReportData)
		if err != nil {
			return err
		}
		if nonce == nil {
			return errors.New("an expected nonce is required: give --report_data or --b64_report_data")
		}
		evidence, err := bundle.ReadFile(jsonFile)
		if err != nil {
			return err
		}
		in, err := evidence.Input(nonce)
		if err != nil {
			return err
		}
		o := check.Run(in, opts)
		printOutcome(cmd.OutOrStdout(), o)
		if !o.Success() {
			return &RejectedError{Outcome: o}
		}
		return nil
	},
}

// verifyOptions loads the config file, then applies flags on top of it.
func verifyOptions() (*check.Options, error) {
	cfg := &config.Config{}
	if err := config.Load(cfg, configFile); err != nil {
		return nil, err
	}
	if nonceMode != "" {
		cfg.NonceMode = nonceMode
	}
	if checkUvm {
		cfg.CheckUvmMeasurement = true
	}
	opts, err := cfg.CheckOptions(time.Now())
	if err != nil {
		return nil, err
	}
	for _, path := range trustedRoots {
		anchors, err := trust.FromPEMFile(path)
		if err != nil {
			return nil, err
		}
		opts.Verify.TrustedRoots = append(opts.Verify.TrustedRoots, anchors...)
	}
	return opts, nil
}

func printOutcome(w io.Writer, o *check.Outcome) {
	for _, s := range o.Stages {
		switch {
		case s.Skipped:
			fmt.Fprintf(w, "[SKIP] %v\n", s.Stage)
		case s.Err != nil:
			fmt.Fprintf(w, "[FAIL] %v: %v\n", s.Stage, s.Err)
		default:
			fmt.Fprintf(w, "[ OK ] %v\n", s.Stage)
		}
		if s.Stage == check.Decoding && s.Err == nil {
			printNonceDiagnostic(w, o.Nonce)
		}
		if s.Stage == check.ChainVerifying && s.Err == nil && !o.RootPinned {
			fmt.Fprintln(w, "[WARN] ARK is not pinned to a trusted root")
		}
	}
	if o.Success() {
		fmt.Fprintln(w, "[ OK ] Evidence verified")
		return
	}
	logger.Warningf("Evidence rejected: %v", o.Err)
	fmt.Fprintf(w, "[FAIL] Evidence rejected: %v\n", o.Kind())
}

// printNonceDiagnostic reports the nonce comparison even if a later stage rejects the evidence.
// REPORT_DATA is not authenticated at that point, so a match alone proves nothing.
func printNonceDiagnostic(w io.Writer, r validate.NonceResult) {
	switch {
	case !r.Checked:
	case r.Err != nil:
		fmt.Fprintf(w, "[INFO] nonce mismatched (unauthenticated): %v\n", r.Err)
	default:
		fmt.Fprintln(w, "[INFO] nonce matched (unauthenticated)")
	}
}

func init() {
	RootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().StringVar(&jsonFile, "json_file", "", "path to the JSON evidence file")
	verifyCmd.Flags().StringVar(&reportData, "report_data", "", "expected REPORT_DATA as hex")
	verifyCmd.Flags().StringVar(&b64ReportData, "b64_report_data", "", "expected REPORT_DATA as base64")
	verifyCmd.Flags().StringVar(&configFile, "config", "", "path to a YAML configuration file")
	verifyCmd.Flags().StringArrayVar(&trustedRoots, "trusted_root", nil,
		"PEM file with an ARK certificate to pin; may be repeated")
	verifyCmd.Flags().StringVar(&nonceMode, "nonce_mode", "",
		"how a short nonce is compared with REPORT_DATA: exact, prefix or zeropad (default from config, else exact)")
	verifyCmd.Flags().BoolVar(&checkUvm, "check_uvm", false,
		"require a utility VM endorsement that vouches for the report's MEASUREMENT")
	verifyCmd.MarkFlagRequired("json_file")
}
