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
	"fmt"
	"os"

	"github.com/google/go-sev-verify/tools/lib/report"
	"github.com/spf13/cobra"
)

var (
	inform  string
	outform string
	outfile string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the decoded fields of an attestation report without verifying it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		infile := jsonFile
		if infile == "" {
			infile = "-"
		}
		attestation, err := report.ReadAttestation(infile, inform)
		if err != nil {
			return err
		}
		var out []byte
		if outform == "text" {
			// The text form is followed by the TCB breakdown for human readers.
			text, err := report.Transform(attestation, "text")
			if err != nil {
				return err
			}
			tcb, err := report.Transform(attestation, "tcb")
			if err != nil {
				return err
			}
			out = append(append(text, '\n'), tcb...)
		} else if out, err = report.Transform(attestation, outform); err != nil {
			return err
		}

		if outfile == "" || outfile == "-" {
			_, err = cmd.OutOrStdout().Write(out)
		} else {
			err = os.WriteFile(outfile, out, 0644)
		}
		if err != nil {
			return fmt.Errorf("could not write attestation to %q: %v", outfile, err)
		}
		return nil
	},
}

func init() {
	RootCmd.AddCommand(showCmd)
	showCmd.Flags().StringVar(&jsonFile, "json_file", "", "path to the evidence file, or - for stdin")
	showCmd.Flags().StringVar(&inform, "inform", "json", "format of the input: json or bin (report plus certificate table)")
	showCmd.Flags().StringVar(&outform, "outform", "text", "format of the output: text, tcb, json or bin")
	showCmd.Flags().StringVar(&outfile, "out", "-", "path to the output file, or - for stdout")
}
