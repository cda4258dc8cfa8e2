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

// Package check runs the full SEV-SNP evidence verification pipeline: report decoding,
// certificate chain construction and verification, report signature verification, and nonce
// matching, stopping at the first failure.
package check

import (
	"fmt"

	"github.com/google/go-sev-verify/abi"
	"github.com/google/go-sev-verify/uvm"
	"github.com/google/go-sev-verify/validate"
	"github.com/google/go-sev-verify/verify"
	"github.com/google/logger"
)

// Stage is a state of the verification pipeline.
type Stage int

const (
	// Decoding parses the attestation report.
	Decoding Stage = iota
	// ChainBuilding parses the VCEK, ASK and ARK certificates.
	ChainBuilding
	// ChainVerifying checks the certificate signatures and the root pin.
	ChainVerifying
	// ReportVerifying checks the report signature and the VCEK cross-check.
	ReportVerifying
	// NonceMatching compares REPORT_DATA with the expected nonce.
	NonceMatching
	// Validating checks report policy and the utility VM endorsement, when configured.
	Validating
	// Done means every stage passed.
	Done
)

var stageNames = map[Stage]string{
	Decoding:        "Decoding",
	ChainBuilding:   "ChainBuilding",
	ChainVerifying:  "ChainVerifying",
	ReportVerifying: "ReportVerifying",
	NonceMatching:   "NonceMatching",
	Validating:      "Validating",
	Done:            "Done",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// Input is already-decoded evidence.
type Input struct {
	// Report is the raw attestation report.
	Report []byte
	// Certificates are DER certificates in the order [VCEK, ASK, ARK].
	Certificates [][]byte
	// CertTable is used when Certificates is empty.
	CertTable *abi.CertTable
	// UvmEndorsements is the raw COSE_Sign1 utility VM endorsement. Only decoded if
	// Options.CheckUvm is set.
	UvmEndorsements []byte
	// ExpectedNonce is compared with REPORT_DATA. Not checked if nil.
	ExpectedNonce []byte
}

// Options configures Run. The zero value verifies authenticity without pinning the root.
type Options struct {
	Verify    verify.Options
	NonceMode validate.NonceMode
	// Policy, if not nil, is checked in the Validating stage.
	Policy *validate.Options
	// CheckUvm requires a utility VM endorsement that vouches for the report's MEASUREMENT.
	CheckUvm bool
	Uvm      uvm.Expectations
}

// StageResult is the result of one stage. A skipped stage has a nil Err.
type StageResult struct {
	Stage   Stage
	Skipped bool
	Err     error
}

// Outcome is the verdict of Run.
type Outcome struct {
	// Stage is Done on success, otherwise the stage that failed.
	Stage Stage
	// Err is nil iff the evidence is trusted.
	Err error
	// Stages lists every stage that ran or was skipped, in order.
	Stages []StageResult
	// RootPinned is true if the ARK matched a configured trust anchor.
	RootPinned bool
	// Nonce is computed right after decoding for diagnostics, before anything is authenticated.
	// A match here proves nothing on its own; only Err reflects the verdict.
	Nonce validate.NonceResult
	// Report is the decoded report, if decoding succeeded.
	Report      *abi.Report
	Chain       *verify.Chain
	Endorsement *uvm.Endorsement
}

// Success returns true iff every stage passed.
func (o *Outcome) Success() bool { return o.Err == nil && o.Stage == Done }

// Kind returns the failure kind, or verify.UnknownKind on success.
func (o *Outcome) Kind() verify.Kind { return verify.KindOf(o.Err) }

func (o *Outcome) pass(s Stage) {
	logger.Infof("%v passed", s)
	o.Stages = append(o.Stages, StageResult{Stage: s})
}

func (o *Outcome) skip(s Stage) {
	o.Stages = append(o.Stages, StageResult{Stage: s, Skipped: true})
}

func (o *Outcome) fail(s Stage, err error) *Outcome {
	logger.Infof("%v failed: %v", s, err)
	o.Stage = s
	o.Err = err
	o.Stages = append(o.Stages, StageResult{Stage: s, Err: err})
	return o
}

func buildChain(in *Input) (*verify.Chain, error) {
	if len(in.Certificates) == 0 && in.CertTable != nil {
		return verify.ChainFromCertTable(in.CertTable)
	}
	return verify.ChainFromDER(in.Certificates)
}

func validateEvidence(in *Input, opts *Options, o *Outcome) error {
	if opts.Policy != nil {
		if err := validate.SnpReport(o.Report, opts.Policy); err != nil {
			return err
		}
	}
	if !opts.CheckUvm {
		return nil
	}
	if len(in.UvmEndorsements) == 0 {
		return verify.Errorf(verify.PolicyMismatch, "no utility VM endorsement to check")
	}
	e, err := uvm.Decode(in.UvmEndorsements)
	if err != nil {
		return verify.Wrap(verify.PolicyMismatch, err, "utility VM endorsement")
	}
	if err := e.VerifySignature(); err != nil {
		return verify.Wrap(verify.PolicyMismatch, err, "utility VM endorsement")
	}
	o.Endorsement = e
	return e.MatchReport(o.Report, opts.Uvm)
}

// Run verifies the evidence in, stopping at the first failing stage. It never panics on
// malformed input and shares no state between calls.
func Run(in *Input, opts *Options) *Outcome {
	if opts == nil {
		opts = &Options{}
	}
	o := &Outcome{}
	if in == nil {
		return o.fail(Decoding, verify.Errorf(verify.MalformedReport, "no evidence"))
	}

	report, err := verify.ParseReport(in.Report)
	if err != nil {
		return o.fail(Decoding, err)
	}
	o.Report = report
	o.Nonce = validate.CheckNonce(report, in.ExpectedNonce, opts.NonceMode)
	o.pass(Decoding)

	chain, err := buildChain(in)
	if err != nil {
		return o.fail(ChainBuilding, err)
	}
	o.Chain = chain
	o.pass(ChainBuilding)

	pinned, err := verify.VerifyChain(chain, &opts.Verify)
	o.RootPinned = pinned
	if err != nil {
		return o.fail(ChainVerifying, err)
	}
	o.pass(ChainVerifying)

	if err := verify.VerifyReport(chain, report); err != nil {
		return o.fail(ReportVerifying, err)
	}
	o.pass(ReportVerifying)

	if !o.Nonce.Checked {
		o.skip(NonceMatching)
	} else if o.Nonce.Err != nil {
		return o.fail(NonceMatching, o.Nonce.Err)
	} else {
		o.pass(NonceMatching)
	}

	if opts.Policy == nil && !opts.CheckUvm {
		o.skip(Validating)
	} else if err := validateEvidence(in, opts, o); err != nil {
		return o.fail(Validating, err)
	} else {
		o.pass(Validating)
	}

	o.Stage = Done
	return o
}
