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

// Package validate is for checking attestation report properties other than signature verification.
package validate

import (
	"bytes"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/go-sev-verify/abi"
	"github.com/google/go-sev-verify/verify"
	"go.uber.org/multierr"
)

// NonceMode selects how an expected nonce shorter than REPORT_DATA is compared.
type NonceMode int

const (
	// NonceExact requires the expected nonce to be exactly abi.ReportDataSize bytes.
	NonceExact NonceMode = iota
	// NoncePrefix compares a 1..64 byte expected nonce against the start of REPORT_DATA and ignores
	// the rest.
	NoncePrefix
	// NonceZeroPadded right-pads the expected nonce with zeros to abi.ReportDataSize bytes.
	NonceZeroPadded
)

var nonceModeNames = map[NonceMode]string{
	NonceExact:      "exact",
	NoncePrefix:     "prefix",
	NonceZeroPadded: "zeropad",
}

func (m NonceMode) String() string {
	if name, ok := nonceModeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("NonceMode(%d)", int(m))
}

// ParseNonceMode returns the mode named by "exact", "prefix" or "zeropad". The empty string is
// NonceExact.
func ParseNonceMode(name string) (NonceMode, error) {
	if name == "" {
		return NonceExact, nil
	}
	for mode, n := range nonceModeNames {
		if n == name {
			return mode, nil
		}
	}
	return NonceExact, fmt.Errorf("unknown nonce mode %q. Expect exact, prefix, or zeropad", name)
}

// NonceResult is the outcome of comparing REPORT_DATA against an expected nonce. It says nothing
// about whether the report is authentic.
type NonceResult struct {
	// Checked is false when no nonce was expected.
	Checked bool
	// Err is nil iff the nonce matched or was not checked.
	Err error
}

// Matched returns true iff a nonce was expected and REPORT_DATA matched it.
func (r NonceResult) Matched() bool { return r.Checked && r.Err == nil }

// CheckNonce runs MatchNonce and records its result.
func CheckNonce(report *abi.Report, expected []byte, mode NonceMode) NonceResult {
	if expected == nil {
		return NonceResult{}
	}
	return NonceResult{Checked: true, Err: MatchNonce(report, expected, mode)}
}

func expectedReportData(expected []byte, mode NonceMode) ([]byte, int, error) {
	if len(expected) > abi.ReportDataSize {
		return nil, 0, verify.Errorf(verify.NonceLengthMismatch,
			"expected nonce is %d bytes, longer than the %d byte REPORT_DATA", len(expected), abi.ReportDataSize)
	}
	switch mode {
	case NonceExact:
		if len(expected) != abi.ReportDataSize {
			return nil, 0, verify.Errorf(verify.NonceLengthMismatch,
				"expected nonce is %d bytes. Expect exactly %d bytes", len(expected), abi.ReportDataSize)
		}
		return expected, abi.ReportDataSize, nil
	case NoncePrefix:
		if len(expected) == 0 {
			return nil, 0, verify.Errorf(verify.NonceLengthMismatch, "expected nonce prefix is empty")
		}
		return expected, len(expected), nil
	case NonceZeroPadded:
		if len(expected) == 0 {
			return nil, 0, verify.Errorf(verify.NonceLengthMismatch, "expected zero-padded nonce is empty")
		}
		padded := make([]byte, abi.ReportDataSize)
		copy(padded, expected)
		return padded, abi.ReportDataSize, nil
	}
	return nil, 0, fmt.Errorf("unknown nonce mode %v", mode)
}

// MatchNonce compares REPORT_DATA against the expected nonce in constant time. A nil expected
// nonce is not checked.
func MatchNonce(report *abi.Report, expected []byte, mode NonceMode) error {
	if expected == nil {
		return nil
	}
	if report == nil {
		return verify.Errorf(verify.MalformedReport, "no report")
	}
	want, n, err := expectedReportData(expected, mode)
	if err != nil {
		return err
	}
	got := report.ReportData[:n]
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return verify.Errorf(verify.NonceMismatch, "report field REPORT_DATA is %s. Expect %s",
			hex.EncodeToString(got), hex.EncodeToString(want))
	}
	return nil
}

// Options represents expectations on attestation report fields beyond the nonce. The zero value
// checks nothing.
type Options struct {
	// GuestPolicy is the maximum of acceptable guest policies. Not checked if nil.
	GuestPolicy *abi.SnpPolicy
	// DisallowDebug rejects reports whose guest policy permits debugging.
	DisallowDebug bool
	// HostData is the expected HOST_DATA field. Must be nil or 32 bytes long. Not checked if nil.
	HostData []byte
	// ImageID is the expected IMAGE_ID field. Must be nil or 16 bytes long. Not checked if nil.
	ImageID []byte
	// FamilyID is the expected FAMILY_ID field. Must be nil or 16 bytes long. Not checked if nil.
	FamilyID []byte
	// Measurement is the expected MEASUREMENT field. Must be nil or 48 bytes long. Not checked if nil.
	Measurement []byte
	// MinimumGuestSvn is the minimum acceptable GUEST_SVN.
	MinimumGuestSvn uint32
	// PlatformInfo is the maximum of acceptable PLATFORM_INFO data. Not checked if nil.
	PlatformInfo *abi.SnpPlatformInfo
}

// <0 if p0 < p1. 0 if p0 = p1. >0 if p0 > p1.
func compareByteVersions(major0, minor0, major1, minor1 uint8) int64 {
	version0 := (uint16(major0) << 8) | uint16(minor0)
	version1 := (uint16(major1) << 8) | uint16(minor1)
	return int64(version0) - int64(version1)
}

func validatePolicy(reportPolicy uint64, required *abi.SnpPolicy, disallowDebug bool) error {
	policy, err := abi.ParseSnpPolicy(reportPolicy)
	if err != nil {
		return fmt.Errorf("could not parse SNP policy: %v", err)
	}
	if disallowDebug && policy.Debug {
		return errors.New("found unauthorized debug capability")
	}
	if required == nil {
		return nil
	}
	if compareByteVersions(required.ABIMajor, required.ABIMinor, policy.ABIMajor, policy.ABIMinor) > 0 {
		return fmt.Errorf(
			"required policy ABI version (%d.%d) is greater than the report's ABI version (%d.%d)",
			required.ABIMajor, required.ABIMinor, policy.ABIMajor, policy.ABIMinor)
	}
	if !required.MigrateMA && policy.MigrateMA {
		return errors.New("found unauthorized migration agent capability")
	}
	if !required.Debug && policy.Debug {
		return errors.New("found unauthorized debug capability")
	}
	if !required.SMT && policy.SMT {
		return errors.New("found unauthorized symmetric multithreading (SMT) capability")
	}
	if !required.CXLAllowed && policy.CXLAllowed {
		return errors.New("found unauthorized CXL capability")
	}
	if required.SingleSocket && !policy.SingleSocket {
		return errors.New("required single socket restriction not present")
	}
	if required.MemAES256XTS && !policy.MemAES256XTS {
		return errors.New("required AES-256-XTS memory encryption not present")
	}
	if required.CipherTextHiding && !policy.CipherTextHiding {
		return errors.New("required ciphertext hiding not present")
	}
	return nil
}

func validateByteField(option, field string, size int, given, required []byte) error {
	if len(required) == 0 {
		return nil
	}
	if len(required) != size {
		return fmt.Errorf("option %s must be nil or %d bytes", option, size)
	}
	if !bytes.Equal(required, given) {
		return fmt.Errorf("report field %s is %s. Expect %s",
			field, hex.EncodeToString(given), hex.EncodeToString(required))
	}
	return nil
}

func validateVerbatimFields(report *abi.Report, options *Options) error {
	return multierr.Combine(
		validateByteField("HostData", "HOST_DATA", abi.HostDataSize, report.HostData[:], options.HostData),
		validateByteField("FamilyID", "FAMILY_ID", abi.FamilyIDSize, report.FamilyID[:], options.FamilyID),
		validateByteField("ImageID", "IMAGE_ID", abi.ImageIDSize, report.ImageID[:], options.ImageID),
		validateByteField("Measurement", "MEASUREMENT", abi.MeasurementSize, report.Measurement[:], options.Measurement),
	)
}

func validatePlatformInfo(platformInfo uint64, required *abi.SnpPlatformInfo) error {
	if required == nil {
		return nil
	}
	reportInfo, err := abi.ParseSnpPlatformInfo(platformInfo)
	if err != nil {
		return fmt.Errorf("could not parse SNP platform info %x: %v", platformInfo, err)
	}
	if reportInfo.TSMEEnabled && !required.TSMEEnabled {
		return errors.New("unauthorized platform feature TSME enabled")
	}
	if reportInfo.SMTEnabled && !required.SMTEnabled {
		return errors.New("unauthorized platform feature SMT enabled")
	}
	return nil
}

// SnpReport checks the report's fields against options. All violations are reported together as
// one PolicyMismatch error. The report should already be verified.
func SnpReport(report *abi.Report, options *Options) error {
	if report == nil {
		return verify.Errorf(verify.MalformedReport, "no report")
	}
	if options == nil {
		return nil
	}
	var svnErr error
	if report.GuestSvn < options.MinimumGuestSvn {
		svnErr = fmt.Errorf("report field GUEST_SVN %d is less than the required minimum %d",
			report.GuestSvn, options.MinimumGuestSvn)
	}
	err := multierr.Combine(
		validatePolicy(report.Policy, options.GuestPolicy, options.DisallowDebug),
		validateVerbatimFields(report, options),
		svnErr,
		validatePlatformInfo(report.PlatformInfo, options.PlatformInfo),
	)
	if err != nil {
		return verify.Wrap(verify.PolicyMismatch, err, "")
	}
	return nil
}
