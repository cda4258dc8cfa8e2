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

package testing

import (
	"fmt"

	"github.com/google/go-sev-verify/abi"
	"github.com/google/go-sev-verify/kds"
)

var cpuidOf = map[kds.ProductLine][2]uint8{
	kds.Milan: {0x19, 0x01},
	kds.Genoa: {0x19, 0x11},
	kds.Turin: {0x1a, 0x02},
}

// ReportTemplate returns an unsigned version 3 report whose CHIP_ID, CPUID and TCB fields agree
// with the signer's VCEK.
func (s *AmdSigner) ReportTemplate() *abi.Report {
	tcb := uint64(s.TCBVersion())
	r := &abi.Report{
		Version:       3,
		GuestSvn:      1,
		Policy:        abi.SnpPolicyToBytes(abi.SnpPolicy{ABIMajor: 1, ABIMinor: 51, SMT: true}),
		SignatureAlgo: abi.SignEcdsaP384Sha384,
		CurrentTcb:    tcb,
		PlatformInfo:  1,
		SignerInfo:    abi.SignerInfoToBytes(abi.SignerInfo{SigningKey: abi.VcekReportSigner}),
		ReportedTcb:   tcb,
		CommittedTcb:  tcb,
		LaunchTcb:     tcb,
		CurrentBuild:  4,
		CurrentMinor:  55,
		CurrentMajor:  1,
	}
	fms := cpuidOf[s.Product.Line]
	r.CpuidFamID, r.CpuidModID, r.CpuidStep = fms[0], fms[1], s.Product.Stepping
	copy(r.ChipID[:], s.HWID[:s.Product.Line.HWIDSize()])
	for i := range r.Measurement {
		r.Measurement[i] = byte(0x40 + i)
	}
	return r
}

// SignReport encodes r, signs it with the VCEK key, and returns the raw report bytes. The
// signature fields of r are ignored.
func (s *AmdSigner) SignReport(r *abi.Report) ([]byte, error) {
	raw := abi.ReportToAbiBytes(r)
	R, S, err := s.Sign(abi.SignedComponent(raw))
	if err != nil {
		return nil, fmt.Errorf("could not sign report: %v", err)
	}
	if err := abi.SetSignature(raw, R, S); err != nil {
		return nil, err
	}
	return raw, nil
}

// TestReport returns a signed report carrying reportData, built from ReportTemplate.
func (s *AmdSigner) TestReport(reportData [abi.ReportDataSize]byte) ([]byte, error) {
	r := s.ReportTemplate()
	r.ReportData = reportData
	return s.SignReport(r)
}
