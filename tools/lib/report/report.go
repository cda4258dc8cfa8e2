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

// Package report provides functions for reading and writing attestation reports of various formats.
package report

import (
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/go-sev-verify/abi"
	"github.com/google/go-sev-verify/kds"
	"github.com/google/go-sev-verify/tools/lib/bundle"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Attestation is a decoded attestation report and whatever evidence accompanied it.
type Attestation struct {
	Report *abi.Report
	// Raw is the report in the AMD ABI format.
	Raw []byte
	// Certificates are DER certificates in the order [VCEK, ASK, ARK], if given as a list.
	Certificates [][]byte
	// CertTable is the certificate table of an extended report, if given as one.
	CertTable       *abi.CertTable
	UvmEndorsements []byte
}

func parseAttestationBytes(b []byte) (*Attestation, error) {
	// This format is the attestation report in AMD's specified ABI format, immediately
	// followed by the certificate table bytes.
	if len(b) < abi.ReportSize {
		return nil, fmt.Errorf("attestation contents too small (0x%x bytes). Want at least 0x%x bytes", len(b), abi.ReportSize)
	}
	reportBytes := b[0:abi.ReportSize]
	certBytes := b[abi.ReportSize:]

	report, err := abi.ReportFromBytes(reportBytes)
	if err != nil {
		return nil, fmt.Errorf("could not parse attestation report: %v", err)
	}
	result := &Attestation{Report: report, Raw: reportBytes}
	if len(certBytes) == 0 {
		return result, nil
	}
	certs := new(abi.CertTable)
	if err := certs.Unmarshal(certBytes); err != nil {
		return nil, fmt.Errorf("could not parse certificate table: %v", err)
	}
	result.CertTable = certs
	return result, nil
}

func parseAttestationJSON(b []byte) (*Attestation, error) {
	evidence, err := bundle.Parse(b)
	if err != nil {
		return nil, err
	}
	certs, err := evidence.Certificates()
	if err != nil {
		return nil, err
	}
	report, err := abi.ReportFromBytes(evidence.Attestation)
	if err != nil {
		return nil, fmt.Errorf("could not parse attestation report: %v", err)
	}
	return &Attestation{
		Report:          report,
		Raw:             evidence.Attestation,
		Certificates:    certs,
		UvmEndorsements: evidence.UvmEndorsements,
	}, nil
}

// ParseAttestation parses an attestation report from a byte slice as a given format.
func ParseAttestation(b []byte, inform string) (*Attestation, error) {
	switch inform {
	case "bin":
		// May have empty certificate buffer to be just a report.
		return parseAttestationBytes(b)
	case "json":
		return parseAttestationJSON(b)
	default:
		return nil, fmt.Errorf("unknown inform: %q", inform)
	}
}

// ReadAttestation reads an attestation report from a file.
func ReadAttestation(infile, inform string) (*Attestation, error) {
	var in io.Reader
	var f *os.File
	if infile == "-" {
		in = os.Stdin
	} else {
		file, err := os.Open(infile)
		if err != nil {
			return nil, fmt.Errorf("could not open %q: %v", infile, err)
		}
		f = file
		in = file
	}
	defer func() {
		if f != nil {
			f.Close()
		}
	}()

	contents, err := io.ReadAll(in)
	if err != nil {
		return nil, fmt.Errorf("could not read %q: %v", infile, err)
	}
	return ParseAttestation(contents, inform)
}

// chainDER returns the certificates in [VCEK, ASK, ARK] order, skipping any the table lacks.
func (a *Attestation) chainDER() [][]byte {
	if len(a.Certificates) > 0 || a.CertTable == nil {
		return a.Certificates
	}
	var ders [][]byte
	for _, guid := range []string{abi.VcekGUID, abi.AskGUID, abi.ArkGUID} {
		if der, err := a.CertTable.GetByGUIDString(guid); err == nil {
			ders = append(ders, der)
		}
	}
	return ders
}

func asBin(a *Attestation) ([]byte, error) {
	r := abi.ReportToAbiBytes(a.Report)
	if a.CertTable == nil {
		return r, nil
	}
	return append(r, a.CertTable.Marshal()...), nil
}

func asJSON(a *Attestation) ([]byte, error) {
	var certs strings.Builder
	for _, der := range a.chainDER() {
		if err := pem.Encode(&certs, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
			return nil, err
		}
	}
	evidence := &bundle.Bundle{
		Attestation:          abi.ReportToAbiBytes(a.Report),
		PlatformCertificates: certs.String(),
		UvmEndorsements:      a.UvmEndorsements,
	}
	return evidence.Marshal()
}

// ProductLine returns the product line named by the report's CPUID fields. Reports before
// version 3 have no CPUID fields and are treated as Milan.
func ProductLine(report *abi.Report) kds.ProductLine {
	if report.Version < 3 {
		return kds.Milan
	}
	return kds.ProductLineFromCpuid(report.CpuidFamID, report.CpuidModID)
}

func tcbBreakdown(productLine kds.ProductLine, tcb uint64) (string, error) {
	if productLine == kds.UnknownProductLine {
		return "", fmt.Errorf("unknown product line for TCB 0x%016x", tcb)
	}
	parts := kds.DecomposeTCBVersionFor(productLine, kds.TCBVersion(tcb))
	text := fmt.Sprintf("{bl:%d tee:%d snp:%d ucode:%d", parts.BlSpl, parts.TeeSpl, parts.SnpSpl, parts.UcodeSpl)
	if productLine == kds.Turin {
		text += fmt.Sprintf(" fmc:%d", parts.FmcSpl)
	}
	return text + "}", nil
}

func tcbText(a *Attestation) ([]byte, error) {
	line := ProductLine(a.Report)

	currentTcb, currentTcbErr := tcbBreakdown(line, a.Report.CurrentTcb)
	reportedTcb, reportedTcbErr := tcbBreakdown(line, a.Report.ReportedTcb)
	committedTcb, committedTcbErr := tcbBreakdown(line, a.Report.CommittedTcb)
	launchTcb, launchTcbErr := tcbBreakdown(line, a.Report.LaunchTcb)
	err := multierr.Combine(currentTcbErr, reportedTcbErr, committedTcbErr, launchTcbErr)
	if err != nil {
		return nil, err
	}

	text := fmt.Sprintf("product_line=%s\ncurrent_tcb=%s\nreported_tcb=%s\ncommitted_tcb=%s\nlaunch_tcb=%s\n",
		line, currentTcb, reportedTcb, committedTcb, launchTcb)
	return []byte(text + kdsURLs(line, a.Report)), nil
}

// kdsURLs locates the report's certificates in AMD's KDS for operators who need to fetch them.
// The VCEK URL needs an unmasked CHIP_ID.
func kdsURLs(line kds.ProductLine, report *abi.Report) string {
	info, err := abi.ParseSignerInfo(report.SignerInfo)
	if err != nil || info.SigningKey == abi.NoneReportSigner {
		return ""
	}
	urls := fmt.Sprintf("cert_chain_url=%s\n", kds.ProductCertChainURL(info.SigningKey, line))
	if info.SigningKey == abi.VcekReportSigner && !info.MaskChipKey {
		urls += fmt.Sprintf("vcek_url=%s\n", kds.VCEKCertURL(line, report.ChipID[:], kds.TCBVersion(report.ReportedTcb)))
	}
	return urls
}

// reportText is the human-readable form of a report. Byte fields are hex.
type reportText struct {
	Version          uint32 `yaml:"version"`
	GuestSvn         uint32 `yaml:"guest_svn"`
	Policy           string `yaml:"policy"`
	FamilyID         string `yaml:"family_id"`
	ImageID          string `yaml:"image_id"`
	Vmpl             uint32 `yaml:"vmpl"`
	SignatureAlgo    uint32 `yaml:"signature_algo"`
	CurrentTcb       string `yaml:"current_tcb"`
	PlatformInfo     string `yaml:"platform_info"`
	Signer           string `yaml:"signer"`
	ReportData       string `yaml:"report_data"`
	Measurement      string `yaml:"measurement"`
	HostData         string `yaml:"host_data"`
	IDKeyDigest      string `yaml:"id_key_digest"`
	AuthorKeyDigest  string `yaml:"author_key_digest"`
	ReportID         string `yaml:"report_id"`
	ReportIDMA       string `yaml:"report_id_ma"`
	ReportedTcb      string `yaml:"reported_tcb"`
	Cpuid            string `yaml:"cpuid,omitempty"`
	ChipID           string `yaml:"chip_id"`
	CommittedTcb     string `yaml:"committed_tcb"`
	CurrentVersion   string `yaml:"current_version"`
	CommittedVersion string `yaml:"committed_version"`
	LaunchTcb        string `yaml:"launch_tcb"`
	Certificates     int    `yaml:"certificates"`
}

func tcbHex(tcb uint64) string { return fmt.Sprintf("0x%016x", tcb) }

func asText(a *Attestation) ([]byte, error) {
	r := a.Report
	info, err := abi.ParseSignerInfo(r.SignerInfo)
	if err != nil {
		return nil, err
	}
	t := &reportText{
		Version:          r.Version,
		GuestSvn:         r.GuestSvn,
		Policy:           fmt.Sprintf("0x%x", r.Policy),
		FamilyID:         hex.EncodeToString(r.FamilyID[:]),
		ImageID:          hex.EncodeToString(r.ImageID[:]),
		Vmpl:             r.Vmpl,
		SignatureAlgo:    r.SignatureAlgo,
		CurrentTcb:       tcbHex(r.CurrentTcb),
		PlatformInfo:     fmt.Sprintf("0x%x", r.PlatformInfo),
		Signer:           info.SigningKey.String(),
		ReportData:       hex.EncodeToString(r.ReportData[:]),
		Measurement:      hex.EncodeToString(r.Measurement[:]),
		HostData:         hex.EncodeToString(r.HostData[:]),
		IDKeyDigest:      hex.EncodeToString(r.IDKeyDigest[:]),
		AuthorKeyDigest:  hex.EncodeToString(r.AuthorKeyDigest[:]),
		ReportID:         hex.EncodeToString(r.ReportID[:]),
		ReportIDMA:       hex.EncodeToString(r.ReportIDMA[:]),
		ReportedTcb:      tcbHex(r.ReportedTcb),
		ChipID:           hex.EncodeToString(r.ChipID[:]),
		CommittedTcb:     tcbHex(r.CommittedTcb),
		CurrentVersion:   fmt.Sprintf("%d.%d.%d", r.CurrentMajor, r.CurrentMinor, r.CurrentBuild),
		CommittedVersion: fmt.Sprintf("%d.%d.%d", r.CommittedMajor, r.CommittedMinor, r.CommittedBuild),
		LaunchTcb:        tcbHex(r.LaunchTcb),
		Certificates:     len(a.chainDER()),
	}
	if r.Version >= 3 {
		t.Cpuid = fmt.Sprintf("family 0x%02x model 0x%02x stepping 0x%02x", r.CpuidFamID, r.CpuidModID, r.CpuidStep)
	}
	return yaml.Marshal(t)
}

// Transform returns the attestation in the outform marshalled format.
func Transform(a *Attestation, outform string) ([]byte, error) {
	switch outform {
	case "bin":
		return asBin(a)
	case "json":
		return asJSON(a)
	case "text":
		return asText(a)
	case "tcb":
		return tcbText(a)
	default:
		return nil, fmt.Errorf("unknown outform: %q", outform)
	}
}
