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

// Package verify checks an SEV-SNP attestation report's VCEK certificate chain and signature.
package verify

import (
	"bytes"
	"crypto/x509"
	"encoding/hex"
	"time"

	"github.com/google/go-sev-verify/abi"
	"github.com/google/go-sev-verify/kds"
	"github.com/google/go-sev-verify/verify/trust"
	"github.com/google/logger"
)

// Options represents verification options for an SEV-SNP attestation report.
type Options struct {
	// TrustedRoots pins the ARK. If empty, a self-signed root is accepted as is, which only
	// proves the chain is internally consistent.
	TrustedRoots trust.Anchors
	// Now is the time at which to check certificate validity periods. If zero, validity periods
	// are not checked.
	Now time.Time
}

// Verifiable is one signature check of the verification pipeline.
type Verifiable interface {
	// Verify returns nil if the signature is valid, or an *Error otherwise.
	Verify() error
	isVerifiable()
}

// chainLink checks that cert is signed by issuer. A self-signed root is a link with cert ==
// issuer.
type chainLink struct {
	name   string
	cert   *x509.Certificate
	issuer *x509.Certificate
	now    time.Time
	// kind is the error kind reported when the link does not hold.
	kind Kind
}

func (chainLink) isVerifiable() {}

// String names the check for status output.
func (l chainLink) String() string { return l.name }

func (l chainLink) Verify() error {
	if !bytes.Equal(l.cert.RawIssuer, l.issuer.RawSubject) {
		return Errorf(l.kind, "%s: issuer %q is not %q", l.name, l.cert.Issuer, l.issuer.Subject)
	}
	if err := l.cert.CheckSignatureFrom(l.issuer); err != nil {
		return Wrap(l.kind, err, l.name)
	}
	if !l.now.IsZero() && (l.now.Before(l.cert.NotBefore) || l.now.After(l.cert.NotAfter)) {
		return Errorf(l.kind, "%s: certificate is valid from %v to %v, not at %v",
			l.name, l.cert.NotBefore, l.cert.NotAfter, l.now)
	}
	return nil
}

// reportSignature checks the report's ECDSA P-384 SHA-384 signature under the VCEK key.
type reportSignature struct {
	leaf   *x509.Certificate
	report *abi.Report
}

func (reportSignature) isVerifiable() {}

func (s reportSignature) Verify() error {
	if s.report.SignatureAlgo != abi.SignEcdsaP384Sha384 {
		return Errorf(ReportSignatureInvalid, "unknown SignatureAlgo: %d", s.report.SignatureAlgo)
	}
	der, err := abi.ReportToSignatureDER(s.report)
	if err != nil {
		return Wrap(ReportSignatureInvalid, err, "could not interpret report signature")
	}
	// The decoder guarantees reserved regions are zero, so re-encoding reproduces the signed bytes.
	signed := abi.SignedComponent(abi.ReportToAbiBytes(s.report))
	if err := s.leaf.CheckSignature(x509.ECDSAWithSHA384, signed, der); err != nil {
		return Wrap(ReportSignatureInvalid, err, "report signature verification error")
	}
	return nil
}

// ChainLinks returns the checks of VerifyChain in the order they run, without root pinning.
func ChainLinks(chain *Chain, opts *Options) []Verifiable {
	var now time.Time
	if opts != nil {
		now = opts.Now
	}
	return []Verifiable{
		chainLink{name: "ARK self-signature", cert: chain.Root, issuer: chain.Root, now: now, kind: UntrustedRoot},
		chainLink{name: "ASK by ARK", cert: chain.Intermediate, issuer: chain.Root, now: now, kind: ChainVerificationFailed},
		chainLink{name: "VCEK by ASK", cert: chain.Leaf, issuer: chain.Intermediate, now: now, kind: ChainVerificationFailed},
	}
}

// PinRoot checks root against the configured anchors. It returns false without error when no
// anchors are configured.
func PinRoot(root *x509.Certificate, anchors trust.Anchors) (bool, error) {
	if len(anchors) == 0 {
		logger.Warning("No trusted root configured: accepting the bundled self-signed ARK without pinning")
		return false, nil
	}
	if _, ok := anchors.Match(root); !ok {
		return false, Errorf(UntrustedRoot, "ARK %q matches none of %d trusted roots", root.Subject.CommonName, len(anchors))
	}
	return true, nil
}

// VerifyChain checks the ARK self-signature, then its pin, then the ASK and VCEK signatures. It
// returns whether the ARK matched a trusted root.
func VerifyChain(chain *Chain, opts *Options) (bool, error) {
	if chain == nil || chain.Leaf == nil || chain.Intermediate == nil || chain.Root == nil {
		return false, Errorf(InvalidCertificate, "incomplete certificate chain")
	}
	if opts == nil {
		opts = &Options{}
	}
	links := ChainLinks(chain, opts)
	if err := links[0].Verify(); err != nil {
		return false, err
	}
	pinned, err := PinRoot(chain.Root, opts.TrustedRoots)
	if err != nil {
		return false, err
	}
	for _, link := range links[1:] {
		if err := link.Verify(); err != nil {
			return pinned, err
		}
	}
	return pinned, nil
}

// ParseReport decodes an attestation report, classifying failures as MalformedReport.
func ParseReport(raw []byte) (*abi.Report, error) {
	report, err := abi.ReportFromBytes(raw)
	if err != nil {
		return nil, Wrap(MalformedReport, err, "")
	}
	return report, nil
}

// VerifyReport checks the report's signature under the chain's VCEK, then checks that the VCEK
// was issued for the chip and TCB the report describes. The chain must already be verified.
func VerifyReport(chain *Chain, report *abi.Report) error {
	if chain == nil || chain.Leaf == nil {
		return Errorf(InvalidCertificate, "no VCEK certificate")
	}
	if report == nil {
		return Errorf(MalformedReport, "no report")
	}
	if err := (reportSignature{leaf: chain.Leaf, report: report}).Verify(); err != nil {
		return err
	}
	return crossCheckVcek(chain.Leaf, report)
}

func crossCheckVcek(vcek *x509.Certificate, report *abi.Report) error {
	exts, err := kds.VcekCertificateExtensions(vcek)
	if err != nil {
		return Wrap(CertificateReportMismatch, err, "VCEK extensions")
	}
	info, err := abi.ParseSignerInfo(report.SignerInfo)
	if err != nil {
		return Wrap(CertificateReportMismatch, err, "report SIGNER_INFO")
	}
	if info.SigningKey != abi.VcekReportSigner {
		return Errorf(CertificateReportMismatch, "report is signed by %v, but the certificate is a VCEK", info.SigningKey)
	}
	if report.Version >= 3 {
		line := kds.ProductLineFromCpuid(report.CpuidFamID, report.CpuidModID)
		if line != kds.UnknownProductLine && line != exts.Product.Line {
			return Errorf(CertificateReportMismatch, "report CPUID is a %v processor, VCEK is for %v", line, exts.Product.Line)
		}
	}
	if info.MaskChipKey {
		if report.ChipID != [abi.ChipIDSize]byte{} {
			return Errorf(CertificateReportMismatch, "MASK_CHIP_KEY is set but CHIP_ID is %s", hex.EncodeToString(report.ChipID[:]))
		}
	} else if !bytes.Equal(report.ChipID[:len(exts.HWID)], exts.HWID) {
		return Errorf(CertificateReportMismatch, "report CHIP_ID %s does not match VCEK HWID %s. The report's VCEK is at %s",
			hex.EncodeToString(report.ChipID[:len(exts.HWID)]), hex.EncodeToString(exts.HWID), reportVcekURL(exts.Product.Line, report))
	}
	if kds.TCBVersion(report.ReportedTcb) != exts.TCBVersion {
		return Errorf(CertificateReportMismatch, "report REPORTED_TCB 0x%016x %+v does not match VCEK TCB 0x%016x %+v. The report's VCEK is at %s",
			report.ReportedTcb, kds.DecomposeTCBVersionFor(exts.Product.Line, kds.TCBVersion(report.ReportedTcb)),
			uint64(exts.TCBVersion), exts.TCB, reportVcekURL(exts.Product.Line, report))
	}
	return nil
}

// reportVcekURL is where AMD's KDS serves the VCEK for the report's CHIP_ID and REPORTED_TCB.
// It is only meaningful when the chip key is not masked.
func reportVcekURL(line kds.ProductLine, report *abi.Report) string {
	return kds.VCEKCertURL(line, report.ChipID[:], kds.TCBVersion(report.ReportedTcb))
}
