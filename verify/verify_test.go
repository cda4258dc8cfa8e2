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

package verify

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-sev-verify/abi"
	"github.com/google/go-sev-verify/kds"
	test "github.com/google/go-sev-verify/testing"
	"github.com/google/go-sev-verify/verify/trust"
	"github.com/google/logger"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger.Init("VerifyTestLog", false, false, os.Stderr)
	os.Exit(m.Run())
}

var creationTime = time.Now().Add(-time.Hour)

func newSigner(t testing.TB, productName string) *test.AmdSigner {
	t.Helper()
	s, err := test.DefaultTestOnlyCertChain(productName, creationTime)
	require.NoError(t, err)
	return s
}

func newKeys(t testing.TB) *test.AmdKeys {
	t.Helper()
	keys, err := test.NewAmdKeys()
	require.NoError(t, err)
	return keys
}

func signerWithKeys(t testing.TB, keys *test.AmdKeys) *test.AmdSigner {
	t.Helper()
	b := &test.AmdSignerBuilder{
		Keys:             keys,
		ArkCreationTime:  creationTime,
		AskCreationTime:  creationTime,
		VcekCreationTime: creationTime,
		HWID:             test.DefaultHWID(),
		TCB:              test.DefaultTCB(kds.Milan),
	}
	s, err := b.TestOnlyCertChain()
	require.NoError(t, err)
	return s
}

func chainOf(t testing.TB, s *test.AmdSigner) *Chain {
	t.Helper()
	c, err := ChainFromDER(s.CertChainDER())
	require.NoError(t, err)
	return c
}

func wantKind(t *testing.T, err error, want Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("got nil error, want %v", want)
	}
	if got := KindOf(err); got != want {
		t.Errorf("%v: kind %v, want %v", err, got, want)
	}
}

func TestErrorKinds(t *testing.T) {
	err := Wrap(NonceMismatch, errors.New("cause"), "detail")
	if !errors.Is(err, ErrNonceMismatch) {
		t.Errorf("errors.Is(%v, ErrNonceMismatch) = false, want true", err)
	}
	if errors.Is(err, ErrPolicyMismatch) {
		t.Errorf("errors.Is(%v, ErrPolicyMismatch) = true, want false", err)
	}
	wrapped := errors.Wrap(err, "outer")
	if got := KindOf(wrapped); got != NonceMismatch {
		t.Errorf("KindOf(%v) = %v, want NonceMismatch", wrapped, got)
	}
	if got := KindOf(errors.New("plain")); got != UnknownKind {
		t.Errorf("KindOf(plain) = %v, want UnknownKind", got)
	}
	if got, want := err.Error(), "NonceMismatch: detail: cause"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if got := Kind(99).String(); got != "Kind(99)" {
		t.Errorf("Kind(99).String() = %q", got)
	}
}

func TestChainFromDER(t *testing.T) {
	s := newSigner(t, "")
	ders := s.CertChainDER()
	p256, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	defaults, err := test.DefaultAmdKeys()
	require.NoError(t, err)
	p256Signer := signerWithKeys(t, &test.AmdKeys{Ark: defaults.Ark, Ask: defaults.Ask, Vcek: p256})

	tcs := []struct {
		name    string
		ders    [][]byte
		wantErr string
	}{
		{name: "ok", ders: ders},
		{name: "two certificates", ders: ders[:2], wantErr: "got 2 certificates, want 3"},
		{name: "four certificates", ders: append(append([][]byte{}, ders...), ders[2]), wantErr: "got 4 certificates, want 3"},
		{name: "garbage ASK", ders: [][]byte{ders[0], []byte("not DER"), ders[2]}, wantErr: "could not parse ASK certificate"},
		{
			name:    "garbage everywhere",
			ders:    [][]byte{{0x30}, {0x30}, {0x30}},
			wantErr: "could not parse ARK certificate",
		},
		{name: "P-256 VCEK", ders: p256Signer.CertChainDER(), wantErr: "expected P-384"},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			c, err := ChainFromDER(tc.ders)
			if tc.wantErr == "" {
				require.NoError(t, err)
				if c.LeafKey == nil || !c.LeafKey.Equal(s.Vcek.PublicKey) {
					t.Errorf("LeafKey is not the VCEK public key")
				}
				return
			}
			wantKind(t, err, InvalidCertificate)
			if err != nil && !bytes.Contains([]byte(err.Error()), []byte(tc.wantErr)) {
				t.Errorf("ChainFromDER() = %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestChainFromDERRsaLeaf(t *testing.T) {
	keys, err := test.RsaPssAmdKeys()
	require.NoError(t, err)
	s := signerWithKeys(t, keys)
	ders := s.CertChainDER()
	_, err = ChainFromDER([][]byte{ders[2], ders[1], ders[0]})
	wantKind(t, err, InvalidCertificate)
}

func TestChainFromCertTable(t *testing.T) {
	s := newSigner(t, "Genoa-B1")
	c, err := ChainFromCertTable(s.CertTable())
	require.NoError(t, err)
	if !c.Leaf.Equal(s.Vcek) || !c.Intermediate.Equal(s.Ask) || !c.Root.Equal(s.Ark) {
		t.Error("ChainFromCertTable() did not order the chain [VCEK, ASK, ARK]")
	}

	table := s.CertTable()
	table.Entries = table.Entries[:2]
	_, err = ChainFromCertTable(table)
	wantKind(t, err, InvalidCertificate)

	_, err = ChainFromCertTable(nil)
	wantKind(t, err, InvalidCertificate)
}

func TestChainLinksOrder(t *testing.T) {
	c := chainOf(t, newSigner(t, ""))
	var got []string
	for _, v := range ChainLinks(c, nil) {
		got = append(got, v.(chainLink).String())
	}
	want := []string{"ARK self-signature", "ASK by ARK", "VCEK by ASK"}
	if len(got) != len(want) {
		t.Fatalf("ChainLinks() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ChainLinks()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestVerifyChain(t *testing.T) {
	rsaKeys, err := test.RsaPssAmdKeys()
	require.NoError(t, err)
	s := newSigner(t, "")
	rsaSigner := signerWithKeys(t, rsaKeys)
	other := signerWithKeys(t, newKeys(t))
	fp := sha256.Sum256(s.Ark.Raw)
	fpAnchor, err := trust.FromFingerprint(hex.EncodeToString(fp[:]))
	require.NoError(t, err)
	ders := s.CertChainDER()
	otherDers := other.CertChainDER()

	tcs := []struct {
		name       string
		ders       [][]byte
		opts       *Options
		wantPinned bool
		wantKind   Kind
	}{
		{name: "ECDSA unpinned", ders: ders},
		{name: "RSA-PSS unpinned", ders: rsaSigner.CertChainDER()},
		{
			name:       "pinned by key",
			ders:       ders,
			opts:       &Options{TrustedRoots: trust.Anchors{{Cert: s.Ark}}},
			wantPinned: true,
		},
		{
			name:       "pinned by fingerprint",
			ders:       ders,
			opts:       &Options{TrustedRoots: trust.Anchors{{Cert: other.Ark}, fpAnchor}},
			wantPinned: true,
		},
		{
			name:     "wrong pin",
			ders:     ders,
			opts:     &Options{TrustedRoots: trust.Anchors{{Cert: other.Ark}}},
			wantKind: UntrustedRoot,
		},
		{
			name:     "out of order",
			ders:     [][]byte{ders[2], ders[1], ders[0]},
			wantKind: UntrustedRoot,
		},
		{
			name:     "foreign ASK",
			ders:     [][]byte{ders[0], otherDers[1], ders[2]},
			wantKind: ChainVerificationFailed,
		},
		{
			name:     "foreign VCEK",
			ders:     [][]byte{otherDers[0], ders[1], ders[2]},
			wantKind: ChainVerificationFailed,
		},
		{
			name: "valid now",
			ders: ders,
			opts: &Options{Now: time.Now()},
		},
		{
			name:     "VCEK expired",
			ders:     ders,
			opts:     &Options{Now: creationTime.Add(8 * 365 * 24 * time.Hour)},
			wantKind: ChainVerificationFailed,
		},
		{
			name:     "ARK not yet valid",
			ders:     ders,
			opts:     &Options{Now: creationTime.Add(-time.Hour)},
			wantKind: UntrustedRoot,
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			c, err := ChainFromDER(tc.ders)
			require.NoError(t, err)
			pinned, err := VerifyChain(c, tc.opts)
			if tc.wantKind != UnknownKind {
				wantKind(t, err, tc.wantKind)
				return
			}
			if err != nil {
				t.Fatalf("VerifyChain() = %v, want nil", err)
			}
			if pinned != tc.wantPinned {
				t.Errorf("VerifyChain() pinned = %v, want %v", pinned, tc.wantPinned)
			}
		})
	}
}

func TestVerifyChainIncomplete(t *testing.T) {
	_, err := VerifyChain(nil, nil)
	wantKind(t, err, InvalidCertificate)
	_, err = VerifyChain(&Chain{}, nil)
	wantKind(t, err, InvalidCertificate)
}

// Every byte of each certificate's signed body matters.
func TestVerifyChainCertificateByteFlips(t *testing.T) {
	s := newSigner(t, "")
	parsed := []*x509.Certificate{s.Vcek, s.Ask, s.Ark}
	certs := []struct {
		index   int
		allowed []Kind
	}{
		{index: 0, allowed: []Kind{InvalidCertificate, ChainVerificationFailed}},
		{index: 1, allowed: []Kind{InvalidCertificate, ChainVerificationFailed}},
		{index: 2, allowed: []Kind{InvalidCertificate, UntrustedRoot}},
	}
	for _, cert := range certs {
		ders := s.CertChainDER()
		tbs := parsed[cert.index].RawTBSCertificate
		start := bytes.Index(ders[cert.index], tbs)
		require.GreaterOrEqual(t, start, 0)
		for i := start; i < start+len(tbs); i++ {
			mutated := append([][]byte{}, ders...)
			flipped := append([]byte{}, ders[cert.index]...)
			flipped[i] ^= 0x01
			mutated[cert.index] = flipped
			c, err := ChainFromDER(mutated)
			if err == nil {
				_, err = VerifyChain(c, nil)
			}
			if err == nil {
				t.Fatalf("certificate %d byte 0x%x flipped: chain verified", cert.index, i)
			}
			kind := KindOf(err)
			ok := false
			for _, k := range cert.allowed {
				ok = ok || k == kind
			}
			if !ok {
				t.Errorf("certificate %d byte 0x%x flipped: %v, want one of %v", cert.index, i, err, cert.allowed)
			}
		}
	}
}

func TestParseReport(t *testing.T) {
	_, err := ParseReport(make([]byte, abi.ReportSize-1))
	wantKind(t, err, MalformedReport)
	_, err = ParseReport(make([]byte, abi.ReportSize+1))
	wantKind(t, err, MalformedReport)
	_, err = ParseReport(nil)
	wantKind(t, err, MalformedReport)
}

func TestVerifyReport(t *testing.T) {
	for _, name := range []string{"Milan-B0", "Genoa-B1", "Turin-B0"} {
		t.Run(name, func(t *testing.T) {
			s := newSigner(t, name)
			c := chainOf(t, s)
			if _, err := VerifyChain(c, nil); err != nil {
				t.Fatal(err)
			}
			var nonce [abi.ReportDataSize]byte
			copy(nonce[:], "challenge")
			raw, err := s.TestReport(nonce)
			require.NoError(t, err)
			report, err := ParseReport(raw)
			require.NoError(t, err)
			if err := VerifyReport(c, report); err != nil {
				t.Errorf("VerifyReport() = %v, want nil", err)
			}
		})
	}
}

func TestVerifyReportCrossCheck(t *testing.T) {
	milan := newSigner(t, "Milan-B0")
	turin := newSigner(t, "Turin-B0")
	other := signerWithKeys(t, newKeys(t))

	tcs := []struct {
		name   string
		signer *test.AmdSigner
		// chain defaults to signer's certificates.
		chain    *test.AmdSigner
		mutate   func(r *abi.Report)
		wantKind Kind
	}{
		{
			name:   "version 2 without CPUID",
			signer: milan,
			mutate: func(r *abi.Report) {
				r.Version = 2
				r.CpuidFamID, r.CpuidModID, r.CpuidStep = 0, 0, 0
			},
		},
		{
			name:   "version 5",
			signer: milan,
			mutate: func(r *abi.Report) {
				r.Version = 5
				r.LaunchMitVector = 1
				r.CurrentMitVector = 1
			},
		},
		{
			name:   "masked chip id",
			signer: milan,
			mutate: func(r *abi.Report) {
				r.SignerInfo = abi.SignerInfoToBytes(abi.SignerInfo{MaskChipKey: true})
				r.ChipID = [abi.ChipIDSize]byte{}
			},
		},
		{
			name:   "masked chip id not zero",
			signer: milan,
			mutate: func(r *abi.Report) {
				r.SignerInfo = abi.SignerInfoToBytes(abi.SignerInfo{MaskChipKey: true})
			},
			wantKind: CertificateReportMismatch,
		},
		{
			name:     "chip id mismatch",
			signer:   milan,
			mutate:   func(r *abi.Report) { r.ChipID[63] ^= 0xff },
			wantKind: CertificateReportMismatch,
		},
		{
			name:   "Turin compares an 8 byte chip id",
			signer: turin,
			mutate: func(r *abi.Report) { r.ChipID[8] = 0xff },
		},
		{
			name:     "Turin chip id mismatch",
			signer:   turin,
			mutate:   func(r *abi.Report) { r.ChipID[7] ^= 0xff },
			wantKind: CertificateReportMismatch,
		},
		{
			name:     "reported TCB mismatch",
			signer:   milan,
			mutate:   func(r *abi.Report) { r.ReportedTcb++ },
			wantKind: CertificateReportMismatch,
		},
		{
			name:   "only reported TCB is compared",
			signer: milan,
			mutate: func(r *abi.Report) {
				r.CurrentTcb = 0
				r.CommittedTcb = 0
				r.LaunchTcb = 0
			},
		},
		{
			name:   "Turin TCB in Milan layout",
			signer: turin,
			mutate: func(r *abi.Report) {
				parts := turin.TCB
				parts.FmcSpl = 0
				tcb, err := kds.ComposeTCBParts(parts)
				require.NoError(t, err)
				r.ReportedTcb = uint64(tcb)
			},
			wantKind: CertificateReportMismatch,
		},
		{
			name:   "VLEK signer",
			signer: milan,
			mutate: func(r *abi.Report) {
				r.SignerInfo = abi.SignerInfoToBytes(abi.SignerInfo{SigningKey: abi.VlekReportSigner})
			},
			wantKind: CertificateReportMismatch,
		},
		{
			name:     "CPUID of another product line",
			signer:   milan,
			mutate:   func(r *abi.Report) { r.CpuidFamID, r.CpuidModID = 0x1a, 0x02 },
			wantKind: CertificateReportMismatch,
		},
		{
			name:   "unknown CPUID",
			signer: milan,
			mutate: func(r *abi.Report) { r.CpuidFamID, r.CpuidModID = 0x17, 0x31 },
		},
		{
			name:     "signed by another VCEK",
			signer:   other,
			chain:    milan,
			wantKind: ReportSignatureInvalid,
		},
		{
			name:     "unknown signature algorithm",
			signer:   milan,
			mutate:   func(r *abi.Report) { r.SignatureAlgo = 2 },
			wantKind: ReportSignatureInvalid,
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			chainSigner := tc.signer
			if tc.chain != nil {
				chainSigner = tc.chain
			}
			r := chainSigner.ReportTemplate()
			if tc.mutate != nil {
				tc.mutate(r)
			}
			raw, err := tc.signer.SignReport(r)
			require.NoError(t, err)
			report, err := ParseReport(raw)
			require.NoError(t, err)
			err = VerifyReport(chainOf(t, chainSigner), report)
			if tc.wantKind == UnknownKind {
				if err != nil {
					t.Errorf("VerifyReport() = %v, want nil", err)
				}
				return
			}
			wantKind(t, err, tc.wantKind)
		})
	}
}

func TestVerifyReportMismatchNamesVcekURL(t *testing.T) {
	tcs := []struct {
		name    string
		product string
		mutate  func(r *abi.Report)
	}{
		{name: "chip id", product: "Milan-B0", mutate: func(r *abi.Report) { r.ChipID[0] ^= 0xff }},
		{name: "Turin chip id", product: "Turin-B0", mutate: func(r *abi.Report) { r.ChipID[0] ^= 0xff }},
		{name: "reported TCB", product: "Genoa-B1", mutate: func(r *abi.Report) { r.ReportedTcb++ }},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			s := newSigner(t, tc.product)
			r := s.ReportTemplate()
			tc.mutate(r)
			raw, err := s.SignReport(r)
			require.NoError(t, err)
			report, err := ParseReport(raw)
			require.NoError(t, err)
			err = VerifyReport(chainOf(t, s), report)
			wantKind(t, err, CertificateReportMismatch)
			want := kds.VCEKCertURL(s.Product.Line, r.ChipID[:], kds.TCBVersion(r.ReportedTcb))
			if err == nil || !strings.HasSuffix(err.Error(), want) {
				t.Errorf("VerifyReport() = %v, want the detail to end with %q", err, want)
			}
		})
	}
}

func TestVerifyReportMissingInputs(t *testing.T) {
	s := newSigner(t, "")
	wantKind(t, VerifyReport(nil, s.ReportTemplate()), InvalidCertificate)
	wantKind(t, VerifyReport(chainOf(t, s), nil), MalformedReport)
}

// A single flipped byte anywhere in the signed region or the signature is never accepted.
func TestVerifyReportByteFlips(t *testing.T) {
	s := newSigner(t, "")
	c := chainOf(t, s)
	var nonce [abi.ReportDataSize]byte
	raw, err := s.TestReport(nonce)
	require.NoError(t, err)
	const sigEnd = 0x330
	for i := 0; i < sigEnd; i++ {
		flipped := append([]byte{}, raw...)
		flipped[i] ^= 0x80
		report, err := ParseReport(flipped)
		if err == nil {
			err = VerifyReport(c, report)
		}
		if err == nil {
			t.Fatalf("byte 0x%x flipped: report verified", i)
		}
		switch KindOf(err) {
		case MalformedReport, ReportSignatureInvalid:
		default:
			t.Errorf("byte 0x%x flipped: %v, want MalformedReport or ReportSignatureInvalid", i, err)
		}
		// The nonce and measurement are opaque to the decoder.
		if i >= 0x50 && i < 0xC0 && KindOf(err) != ReportSignatureInvalid {
			t.Errorf("byte 0x%x flipped: %v, want ReportSignatureInvalid", i, err)
		}
	}
}
