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

package report

import (
	"bytes"
	"os"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-sev-verify/abi"
	"github.com/google/go-sev-verify/kds"
	test "github.com/google/go-sev-verify/testing"
	"github.com/google/go-sev-verify/tools/lib/bundle"
	"github.com/stretchr/testify/require"
)

type reports struct {
	signer    *test.AmdSigner
	binreport []byte
	bincerts  []byte
	json      []byte
}

func newReports(t *testing.T, productName string) *reports {
	t.Helper()
	signer, err := test.DefaultTestOnlyCertChain(productName, time.Now())
	require.NoError(t, err)
	var nonce [abi.ReportDataSize]byte
	copy(nonce[:], "report test nonce")
	binreport, err := signer.TestReport(nonce)
	require.NoError(t, err)
	evidence := &bundle.Bundle{Attestation: binreport, PlatformCertificates: string(signer.CertChainPEM())}
	json, err := evidence.Marshal()
	require.NoError(t, err)
	return &reports{
		signer:    signer,
		binreport: binreport,
		bincerts:  append(append([]byte{}, binreport...), signer.CertTable().Marshal()...),
		json:      json,
	}
}

func TestParseAttestation(t *testing.T) {
	input := newReports(t, "")
	tcs := []struct {
		name      string
		data      []byte
		inform    string
		wantCerts int
	}{
		{name: "bin report", data: input.binreport, inform: "bin"},
		{name: "bin with cert table", data: input.bincerts, inform: "bin", wantCerts: 3},
		{name: "json", data: input.json, inform: "json", wantCerts: 3},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseAttestation(tc.data, tc.inform)
			require.NoError(t, err)
			if !bytes.Equal(got.Raw, input.binreport) {
				t.Error("ParseAttestation() did not keep the raw report")
			}
			if len(got.chainDER()) != tc.wantCerts {
				t.Errorf("ParseAttestation() has %d certificates, want %d", len(got.chainDER()), tc.wantCerts)
			}
			if tc.wantCerts != 0 {
				if diff := cmp.Diff(input.signer.CertChainDER(), got.chainDER()); diff != "" {
					t.Errorf("ParseAttestation() certificate diff (-want +got):\n%s", diff)
				}
			}
		})
	}

	for _, tc := range []struct {
		name    string
		data    []byte
		inform  string
		wantErr string
	}{
		{name: "short", data: input.binreport[:100], inform: "bin", wantErr: "too small"},
		{name: "bad table", data: append(append([]byte{}, input.binreport...), 1, 2, 3), inform: "bin", wantErr: "certificate table"},
		{name: "not json", data: input.binreport, inform: "json", wantErr: "could not parse evidence JSON"},
		{name: "textproto", data: input.binreport, inform: "textproto", wantErr: "unknown inform"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseAttestation(tc.data, tc.inform); err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("ParseAttestation() = _, %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestReadAttestation(t *testing.T) {
	input := newReports(t, "")
	dir := t.TempDir()
	file := path.Join(dir, "evidence.json")
	require.NoError(t, os.WriteFile(file, input.json, 0644))
	got, err := ReadAttestation(file, "json")
	require.NoError(t, err)
	if got.Report.ReportData[0] != 'r' {
		t.Errorf("ReadAttestation() REPORT_DATA = %x, want the test nonce", got.Report.ReportData)
	}
	if _, err := ReadAttestation(path.Join(dir, "missing"), "json"); err == nil || !strings.Contains(err.Error(), "could not open") {
		t.Errorf("ReadAttestation(missing) = _, %v, want open error", err)
	}
}

func TestTransformRoundTrip(t *testing.T) {
	input := newReports(t, "")
	a, err := ParseAttestation(input.bincerts, "bin")
	require.NoError(t, err)

	bin, err := Transform(a, "bin")
	require.NoError(t, err)
	if !bytes.Equal(bin, input.bincerts) {
		t.Error("Transform(bin) did not reproduce the input")
	}

	json, err := Transform(a, "json")
	require.NoError(t, err)
	back, err := ParseAttestation(json, "json")
	require.NoError(t, err)
	if !bytes.Equal(back.Raw, input.binreport) {
		t.Error("Transform(json) lost the report")
	}
	if diff := cmp.Diff(input.signer.CertChainDER(), back.Certificates); diff != "" {
		t.Errorf("Transform(json) certificates diff (-want +got):\n%s", diff)
	}

	if _, err := Transform(a, "textproto"); err == nil {
		t.Error("Transform(textproto) = nil, want unknown outform error")
	}
}

func TestTransformText(t *testing.T) {
	input := newReports(t, "Genoa-B1")
	a, err := ParseAttestation(input.json, "json")
	require.NoError(t, err)
	text, err := Transform(a, "text")
	require.NoError(t, err)
	for _, want := range []string{
		"version: 3",
		"signer: VCEK",
		"report_data: " + "7265706f7274",
		"cpuid: family 0x19 model 0x11 stepping 0x01",
		"current_version: 1.55.4",
		"certificates: 3",
	} {
		if !strings.Contains(string(text), want) {
			t.Errorf("Transform(text) = %s, want it to contain %q", text, want)
		}
	}
}

func TestTransformTcb(t *testing.T) {
	tcs := []struct {
		product string
		want    string
	}{
		{product: "Milan-B0", want: "product_line=Milan\ncurrent_tcb={bl:3 tee:0 snp:8 ucode:115}\n"},
		{product: "Genoa-B1", want: "product_line=Genoa\ncurrent_tcb={bl:3 tee:0 snp:8 ucode:115}\n"},
		{product: "Turin-B0", want: "product_line=Turin\ncurrent_tcb={bl:1 tee:1 snp:3 ucode:72 fmc:1}\n"},
	}
	for _, tc := range tcs {
		t.Run(tc.product, func(t *testing.T) {
			input := newReports(t, tc.product)
			a, err := ParseAttestation(input.binreport, "bin")
			require.NoError(t, err)
			got, err := Transform(a, "tcb")
			require.NoError(t, err)
			if !strings.HasPrefix(string(got), tc.want) {
				t.Errorf("Transform(tcb) = %q, want prefix %q", got, tc.want)
			}
		})
	}
}

func TestTransformTcbKdsURLs(t *testing.T) {
	input := newReports(t, "Genoa-B1")
	a, err := ParseAttestation(input.binreport, "bin")
	require.NoError(t, err)
	got, err := Transform(a, "tcb")
	require.NoError(t, err)
	vcekURL := kds.VCEKCertURL(kds.Genoa, a.Report.ChipID[:], kds.TCBVersion(a.Report.ReportedTcb))
	for _, want := range []string{
		"cert_chain_url=https://kdsintf.amd.com/vcek/v1/Genoa/cert_chain\n",
		"vcek_url=" + vcekURL + "\n",
	} {
		if !strings.Contains(string(got), want) {
			t.Errorf("Transform(tcb) = %q, want it to contain %q", got, want)
		}
	}

	masked := *a.Report
	masked.SignerInfo = abi.SignerInfoToBytes(abi.SignerInfo{SigningKey: abi.VlekReportSigner, MaskChipKey: true})
	got, err = Transform(&Attestation{Report: &masked}, "tcb")
	require.NoError(t, err)
	if !strings.Contains(string(got), "cert_chain_url=https://kdsintf.amd.com/vlek/v1/Genoa/cert_chain\n") {
		t.Errorf("Transform(tcb) of a VLEK report = %q, want the VLEK chain URL", got)
	}
	if strings.Contains(string(got), "vcek_url=") {
		t.Errorf("Transform(tcb) of a masked VLEK report = %q, want no VCEK URL", got)
	}
}

func TestProductLine(t *testing.T) {
	r := &abi.Report{Version: 2, CpuidFamID: 0x1a}
	if got := ProductLine(r); got != kds.Milan {
		t.Errorf("ProductLine(v2) = %v, want Milan", got)
	}
	r.Version = 3
	if got := ProductLine(r); got != kds.Turin {
		t.Errorf("ProductLine(v3 family 0x1a) = %v, want Turin", got)
	}
	r.CpuidFamID = 0x17
	a := &Attestation{Report: r}
	if _, err := Transform(a, "tcb"); err == nil || !strings.Contains(err.Error(), "unknown product line") {
		t.Errorf("Transform(tcb) for unknown family = %v, want unknown product line error", err)
	}
}
