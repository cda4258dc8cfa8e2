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

package bundle

import (
	"bytes"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-sev-verify/abi"
	test "github.com/google/go-sev-verify/testing"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tcs := []struct {
		name    string
		json    string
		want    *Bundle
		wantErr string
	}{
		{
			name: "all fields",
			json: `{"attestation": "AQID", "platform_certificates": "pem", "uvm_endorsements": "BAU="}`,
			want: &Bundle{Attestation: []byte{1, 2, 3}, PlatformCertificates: "pem", UvmEndorsements: []byte{4, 5}},
		},
		{
			name: "no endorsements",
			json: `{"attestation": "AQID", "platform_certificates": ""}`,
			want: &Bundle{Attestation: []byte{1, 2, 3}},
		},
		{name: "not json", json: `attestation`, wantErr: "could not parse evidence JSON"},
		{name: "bad base64", json: `{"attestation": "!!"}`, wantErr: "could not parse evidence JSON"},
		{name: "no attestation", json: `{"platform_certificates": "pem"}`, wantErr: "evidence has no attestation"},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Parse([]byte(tc.json))
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("Parse(%s) = _, %v, want error containing %q", tc.json, err, tc.wantErr)
				}
				return
			}
			require.NoError(t, err)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("Parse(%s) returned unexpected diff (-want +got):\n%s", tc.json, diff)
			}
		})
	}
}

func TestSplitPEM(t *testing.T) {
	signer, err := test.DefaultTestOnlyCertChain("", time.Now())
	require.NoError(t, err)
	chain := signer.CertChainPEM()
	ders, err := SplitPEM(chain)
	require.NoError(t, err)
	if diff := cmp.Diff(signer.CertChainDER(), ders); diff != "" {
		t.Errorf("SplitPEM() did not keep [VCEK, ASK, ARK] order: %s", diff)
	}

	key := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte{1}})
	if _, err := SplitPEM(append(append([]byte{}, chain...), key...)); err == nil || !strings.Contains(err.Error(), "Expect CERTIFICATE") {
		t.Errorf("SplitPEM(chain + key) = _, %v, want block type error", err)
	}
	if _, err := SplitPEM(append(append([]byte{}, chain...), "junk"...)); err == nil || !strings.Contains(err.Error(), "trailing data") {
		t.Errorf("SplitPEM(chain + junk) = _, %v, want trailing data error", err)
	}
	if ders, err := SplitPEM([]byte("\n")); err != nil || len(ders) != 0 {
		t.Errorf("SplitPEM(whitespace) = %v, %v, want empty, nil", ders, err)
	}
}

func TestReadFileInput(t *testing.T) {
	signer, err := test.DefaultTestOnlyCertChain("", time.Now())
	require.NoError(t, err)
	var nonce [abi.ReportDataSize]byte
	raw, err := signer.TestReport(nonce)
	require.NoError(t, err)
	b := &Bundle{Attestation: raw, PlatformCertificates: string(signer.CertChainPEM()), UvmEndorsements: []byte{9}}
	data, err := b.Marshal()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "evidence.json")
	require.NoError(t, os.WriteFile(path, data, 0644))

	got, err := ReadFile(path)
	require.NoError(t, err)
	in, err := got.Input(nonce[:])
	require.NoError(t, err)
	if !bytes.Equal(in.Report, raw) {
		t.Error("Input().Report is not the attestation")
	}
	if diff := cmp.Diff(signer.CertChainDER(), in.Certificates); diff != "" {
		t.Errorf("Input().Certificates diff (-want +got):\n%s", diff)
	}
	if !bytes.Equal(in.UvmEndorsements, []byte{9}) || !bytes.Equal(in.ExpectedNonce, nonce[:]) {
		t.Errorf("Input() = %+v, lost endorsements or nonce", in)
	}

	if _, err := ReadFile(filepath.Join(t.TempDir(), "missing.json")); err == nil || !strings.Contains(err.Error(), "could not read evidence") {
		t.Errorf("ReadFile(missing) = _, %v, want read error", err)
	}
}
