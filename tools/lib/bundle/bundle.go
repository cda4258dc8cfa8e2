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

// Package bundle reads the JSON evidence envelope emitted by confidential container sidecars:
//
//	{
//	  "attestation": "<base64 attestation report>",
//	  "platform_certificates": "<PEM VCEK><PEM ASK><PEM ARK>",
//	  "uvm_endorsements": "<base64 COSE_Sign1>"
//	}
package bundle

import (
	"bytes"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/google/go-sev-verify/check"
	"github.com/pkg/errors"
)

// Bundle is the decoded evidence envelope.
type Bundle struct {
	// Attestation is the raw attestation report.
	Attestation []byte `json:"attestation"`
	// PlatformCertificates holds the VCEK, ASK and ARK certificates as PEM, in that order.
	PlatformCertificates string `json:"platform_certificates"`
	// UvmEndorsements is the raw utility VM endorsement, if any.
	UvmEndorsements []byte `json:"uvm_endorsements,omitempty"`
}

// Parse decodes the JSON envelope. Binary fields are standard base64.
func Parse(data []byte) (*Bundle, error) {
	b := &Bundle{}
	if err := json.Unmarshal(data, b); err != nil {
		return nil, errors.Wrap(err, "could not parse evidence JSON")
	}
	if len(b.Attestation) == 0 {
		return nil, errors.New("evidence has no attestation")
	}
	return b, nil
}

// ReadFile reads and decodes the JSON envelope at path.
func ReadFile(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read evidence %q", path)
	}
	b, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "evidence %q", path)
	}
	return b, nil
}

// SplitPEM returns the DER bytes of every CERTIFICATE block in data, in order. Any other block
// type or trailing non-PEM text is an error.
func SplitPEM(data []byte) ([][]byte, error) {
	var ders [][]byte
	rest := data
	for i := 0; ; i++ {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			return nil, fmt.Errorf("PEM block %d has type %s. Expect CERTIFICATE", i, block.Type)
		}
		ders = append(ders, block.Bytes)
	}
	if len(bytes.TrimSpace(rest)) != 0 {
		return nil, fmt.Errorf("%d bytes of trailing data after %d PEM blocks", len(rest), len(ders))
	}
	return ders, nil
}

// Certificates returns the platform certificates as DER, in envelope order.
func (b *Bundle) Certificates() ([][]byte, error) {
	ders, err := SplitPEM([]byte(b.PlatformCertificates))
	if err != nil {
		return nil, errors.Wrap(err, "platform_certificates")
	}
	return ders, nil
}

// Input converts the envelope to verification input with the given expected nonce.
func (b *Bundle) Input(expectedNonce []byte) (*check.Input, error) {
	certs, err := b.Certificates()
	if err != nil {
		return nil, err
	}
	return &check.Input{
		Report:          b.Attestation,
		Certificates:    certs,
		UvmEndorsements: b.UvmEndorsements,
		ExpectedNonce:   expectedNonce,
	}, nil
}

// Marshal encodes the envelope as JSON.
func (b *Bundle) Marshal() ([]byte, error) {
	return json.MarshalIndent(b, "", "  ")
}
