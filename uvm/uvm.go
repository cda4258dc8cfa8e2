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

// Package uvm decodes the utility VM endorsement that accompanies an SEV-SNP attestation on
// Azure confidential containers. The endorsement is a COSE_Sign1 envelope whose JSON payload
// names the launch measurement and security version of the utility VM.
package uvm

import (
	"bytes"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/go-sev-verify/abi"
	"github.com/google/go-sev-verify/verify"
	"github.com/veraison/go-cose"
	"go.uber.org/multierr"
)

const (
	// HeaderIssuer is the protected header naming the endorsement's signing identity.
	HeaderIssuer = "iss"
	// HeaderFeed is the protected header naming the product the endorsement is for.
	HeaderFeed = "feed"
	// ClaimGuestSvn is the payload claim holding the utility VM's security version number.
	ClaimGuestSvn = "x-ms-sevsnpvm-guestsvn"
	// ClaimMeasurement is the payload claim holding the hex-encoded expected MEASUREMENT.
	ClaimMeasurement = "x-ms-sevsnpvm-measurement"
)

// Endorsement is a decoded utility VM endorsement. Decoding does not verify its signature.
type Endorsement struct {
	Issuer      string
	Feed        string
	ContentType string
	Algorithm   cose.Algorithm
	// Chain is the x5chain header, signer first.
	Chain []*x509.Certificate
	// GuestSvn is the claimed security version number as its decimal text.
	GuestSvn string
	// Measurement is the claimed launch measurement.
	Measurement []byte
	Payload     []byte

	msg *cose.Sign1Message
}

func stringHeader(h cose.ProtectedHeader, label any) (string, error) {
	v, ok := h[label]
	if !ok {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("protected header %v is %T, expected a text string", label, v)
	}
	return s, nil
}

func x5chain(h cose.Headers) ([]*x509.Certificate, error) {
	v, ok := h.Protected[cose.HeaderLabelX5Chain]
	if !ok {
		v, ok = h.Unprotected[cose.HeaderLabelX5Chain]
	}
	if !ok {
		return nil, nil
	}
	var ders [][]byte
	switch chain := v.(type) {
	case []byte:
		ders = [][]byte{chain}
	case []any:
		for i, item := range chain {
			der, ok := item.([]byte)
			if !ok {
				return nil, fmt.Errorf("x5chain[%d] is %T, expected a byte string", i, item)
			}
			ders = append(ders, der)
		}
	default:
		return nil, fmt.Errorf("x5chain is %T, expected a byte string or array", v)
	}
	var certs []*x509.Certificate
	var errs error
	for i, der := range ders {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("x5chain[%d]: %v", i, err))
			continue
		}
		certs = append(certs, cert)
	}
	return certs, errs
}

type claims struct {
	GuestSvn    any    `json:"x-ms-sevsnpvm-guestsvn"`
	Measurement string `json:"x-ms-sevsnpvm-measurement"`
}

func svnText(v any) (string, error) {
	switch svn := v.(type) {
	case nil:
		return "", nil
	case string:
		return svn, nil
	case float64:
		return strconv.FormatFloat(svn, 'f', -1, 64), nil
	}
	return "", fmt.Errorf("%s is %T, expected a string or number", ClaimGuestSvn, v)
}

func unmarshalSign1(raw []byte) (*cose.Sign1Message, error) {
	var msg cose.Sign1Message
	err := msg.UnmarshalCBOR(raw)
	if err == nil {
		return &msg, nil
	}
	var untagged cose.UntaggedSign1Message
	if err2 := untagged.UnmarshalCBOR(raw); err2 != nil {
		return nil, fmt.Errorf("could not parse COSE_Sign1 (tagged: %v, untagged: %v)", err, err2)
	}
	tagged := cose.Sign1Message(untagged)
	return &tagged, nil
}

// Decode parses a COSE_Sign1 utility VM endorsement and its JSON payload.
func Decode(raw []byte) (*Endorsement, error) {
	msg, err := unmarshalSign1(raw)
	if err != nil {
		return nil, err
	}
	e := &Endorsement{Payload: msg.Payload, msg: msg}
	if e.Algorithm, err = msg.Headers.Protected.Algorithm(); err != nil {
		return nil, fmt.Errorf("could not read COSE algorithm: %v", err)
	}
	var errs error
	var herr error
	e.Issuer, herr = stringHeader(msg.Headers.Protected, HeaderIssuer)
	errs = multierr.Append(errs, herr)
	e.Feed, herr = stringHeader(msg.Headers.Protected, HeaderFeed)
	errs = multierr.Append(errs, herr)
	e.ContentType, herr = stringHeader(msg.Headers.Protected, cose.HeaderLabelContentType)
	errs = multierr.Append(errs, herr)
	e.Chain, herr = x5chain(msg.Headers)
	errs = multierr.Append(errs, herr)
	if errs != nil {
		return nil, errs
	}

	var c claims
	if err := json.Unmarshal(msg.Payload, &c); err != nil {
		return nil, fmt.Errorf("could not parse endorsement payload as JSON: %v", err)
	}
	if e.GuestSvn, err = svnText(c.GuestSvn); err != nil {
		return nil, err
	}
	if e.Measurement, err = hex.DecodeString(c.Measurement); err != nil {
		return nil, fmt.Errorf("could not decode %s as hex: %v", ClaimMeasurement, err)
	}
	return e, nil
}

// VerifySignature checks the envelope signature under the first x5chain certificate. It does not
// establish trust in that certificate.
func (e *Endorsement) VerifySignature() error {
	if len(e.Chain) == 0 {
		return fmt.Errorf("endorsement has no x5chain to verify against")
	}
	verifier, err := cose.NewVerifier(e.Algorithm, e.Chain[0].PublicKey)
	if err != nil {
		return fmt.Errorf("could not create %v verifier: %v", e.Algorithm, err)
	}
	if err := e.msg.Verify(nil, verifier); err != nil {
		return fmt.Errorf("endorsement signature: %v", err)
	}
	return nil
}

// Expectations constrains the endorsement's signing identity. Empty fields are not checked.
type Expectations struct {
	Issuer string
	Feed   string
}

// MatchReport checks that the endorsement came from the expected identity and vouches for the
// report's MEASUREMENT. Failures are PolicyMismatch.
func (e *Endorsement) MatchReport(report *abi.Report, expect Expectations) error {
	var errs error
	if expect.Issuer != "" && e.Issuer != expect.Issuer {
		errs = multierr.Append(errs, fmt.Errorf("endorsement issuer is %q. Expect %q", e.Issuer, expect.Issuer))
	}
	if expect.Feed != "" && e.Feed != expect.Feed {
		errs = multierr.Append(errs, fmt.Errorf("endorsement feed is %q. Expect %q", e.Feed, expect.Feed))
	}
	if !bytes.Equal(e.Measurement, report.Measurement[:]) {
		errs = multierr.Append(errs, fmt.Errorf("report field MEASUREMENT is %s. Endorsement claims %s",
			hex.EncodeToString(report.Measurement[:]), hex.EncodeToString(e.Measurement)))
	}
	if errs != nil {
		return verify.Wrap(verify.PolicyMismatch, errs, "utility VM endorsement")
	}
	return nil
}
