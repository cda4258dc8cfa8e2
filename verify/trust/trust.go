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

// Package trust defines the out-of-band trust anchors that an AMD root key must match.
package trust

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/google/logger"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Anchor pins the AMD root key (ARK) that a certificate chain must end in. Exactly one of
// Cert and Fingerprint is set.
type Anchor struct {
	// Cert pins the root's SubjectPublicKeyInfo. Re-issued roots with the same key still match.
	Cert *x509.Certificate
	// Fingerprint pins the SHA-256 or SHA-384 digest of the root's DER encoding.
	Fingerprint []byte
}

func (a Anchor) String() string {
	if a.Cert != nil {
		return fmt.Sprintf("key of %q", a.Cert.Subject.CommonName)
	}
	return fmt.Sprintf("fingerprint %s", hex.EncodeToString(a.Fingerprint))
}

// Matches returns true iff root is the certificate this anchor pins.
func (a Anchor) Matches(root *x509.Certificate) bool {
	if root == nil {
		return false
	}
	if a.Cert != nil {
		return bytes.Equal(a.Cert.RawSubjectPublicKeyInfo, root.RawSubjectPublicKeyInfo)
	}
	switch len(a.Fingerprint) {
	case sha256.Size:
		sum := sha256.Sum256(root.Raw)
		return bytes.Equal(a.Fingerprint, sum[:])
	case sha512.Size384:
		sum := sha512.Sum384(root.Raw)
		return bytes.Equal(a.Fingerprint, sum[:])
	}
	return false
}

// Anchors is a set of acceptable roots.
type Anchors []Anchor

// Match returns the first anchor that pins root.
func (as Anchors) Match(root *x509.Certificate) (Anchor, bool) {
	for _, a := range as {
		if a.Matches(root) {
			return a, true
		}
	}
	return Anchor{}, false
}

// FromFingerprint parses a hex SHA-256 or SHA-384 certificate fingerprint. Colons and spaces as
// printed by openssl are ignored.
func FromFingerprint(text string) (Anchor, error) {
	clean := strings.NewReplacer(":", "", " ", "").Replace(strings.TrimSpace(text))
	fp, err := hex.DecodeString(clean)
	if err != nil {
		return Anchor{}, fmt.Errorf("could not decode fingerprint %q as hex: %v", text, err)
	}
	if len(fp) != sha256.Size && len(fp) != sha512.Size384 {
		return Anchor{}, fmt.Errorf("fingerprint is %d bytes, want %d (SHA-256) or %d (SHA-384)",
			len(fp), sha256.Size, sha512.Size384)
	}
	return Anchor{Fingerprint: fp}, nil
}

// FromPEMBytes returns an anchor for every self-issued certificate in data. Other certificates
// are skipped, so the KDS cert_chain format (ASK then ARK) yields the ARK only.
func FromPEMBytes(data []byte) (Anchors, error) {
	var result Anchors
	var errs error
	rest := data
	for i := 0; ; i++ {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			errs = multierr.Append(errs, fmt.Errorf("PEM block %d has type %s. Expect CERTIFICATE", i, block.Type))
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("PEM block %d: %v", i, err))
			continue
		}
		if !bytes.Equal(cert.RawIssuer, cert.RawSubject) {
			logger.Infof("Skipping non-root certificate %q as a trust anchor", cert.Subject.CommonName)
			continue
		}
		result = append(result, Anchor{Cert: cert})
	}
	if errs != nil {
		return nil, errs
	}
	if len(result) == 0 {
		return nil, errors.New("no self-issued root certificate found")
	}
	return result, nil
}

// FromPEMFile reads root certificates from the PEM file at path.
func FromPEMFile(path string) (Anchors, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read trusted root %q", path)
	}
	anchors, err := FromPEMBytes(data)
	if err != nil {
		return nil, errors.Wrapf(err, "trusted root %q", path)
	}
	return anchors, nil
}
