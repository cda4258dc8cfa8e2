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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"fmt"

	"github.com/google/go-sev-verify/abi"
	"go.uber.org/multierr"
)

// ChainLength is the number of certificates in a VCEK chain.
const ChainLength = 3

// Chain is a parsed VCEK certificate chain. It is not yet known to be valid.
type Chain struct {
	// Leaf is the versioned chip endorsement key (VCEK) certificate.
	Leaf *x509.Certificate
	// Intermediate is the AMD SEV signing key (ASK) certificate.
	Intermediate *x509.Certificate
	// Root is the AMD root key (ARK) certificate.
	Root *x509.Certificate
	// LeafKey is the VCEK public key that signs attestation reports.
	LeafKey *ecdsa.PublicKey
}

var chainRoles = [ChainLength]string{"VCEK", "ASK", "ARK"}

// ChainFromDER parses exactly three DER certificates in the order [VCEK, ASK, ARK]. It does not
// check signatures.
func ChainFromDER(ders [][]byte) (*Chain, error) {
	if len(ders) != ChainLength {
		return nil, Errorf(InvalidCertificate, "got %d certificates, want %d in the order %v", len(ders), ChainLength, chainRoles)
	}
	var certs [ChainLength]*x509.Certificate
	var errs error
	for i, der := range ders {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("could not parse %s certificate: %v", chainRoles[i], err))
			continue
		}
		certs[i] = cert
	}
	if errs != nil {
		return nil, Wrap(InvalidCertificate, errs, "")
	}
	key, ok := certs[0].PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, Errorf(InvalidCertificate, "VCEK public key is %v, expected ECDSA", certs[0].PublicKeyAlgorithm)
	}
	if key.Curve != elliptic.P384() {
		return nil, Errorf(InvalidCertificate, "VCEK public key curve is %s, expected P-384", key.Curve.Params().Name)
	}
	return &Chain{Leaf: certs[0], Intermediate: certs[1], Root: certs[2], LeafKey: key}, nil
}

// ChainFromCertTable builds the chain from the certificate table of an extended report.
func ChainFromCertTable(table *abi.CertTable) (*Chain, error) {
	if table == nil {
		return nil, Errorf(InvalidCertificate, "no certificate table")
	}
	var ders [][]byte
	var errs error
	for i, guid := range []string{abi.VcekGUID, abi.AskGUID, abi.ArkGUID} {
		der, err := table.GetByGUIDString(guid)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %v", chainRoles[i], err))
			continue
		}
		ders = append(ders, der)
	}
	if errs != nil {
		return nil, Wrap(InvalidCertificate, errs, "incomplete certificate table")
	}
	return ChainFromDER(ders)
}
