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
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/veraison/go-cose"
)

const (
	// UvmIssuer is the fake endorsement's iss header.
	UvmIssuer = "did:x509:0:sha256:fake::eku:1.3.6.1.4.1.311.76.59.1.2"
	// UvmFeed is the fake endorsement's feed header.
	UvmFeed = "ContainerPlat-AMD-UVM"
)

// UvmEndorser signs fake utility VM endorsements.
type UvmEndorser struct {
	Key  *ecdsa.PrivateKey
	Cert *x509.Certificate
	// Issuer and Feed default to UvmIssuer and UvmFeed.
	Issuer string
	Feed   string
	// Untagged omits the COSE_Sign1 CBOR tag.
	Untagged bool
}

// NewUvmEndorser returns an endorser with a fresh P-384 key and self-signed certificate.
func NewUvmEndorser() (*UvmEndorser, error) {
	key, err := p384()
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject:      pkix.Name{CommonName: "Fake UVM Endorsement Signer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	cert, err := createCertificate(template, template, key.Public(), key)
	if err != nil {
		return nil, err
	}
	return &UvmEndorser{Key: key, Cert: cert, Issuer: UvmIssuer, Feed: UvmFeed}, nil
}

// Endorse returns a COSE_Sign1 endorsement of the measurement at the given security version.
func (u *UvmEndorser) Endorse(measurement []byte, guestSvn string) ([]byte, error) {
	payload, err := json.Marshal(map[string]string{
		"x-ms-sevsnpvm-guestsvn":    guestSvn,
		"x-ms-sevsnpvm-measurement": hex.EncodeToString(measurement),
	})
	if err != nil {
		return nil, err
	}
	signer, err := cose.NewSigner(cose.AlgorithmES384, u.Key)
	if err != nil {
		return nil, fmt.Errorf("could not create COSE signer: %v", err)
	}
	msg := cose.NewSign1Message()
	msg.Headers.Protected.SetAlgorithm(cose.AlgorithmES384)
	msg.Headers.Protected[cose.HeaderLabelContentType] = "application/json"
	msg.Headers.Protected[cose.HeaderLabelX5Chain] = []any{u.Cert.Raw}
	msg.Headers.Protected["iss"] = u.Issuer
	msg.Headers.Protected["feed"] = u.Feed
	msg.Payload = payload
	if err := msg.Sign(rand.Reader, nil, signer); err != nil {
		return nil, fmt.Errorf("could not sign endorsement: %v", err)
	}
	if u.Untagged {
		return (*cose.UntaggedSign1Message)(msg).MarshalCBOR()
	}
	return msg.MarshalCBOR()
}
