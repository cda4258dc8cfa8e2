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

// Package testing defines a fake AMD-SP: a test-only ARK, ASK and VCEK certificate chain that
// signs attestation reports.
package testing

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha512"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/go-sev-verify/abi"
	"github.com/google/go-sev-verify/kds"
	"github.com/google/uuid"
)

// KDS specification:
// https://www.amd.com/system/files/TechDocs/57230.pdf

const (
	arkExpirationYears  = 25
	askExpirationYears  = 25
	vcekExpirationYears = 7

	// DefaultProductName is the productName of fake VCEKs unless overridden.
	DefaultProductName = "Milan-B0"

	// Test-only key size. AMD's ARK and ASK use 4096-bit keys, which are slow to generate.
	rsaTestKeyBits = 2048
)

// AmdKeys encapsulates the key chain of ARK through ASK down to VCEK.
type AmdKeys struct {
	// Ark and Ask are *ecdsa.PrivateKey on P-384 or *rsa.PrivateKey, which the fake signs with
	// RSASSA-PSS as AMD does.
	Ark  crypto.Signer
	Ask  crypto.Signer
	Vcek *ecdsa.PrivateKey
}

var (
	ecdsaKeysOnce sync.Once
	ecdsaKeys     *AmdKeys
	ecdsaKeysErr  error

	rsaKeysOnce sync.Once
	rsaKeys     *AmdKeys
	rsaKeysErr  error
)

func p384() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
}

// NewAmdKeys generates a P-384 key set for ARK, ASK and VCEK that no other signer shares.
func NewAmdKeys() (*AmdKeys, error) {
	var keys [3]*ecdsa.PrivateKey
	for i := range keys {
		k, err := p384()
		if err != nil {
			return nil, err
		}
		keys[i] = k
	}
	return &AmdKeys{Ark: keys[0], Ask: keys[1], Vcek: keys[2]}, nil
}

// DefaultAmdKeys returns a process-wide P-384 key set for ARK, ASK and VCEK.
func DefaultAmdKeys() (*AmdKeys, error) {
	ecdsaKeysOnce.Do(func() {
		ecdsaKeys, ecdsaKeysErr = NewAmdKeys()
	})
	return ecdsaKeys, ecdsaKeysErr
}

// RsaPssAmdKeys returns a process-wide key set with RSA ARK and ASK keys, the key types AMD
// uses, and a P-384 VCEK key.
func RsaPssAmdKeys() (*AmdKeys, error) {
	rsaKeysOnce.Do(func() {
		ark, err := rsa.GenerateKey(rand.Reader, rsaTestKeyBits)
		if err != nil {
			rsaKeysErr = err
			return
		}
		ask, err := rsa.GenerateKey(rand.Reader, rsaTestKeyBits)
		if err != nil {
			rsaKeysErr = err
			return
		}
		vcek, err := p384()
		if err != nil {
			rsaKeysErr = err
			return
		}
		rsaKeys = &AmdKeys{Ark: ark, Ask: ask, Vcek: vcek}
	})
	return rsaKeys, rsaKeysErr
}

func signatureAlgorithmFor(signer crypto.Signer) x509.SignatureAlgorithm {
	if _, ok := signer.(*rsa.PrivateKey); ok {
		return x509.SHA384WithRSAPSS
	}
	return x509.ECDSAWithSHA384
}

// AmdSigner encapsulates a key and certificate chain following the format of AMD-SP's VCEK for
// signing attestation reports.
type AmdSigner struct {
	Ark  *x509.Certificate
	Ask  *x509.Certificate
	Vcek *x509.Certificate
	Keys *AmdKeys
	// HWID is the VCEK's hardware ID. Turin VCEKs certify only the first kds.TurinHWIDSize bytes.
	HWID    [abi.ChipIDSize]byte
	TCB     kds.TCBParts
	Product kds.Product
}

// Sign takes a chunk of bytes, signs it with the VCEK key, and returns the R, S pair for the
// signature.
func (s *AmdSigner) Sign(toSign []byte) (*big.Int, *big.Int, error) {
	digest := sha512.Sum384(toSign)
	return ecdsa.Sign(rand.Reader, s.Keys.Vcek, digest[:])
}

// TCBVersion returns the signer's TCB in its product line's layout.
func (s *AmdSigner) TCBVersion() kds.TCBVersion {
	tcb, err := kds.ComposeTCBPartsFor(s.Product.Line, s.TCB)
	if err != nil {
		// The builder already composed the same parts into the VCEK.
		panic(err)
	}
	return tcb
}

// CertChainDER returns the DER certificates in the order [VCEK, ASK, ARK].
func (s *AmdSigner) CertChainDER() [][]byte {
	return [][]byte{s.Vcek.Raw, s.Ask.Raw, s.Ark.Raw}
}

// CertChainPEM returns the certificates as concatenated PEM blocks in the order [VCEK, ASK, ARK].
func (s *AmdSigner) CertChainPEM() []byte {
	var sb strings.Builder
	for _, der := range s.CertChainDER() {
		sb.Write(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	}
	return []byte(sb.String())
}

// CertTable returns the certificates as an extended report certificate table.
func (s *AmdSigner) CertTable() *abi.CertTable {
	return &abi.CertTable{Entries: []abi.CertTableEntry{
		{GUID: uuid.MustParse(abi.ArkGUID), RawCert: s.Ark.Raw},
		{GUID: uuid.MustParse(abi.AskGUID), RawCert: s.Ask.Raw},
		{GUID: uuid.MustParse(abi.VcekGUID), RawCert: s.Vcek.Raw},
	}}
}

// CertOverride encapsulates certificate aspects that can be overridden when creating a certificate
// chain.
type CertOverride struct {
	SerialNumber       *big.Int
	Subject            *pkix.Name
	SignatureAlgorithm x509.SignatureAlgorithm
	KeyUsage           x509.KeyUsage
	NotBefore          time.Time
	NotAfter           time.Time
	// If nil, interpreted as default list.
	Extensions []pkix.Extension
}

func (o CertOverride) override(cert *x509.Certificate) *x509.Certificate {
	if o.SignatureAlgorithm != x509.UnknownSignatureAlgorithm {
		cert.SignatureAlgorithm = o.SignatureAlgorithm
	}
	if o.Subject != nil {
		cert.Subject = *o.Subject
	}
	if o.SerialNumber != nil {
		cert.SerialNumber = o.SerialNumber
		cert.Subject.SerialNumber = fmt.Sprintf("%x", o.SerialNumber)
	}
	if o.KeyUsage != x509.KeyUsage(0) {
		cert.KeyUsage = o.KeyUsage
	}
	if !o.NotBefore.IsZero() {
		cert.NotBefore = o.NotBefore
	}
	if !o.NotAfter.IsZero() {
		cert.NotAfter = o.NotAfter
	}
	if o.Extensions != nil {
		cert.ExtraExtensions = o.Extensions
	}
	return cert
}

// AmdSignerBuilder represents toggleable configurations of the VCEK certificate chain.
type AmdSignerBuilder struct {
	// Keys contains the private keys that will get a certificate chain structure.
	Keys             *AmdKeys
	ProductName      string
	ArkCreationTime  time.Time
	AskCreationTime  time.Time
	VcekCreationTime time.Time
	ArkCustom        CertOverride
	AskCustom        CertOverride
	VcekCustom       CertOverride
	HWID             [abi.ChipIDSize]byte
	TCB              kds.TCBParts
	// Intermediate built certificates
	Ark  *x509.Certificate
	Ask  *x509.Certificate
	Vcek *x509.Certificate
}

func (b *AmdSignerBuilder) productName() string {
	if b.ProductName == "" {
		return DefaultProductName
	}
	return b.ProductName
}

func amdPkixName(commonName string, serialNumber string) pkix.Name {
	return pkix.Name{
		Organization:       []string{"Advanced Micro Devices"},
		Country:            []string{"US"},
		OrganizationalUnit: []string{"Engineering"},
		Locality:           []string{"Santa Clara"},
		Province:           []string{"CA"},
		SerialNumber:       serialNumber,
		CommonName:         commonName,
	}
}

func (b *AmdSignerBuilder) unsignedCA(subject pkix.Name, serial *big.Int, signer crypto.Signer, creationTime time.Time, expirationYears int) *x509.Certificate {
	return &x509.Certificate{
		Version:               3,
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             creationTime,
		NotAfter:              creationTime.Add(time.Duration(365*24*expirationYears) * time.Hour),
		SignatureAlgorithm:    signatureAlgorithmFor(signer),
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
}

func createCertificate(template, parent *x509.Certificate, pub any, signer crypto.Signer) (*x509.Certificate, error) {
	der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, signer)
	if err != nil {
		return nil, fmt.Errorf("could not create a certificate from %v: %v", template.Subject, err)
	}
	return x509.ParseCertificate(der)
}

func (b *AmdSignerBuilder) certifyArk(line kds.ProductLine) error {
	sn := big.NewInt(0xc0dec0de)
	cert := b.unsignedCA(amdPkixName(fmt.Sprintf("ARK-%s", line), fmt.Sprintf("%x", sn)), sn, b.Keys.Ark, b.ArkCreationTime, arkExpirationYears)
	cert.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	b.ArkCustom.override(cert)

	signed, err := createCertificate(cert, cert, b.Keys.Ark.Public(), b.Keys.Ark)
	b.Ark = signed
	return err
}

// must be called after certifyArk
func (b *AmdSignerBuilder) certifyAsk(line kds.ProductLine) error {
	sn := big.NewInt(0xc0dec0df)
	cert := b.unsignedCA(amdPkixName(fmt.Sprintf("SEV-%s", line), fmt.Sprintf("%x", sn)), sn, b.Keys.Ark, b.AskCreationTime, askExpirationYears)
	cert.KeyUsage = x509.KeyUsageCertSign
	b.AskCustom.override(cert)

	signed, err := createCertificate(cert, b.Ark, b.Keys.Ask.Public(), b.Keys.Ark)
	b.Ask = signed
	return err
}

// CustomExtensions returns an array of extensions following the KDS specification
// for the given values. Turin certificates carry FMC and omit the reserved levels.
func CustomExtensions(tcb kds.TCBParts, hwid []byte, productName string) []pkix.Extension {
	u8 := func(oid asn1.ObjectIdentifier, v uint8) pkix.Extension {
		b, _ := asn1.Marshal(int(v))
		return pkix.Extension{Id: oid, Value: b}
	}
	productNameAsn1, _ := asn1.MarshalWithParams(productName, "ia5")
	exts := []pkix.Extension{
		u8(kds.OidStructVersion, 1),
		{Id: kds.OidProductName1, Value: productNameAsn1},
		u8(kds.OidBlSpl, tcb.BlSpl),
		u8(kds.OidTeeSpl, tcb.TeeSpl),
		u8(kds.OidSnpSpl, tcb.SnpSpl),
	}
	if strings.HasPrefix(productName, kds.Turin.String()) {
		exts = append(exts, u8(kds.OidFmcSpl, tcb.FmcSpl))
	} else {
		exts = append(exts,
			u8(kds.OidSpl4, tcb.Spl4),
			u8(kds.OidSpl5, tcb.Spl5),
			u8(kds.OidSpl6, tcb.Spl6),
			u8(kds.OidSpl7, tcb.Spl7))
	}
	exts = append(exts, u8(kds.OidUcodeSpl, tcb.UcodeSpl))
	if hwid != nil {
		asn1Hwid, _ := asn1.Marshal(hwid)
		exts = append(exts, pkix.Extension{Id: kds.OidHwid, Value: asn1Hwid})
	}
	return exts
}

func (b *AmdSignerBuilder) certifyVcek(line kds.ProductLine) error {
	sn := big.NewInt(1)
	cert := &x509.Certificate{
		Version:            3,
		SignatureAlgorithm: signatureAlgorithmFor(b.Keys.Ask),
		Subject:            amdPkixName("SEV-VCEK", fmt.Sprintf("%x", sn)),
		SerialNumber:       sn,
		NotBefore:          b.VcekCreationTime,
		NotAfter:           b.VcekCreationTime.Add(vcekExpirationYears * 365 * 24 * time.Hour),
		ExtraExtensions:    CustomExtensions(b.TCB, b.HWID[:line.HWIDSize()], b.productName()),
	}
	b.VcekCustom.override(cert)

	signed, err := createCertificate(cert, b.Ask, b.Keys.Vcek.Public(), b.Keys.Ask)
	b.Vcek = signed
	return err
}

// TestOnlyCertChain creates a test-only certificate chain from the keys and configurables in b.
func (b *AmdSignerBuilder) TestOnlyCertChain() (*AmdSigner, error) {
	if b.Keys == nil {
		keys, err := DefaultAmdKeys()
		if err != nil {
			return nil, err
		}
		b.Keys = keys
	}
	product, err := kds.ParseProductName(b.productName())
	if err != nil {
		return nil, err
	}
	if _, err := kds.ComposeTCBPartsFor(product.Line, b.TCB); err != nil {
		return nil, fmt.Errorf("invalid TCB for %s: %v", product.Line, err)
	}
	if err := b.certifyArk(product.Line); err != nil {
		return nil, fmt.Errorf("ark creation error: %v", err)
	}
	if err := b.certifyAsk(product.Line); err != nil {
		return nil, fmt.Errorf("ask creation error: %v", err)
	}
	if err := b.certifyVcek(product.Line); err != nil {
		return nil, fmt.Errorf("vcek creation error: %v", err)
	}
	s := &AmdSigner{
		Ark:     b.Ark,
		Ask:     b.Ask,
		Vcek:    b.Vcek,
		Keys:    b.Keys,
		TCB:     b.TCB,
		Product: product,
	}
	copy(s.HWID[:], b.HWID[:product.Line.HWIDSize()])
	return s, nil
}

// DefaultTCB returns a plausible TCB for the product line.
func DefaultTCB(line kds.ProductLine) kds.TCBParts {
	if line == kds.Turin {
		return kds.TCBParts{FmcSpl: 1, BlSpl: 1, TeeSpl: 1, SnpSpl: 3, UcodeSpl: 0x48}
	}
	return kds.TCBParts{BlSpl: 3, TeeSpl: 0, SnpSpl: 8, UcodeSpl: 115}
}

// DefaultHWID returns a nonzero test-only hardware ID.
func DefaultHWID() [abi.ChipIDSize]byte {
	var hwid [abi.ChipIDSize]byte
	for i := range hwid {
		hwid[i] = byte(0xa0 + i)
	}
	return hwid
}

// DefaultTestOnlyCertChain creates a test-only certificate chain for a fake attestation signer.
// All chains it returns share the keys of DefaultAmdKeys.
func DefaultTestOnlyCertChain(productName string, creationTime time.Time) (*AmdSigner, error) {
	return certChainWithKeys(nil, productName, creationTime)
}

// FreshTestOnlyCertChain is like DefaultTestOnlyCertChain but signs with a newly generated key
// set, so its ARK, ASK and VCEK are unrelated to every other signer's.
func FreshTestOnlyCertChain(productName string, creationTime time.Time) (*AmdSigner, error) {
	keys, err := NewAmdKeys()
	if err != nil {
		return nil, err
	}
	return certChainWithKeys(keys, productName, creationTime)
}

func certChainWithKeys(keys *AmdKeys, productName string, creationTime time.Time) (*AmdSigner, error) {
	if productName == "" {
		productName = DefaultProductName
	}
	product, err := kds.ParseProductName(productName)
	if err != nil {
		return nil, err
	}
	b := &AmdSignerBuilder{
		Keys:             keys,
		ProductName:      productName,
		ArkCreationTime:  creationTime,
		AskCreationTime:  creationTime,
		VcekCreationTime: creationTime,
		HWID:             DefaultHWID(),
		TCB:              DefaultTCB(product.Line),
	}
	return b.TestOnlyCertChain()
}
