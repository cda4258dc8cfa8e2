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

// Package kds defines values specified for the AMD Key Distribution Service.
package kds

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/go-sev-verify/abi"
	"go.uber.org/multierr"
)

// Encapsulates the rest of the fields after AMD's V{C,L}EK OID classifier prefix 1.3.6.1.4.1.3704.1.
type kdsOID struct {
	major int
	minor int
}

var (
	// OidStructVersion is the x509v3 extension for V[CL]EK certificate struct version.
	OidStructVersion = asn1.ObjectIdentifier([]int{1, 3, 6, 1, 4, 1, 3704, 1, 1})
	// OidProductName1 is the x509v3 extension for V[CL]EK certificate product name.
	OidProductName1 = asn1.ObjectIdentifier([]int{1, 3, 6, 1, 4, 1, 3704, 1, 2})
	// OidBlSpl is the x509v3 extension for V[CL]EK certificate bootloader security patch level.
	OidBlSpl = asn1.ObjectIdentifier([]int{1, 3, 6, 1, 4, 1, 3704, 1, 3, 1})
	// OidTeeSpl is the x509v3 extension for V[CL]EK certificate TEE security patch level.
	OidTeeSpl = asn1.ObjectIdentifier([]int{1, 3, 6, 1, 4, 1, 3704, 1, 3, 2})
	// OidSnpSpl is the x509v3 extension for V[CL]EK certificate SNP security patch level.
	OidSnpSpl = asn1.ObjectIdentifier([]int{1, 3, 6, 1, 4, 1, 3704, 1, 3, 3})
	// OidSpl4 is the x509v3 extension for V[CL]EK certificate reserved security patch level.
	OidSpl4 = asn1.ObjectIdentifier([]int{1, 3, 6, 1, 4, 1, 3704, 1, 3, 4})
	// OidSpl5 is the x509v3 extension for V[CL]EK certificate reserved security patch level.
	OidSpl5 = asn1.ObjectIdentifier([]int{1, 3, 6, 1, 4, 1, 3704, 1, 3, 5})
	// OidSpl6 is the x509v3 extension for V[CL]EK certificate reserved security patch level.
	OidSpl6 = asn1.ObjectIdentifier([]int{1, 3, 6, 1, 4, 1, 3704, 1, 3, 6})
	// OidSpl7 is the x509v3 extension for V[CL]EK certificate reserved security patch level.
	OidSpl7 = asn1.ObjectIdentifier([]int{1, 3, 6, 1, 4, 1, 3704, 1, 3, 7})
	// OidUcodeSpl is the x509v3 extension for V[CL]EK microcode security patch level.
	OidUcodeSpl = asn1.ObjectIdentifier([]int{1, 3, 6, 1, 4, 1, 3704, 1, 3, 8})
	// OidFmcSpl is the x509v3 extension for the Turin firmware mask chip security patch level.
	OidFmcSpl = asn1.ObjectIdentifier([]int{1, 3, 6, 1, 4, 1, 3704, 1, 3, 9})
	// OidHwid is the x509v3 extension for VCEK certificate associated hardware identifier.
	OidHwid = asn1.ObjectIdentifier([]int{1, 3, 6, 1, 4, 1, 3704, 1, 4})
	// OidCspID is the x509v3 extension for a VLEK certificate's Cloud Service Provider's
	// origin TLS key's certificate's subject key's CommonName.
	OidCspID = asn1.ObjectIdentifier([]int{1, 3, 6, 1, 4, 1, 3704, 1, 5})

	authorityKeyOid = asn1.ObjectIdentifier([]int{2, 5, 29, 35})
	// Short forms of the asn1 Object identifiers to use in map lookups, since []int are invalid key
	// types.
	kdsStructVersion = kdsOID{major: 1}
	kdsProductName1  = kdsOID{major: 2}
	kdsBlSpl         = kdsOID{major: 3, minor: 1}
	kdsTeeSpl        = kdsOID{major: 3, minor: 2}
	kdsSnpSpl        = kdsOID{major: 3, minor: 3}
	kdsSpl4          = kdsOID{major: 3, minor: 4}
	kdsSpl5          = kdsOID{major: 3, minor: 5}
	kdsSpl6          = kdsOID{major: 3, minor: 6}
	kdsSpl7          = kdsOID{major: 3, minor: 7}
	kdsUcodeSpl      = kdsOID{major: 3, minor: 8}
	kdsFmcSpl        = kdsOID{major: 3, minor: 9}
	kdsHwid          = kdsOID{major: 4}
	kdsCspID         = kdsOID{major: 5}

	oidShortForms = []struct {
		oid   asn1.ObjectIdentifier
		short kdsOID
	}{
		{OidStructVersion, kdsStructVersion},
		{OidProductName1, kdsProductName1},
		{OidBlSpl, kdsBlSpl},
		{OidTeeSpl, kdsTeeSpl},
		{OidSnpSpl, kdsSnpSpl},
		{OidSpl4, kdsSpl4},
		{OidSpl5, kdsSpl5},
		{OidSpl6, kdsSpl6},
		{OidSpl7, kdsSpl7},
		{OidUcodeSpl, kdsUcodeSpl},
		{OidFmcSpl, kdsFmcSpl},
		{OidHwid, kdsHwid},
		{OidCspID, kdsCspID},
	}

	kdsHostname = "kdsintf.amd.com"
	kdsBaseURL  = "https://" + kdsHostname
	kdsVcekPath = "/vcek/v1/"
	kdsVlekPath = "/vlek/v1/"

	// Chip manufacturers assign stepping versions strings that are <letter><number>
	// to describe a stepping number for a particular model chip. There is no way
	// other than documentation to map a stepping number to a stepping version and
	// vice versa.
	steppingVersions = map[ProductLine][]string{
		Milan: {"B0", "B1"},
		Genoa: {"B0", "B1", "B2"},
		Turin: {"B0", "B1"},
	}
)

// TurinHWIDSize is the byte size of the HWID extension of a Turin VCEK. Turin reports carry
// the HWID in the first bytes of CHIP_ID.
const TurinHWIDSize = 8

// ProductLine is an AMD SEV-SNP capable processor generation.
type ProductLine int

const (
	// UnknownProductLine is the zero value.
	UnknownProductLine ProductLine = iota
	// Milan is the 3rd generation AMD EPYC processor line.
	Milan
	// Genoa is the 4th generation AMD EPYC processor line.
	Genoa
	// Turin is the 5th generation AMD EPYC processor line.
	Turin
)

func (p ProductLine) String() string {
	switch p {
	case Milan:
		return "Milan"
	case Genoa:
		return "Genoa"
	case Turin:
		return "Turin"
	}
	return "Unknown"
}

// HWIDSize returns the byte size of the HWID extension of a VCEK for the product line.
func (p ProductLine) HWIDSize() int {
	if p == Turin {
		return TurinHWIDSize
	}
	return abi.ChipIDSize
}

// Product is a product line with the stepping named by a productName extension.
type Product struct {
	Line     ProductLine
	Stepping uint8
	// HasStepping is false for product names that carry no stepping suffix, e.g. VLEK certificates.
	HasStepping bool
}

// Name returns the expected productName extension value for the product.
func (p Product) Name() string {
	if !p.HasStepping {
		return p.Line.String()
	}
	versions := steppingVersions[p.Line]
	if int(p.Stepping) >= len(versions) {
		return fmt.Sprintf("unmapped%sStepping", p.Line)
	}
	return fmt.Sprintf("%s-%s", p.Line, versions[p.Stepping])
}

// ParseProductLine returns the ProductLine for a product name without the stepping suffix.
func ParseProductLine(productLine string) (ProductLine, error) {
	switch productLine {
	case "Milan":
		return Milan, nil
	case "Genoa":
		return Genoa, nil
	case "Turin":
		return Turin, nil
	default:
		return UnknownProductLine, fmt.Errorf("unknown AMD SEV product: %q", productLine)
	}
}

// ParseProductName returns the product line and stepping represented by a V[CL]EK productName
// extension value. VLEK certificates don't carry the stepping value in productName.
func ParseProductName(productName string) (Product, error) {
	linePart, stepping, hasStepping := strings.Cut(productName, "-")
	line, err := ParseProductLine(linePart)
	if err != nil {
		return Product{}, err
	}
	if !hasStepping {
		return Product{Line: line}, nil
	}
	for i, v := range steppingVersions[line] {
		if v == stepping {
			return Product{Line: line, Stepping: uint8(i), HasStepping: true}, nil
		}
	}
	return Product{}, fmt.Errorf("unknown product name (new stepping published?): %q", productName)
}

// ProductLineFromCpuid returns the product line of the CPUID family and model values reported
// in attestation reports from version 3.
func ProductLineFromCpuid(family, model uint8) ProductLine {
	switch family {
	case 0x19:
		switch {
		case model <= 0x0f:
			return Milan
		case model >= 0x10 && model <= 0x1f, model >= 0xa0 && model <= 0xaf:
			return Genoa
		}
	case 0x1a:
		if model <= 0x11 {
			return Turin
		}
	}
	return UnknownProductLine
}

// TCBVersion is a 64-bit bitfield of different security patch levels of AMD firmware and microcode.
type TCBVersion uint64

// Extensions represents the information stored in the KDS-specified x509 extensions of a V{C,L}EK
// certificate.
type Extensions struct {
	StructVersion uint8
	ProductName   string
	Product       Product
	// The host driver knows the difference between primary and secondary HWID.
	// Primary vs secondary is irrelevant to verification. Must be nil or
	// Product.Line.HWIDSize() long.
	HWID []byte
	// TCB holds the individual security patch levels.
	TCB TCBParts
	// TCBVersion is TCB composed with the product line's TCB_VERSION layout.
	TCBVersion TCBVersion
	CspID      string
}

func oidTokdsOID(id asn1.ObjectIdentifier) (kdsOID, error) {
	for _, f := range oidShortForms {
		if id.Equal(f.oid) {
			return f.short, nil
		}
	}
	return kdsOID{}, fmt.Errorf("not an AMD KDS OID: %v", id)
}

func kdsOidMap(cert *x509.Certificate) (map[kdsOID]*pkix.Extension, error) {
	result := make(map[kdsOID]*pkix.Extension)
	for i, ext := range cert.Extensions {
		if ext.Id.Equal(authorityKeyOid) {
			// Since ASK is a CA, signing can impart the authority key extension.
			continue
		}
		oid, err := oidTokdsOID(ext.Id)
		if err != nil {
			return nil, err
		}
		if _, ok := result[oid]; ok {
			return nil, fmt.Errorf("duplicate AMD KDS extension: %v", ext.Id)
		}
		result[oid] = &cert.Extensions[i]
	}
	return result, nil
}

// TCBParts represents all TCB field values in a given uint64 representation of
// an AMD secure processor firmware TCB version.
type TCBParts struct {
	// BlSpl is the bootloader security patch level.
	BlSpl uint8
	// TeeSpl is the TEE security patch level.
	TeeSpl uint8
	// Spl4 is reserved.
	Spl4 uint8
	// Spl5 is reserved.
	Spl5 uint8
	// Spl6 is reserved.
	Spl6 uint8
	// Spl7 is reserved.
	Spl7 uint8
	// SnpSpl is the SNP security patch level.
	SnpSpl uint8
	// UcodeSpl is the microcode security patch level.
	UcodeSpl uint8
	// FmcSpl is the Turin firmware mask chip security patch level.
	FmcSpl uint8
}

func check127(name string, value uint8) error {
	if value > 127 {
		return fmt.Errorf("%s TCB part is %d. Expect 0-127", name, value)
	}
	return nil
}

// ComposeTCBParts returns an SEV-SNP TCB_VERSION from OID mapping values in the Milan and Genoa
// layout. The spl4-spl7 fields are reserved, but the KDS specification designates them as 4
// byte-sized fields.
func ComposeTCBParts(parts TCBParts) (TCBVersion, error) {
	// Only UcodeSpl may be 0-255. All others must be 0-127.
	if err := multierr.Combine(check127("SnpSpl", parts.SnpSpl),
		check127("Spl7", parts.Spl7),
		check127("Spl6", parts.Spl6),
		check127("Spl5", parts.Spl5),
		check127("Spl4", parts.Spl4),
		check127("TeeSpl", parts.TeeSpl),
		check127("BlSpl", parts.BlSpl),
	); err != nil {
		return TCBVersion(0), err
	}
	if parts.FmcSpl != 0 {
		return TCBVersion(0), fmt.Errorf("FmcSpl TCB part is %d, but the layout has no FMC field", parts.FmcSpl)
	}
	return TCBVersion(
		(uint64(parts.UcodeSpl) << 56) |
			(uint64(parts.SnpSpl) << 48) |
			(uint64(parts.Spl7) << 40) |
			(uint64(parts.Spl6) << 32) |
			(uint64(parts.Spl5) << 24) |
			(uint64(parts.Spl4) << 16) |
			(uint64(parts.TeeSpl) << 8) |
			(uint64(parts.BlSpl) << 0)), nil
}

// DecomposeTCBVersion interprets the byte components of the AMD representation of the
// platform security patch levels into a struct, using the Milan and Genoa layout.
func DecomposeTCBVersion(tcb TCBVersion) TCBParts {
	return TCBParts{
		UcodeSpl: uint8((uint64(tcb) >> 56) & 0xff),
		SnpSpl:   uint8((uint64(tcb) >> 48) & 0xff),
		Spl7:     uint8((uint64(tcb) >> 40) & 0xff),
		Spl6:     uint8((uint64(tcb) >> 32) & 0xff),
		Spl5:     uint8((uint64(tcb) >> 24) & 0xff),
		Spl4:     uint8((uint64(tcb) >> 16) & 0xff),
		TeeSpl:   uint8((uint64(tcb) >> 8) & 0xff),
		BlSpl:    uint8((uint64(tcb) >> 0) & 0xff),
	}
}

// ComposeTCBPartsFor returns the TCB_VERSION of parts in the layout the product line uses.
// Turin moves the bootloader, TEE and SNP levels down one byte to make room for FMC, and
// reserves bytes 4 through 6.
func ComposeTCBPartsFor(line ProductLine, parts TCBParts) (TCBVersion, error) {
	if line != Turin {
		return ComposeTCBParts(parts)
	}
	if parts.Spl4|parts.Spl5|parts.Spl6|parts.Spl7 != 0 {
		return TCBVersion(0), fmt.Errorf("Turin TCB reserves spl4-spl7, got %d %d %d %d",
			parts.Spl4, parts.Spl5, parts.Spl6, parts.Spl7)
	}
	return TCBVersion(
		(uint64(parts.UcodeSpl) << 56) |
			(uint64(parts.SnpSpl) << 24) |
			(uint64(parts.TeeSpl) << 16) |
			(uint64(parts.BlSpl) << 8) |
			(uint64(parts.FmcSpl) << 0)), nil
}

// DecomposeTCBVersionFor interprets tcb in the layout the product line uses.
func DecomposeTCBVersionFor(line ProductLine, tcb TCBVersion) TCBParts {
	if line != Turin {
		return DecomposeTCBVersion(tcb)
	}
	return TCBParts{
		UcodeSpl: uint8((uint64(tcb) >> 56) & 0xff),
		SnpSpl:   uint8((uint64(tcb) >> 24) & 0xff),
		TeeSpl:   uint8((uint64(tcb) >> 16) & 0xff),
		BlSpl:    uint8((uint64(tcb) >> 8) & 0xff),
		FmcSpl:   uint8((uint64(tcb) >> 0) & 0xff),
	}
}

func asn1U8(ext *pkix.Extension, field string, out *uint8) error {
	if ext == nil {
		return fmt.Errorf("no extension for field %s", field)
	}
	var i int
	rest, err := asn1.Unmarshal(ext.Value, &i)
	if err != nil {
		return fmt.Errorf("could not parse extension %s as an integer: %v", field, err)
	}
	// Check that i is a valid uint8 value.
	if len(rest) != 0 {
		return fmt.Errorf("unexpected leftover bytes for U8 field %s", field)
	}
	if i < 0 || i > 255 {
		return fmt.Errorf("int value for field %s isn't a uint8: %d", field, i)
	}
	*out = uint8(i)
	return nil
}

// asn1OptionalU8 leaves out unchanged when the extension is absent.
func asn1OptionalU8(ext *pkix.Extension, field string, out *uint8) error {
	if ext == nil {
		return nil
	}
	return asn1U8(ext, field, out)
}

func asn1IA5String(ext *pkix.Extension, field string, out *string) error {
	if ext == nil || len(ext.Value) == 0 {
		return fmt.Errorf("no extension for field %s", field)
	}
	// Even with the "ia5" params, Unmarshal is too lax about string tags.
	if ext.Value[0] != asn1.TagIA5String {
		return fmt.Errorf("value is not tagged as an IA5String: %d", ext.Value[0])
	}
	rest, err := asn1.UnmarshalWithParams(ext.Value, out, "ia5")
	if err != nil {
		return fmt.Errorf("could not parse extension %s as an IA5String: %v", field, err)
	}
	if len(rest) != 0 {
		return fmt.Errorf("unexpected leftover bytes for IA5String field %s", field)
	}
	return nil
}

func asn1OctetString(ext *pkix.Extension, field string, size int) ([]byte, error) {
	if ext == nil {
		return nil, fmt.Errorf("no extension for field %s", field)
	}
	// ASN1 requires a type tag, but for some reason the KDS doesn't add that for the HWID.
	if len(ext.Value) == size {
		return append([]byte(nil), ext.Value...), nil
	}
	// In case AMD adds the type and the value's length increases to include the type tag, then try
	// to unmarshal here.
	var octet []byte
	rest, err := asn1.Unmarshal(ext.Value, &octet)
	if err != nil {
		return nil, fmt.Errorf("could not parse extension %s as an octet string (value %x): %v", field, ext.Value, err)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("unexpected leftover bytes in extension value for field %v", field)
	}
	// Check the expected length.
	if size >= 0 && len(octet) != size {
		return nil, fmt.Errorf("%s size is %d, expected %d", field, len(octet), size)
	}
	return octet, nil
}

func kdsOidMapToExtensions(exts map[kdsOID]*pkix.Extension) (*Extensions, error) {
	var result Extensions

	if err := asn1U8(exts[kdsStructVersion], "StructVersion", &result.StructVersion); err != nil {
		return nil, err
	}
	if err := asn1IA5String(exts[kdsProductName1], "ProductName1", &result.ProductName); err != nil {
		return nil, err
	}
	product, err := ParseProductName(result.ProductName)
	if err != nil {
		return nil, err
	}
	result.Product = product
	hwidExt, ok := exts[kdsHwid]
	if ok {
		octet, err := asn1OctetString(hwidExt, "HWID", product.Line.HWIDSize())
		if err != nil {
			return nil, err
		}
		result.HWID = octet
	}
	cspidExt := exts[kdsCspID]
	if cspidExt != nil {
		if err := asn1IA5String(cspidExt, "CSP_ID", &result.CspID); err != nil {
			return nil, err
		}
		if hwidExt != nil {
			return nil, fmt.Errorf("certificate has both HWID (%s) and CSP_ID (%s) extensions", hex.EncodeToString(result.HWID), result.CspID)
		}
	}
	var parts TCBParts
	// Turin certificates may omit the reserved levels.
	reservedU8 := asn1U8
	if product.Line == Turin {
		reservedU8 = asn1OptionalU8
	}
	if err := multierr.Combine(
		asn1U8(exts[kdsBlSpl], "BlSpl", &parts.BlSpl),
		asn1U8(exts[kdsTeeSpl], "TeeSpl", &parts.TeeSpl),
		asn1U8(exts[kdsSnpSpl], "SnpSpl", &parts.SnpSpl),
		reservedU8(exts[kdsSpl4], "Spl4", &parts.Spl4),
		reservedU8(exts[kdsSpl5], "Spl5", &parts.Spl5),
		reservedU8(exts[kdsSpl6], "Spl6", &parts.Spl6),
		reservedU8(exts[kdsSpl7], "Spl7", &parts.Spl7),
		asn1U8(exts[kdsUcodeSpl], "UcodeSpl", &parts.UcodeSpl),
	); err != nil {
		return nil, err
	}
	if product.Line == Turin {
		if err := asn1U8(exts[kdsFmcSpl], "FmcSpl", &parts.FmcSpl); err != nil {
			return nil, err
		}
	} else if exts[kdsFmcSpl] != nil {
		return nil, fmt.Errorf("unexpected FmcSpl extension for product %s", product.Line)
	}
	tcb, err := ComposeTCBPartsFor(product.Line, parts)
	if err != nil {
		return nil, err
	}
	result.TCB = parts
	result.TCBVersion = tcb
	return &result, nil
}

// preEndorsementKeyCertificateExtensions returns the x509v3 extensions from the KDS specification interpreted
// into a struct type, before any checks specific to the endorsement key kind
func preEndorsementKeyCertificateExtensions(cert *x509.Certificate) (*Extensions, error) {
	oidMap, err := kdsOidMap(cert)
	if err != nil {
		return nil, err
	}
	return kdsOidMapToExtensions(oidMap)
}

// VcekCertificateExtensions returns the x509v3 extensions from the KDS specification of a VCEK
// certificate interpreted into a struct type.
func VcekCertificateExtensions(cert *x509.Certificate) (*Extensions, error) {
	if cert == nil {
		return nil, fmt.Errorf("cert cannot be nil")
	}
	exts, err := preEndorsementKeyCertificateExtensions(cert)
	if err != nil {
		return nil, err
	}
	if exts.CspID != "" {
		return nil, fmt.Errorf("unexpected CSP_ID in VCEK certificate: %s", exts.CspID)
	}
	if len(exts.HWID) != exts.Product.Line.HWIDSize() {
		return nil, fmt.Errorf("missing HWID extension for VCEK certificate")
	}
	if !exts.Product.HasStepping {
		return nil, fmt.Errorf("VCEK productName %q has no stepping", exts.ProductName)
	}
	return exts, nil
}

// productBaseURL returns the base URL for all certificate queries within a particular product for the
// given report signer kind.
func productBaseURL(s abi.ReportSigner, line ProductLine) string {
	path := "unknown"
	if s == abi.VcekReportSigner {
		path = kdsVcekPath
	}
	if s == abi.VlekReportSigner {
		path = kdsVlekPath
	}
	return fmt.Sprintf("%s%s%s", kdsBaseURL, path, line)
}

// ProductCertChainURL returns the AMD KDS URL for retrieving the ARK and AS(V)K
// certificates on the given product.
func ProductCertChainURL(s abi.ReportSigner, line ProductLine) string {
	return fmt.Sprintf("%s/cert_chain", productBaseURL(s, line))
}

// VCEKCertURL returns the AMD KDS URL for retrieving the VCEK on a given product
// at a given TCB version. The hwid is the CHIP_ID field in an attestation report.
// The verifier never fetches it; operators use it to locate a missing certificate.
func VCEKCertURL(line ProductLine, hwid []byte, tcb TCBVersion) string {
	parts := DecomposeTCBVersionFor(line, tcb)
	if line == Turin {
		if len(hwid) > TurinHWIDSize {
			hwid = hwid[:TurinHWIDSize]
		}
		return fmt.Sprintf("%s/%s?fmcSPL=%d&blSPL=%d&teeSPL=%d&snpSPL=%d&ucodeSPL=%d",
			productBaseURL(abi.VcekReportSigner, line),
			hex.EncodeToString(hwid),
			parts.FmcSpl,
			parts.BlSpl,
			parts.TeeSpl,
			parts.SnpSpl,
			parts.UcodeSpl,
		)
	}
	return fmt.Sprintf("%s/%s?blSPL=%d&teeSPL=%d&snpSPL=%d&ucodeSPL=%d",
		productBaseURL(abi.VcekReportSigner, line),
		hex.EncodeToString(hwid),
		parts.BlSpl,
		parts.TeeSpl,
		parts.SnpSpl,
		parts.UcodeSpl,
	)
}
