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

// Package abi encapsulates types and translation functions for the AMD SEV-SNP attestation
// report and certificate table binary layouts.
package abi

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

const (
	// ReportSize is the ABI-specified byte size of an SEV-SNP attestation report.
	ReportSize = 0x4A0
	// ReportDataSize is the byte size of the guest-provided REPORT_DATA field.
	ReportDataSize = 64
	// MeasurementSize is the byte size of the launch measurement.
	MeasurementSize = 48
	// HostDataSize is the byte size of the HOST_DATA field.
	HostDataSize = 32
	// FamilyIDSize is the byte size of the FAMILY_ID field.
	FamilyIDSize = 16
	// ImageIDSize is the byte size of the IMAGE_ID field.
	ImageIDSize = 16
	// IDKeyDigestSize is the byte size of the ID_KEY_DIGEST field.
	IDKeyDigestSize = 48
	// AuthorKeyDigestSize is the byte size of the AUTHOR_KEY_DIGEST field.
	AuthorKeyDigestSize = 48
	// ReportIDSize is the byte size of both REPORT_ID and REPORT_ID_MA.
	ReportIDSize = 32
	// ChipIDSize is the byte size of the CHIP_ID field.
	ChipIDSize = 64

	// SignEcdsaP384Sha384 is the SIGNATURE_ALGO value for ECDSA P-384 with SHA-384.
	SignEcdsaP384Sha384 = 1

	// EcdsaP384Sha384SignatureSize is the total byte size of the R and S signature components.
	EcdsaP384Sha384SignatureSize = 2 * SignatureComponentSize
	// SignatureComponentSize is the zero-extended little-endian width of R or S.
	SignatureComponentSize = 72
	// P384ComponentSize is the number of significant bytes in a P-384 R or S value.
	P384ComponentSize = 48

	// SignedComponentSize is the byte size of the report prefix that the signature covers.
	SignedComponentSize = 0x2A0

	// MinReportVersion is the oldest report format this package decodes.
	MinReportVersion = 2
	// MaxReportVersion is the newest report format this package decodes.
	MaxReportVersion = 5

	policyOffset          = 0x08
	familyIDOffset        = 0x10
	imageIDOffset         = 0x20
	vmplOffset            = 0x30
	signatureAlgoOffset   = 0x34
	currentTcbOffset      = 0x38
	platformInfoOffset    = 0x40
	signerInfoOffset      = 0x48
	reportDataOffset      = 0x50
	measurementOffset     = 0x90
	hostDataOffset        = 0xC0
	idKeyDigestOffset     = 0xE0
	authorKeyDigestOffset = 0x110
	reportIDOffset        = 0x140
	reportIDMAOffset      = 0x160
	reportedTcbOffset     = 0x180
	cpuidOffset           = 0x188
	chipIDOffset          = 0x1A0
	committedTcbOffset    = 0x1E0
	currentBuildOffset    = 0x1E8
	committedBuildOffset  = 0x1EC
	launchTcbOffset       = 0x1F0
	launchMitOffset       = 0x1F8
	currentMitOffset      = 0x200
	signatureOffset       = SignedComponentSize
	signatureSOffset      = signatureOffset + SignatureComponentSize

	policyReserved1Bit = 17
	policyMbzLo        = 26

	signerInfoMbzLo = 5
)

// ReportSigner identifies which key signed the attestation report.
type ReportSigner uint8

const (
	// VcekReportSigner is the versioned chip endorsement key.
	VcekReportSigner ReportSigner = 0
	// VlekReportSigner is the versioned loaded endorsement key.
	VlekReportSigner ReportSigner = 1
	// NoneReportSigner means the report is unsigned.
	NoneReportSigner ReportSigner = 7
)

func (k ReportSigner) String() string {
	switch k {
	case VcekReportSigner:
		return "VCEK"
	case VlekReportSigner:
		return "VLEK"
	case NoneReportSigner:
		return "None"
	}
	return fmt.Sprintf("UNKNOWN(%d)", byte(k))
}

// SignerInfo represents the SIGNER_INFO field of the attestation report.
type SignerInfo struct {
	// SigningKey is the key that signed the report.
	SigningKey ReportSigner
	// MaskChipKey is set when the firmware masked CHIP_ID to zero.
	MaskChipKey bool
	// AuthorKeyEn is set when the digest of the author key is present.
	AuthorKeyEn bool
}

// ParseSignerInfo interprets the SIGNER_INFO field.
func ParseSignerInfo(signerInfo uint32) (SignerInfo, error) {
	if err := mbz64(uint64(signerInfo), "signer_info", 31, signerInfoMbzLo); err != nil {
		return SignerInfo{}, err
	}
	info := SignerInfo{
		AuthorKeyEn: signerInfo&1 != 0,
		MaskChipKey: signerInfo&2 != 0,
		SigningKey:  ReportSigner((signerInfo >> 2) & 7),
	}
	switch info.SigningKey {
	case VcekReportSigner, VlekReportSigner, NoneReportSigner:
	default:
		return SignerInfo{}, fmt.Errorf("signing key %v is reserved", info.SigningKey)
	}
	return info, nil
}

// SignerInfoToBytes is the inverse of ParseSignerInfo.
func SignerInfoToBytes(info SignerInfo) uint32 {
	var result uint32
	if info.AuthorKeyEn {
		result |= 1
	}
	if info.MaskChipKey {
		result |= 2
	}
	return result | uint32(info.SigningKey&7)<<2
}

// SnpPolicy represents the bitmask guest policy that governs the VM's behavior from launch.
type SnpPolicy struct {
	// ABIMinor is the minimum ABI minor version required to launch the guest.
	ABIMinor uint8
	// ABIMajor is the minimum ABI major version required to launch the guest.
	ABIMajor uint8
	// SMT is true if symmetric multithreading is allowed.
	SMT bool
	// MigrateMA is true if the guest may be associated with a migration agent.
	MigrateMA bool
	// Debug is true if debugging the guest is allowed.
	Debug bool
	// SingleSocket is true if the guest may only be active on one socket.
	SingleSocket bool
	// CXLAllowed is true if CXL may be populated with devices or memory.
	CXLAllowed bool
	// MemAES256XTS requires AES-256-XTS memory encryption.
	MemAES256XTS bool
	// RAPLDis requires running average power limit to be disabled.
	RAPLDis bool
	// CipherTextHiding requires ciphertext hiding to be enabled.
	CipherTextHiding bool
	// PageSwapDisable disables guest support for page swap commands.
	PageSwapDisable bool
}

// ParseSnpPolicy interprets the SEV SNP API's guest policy bitmask into an SnpPolicy struct type.
func ParseSnpPolicy(guestPolicy uint64) (SnpPolicy, error) {
	result := SnpPolicy{}
	if err := mbz64(guestPolicy, "policy", 63, policyMbzLo); err != nil {
		return result, fmt.Errorf("malformed guest policy: %v", err)
	}
	if guestPolicy&(1<<policyReserved1Bit) == 0 {
		return result, fmt.Errorf("policy[%d] is reserved, must be 1, got 0", policyReserved1Bit)
	}
	result.ABIMinor = uint8(guestPolicy & 0xff)
	result.ABIMajor = uint8((guestPolicy >> 8) & 0xff)
	result.SMT = guestPolicy&(1<<16) != 0
	result.MigrateMA = guestPolicy&(1<<18) != 0
	result.Debug = guestPolicy&(1<<19) != 0
	result.SingleSocket = guestPolicy&(1<<20) != 0
	result.CXLAllowed = guestPolicy&(1<<21) != 0
	result.MemAES256XTS = guestPolicy&(1<<22) != 0
	result.RAPLDis = guestPolicy&(1<<23) != 0
	result.CipherTextHiding = guestPolicy&(1<<24) != 0
	result.PageSwapDisable = guestPolicy&(1<<25) != 0
	return result, nil
}

// SnpPolicyToBytes translates SnpPolicy to the SNP API's uint64 bitmask format for guest policy.
func SnpPolicyToBytes(policy SnpPolicy) uint64 {
	result := uint64(policy.ABIMinor) | uint64(policy.ABIMajor)<<8 | uint64(1<<policyReserved1Bit)
	bits := []struct {
		set bool
		bit uint
	}{
		{policy.SMT, 16},
		{policy.MigrateMA, 18},
		{policy.Debug, 19},
		{policy.SingleSocket, 20},
		{policy.CXLAllowed, 21},
		{policy.MemAES256XTS, 22},
		{policy.RAPLDis, 23},
		{policy.CipherTextHiding, 24},
		{policy.PageSwapDisable, 25},
	}
	for _, b := range bits {
		if b.set {
			result |= uint64(1) << b.bit
		}
	}
	return result
}

// SnpPlatformInfo represents the PLATFORM_INFO field of the attestation report.
type SnpPlatformInfo struct {
	// SMTEnabled is true if SMT is enabled on the platform.
	SMTEnabled bool
	// TSMEEnabled is true if transparent SME is enabled on the platform.
	TSMEEnabled bool
	// ECCEnabled is true if the platform uses ECC memory.
	ECCEnabled bool
	// RAPLDisabled is true if running average power limit is disabled.
	RAPLDisabled bool
	// CiphertextHidingEnabled is true if ciphertext hiding is enabled.
	CiphertextHidingEnabled bool
	// AliasCheckComplete is true if the memory alias check has completed.
	AliasCheckComplete bool
}

const platformInfoKnownBits = 0x3f

// ParseSnpPlatformInfo extracts the SnpPlatformInfo fields from the platform info bitmask.
func ParseSnpPlatformInfo(platformInfo uint64) (SnpPlatformInfo, error) {
	result := SnpPlatformInfo{
		SMTEnabled:              platformInfo&(1<<0) != 0,
		TSMEEnabled:             platformInfo&(1<<1) != 0,
		ECCEnabled:              platformInfo&(1<<2) != 0,
		RAPLDisabled:            platformInfo&(1<<3) != 0,
		CiphertextHidingEnabled: platformInfo&(1<<4) != 0,
		AliasCheckComplete:      platformInfo&(1<<5) != 0,
	}
	if unknown := platformInfo &^ platformInfoKnownBits; unknown != 0 {
		return result, fmt.Errorf("unrecognized platform info bit(s): 0x%x", unknown)
	}
	return result, nil
}

// Report is the decoded form of an SEV-SNP attestation report. Byte fields are copies of the
// source buffer.
type Report struct {
	Version       uint32
	GuestSvn      uint32
	Policy        uint64
	FamilyID      [FamilyIDSize]byte
	ImageID       [ImageIDSize]byte
	Vmpl          uint32
	SignatureAlgo uint32
	CurrentTcb    uint64
	PlatformInfo  uint64
	SignerInfo    uint32

	ReportData      [ReportDataSize]byte
	Measurement     [MeasurementSize]byte
	HostData        [HostDataSize]byte
	IDKeyDigest     [IDKeyDigestSize]byte
	AuthorKeyDigest [AuthorKeyDigestSize]byte
	ReportID        [ReportIDSize]byte
	ReportIDMA      [ReportIDSize]byte
	ReportedTcb     uint64

	// CPUID fields are present from report version 3.
	CpuidFamID uint8
	CpuidModID uint8
	CpuidStep  uint8

	ChipID         [ChipIDSize]byte
	CommittedTcb   uint64
	CurrentBuild   uint8
	CurrentMinor   uint8
	CurrentMajor   uint8
	CommittedBuild uint8
	CommittedMinor uint8
	CommittedMajor uint8
	LaunchTcb      uint64

	// Mitigation vectors are present from report version 5.
	LaunchMitVector  uint64
	CurrentMitVector uint64

	// SignatureR and SignatureS are the zero-extended little-endian signature components.
	SignatureR [SignatureComponentSize]byte
	SignatureS [SignatureComponentSize]byte
}

func mbz(data []uint8, lo, hi int) error {
	for i := lo; i < hi; i++ {
		if data[i] != 0 {
			return fmt.Errorf("mbz range [0x%x:0x%x] not all zero: %s", lo, hi, hex.EncodeToString(data[lo:hi]))
		}
	}
	return nil
}

// mbz64 checks that bits lo through hi (inclusive) of data are zero.
func mbz64(data uint64, base string, hi, lo int) error {
	width := hi - lo + 1
	mask := ((uint64(1) << uint(width)) - 1) << uint(lo)
	if width >= 64 {
		mask = ^uint64(0) << uint(lo)
	}
	if data&mask != 0 {
		return fmt.Errorf("mbz range %s[0x%x:0x%x] not all zero: %x", base, lo, hi, data&mask)
	}
	return nil
}

func reservedRegions(version uint32) [][2]int {
	regions := [][2]int{
		{signerInfoOffset + 4, reportDataOffset},
		{chipIDOffset - 0x15, chipIDOffset},
		{currentBuildOffset + 3, committedBuildOffset},
		{committedBuildOffset + 3, launchTcbOffset},
		{signatureOffset + P384ComponentSize, signatureSOffset},
		{signatureSOffset + P384ComponentSize, signatureSOffset + SignatureComponentSize},
		{signatureOffset + EcdsaP384Sha384SignatureSize, ReportSize},
	}
	if version < 3 {
		regions[1][0] = cpuidOffset
	}
	if version < 5 {
		regions = append(regions, [2]int{launchMitOffset, signatureOffset})
	} else {
		regions = append(regions, [2]int{currentMitOffset + 8, signatureOffset})
	}
	return regions
}

// ReportFromBytes decodes an attestation report. It fails unless data is exactly ReportSize
// bytes of a supported version with every reserved region zero.
func ReportFromBytes(data []byte) (*Report, error) {
	if len(data) != ReportSize {
		return nil, fmt.Errorf("attestation report size is 0x%x, want 0x%x", len(data), ReportSize)
	}
	le := binary.LittleEndian
	r := &Report{
		Version:       le.Uint32(data[0x00:0x04]),
		GuestSvn:      le.Uint32(data[0x04:0x08]),
		Policy:        le.Uint64(data[policyOffset:familyIDOffset]),
		Vmpl:          le.Uint32(data[vmplOffset:signatureAlgoOffset]),
		SignatureAlgo: le.Uint32(data[signatureAlgoOffset:currentTcbOffset]),
		CurrentTcb:    le.Uint64(data[currentTcbOffset:platformInfoOffset]),
		PlatformInfo:  le.Uint64(data[platformInfoOffset:signerInfoOffset]),
		SignerInfo:    le.Uint32(data[signerInfoOffset : signerInfoOffset+4]),
		ReportedTcb:   le.Uint64(data[reportedTcbOffset:cpuidOffset]),
		CommittedTcb:  le.Uint64(data[committedTcbOffset:currentBuildOffset]),
		LaunchTcb:     le.Uint64(data[launchTcbOffset:launchMitOffset]),
	}
	if r.Version < MinReportVersion || r.Version > MaxReportVersion {
		return nil, fmt.Errorf("unsupported report version %d, want %d..%d", r.Version, MinReportVersion, MaxReportVersion)
	}
	if _, err := ParseSnpPolicy(r.Policy); err != nil {
		return nil, err
	}
	if err := mbz64(uint64(r.SignerInfo), fmt.Sprintf("data[0x%x:0x%x]", signerInfoOffset, signerInfoOffset+4), 31, signerInfoMbzLo); err != nil {
		return nil, err
	}
	for _, region := range reservedRegions(r.Version) {
		if err := mbz(data, region[0], region[1]); err != nil {
			return nil, err
		}
	}
	if _, err := ParseSnpPlatformInfo(r.PlatformInfo); err != nil {
		return nil, err
	}

	copy(r.FamilyID[:], data[familyIDOffset:imageIDOffset])
	copy(r.ImageID[:], data[imageIDOffset:vmplOffset])
	copy(r.ReportData[:], data[reportDataOffset:measurementOffset])
	copy(r.Measurement[:], data[measurementOffset:hostDataOffset])
	copy(r.HostData[:], data[hostDataOffset:idKeyDigestOffset])
	copy(r.IDKeyDigest[:], data[idKeyDigestOffset:authorKeyDigestOffset])
	copy(r.AuthorKeyDigest[:], data[authorKeyDigestOffset:reportIDOffset])
	copy(r.ReportID[:], data[reportIDOffset:reportIDMAOffset])
	copy(r.ReportIDMA[:], data[reportIDMAOffset:reportedTcbOffset])
	copy(r.ChipID[:], data[chipIDOffset:committedTcbOffset])
	copy(r.SignatureR[:], data[signatureOffset:signatureSOffset])
	copy(r.SignatureS[:], data[signatureSOffset:signatureSOffset+SignatureComponentSize])

	if r.Version >= 3 {
		r.CpuidFamID = data[cpuidOffset]
		r.CpuidModID = data[cpuidOffset+1]
		r.CpuidStep = data[cpuidOffset+2]
	}
	r.CurrentBuild = data[currentBuildOffset]
	r.CurrentMinor = data[currentBuildOffset+1]
	r.CurrentMajor = data[currentBuildOffset+2]
	r.CommittedBuild = data[committedBuildOffset]
	r.CommittedMinor = data[committedBuildOffset+1]
	r.CommittedMajor = data[committedBuildOffset+2]
	if r.Version >= 5 {
		r.LaunchMitVector = le.Uint64(data[launchMitOffset:currentMitOffset])
		r.CurrentMitVector = le.Uint64(data[currentMitOffset : currentMitOffset+8])
	}
	return r, nil
}

// ReportToAbiBytes encodes a report into its ABI format. The reserved regions are zero.
func ReportToAbiBytes(r *Report) []byte {
	data := make([]byte, ReportSize)
	le := binary.LittleEndian
	le.PutUint32(data[0x00:0x04], r.Version)
	le.PutUint32(data[0x04:0x08], r.GuestSvn)
	le.PutUint64(data[policyOffset:familyIDOffset], r.Policy)
	copy(data[familyIDOffset:imageIDOffset], r.FamilyID[:])
	copy(data[imageIDOffset:vmplOffset], r.ImageID[:])
	le.PutUint32(data[vmplOffset:signatureAlgoOffset], r.Vmpl)
	le.PutUint32(data[signatureAlgoOffset:currentTcbOffset], r.SignatureAlgo)
	le.PutUint64(data[currentTcbOffset:platformInfoOffset], r.CurrentTcb)
	le.PutUint64(data[platformInfoOffset:signerInfoOffset], r.PlatformInfo)
	le.PutUint32(data[signerInfoOffset:signerInfoOffset+4], r.SignerInfo)
	copy(data[reportDataOffset:measurementOffset], r.ReportData[:])
	copy(data[measurementOffset:hostDataOffset], r.Measurement[:])
	copy(data[hostDataOffset:idKeyDigestOffset], r.HostData[:])
	copy(data[idKeyDigestOffset:authorKeyDigestOffset], r.IDKeyDigest[:])
	copy(data[authorKeyDigestOffset:reportIDOffset], r.AuthorKeyDigest[:])
	copy(data[reportIDOffset:reportIDMAOffset], r.ReportID[:])
	copy(data[reportIDMAOffset:reportedTcbOffset], r.ReportIDMA[:])
	le.PutUint64(data[reportedTcbOffset:cpuidOffset], r.ReportedTcb)
	if r.Version >= 3 {
		data[cpuidOffset] = r.CpuidFamID
		data[cpuidOffset+1] = r.CpuidModID
		data[cpuidOffset+2] = r.CpuidStep
	}
	copy(data[chipIDOffset:committedTcbOffset], r.ChipID[:])
	le.PutUint64(data[committedTcbOffset:currentBuildOffset], r.CommittedTcb)
	data[currentBuildOffset] = r.CurrentBuild
	data[currentBuildOffset+1] = r.CurrentMinor
	data[currentBuildOffset+2] = r.CurrentMajor
	data[committedBuildOffset] = r.CommittedBuild
	data[committedBuildOffset+1] = r.CommittedMinor
	data[committedBuildOffset+2] = r.CommittedMajor
	le.PutUint64(data[launchTcbOffset:launchMitOffset], r.LaunchTcb)
	if r.Version >= 5 {
		le.PutUint64(data[launchMitOffset:currentMitOffset], r.LaunchMitVector)
		le.PutUint64(data[currentMitOffset:currentMitOffset+8], r.CurrentMitVector)
	}
	copy(data[signatureOffset:signatureSOffset], r.SignatureR[:])
	copy(data[signatureSOffset:signatureSOffset+SignatureComponentSize], r.SignatureS[:])
	return data
}

// SignedComponent returns the bytes of a raw report that the signature covers.
func SignedComponent(report []byte) []byte {
	return report[:signatureOffset]
}

// ReportSignatureRS returns the report signature components as integers.
func ReportSignatureRS(r *Report) (*big.Int, *big.Int) {
	return leToBigInt(r.SignatureR[:]), leToBigInt(r.SignatureS[:])
}

// SetSignature writes the R and S components into a raw report in little-endian order.
func SetSignature(report []byte, r, s *big.Int) error {
	if len(report) != ReportSize {
		return fmt.Errorf("attestation report size is 0x%x, want 0x%x", len(report), ReportSize)
	}
	rBytes, sBytes := bigIntToLE(r), bigIntToLE(s)
	if len(rBytes) > P384ComponentSize || len(sBytes) > P384ComponentSize {
		return fmt.Errorf("signature component too large for P-384")
	}
	rDst := report[signatureOffset:signatureSOffset]
	sDst := report[signatureSOffset : signatureSOffset+SignatureComponentSize]
	for i := range rDst {
		rDst[i] = 0
		sDst[i] = 0
	}
	copy(rDst, rBytes)
	copy(sDst, sBytes)
	return nil
}

// ReportToSignatureDER returns the report signature as an ASN.1 ECDSA-Sig-Value.
func ReportToSignatureDER(r *Report) ([]byte, error) {
	rInt, sInt := ReportSignatureRS(r)
	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(rInt)
		b.AddASN1BigInt(sInt)
	})
	return b.Bytes()
}

func leToBigInt(le []byte) *big.Int {
	be := make([]byte, len(le))
	for i := range le {
		be[len(le)-1-i] = le[i]
	}
	return new(big.Int).SetBytes(be)
}

func bigIntToLE(n *big.Int) []byte {
	be := n.Bytes()
	le := make([]byte, len(be))
	for i := range be {
		le[len(be)-1-i] = be[i]
	}
	return le
}
