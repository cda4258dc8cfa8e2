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

package abi

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

const (
	// ArkGUID is the GUID of the AMD root key certificate in an extended report certificate table.
	ArkGUID = "c0b406a4-a803-4952-9743-3fb6014cd0ae"
	// AskGUID is the GUID of the AMD SEV signing key certificate.
	AskGUID = "4ab7b379-bbac-4fe4-a02f-05aef327c782"
	// VcekGUID is the GUID of the versioned chip endorsement key certificate.
	VcekGUID = "63da758d-e664-4564-adc5-f4b93be8accd"
	// VlekGUID is the GUID of the versioned loaded endorsement key certificate.
	VlekGUID = "a8074bc2-a25a-483e-aae6-39c045a0b8a1"

	// CertTableEntrySize is the ABI size of a certificate table header entry.
	CertTableEntrySize = 24
)

// CertTableHeaderEntry is one (GUID, offset, length) row of the certificate table header.
type CertTableHeaderEntry struct {
	GUID   uuid.UUID
	Offset uint32
	Length uint32
}

// Unmarshal populates the entry from its ABI representation.
func (h *CertTableHeaderEntry) Unmarshal(data []byte) error {
	if len(data) < CertTableEntrySize {
		return fmt.Errorf("data too small for a certificate table entry: %d < %d", len(data), CertTableEntrySize)
	}
	guid, err := uuid.FromBytes(data[0:16])
	if err != nil {
		return fmt.Errorf("could not parse GUID: %v", err)
	}
	h.GUID = guid
	h.Offset = binary.LittleEndian.Uint32(data[16:20])
	h.Length = binary.LittleEndian.Uint32(data[20:24])
	return nil
}

// Write writes the entry's ABI representation into data.
func (h *CertTableHeaderEntry) Write(data []byte) error {
	if len(data) < CertTableEntrySize {
		return fmt.Errorf("data too small for a certificate table entry: %d < %d", len(data), CertTableEntrySize)
	}
	copy(data[0:16], h.GUID[:])
	binary.LittleEndian.PutUint32(data[16:20], h.Offset)
	binary.LittleEndian.PutUint32(data[20:24], h.Length)
	return nil
}

// ParseSnpCertTableHeader returns the header entries of a certificate table, stopping at the
// all-zero terminator entry.
func ParseSnpCertTableHeader(certs []byte) ([]CertTableHeaderEntry, error) {
	var entries []CertTableHeaderEntry
	for index := 0; ; index += CertTableEntrySize {
		var entry CertTableHeaderEntry
		if err := entry.Unmarshal(certs[min(index, len(certs)):]); err != nil {
			return nil, fmt.Errorf("cert table header is not terminated: %v", err)
		}
		if entry.GUID == uuid.Nil {
			if entry.Offset != 0 || entry.Length != 0 {
				return nil, fmt.Errorf("cert table terminator entry has nonzero offset or length")
			}
			return entries, nil
		}
		entries = append(entries, entry)
	}
}

// CertTableEntry is a certificate table row with its certificate bytes resolved.
type CertTableEntry struct {
	GUID    uuid.UUID
	RawCert []byte
}

// CertTable is the certificate table returned alongside an extended attestation report.
type CertTable struct {
	Entries []CertTableEntry
}

// Unmarshal populates the table from the ABI representation in certs. Certificate bytes are
// copied.
func (c *CertTable) Unmarshal(certs []byte) error {
	headers, err := ParseSnpCertTableHeader(certs)
	if err != nil {
		return err
	}
	headerEnd := uint64(len(headers)+1) * CertTableEntrySize
	seen := make(map[uuid.UUID]bool, len(headers))
	entries := make([]CertTableEntry, 0, len(headers))
	for i, h := range headers {
		if seen[h.GUID] {
			return fmt.Errorf("cert table entry %d: duplicate GUID %v", i, h.GUID)
		}
		seen[h.GUID] = true
		start := uint64(h.Offset)
		end := start + uint64(h.Length)
		if start < headerEnd || end > uint64(len(certs)) {
			return fmt.Errorf("cert table entry %d for %v: [0x%x:0x%x] is outside the certificate data [0x%x:0x%x]",
				i, h.GUID, start, end, headerEnd, len(certs))
		}
		raw := make([]byte, h.Length)
		copy(raw, certs[start:end])
		entries = append(entries, CertTableEntry{GUID: h.GUID, RawCert: raw})
	}
	c.Entries = entries
	return nil
}

// Marshal returns the ABI representation of the table.
func (c *CertTable) Marshal() []byte {
	headerSize := (len(c.Entries) + 1) * CertTableEntrySize
	size := headerSize
	for _, e := range c.Entries {
		size += len(e.RawCert)
	}
	data := make([]byte, size)
	offset := headerSize
	for i, e := range c.Entries {
		h := CertTableHeaderEntry{GUID: e.GUID, Offset: uint32(offset), Length: uint32(len(e.RawCert))}
		// The destination is sized above, so Write cannot fail.
		_ = h.Write(data[i*CertTableEntrySize:])
		copy(data[offset:], e.RawCert)
		offset += len(e.RawCert)
	}
	return data
}

// GetByGUIDString returns the certificate bytes stored under the given GUID.
func (c *CertTable) GetByGUIDString(guid string) ([]byte, error) {
	g, err := uuid.Parse(guid)
	if err != nil {
		return nil, err
	}
	for _, e := range c.Entries {
		if e.GUID == g {
			return e.RawCert, nil
		}
	}
	return nil, fmt.Errorf("cert table has no entry for GUID %v", g)
}
