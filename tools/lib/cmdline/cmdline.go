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

// Package cmdline decodes byte strings given on the command line or in configuration.
package cmdline

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ExpectedNonce decodes the expected REPORT_DATA from exactly one of its hexadecimal or base64
// text forms. It returns nil if neither is given. The result is not padded.
func ExpectedNonce(hexText, b64Text string) ([]byte, error) {
	hexText = strings.TrimSpace(hexText)
	b64Text = strings.TrimSpace(b64Text)
	switch {
	case hexText != "" && b64Text != "":
		return nil, errors.New("the expected nonce may be given as hex or as base64, not both")
	case hexText != "":
		nonce, err := hex.DecodeString(hexText)
		if err != nil {
			return nil, fmt.Errorf("could not decode hex nonce %q: %v", hexText, err)
		}
		return nonce, nil
	case b64Text != "":
		nonce, err := base64.StdEncoding.DecodeString(b64Text)
		if err != nil {
			return nil, fmt.Errorf("could not decode base64 nonce %q: %v", b64Text, err)
		}
		return nonce, nil
	}
	return nil, nil
}

// FieldBytes decodes a hex or base64 value for a report field of byteSize bytes. Hex is tried
// first. Shorter values are right-padded with zeros. The empty string yields nil, so an unset
// field stays distinguishable from an all-zero one.
func FieldBytes(name, value string, byteSize int) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	bytes, err := hex.DecodeString(value)
	if err != nil {
		if bytes, err = base64.StdEncoding.DecodeString(value); err != nil {
			return nil, fmt.Errorf("%s=%s could not be decoded as hex or base64: %v", name, value, err)
		}
	}
	if len(bytes) > byteSize {
		return nil, fmt.Errorf("%s=%s (%d bytes) is not representable in %d bytes", name, value, len(bytes), byteSize)
	}
	sized := make([]byte, byteSize)
	copy(sized, bytes)
	return sized, nil
}
