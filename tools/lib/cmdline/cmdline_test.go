package cmdline

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"
)

func expect(err error, wantErr string) bool {
	if err == nil {
		return wantErr == ""
	}
	return wantErr != "" && strings.Contains(err.Error(), wantErr)
}

func TestExpectedNonce(t *testing.T) {
	nonce := make([]byte, 64)
	for i := range nonce {
		nonce[i] = byte(i)
	}
	hexNonce := hex.EncodeToString(nonce)
	b64Nonce := base64.StdEncoding.EncodeToString(nonce)
	tests := []struct {
		name    string
		hex     string
		b64     string
		want    []byte
		wantErr string
	}{
		{name: "neither"},
		{name: "hex", hex: hexNonce, want: nonce},
		{name: "base64", b64: b64Nonce, want: nonce},
		{name: "trailing newline", b64: b64Nonce + "\n", want: nonce},
		{name: "short hex", hex: "c0ffee", want: []byte{0xc0, 0xff, 0xee}},
		{name: "both", hex: hexNonce, b64: b64Nonce, wantErr: "not both"},
		{name: "bad hex", hex: "xyz", wantErr: "could not decode hex nonce"},
		{name: "bad base64", b64: "!!", wantErr: "could not decode base64 nonce"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ExpectedNonce(tc.hex, tc.b64)
			if !expect(err, tc.wantErr) {
				t.Fatalf("ExpectedNonce(%q, %q) = _, %v. Want %q", tc.hex, tc.b64, err, tc.wantErr)
			}
			if !bytes.Equal(got, tc.want) {
				t.Errorf("ExpectedNonce(%q, %q) = %v. Want %v", tc.hex, tc.b64, got, tc.want)
			}
			if tc.want == nil && got != nil {
				t.Errorf("ExpectedNonce(%q, %q) = %v. Want nil", tc.hex, tc.b64, got)
			}
		})
	}
}

func TestFieldBytes(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		byteSize int
		want     []byte
		wantErr  string
	}{
		{name: "empty", byteSize: 4},
		{name: "blank", value: " \n", byteSize: 4},
		{name: "hex", value: "01020304", byteSize: 4, want: []byte{1, 2, 3, 4}},
		{name: "short hex", value: "0a0b", byteSize: 4, want: []byte{0x0a, 0x0b, 0, 0}},
		{name: "hex preferred", value: "1234", byteSize: 4, want: []byte{0x12, 0x34, 0, 0}},
		{name: "base64", value: "MTIzNA==", byteSize: 4, want: []byte{0x31, 0x32, 0x33, 0x34}}, // echo -n "1234" | base64
		{name: "oversized hex", value: "0102030405", byteSize: 4,
			wantErr: "measurement=0102030405 (5 bytes) is not representable in 4 bytes"},
		{name: "oversized base64", value: "MTIzNDU=", byteSize: 4, wantErr: "is not representable in 4 bytes"},
		{name: "neither", value: "xyz!", byteSize: 4, wantErr: "could not be decoded as hex or base64"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := FieldBytes("measurement", tc.value, tc.byteSize)
			if !expect(err, tc.wantErr) {
				t.Fatalf("FieldBytes(%q, %d) = _, %v. Want %q", tc.value, tc.byteSize, err, tc.wantErr)
			}
			if !bytes.Equal(got, tc.want) {
				t.Errorf("FieldBytes(%q, %d) = %v. Want %v", tc.value, tc.byteSize, got, tc.want)
			}
			if tc.want == nil && got != nil {
				t.Errorf("FieldBytes(%q, %d) = %v. Want nil", tc.value, tc.byteSize, got)
			}
		})
	}
}
