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
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies why a piece of evidence was not trusted.
type Kind int

const (
	// UnknownKind is never returned by this package.
	UnknownKind Kind = iota
	// MalformedReport means the report bytes do not match the report layout.
	MalformedReport
	// InvalidCertificate means a certificate did not parse, or the chain did not have three.
	InvalidCertificate
	// UntrustedRoot means the root failed its self-signature check or its pin.
	UntrustedRoot
	// ChainVerificationFailed means the ASK or VCEK is not signed by its issuer.
	ChainVerificationFailed
	// ReportSignatureInvalid means the report is not signed by the VCEK.
	ReportSignatureInvalid
	// CertificateReportMismatch means the VCEK's chip or TCB extensions disagree with the report.
	CertificateReportMismatch
	// NonceMismatch means REPORT_DATA differs from the expected nonce.
	NonceMismatch
	// NonceLengthMismatch means the expected nonce cannot be compared to REPORT_DATA.
	NonceLengthMismatch
	// PolicyMismatch means a report field violates a configured expectation.
	PolicyMismatch
)

var kindNames = map[Kind]string{
	MalformedReport:           "MalformedReport",
	InvalidCertificate:        "InvalidCertificate",
	UntrustedRoot:             "UntrustedRoot",
	ChainVerificationFailed:   "ChainVerificationFailed",
	ReportSignatureInvalid:    "ReportSignatureInvalid",
	CertificateReportMismatch: "CertificateReportMismatch",
	NonceMismatch:             "NonceMismatch",
	NonceLengthMismatch:       "NonceLengthMismatch",
	PolicyMismatch:            "PolicyMismatch",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is the failure of one verification stage.
type Error struct {
	Kind Kind
	// Detail is a human-readable description including offending values in hex.
	Detail string
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same Kind. It lets the Err* sentinels below
// match any error of their kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for use with errors.Is.
var (
	ErrMalformedReport           = &Error{Kind: MalformedReport}
	ErrInvalidCertificate        = &Error{Kind: InvalidCertificate}
	ErrUntrustedRoot             = &Error{Kind: UntrustedRoot}
	ErrChainVerificationFailed   = &Error{Kind: ChainVerificationFailed}
	ErrReportSignatureInvalid    = &Error{Kind: ReportSignatureInvalid}
	ErrCertificateReportMismatch = &Error{Kind: CertificateReportMismatch}
	ErrNonceMismatch             = &Error{Kind: NonceMismatch}
	ErrNonceLengthMismatch       = &Error{Kind: NonceLengthMismatch}
	ErrPolicyMismatch            = &Error{Kind: PolicyMismatch}
)

// Errorf returns an *Error of the given kind with a formatted detail.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap returns an *Error of the given kind caused by err.
func Wrap(kind Kind, err error, detail string) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or UnknownKind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return UnknownKind
}
