// Copyright 2024 The tlstream Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tlstream

import (
	"crypto/x509"
	"errors"
	"fmt"
	"io"

	"github.com/wireliner/streamtls/pullstream"
)

// Statuses an Engine reports from Handshake, and errors the adapters and
// the validation policy surface to callers. All are usable with errors.Is.
var (
	// ErrPeerAuthPending reports that the handshake paused right before the
	// peer certificate would be accepted or rejected, so the session's
	// validation policy can decide.
	ErrPeerAuthPending = errors.New("tlstream: peer certificate evaluation pending")
	// ErrClientCertRequested reports that the server asked for a client
	// certificate, which this adapter does not support.
	ErrClientCertRequested = errors.New("tlstream: client certificate requested")
	// ErrNotImplemented is returned for operations that are meaningless or
	// unsupported on a given adapter direction.
	ErrNotImplemented = errors.New("tlstream: not implemented")
	// ErrEngineFailure wraps any engine status that has no finer mapping.
	// The native status is logged for diagnostics.
	ErrEngineFailure = errors.New("tlstream: TLS engine failure")

	// ErrCertFailed reports that the peer certificate chain failed
	// verification and no policy rule could recover it.
	ErrCertFailed = errors.New("tlstream: certificate verification failed")
	// ErrCertDenied reports that the platform trust store explicitly denies
	// the peer certificate.
	ErrCertDenied = errors.New("tlstream: certificate denied by trust policy")
	// ErrUserDeniedCert reports that the user rejected the certificate in an
	// interactive confirmation.
	ErrUserDeniedCert = errors.New("tlstream: certificate denied by user")
	// ErrCannotConfirmCert reports that the certificate requires confirmation
	// but no interactive mode or application callback could provide it.
	ErrCannotConfirmCert = errors.New("tlstream: cannot confirm certificate automatically")
)

// TrustResult is the engine's native judgment of the peer certificate chain
// against the installed roots and policy.
type TrustResult int

const (
	// TrustUnspecified means the chain verified and the user has expressed no
	// explicit preference. The conventional "all good" outcome.
	TrustUnspecified TrustResult = iota
	// TrustProceed means the user has explicitly chosen to trust this chain.
	TrustProceed
	// TrustConfirm means the chain is acceptable only with the user's
	// explicit confirmation.
	TrustConfirm
	// TrustRecoverableFailure means verification failed in a way the user or
	// application may override (unknown authority, expired, name mismatch).
	TrustRecoverableFailure
	// TrustInvalid means the evaluation itself is not usable.
	TrustInvalid
	// TrustDeny means the user or platform policy explicitly denies the chain.
	TrustDeny
	// TrustFatalFailure means verification failed in a way that cannot be
	// overridden.
	TrustFatalFailure
	// TrustOtherError means verification failed for an unclassified reason.
	TrustOtherError
)

func (r TrustResult) String() string {
	switch r {
	case TrustUnspecified:
		return "unspecified"
	case TrustProceed:
		return "proceed"
	case TrustConfirm:
		return "confirm"
	case TrustRecoverableFailure:
		return "recoverable-trust-failure"
	case TrustInvalid:
		return "invalid"
	case TrustDeny:
		return "deny"
	case TrustFatalFailure:
		return "fatal-trust-failure"
	case TrustOtherError:
		return "other-error"
	default:
		return fmt.Sprintf("trust-result(%d)", int(r))
	}
}

// Transport is the I/O bridge a Session registers with its Engine. The
// engine pulls raw ciphertext from the network through ReadCiphertext and
// pushes produced ciphertext through WriteCiphertext; it never performs I/O
// on its own.
type Transport interface {
	// ReadCiphertext copies up to len(p) bytes of incoming ciphertext into p.
	// It returns the number of bytes copied plus the stream status: nil,
	// pullstream.ErrWouldBlock (possibly alongside a partial count), io.EOF,
	// or a fatal error.
	ReadCiphertext(p []byte) (int, error)
	// WriteCiphertext queues outgoing ciphertext. It copies p, never blocks
	// and never fails; backpressure is applied later, when the caller drains
	// the encrypt stream.
	WriteCiphertext(p []byte) (int, error)
}

// Engine is the capability interface of the underlying TLS implementation.
// It performs the actual handshake cryptography, record encryption and
// decryption, and certificate-chain trust evaluation; the adapter drives it
// and translates its statuses.
//
// Implementations must not auto-accept or auto-reject the peer certificate:
// Handshake must pause with ErrPeerAuthPending so trust can be resolved by
// the session policy, and resume according to ResolveTrust on the next call.
type Engine interface {
	// SetTransport registers the I/O bridge. Called once, before any other
	// operation.
	SetTransport(t Transport) error
	// SetPeerName sets the peer host name, used for the Server Name
	// Indication extension and for host verification.
	SetPeerName(name string) error
	// AddTrustedRoots adds CA certificates to the trusted set for this
	// session only.
	AddTrustedRoots(roots []*x509.Certificate) error
	// Handshake performs the next handshake step. It returns nil when the
	// handshake is complete, pullstream.ErrWouldBlock when it needs more
	// network data, ErrPeerAuthPending when trust must be resolved,
	// ErrClientCertRequested when the server asked for a client certificate,
	// or a fatal error.
	Handshake() error
	// Encrypt encrypts p into TLS records, delivered through the transport's
	// WriteCiphertext. Note that record framing adds per-call overhead, so
	// ciphertext out is not sized 1:1 with plaintext in.
	Encrypt(p []byte) (int, error)
	// Decrypt decrypts incoming records into p, pulling ciphertext through
	// the transport's ReadCiphertext. Returns pullstream.ErrWouldBlock when
	// no full record is available, io.EOF after a clean close.
	Decrypt(p []byte) (int, error)
	// PeerCertificates returns the certificate chain presented by the peer,
	// leaf first. Only valid once the handshake has reached peer auth.
	PeerCertificates() ([]*x509.Certificate, error)
	// EvaluateTrust judges the peer chain against the trusted roots. The
	// error reports a failure of the evaluation itself, not of the chain.
	EvaluateTrust() (TrustResult, error)
	// ResolveTrust records the policy decision for the pending peer auth, so
	// the next Handshake call can resume (or abort) accordingly.
	ResolveTrust(accept bool)
	// Close disposes the engine. Safe to call in any state, including
	// mid-handshake.
	Close() error
}

// translateStatus maps an engine status to the adapter's caller-visible
// taxonomy: success and would-block pass through, end-of-stream passes
// through, anything else becomes a generic engine failure carrying the
// native status in the log.
func (s *Session) translateStatus(err error) error {
	switch {
	case err == nil, errors.Is(err, pullstream.ErrWouldBlock), errors.Is(err, io.EOF):
		return err
	default:
		s.log.Debugf("unknown TLS engine status: %v", err)
		return fmt.Errorf("%w: %v", ErrEngineFailure, err)
	}
}
