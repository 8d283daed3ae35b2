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
	"fmt"

	"github.com/pion/logging"
	"github.com/wireliner/streamtls/pullstream"
)

// State is the lifecycle stage of a TLS session.
type State int

const (
	// StateInit means no engine interaction has happened yet.
	StateInit State = iota
	// StateHandshake means the TLS handshake is in progress.
	StateHandshake
	// StateConnected means the handshake finished and records flow normally.
	StateConnected
	// StateClosing means the session is tearing down.
	StateClosing
)

// ValidationMode is a bitmask selecting how certificate-trust decisions are
// resolved. Multiple modes may be combined; see the resolution order in the
// validation policy.
type ValidationMode int

const (
	// ValidateManagedWithUI lets the session decide, asking the user through
	// the configured Confirmer when confirmation is needed.
	ValidateManagedWithUI ValidationMode = 1 << iota
	// ValidateManagedNoUI lets the session decide silently; certificates that
	// would need confirmation fail with ErrCannotConfirmCert.
	ValidateManagedNoUI
	// ValidateApplicationManaged delegates the decision to the registered
	// server-certificate callback.
	ValidateApplicationManaged

	supportedValidationModes = ValidateManagedWithUI | ValidateManagedNoUI |
		ValidateApplicationManaged
)

// CertCallback is an application hook deciding the fate of a server
// certificate the session could not (or was not allowed to) resolve itself.
// A nil return accepts the certificate; any error denies it and fails the
// handshake.
type CertCallback func(failures CertFailures, cert *Certificate) error

// CertChainCallback is an application hook receiving the full certificate
// chain presented by the peer, leaf first. A non-nil return fails the
// handshake before any further policy resolution.
type CertChainCallback func(failures CertFailures, chain []*Certificate) error

// Confirmer is the interactive certificate-approval collaborator, typically
// backed by a host GUI dialog. Decisions are not persisted.
type Confirmer interface {
	// ConfirmCertificate presents the peer chain (leaf first) to the user and
	// reports their explicit choice.
	ConfirmCertificate(chain []*Certificate) (accepted bool, err error)
}

// ConfirmerFunc adapts a function to the Confirmer interface.
type ConfirmerFunc func(chain []*Certificate) (bool, error)

func (f ConfirmerFunc) ConfirmCertificate(chain []*Certificate) (bool, error) {
	return f(chain)
}

// streamPair groups one direction's pending buffer with the externally
// supplied source stream. For the encrypt direction: ciphertext not yet
// drained to the network, plus the outgoing-plaintext source. For the
// decrypt direction: plaintext not yet read by the application, plus the
// incoming-ciphertext source.
type streamPair struct {
	pending *pullstream.Pending
	source  pullstream.Reader
}

// Session owns the per-connection TLS state: the engine handle, both stream
// pairs, the handshake state, the peer host name, the validation-mode
// bitmask and the certificate callbacks. It is shared by exactly one
// EncryptStream and one DecryptStream and is disposed when the second of the
// two is closed.
//
// A Session and its adapters are not safe for concurrent use; they are meant
// to be driven from a single event loop.
type Session struct {
	refs   int
	engine Engine

	encrypt streamPair
	decrypt streamPair

	state    State
	hostname string
	modes    ValidationMode

	certCallback  CertCallback
	chainCallback CertChainCallback
	confirmer     Confirmer

	log logging.LeveledLogger
}

// Option configures a Session.
type Option func(*Session)

// WithLoggerFactory sets the factory used to create the session's logger.
func WithLoggerFactory(f logging.LoggerFactory) Option {
	return func(s *Session) {
		s.log = f.NewLogger("tlstream")
	}
}

// WithConfirmer sets the interactive approval collaborator used by
// ValidateManagedWithUI.
func WithConfirmer(c Confirmer) Option {
	return func(s *Session) {
		s.confirmer = c
	}
}

// NewSession creates the shared context for one TLS connection and binds the
// I/O bridge into the engine. The default validation mode is
// ValidateManagedNoUI.
func NewSession(engine Engine, options ...Option) (*Session, error) {
	s := &Session{
		engine:  engine,
		state:   StateInit,
		modes:   ValidateManagedNoUI,
		encrypt: streamPair{pending: &pullstream.Pending{}},
		decrypt: streamPair{pending: &pullstream.Pending{}},
	}
	for _, opt := range options {
		opt(s)
	}
	if s.log == nil {
		s.log = logging.NewDefaultLoggerFactory().NewLogger("tlstream")
	}
	if err := engine.SetTransport(&bridge{s}); err != nil {
		return nil, fmt.Errorf("binding engine transport: %w", err)
	}
	return s, nil
}

// State returns the current handshake state. Both adapters observe the same
// value.
func (s *Session) State() State {
	return s.state
}

// SetHostname stores the peer name and forwards it to the engine for the
// Server Name Indication extension.
func (s *Session) SetHostname(name string) error {
	s.hostname = name
	if err := s.engine.SetPeerName(name); err != nil {
		return fmt.Errorf("setting peer name: %w", err)
	}
	return nil
}

// Hostname returns the peer name set with SetHostname.
func (s *Session) Hostname() string {
	return s.hostname
}

// SetValidationModes replaces the validation-mode bitmask with the
// intersection of modes and the supported set, and returns the resulting
// effective mask. Unsupported bits are silently dropped.
func (s *Session) SetValidationModes(modes ValidationMode) ValidationMode {
	s.modes = modes & supportedValidationModes
	return s.modes
}

// ValidationModes returns the effective validation-mode bitmask.
func (s *Session) ValidationModes() ValidationMode {
	return s.modes
}

// SetServerCertCallback registers the application hook consulted for server
// certificates. Registering a callback enables ValidateApplicationManaged as
// a side effect.
func (s *Session) SetServerCertCallback(cb CertCallback) {
	s.modes |= ValidateApplicationManaged
	s.certCallback = cb
}

// SetServerCertChainCallback registers the application hook receiving the
// full peer chain. Registering a callback enables ValidateApplicationManaged
// as a side effect.
func (s *Session) SetServerCertChainCallback(cb CertChainCallback) {
	s.modes |= ValidateApplicationManaged
	s.chainCallback = cb
}

// TrustCert adds a previously loaded certificate to the engine's trusted
// roots for this session only. The decision is not persisted.
func (s *Session) TrustCert(cert *Certificate) error {
	return s.engine.AddTrustedRoots([]*x509.Certificate{cert.Native()})
}

// acquire records one more adapter holding this session.
func (s *Session) acquire() {
	s.refs++
}

// release drops one adapter's hold. When the last hold is dropped, the
// engine handle is disposed; a disposal failure surfaces as a generic engine
// failure but teardown completes regardless.
func (s *Session) release() error {
	s.refs--
	if s.refs > 0 {
		return nil
	}
	s.state = StateClosing
	if err := s.engine.Close(); err != nil {
		s.log.Debugf("engine close failed: %v", err)
		return fmt.Errorf("%w: %v", ErrEngineFailure, err)
	}
	return nil
}
