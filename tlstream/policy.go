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
)

// CertFailures is a bitmask classifying the engine's trust-evaluation result.
// It is handed to application callbacks so they can decide with the same
// information the session policy had.
type CertFailures int

const (
	// CertAllOK means the chain verified cleanly.
	CertAllOK CertFailures = 1 << iota
	// CertConfirmNeeded means the chain is acceptable only with explicit
	// confirmation.
	CertConfirmNeeded
	// CertRecoverable means the failure may be overridden by the user or the
	// application.
	CertRecoverable
	// CertUnknownFailure means verification failed for an unclassified but
	// recoverable reason.
	CertUnknownFailure
	// CertFatal means the failure cannot be overridden by the session.
	CertFatal
)

// classifyTrustResult maps every engine trust result onto exactly one
// failure classification plus the specific status a fatal outcome surfaces.
func classifyTrustResult(result TrustResult) (CertFailures, error) {
	switch result {
	case TrustProceed, TrustUnspecified:
		return CertAllOK, nil
	case TrustConfirm:
		return CertConfirmNeeded | CertRecoverable, nil
	case TrustRecoverableFailure:
		return CertUnknownFailure | CertRecoverable, nil
	case TrustDeny:
		return CertFatal, ErrCertDenied
	case TrustInvalid, TrustFatalFailure, TrustOtherError:
		return CertFatal, ErrCertFailed
	default:
		return CertFatal, ErrCertFailed
	}
}

// validateServerCertificate resolves trust for the current handshake's peer
// certificate chain. Returns nil to accept; any error denies and fails the
// handshake.
//
// Resolution order: interactive confirmation for recoverable results when
// enabled, then silent adapter-managed acceptance or denial, then the
// application callback. Interactive confirmation always takes precedence
// over silent acceptance when both modes are set.
func (s *Session) validateServerCertificate() error {
	chain, err := s.engine.PeerCertificates()
	if err != nil {
		return s.translateStatus(err)
	}
	if len(chain) == 0 {
		return ErrCertFailed
	}
	result, err := s.engine.EvaluateTrust()
	if err != nil {
		return s.translateStatus(err)
	}
	s.log.Debugf("trust evaluation result: %v", result)

	failures, status := classifyTrustResult(result)

	if s.chainCallback != nil {
		if err := s.chainCallback(failures, wrapChain(chain)); err != nil {
			return err
		}
	}

	if failures&(CertConfirmNeeded|CertRecoverable) != 0 {
		if s.modes&ValidateManagedWithUI != 0 {
			return s.askApproval(chain)
		}
		status = ErrCannotConfirmCert
	}

	// If the session may take the decision itself, do so without calling
	// back to the application.
	if failures&(CertAllOK|CertFatal) != 0 &&
		s.modes&(ValidateManagedWithUI|ValidateManagedNoUI) != 0 {
		return status
	}

	if s.modes&ValidateApplicationManaged != 0 && s.certCallback != nil && failures != 0 {
		return s.certCallback(failures, NewCertificate(chain[0], 0))
	}

	if status != nil {
		return status
	}
	return ErrCertFailed
}

// askApproval delegates the decision to the interactive collaborator. The
// user's choice applies to this session only; nothing is persisted.
func (s *Session) askApproval(chain []*x509.Certificate) error {
	if s.confirmer == nil {
		return ErrCannotConfirmCert
	}
	accepted, err := s.confirmer.ConfirmCertificate(wrapChain(chain))
	if err != nil {
		return err
	}
	if !accepted {
		s.log.Debugf("user denied certificate")
		return ErrUserDeniedCert
	}
	s.log.Debugf("user accepted certificate")
	return nil
}

// wrapChain builds Certificate values for a peer chain, depth being the
// position in the chain (0 = leaf).
func wrapChain(chain []*x509.Certificate) []*Certificate {
	certs := make([]*Certificate, len(chain))
	for i, c := range chain {
		certs[i] = NewCertificate(c, i)
	}
	return certs
}
