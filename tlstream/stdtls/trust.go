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

package stdtls

import (
	"crypto/x509"
	"errors"

	"github.com/wireliner/streamtls/tlstream"
)

// EvaluateTrust verifies the peer chain against the system roots plus any
// session-injected roots, including the host name check. The result
// classifies how the failure, if any, may be resolved; the error reports a
// failure of the evaluation itself.
func (e *Engine) EvaluateTrust() (tlstream.TrustResult, error) {
	if len(e.peerCerts) == 0 {
		return tlstream.TrustInvalid, errors.New("stdtls: no peer certificates to evaluate")
	}
	opts := x509.VerifyOptions{
		DNSName:       e.serverName,
		Roots:         e.rootPool(),
		Intermediates: x509.NewCertPool(),
	}
	for _, cert := range e.peerCerts[1:] {
		opts.Intermediates.AddCert(cert)
	}
	_, verr := e.peerCerts[0].Verify(opts)
	result := classifyVerifyError(verr)
	e.log.Debugf("chain verification: %v (%v)", result, verr)
	return result, nil
}

// classifyVerifyError maps an x509 verification outcome onto the trust
// result taxonomy. Unknown authorities, validity-period failures and host
// name mismatches are recoverable: the user or application may legitimately
// override them. Anything else is not.
func classifyVerifyError(verr error) tlstream.TrustResult {
	if verr == nil {
		return tlstream.TrustUnspecified
	}
	var (
		unknownAuthority x509.UnknownAuthorityError
		invalid          x509.CertificateInvalidError
		hostname         x509.HostnameError
	)
	switch {
	case errors.As(verr, &unknownAuthority), errors.As(verr, &hostname):
		return tlstream.TrustRecoverableFailure
	case errors.As(verr, &invalid):
		if invalid.Reason == x509.Expired || invalid.Reason == x509.NotAuthorizedToSign {
			return tlstream.TrustRecoverableFailure
		}
		return tlstream.TrustFatalFailure
	default:
		return tlstream.TrustOtherError
	}
}

// rootPool builds the verification root set: the system pool extended with
// the roots added for this session. A nil pool selects the system roots.
func (e *Engine) rootPool() *x509.CertPool {
	if len(e.added) == 0 {
		return nil
	}
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	for _, cert := range e.added {
		pool.AddCert(cert)
	}
	return pool
}
