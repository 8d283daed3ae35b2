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
	"errors"

	"github.com/wireliner/streamtls/pullstream"
)

// advanceHandshake drives the engine through the next handshake step and
// maps the outcome onto the caller-visible status taxonomy. On success the
// session transitions to StateConnected.
//
// When the engine pauses for peer auth, the validation policy runs here. An
// accepted certificate reports would-block so the caller retries and the
// engine resumes past the auth point on the next step; a rejection is fatal.
func (s *Session) advanceHandshake() error {
	err := s.engine.Handshake()
	switch {
	case err == nil:
		s.log.Debugf("handshake complete")
		s.state = StateConnected
		return nil
	case errors.Is(err, ErrPeerAuthPending):
		if verr := s.validateServerCertificate(); verr != nil {
			s.engine.ResolveTrust(false)
			return verr
		}
		s.engine.ResolveTrust(true)
		return pullstream.ErrWouldBlock
	case errors.Is(err, ErrClientCertRequested):
		return ErrNotImplemented
	default:
		return s.translateStatus(err)
	}
}
