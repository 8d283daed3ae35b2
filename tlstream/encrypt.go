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
	"github.com/wireliner/streamtls/pullstream"
)

// EncryptStream is the outgoing pull-stream face of a session: reading it
// yields ciphertext ready for the wire. The first read also drives the
// handshake.
type EncryptStream struct {
	s *Session
}

var _ pullstream.Stream = (*EncryptStream)(nil)
var _ pullstream.LineReader = (*EncryptStream)(nil)

// NewEncryptStream builds the encrypt adapter on the shared session, with
// plaintext as the outgoing application data source. The source's lifetime
// stays with whoever constructed it.
func NewEncryptStream(s *Session, plaintext pullstream.Reader) *EncryptStream {
	s.encrypt.source = plaintext
	s.acquire()
	return &EncryptStream{s: s}
}

// Read returns up to max bytes of ciphertext. While the handshake is not
// finished it advances the handshake instead, serving whatever records the
// handshake step queued for the wire; once connected it drains pending
// ciphertext first and only then pulls more plaintext through the engine.
func (e *EncryptStream) Read(max int) ([]byte, error) {
	s := e.s

	if s.state == StateInit || s.state == StateHandshake {
		s.state = StateHandshake
		err := s.advanceHandshake()
		if pullstream.IsReadError(err) {
			return nil, err
		}
		if err != nil {
			// The handshake step may itself have queued records to send;
			// partial progress still yields bytes for the wire.
			return s.encrypt.pending.Read(max)
		}
	}

	// Connected. Serve already-encrypted data first.
	data, err := s.encrypt.pending.Read(max)
	if pullstream.IsReadError(err) {
		return data, err
	}
	if len(data) > 0 {
		// Whether the buffer reported success or would-block, more output is
		// probably one call away; tell the caller to come back.
		return data, nil
	}

	// Pending buffer empty: encrypt more data.
	plain, srcErr := s.encrypt.source.Read(max)
	if pullstream.IsReadError(srcErr) {
		return nil, srcErr
	}
	if len(plain) > 0 {
		if _, eerr := s.engine.Encrypt(plain); eerr != nil {
			if terr := s.translateStatus(eerr); pullstream.IsReadError(terr) {
				return nil, terr
			}
		}
		data, err = s.encrypt.pending.Read(max)
		if pullstream.IsReadError(err) {
			return data, err
		}
		if err == nil {
			// More ciphertext is readily available.
			return data, nil
		}
		return data, srcErr
	}

	// No more encrypted output until the plaintext source has more data;
	// propagate its status unchanged.
	return nil, srcErr
}

// ReadLine is meaningless for ciphertext.
func (e *EncryptStream) ReadLine(acceptable pullstream.Endings) ([]byte, pullstream.Endings, error) {
	return nil, pullstream.EndingNone, ErrNotImplemented
}

// Peek reports queued ciphertext without side effects; it never drives the
// handshake.
func (e *EncryptStream) Peek() ([]byte, error) {
	return e.s.encrypt.pending.Peek()
}

// Close releases this adapter's hold on the shared session. The session and
// engine are disposed when the decrypt adapter has released too.
func (e *EncryptStream) Close() error {
	return e.s.release()
}
