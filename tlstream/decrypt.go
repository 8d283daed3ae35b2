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
	"io"

	"github.com/wireliner/streamtls/pullstream"
)

// readChunkSize is how much ciphertext one decrypt step pulls through the
// engine at most.
const readChunkSize = 8000

// DecryptStream is the incoming pull-stream face of a session: reading it
// yields plaintext decrypted from the network.
type DecryptStream struct {
	s *Session
}

var _ pullstream.Stream = (*DecryptStream)(nil)
var _ pullstream.LineReader = (*DecryptStream)(nil)

// NewDecryptStream builds the decrypt adapter on the shared session, with
// ciphertext as the incoming network data source. The source's lifetime
// stays with whoever constructed it.
func NewDecryptStream(s *Session, ciphertext pullstream.Reader) *DecryptStream {
	s.decrypt.source = ciphertext
	s.acquire()
	return &DecryptStream{s: s}
}

// decryptMore asks the engine to decrypt one more chunk, appending any
// plaintext produced to the pending buffer.
func (s *Session) decryptMore() error {
	buf := make([]byte, readChunkSize)
	n, err := s.engine.Decrypt(buf)
	if n > 0 {
		s.decrypt.pending.Append(buf[:n])
	}
	return s.translateStatus(err)
}

// Read returns up to max bytes of plaintext: buffered data first, then
// whatever more the engine can decrypt from the ciphertext available right
// now.
func (d *DecryptStream) Read(max int) ([]byte, error) {
	s := d.s

	data, err := s.decrypt.pending.Read(max)
	if pullstream.IsReadError(err) {
		return data, err
	}
	if len(data) > 0 {
		return data, err
	}

	status := s.decryptLoop()
	if pullstream.IsReadError(status) {
		return nil, status
	}
	return d.servePending(status, func() ([]byte, error) {
		return s.decrypt.pending.Read(max)
	})
}

// ReadLine is the line-oriented variant of Read, with the same two-phase
// structure: serve a line from the pending buffer, else decrypt more and
// retry. Upstream framing wants line reads before full-buffer reads.
func (d *DecryptStream) ReadLine(acceptable pullstream.Endings) ([]byte, pullstream.Endings, error) {
	s := d.s

	data, found, err := s.decrypt.pending.ReadLine(acceptable)
	if pullstream.IsReadError(err) {
		return data, found, err
	}
	if len(data) > 0 {
		return data, found, err
	}

	status := s.decryptLoop()
	if pullstream.IsReadError(status) {
		return nil, pullstream.EndingNone, status
	}
	data, err = d.servePending(status, func() ([]byte, error) {
		var data []byte
		var err error
		data, found, err = s.decrypt.pending.ReadLine(acceptable)
		return data, err
	})
	return data, found, err
}

// decryptLoop repeatedly decrypts while the engine keeps making progress,
// bounded by the ciphertext available in this call. Returns the first
// non-success status.
func (s *Session) decryptLoop() error {
	for {
		if err := s.decryptMore(); err != nil {
			return err
		}
	}
}

// servePending re-reads the pending buffer after a decrypt loop and folds in
// the loop's terminal status: an exhausted buffer after a clean close reads
// as end-of-stream, not as would-block.
func (d *DecryptStream) servePending(status error, read func() ([]byte, error)) ([]byte, error) {
	data, err := read()
	if pullstream.IsReadError(err) {
		return data, err
	}
	if errors.Is(status, io.EOF) && errors.Is(err, pullstream.ErrWouldBlock) {
		return data, io.EOF
	}
	return data, err
}

// Peek reports buffered plaintext without side effects.
func (d *DecryptStream) Peek() ([]byte, error) {
	return d.s.decrypt.pending.Peek()
}

// Close releases this adapter's hold on the shared session. The session and
// engine are disposed when the encrypt adapter has released too.
func (d *DecryptStream) Close() error {
	return d.s.release()
}
