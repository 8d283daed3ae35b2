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

// bridge satisfies the engine's pull/push callback contract against the
// session's streams. The engine invokes it, never the caller.
type bridge struct {
	s *Session
}

var _ Transport = (*bridge)(nil)

// ReadCiphertext pulls from the incoming-ciphertext source until p is full
// or the source reports non-success. The byte count accumulates across
// chunks; a would-block status may accompany a partial count, per the
// engine's callback contract.
func (b *bridge) ReadCiphertext(p []byte) (int, error) {
	s := b.s
	total := 0
	for total < len(p) {
		data, err := s.decrypt.source.Read(len(p) - total)
		total += copy(p[total:], data)
		if err == nil {
			continue
		}
		if pullstream.IsReadError(err) {
			s.log.Debugf("ciphertext source failed: %v", err)
			return total, err
		}
		// ErrWouldBlock or io.EOF. Report alongside whatever was copied; the
		// engine decides whether partial progress is usable.
		return total, err
	}
	return total, nil
}

// WriteCiphertext appends the engine's output to the encrypt pending buffer.
// The engine owns p, so the bytes are copied. Writes never block; the caller
// applies backpressure later by draining the encrypt stream.
func (b *bridge) WriteCiphertext(p []byte) (int, error) {
	b.s.encrypt.pending.AppendCopy(p)
	return len(p), nil
}
