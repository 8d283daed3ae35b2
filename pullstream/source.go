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

package pullstream

import "io"

// Queue is a feedable pull stream. A producer appends chunks (typically as
// they arrive from the network) and the consumer drains them through the
// Reader contract. While the queue is open, emptiness reads as ErrWouldBlock;
// after CloseWrite it reads as io.EOF; after Fail it reads as the injected
// error.
type Queue struct {
	buf    Pending
	closed bool
	err    error
}

var _ Stream = (*Queue)(nil)

// Append feeds a chunk to the consumer side. Queue takes ownership of p.
func (q *Queue) Append(p []byte) {
	q.buf.Append(p)
}

// AppendCopy feeds a copy of p to the consumer side.
func (q *Queue) AppendCopy(p []byte) {
	q.buf.AppendCopy(p)
}

// CloseWrite marks the end of the stream. Buffered data remains readable;
// once drained, reads report io.EOF.
func (q *Queue) CloseWrite() {
	q.closed = true
}

// Fail injects a fatal error, reported once buffered data is drained.
func (q *Queue) Fail(err error) {
	q.err = err
}

func (q *Queue) status() error {
	if q.err != nil {
		return q.err
	}
	if q.closed {
		return io.EOF
	}
	return ErrWouldBlock
}

func (q *Queue) Read(max int) ([]byte, error) {
	data, err := q.buf.Read(max)
	if err == ErrWouldBlock {
		err = q.status()
	}
	return data, err
}

func (q *Queue) Peek() ([]byte, error) {
	data, err := q.buf.Peek()
	if err == ErrWouldBlock {
		err = q.status()
	}
	return data, err
}

func (q *Queue) Close() error {
	return nil
}

// Bytes is a pull stream over a fixed byte slice. Reads drain the slice and
// report io.EOF along with (and after) the final chunk.
type Bytes struct {
	data []byte
}

var _ Stream = (*Bytes)(nil)

// NewBytes returns a stream serving p. The stream does not copy p.
func NewBytes(p []byte) *Bytes {
	return &Bytes{data: p}
}

func (s *Bytes) Read(max int) ([]byte, error) {
	if len(s.data) == 0 {
		return nil, io.EOF
	}
	data := s.data
	if max >= 0 && len(data) > max {
		s.data = data[max:]
		return data[:max], nil
	}
	s.data = nil
	return data, io.EOF
}

func (s *Bytes) Peek() ([]byte, error) {
	if len(s.data) == 0 {
		return nil, io.EOF
	}
	return s.data, nil
}

func (s *Bytes) Close() error {
	return nil
}
