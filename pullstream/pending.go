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

// Pending is an append-only queue of byte chunks that is readable as a pull
// stream. It never reports io.EOF: a producer may append more data at any
// time, so emptiness is always reported as ErrWouldBlock.
//
// Pending decouples "bytes a producer has generated" from "bytes the consumer
// has drained". The zero value is ready to use.
type Pending struct {
	chunks [][]byte
	size   int
}

var _ Reader = (*Pending)(nil)
var _ Peeker = (*Pending)(nil)
var _ LineReader = (*Pending)(nil)

// Append adds p to the queue. Pending takes ownership of p; the caller must
// not modify it afterwards.
func (b *Pending) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.chunks = append(b.chunks, p)
	b.size += len(p)
}

// AppendCopy adds a copy of p to the queue, for producers that reuse their
// buffer after the call.
func (b *Pending) AppendCopy(p []byte) {
	if len(p) == 0 {
		return
	}
	c := make([]byte, len(p))
	copy(c, p)
	b.Append(c)
}

// Len returns the total number of buffered bytes.
func (b *Pending) Len() int {
	return b.size
}

// Read returns up to max buffered bytes without copying. A nil error means
// more buffered data remains; ErrWouldBlock means the queue is now (or was
// already) empty.
func (b *Pending) Read(max int) ([]byte, error) {
	if b.size == 0 {
		return nil, ErrWouldBlock
	}
	data := b.chunks[0]
	if max >= 0 && len(data) > max {
		b.chunks[0] = data[max:]
		data = data[:max]
	} else {
		b.chunks = b.chunks[1:]
	}
	b.size -= len(data)
	if b.size == 0 {
		return data, ErrWouldBlock
	}
	return data, nil
}

// Peek returns the first buffered chunk without consuming it.
func (b *Pending) Peek() ([]byte, error) {
	if b.size == 0 {
		return nil, ErrWouldBlock
	}
	return b.chunks[0], nil
}

// ReadLine returns buffered bytes up to and including the first acceptable
// line ending. If no acceptable ending is buffered, all buffered bytes are
// returned as a partial line with found == EndingNone.
func (b *Pending) ReadLine(acceptable Endings) ([]byte, Endings, error) {
	if b.size == 0 {
		return nil, EndingNone, ErrWouldBlock
	}
	end, found := b.findEnding(acceptable)
	if found == EndingNone {
		end = b.size
	}
	data := b.consume(end)
	if b.size == 0 {
		return data, found, ErrWouldBlock
	}
	return data, found, nil
}

// findEnding scans the buffered bytes for the earliest acceptable line ending
// and returns the index one past it.
func (b *Pending) findEnding(acceptable Endings) (int, Endings) {
	pos := 0
	for ci, chunk := range b.chunks {
		for i, c := range chunk {
			switch c {
			case '\n':
				if acceptable&EndingLF != 0 {
					return pos + i + 1, EndingLF
				}
			case '\r':
				if acceptable&EndingCRLF != 0 && b.byteAt(ci, i+1) == '\n' {
					return pos + i + 2, EndingCRLF
				}
				if acceptable&EndingCR != 0 {
					return pos + i + 1, EndingCR
				}
			}
		}
		pos += len(chunk)
	}
	return 0, EndingNone
}

// byteAt returns the byte at offset i of chunk ci, following into the next
// chunk when i runs past the end. Returns 0 when out of range.
func (b *Pending) byteAt(ci, i int) byte {
	for ci < len(b.chunks) {
		if i < len(b.chunks[ci]) {
			return b.chunks[ci][i]
		}
		i -= len(b.chunks[ci])
		ci++
	}
	return 0
}

// consume removes exactly n buffered bytes and returns them contiguously.
// Stays zero-copy when n does not cross a chunk boundary.
func (b *Pending) consume(n int) []byte {
	if n <= len(b.chunks[0]) {
		data := b.chunks[0][:n]
		if n == len(b.chunks[0]) {
			b.chunks = b.chunks[1:]
		} else {
			b.chunks[0] = b.chunks[0][n:]
		}
		b.size -= n
		return data
	}
	data := make([]byte, 0, n)
	for n > 0 {
		chunk := b.chunks[0]
		if n < len(chunk) {
			data = append(data, chunk[:n]...)
			b.chunks[0] = chunk[n:]
			b.size -= n
			return data
		}
		data = append(data, chunk...)
		b.chunks = b.chunks[1:]
		b.size -= len(chunk)
		n -= len(chunk)
	}
	return data
}
