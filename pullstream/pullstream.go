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

/*
Package pullstream provides a minimal pull-based byte stream abstraction.

A pull stream hands out however many bytes are currently available, up to
a requested maximum, together with a status. The status is expressed as an
error value: nil means success and more data may be available, [ErrWouldBlock]
means no forward progress is possible right now and the caller should retry
later, [io.EOF] means the stream has ended, and any other error is fatal.
Data may accompany a non-nil status; callers must consume returned bytes
before acting on the status.

This cooperative, non-blocking contract lets a single-threaded event loop
drive many streams without ever parking a goroutine inside a read.
*/
package pullstream

import (
	"errors"
	"io"
)

// ErrWouldBlock indicates that no data is available right now. It is not a
// failure: the caller is expected to retry once the upstream source has made
// progress.
var ErrWouldBlock = errors.New("pullstream: operation would block")

// Reader is the consumer side of a pull stream.
type Reader interface {
	// Read returns up to max bytes that are currently available. The returned
	// slice is only valid until the next call on the stream. A nil error means
	// more data may be immediately available; ErrWouldBlock and io.EOF report
	// the stream status and may accompany a non-empty slice.
	Read(max int) ([]byte, error)
}

// Peeker reports buffered data without consuming it or causing side effects.
type Peeker interface {
	Peek() ([]byte, error)
}

// Endings is a bitmask of acceptable line delimiters for LineReader.ReadLine.
type Endings int

const (
	// EndingNone means no delimiter was found (partial line).
	EndingNone Endings = 0
	// EndingCR matches a bare carriage return.
	EndingCR Endings = 1 << iota
	// EndingLF matches a bare line feed.
	EndingLF
	// EndingCRLF matches a carriage return followed by a line feed.
	EndingCRLF
	// EndingAny matches any of the above.
	EndingAny = EndingCR | EndingLF | EndingCRLF
)

// LineReader is the line-oriented consumer side of a pull stream.
type LineReader interface {
	// ReadLine returns bytes up to and including the first acceptable
	// delimiter, plus which delimiter was matched. A partial line (no
	// delimiter seen yet) is returned with found == EndingNone.
	ReadLine(acceptable Endings) (data []byte, found Endings, err error)
}

// Stream combines the read-side contracts with resource release.
type Stream interface {
	Reader
	Peeker
	Close() error
}

// IsReadError reports whether err is a fatal stream error, as opposed to the
// non-fatal statuses nil, ErrWouldBlock and io.EOF.
func IsReadError(err error) bool {
	return err != nil && !errors.Is(err, ErrWouldBlock) && !errors.Is(err, io.EOF)
}
