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
Package stdtls implements the [tlstream.Engine] capability interface on top
of crypto/tls, the platform TLS library.

crypto/tls is blocking while the adapter world is cooperative and
non-blocking, so the binding runs each potentially blocking operation on a
session goroutine that parks whenever the transport reports would-block and
resumes on the next engine call. From the caller's single-threaded
perspective every operation is a synchronous call that either completes or
reports would-block; no operation ever waits for the network.
*/
package stdtls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pion/logging"
	"github.com/wireliner/streamtls/pullstream"
	"github.com/wireliner/streamtls/tlstream"
)

// errTrustRejected aborts the handshake after the session policy denied the
// peer certificate.
var errTrustRejected = errors.New("stdtls: peer certificate rejected by session policy")

// yieldReason says why the session goroutine parked.
type yieldReason int

const (
	// yieldWantRead: the transport has no ciphertext available right now.
	yieldWantRead yieldReason = iota
	// yieldPeerAuth: the handshake reached peer certificate verification.
	yieldPeerAuth
)

// Engine drives a crypto/tls client connection through a pull/push
// transport. It implements [tlstream.Engine]. Not safe for concurrent use;
// like the adapters, it expects a single driving event loop.
type Engine struct {
	transport  tlstream.Transport
	serverName string
	nextProtos []string
	minVersion uint16
	cache      tls.ClientSessionCache
	log        logging.LeveledLogger

	conn  *tls.Conn
	added []*x509.Certificate

	// Session-goroutine plumbing. op names the parked operation; the
	// goroutine hands control back on yield (parked) or done (finished) and
	// waits on resume, receiving false when the engine is closing.
	op     string
	yield  chan yieldReason
	resume chan bool
	done   chan error

	readBuf []byte
	readN   int

	peerCerts     []*x509.Certificate
	trustResolved bool
	trustAccepted bool
	handshakeDone bool
	closed        bool
}

var _ tlstream.Engine = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithALPN sets the protocol name list for application-layer protocol
// negotiation.
func WithALPN(protocolNameList []string) Option {
	return func(e *Engine) {
		e.nextProtos = protocolNameList
	}
}

// WithMinVersion sets the minimum accepted TLS version (a tls.VersionTLSxx
// constant).
func WithMinVersion(v uint16) Option {
	return func(e *Engine) {
		e.minVersion = v
	}
}

// WithSessionCache sets the cache used for TLS session resumption; see
// [NewLRUClientSessionCache].
func WithSessionCache(cache tls.ClientSessionCache) Option {
	return func(e *Engine) {
		e.cache = cache
	}
}

// WithLoggerFactory sets the factory used to create the engine's logger.
func WithLoggerFactory(f logging.LoggerFactory) Option {
	return func(e *Engine) {
		e.log = f.NewLogger("stdtls")
	}
}

// New creates an unstarted engine. The transport must be bound (normally by
// [tlstream.NewSession]) before the first handshake step.
func New(options ...Option) *Engine {
	e := &Engine{
		yield:  make(chan yieldReason),
		resume: make(chan bool),
		done:   make(chan error, 1),
	}
	for _, opt := range options {
		opt(e)
	}
	if e.log == nil {
		e.log = logging.NewDefaultLoggerFactory().NewLogger("stdtls")
	}
	return e
}

func (e *Engine) SetTransport(t tlstream.Transport) error {
	if e.conn != nil {
		return errors.New("stdtls: transport cannot change after the handshake started")
	}
	e.transport = t
	return nil
}

func (e *Engine) SetPeerName(name string) error {
	if e.conn != nil {
		return errors.New("stdtls: peer name cannot change after the handshake started")
	}
	e.serverName = name
	return nil
}

func (e *Engine) AddTrustedRoots(roots []*x509.Certificate) error {
	e.added = append(e.added, roots...)
	return nil
}

// ensureConn lazily builds the tls.Conn. Certificate verification is
// replaced by the session policy: the VerifyConnection hook pauses the
// handshake instead of judging the chain.
func (e *Engine) ensureConn() error {
	if e.conn != nil {
		return nil
	}
	if e.transport == nil {
		return errors.New("stdtls: no transport bound")
	}
	conf := &tls.Config{
		ServerName:         e.serverName,
		NextProtos:         e.nextProtos,
		MinVersion:         e.minVersion,
		ClientSessionCache: e.cache,
		InsecureSkipVerify: true,
		VerifyConnection:   e.verifyConnection,
	}
	e.conn = tls.Client(&engineConn{e: e}, conf)
	return nil
}

// verifyConnection runs on the session goroutine during the handshake. It
// records the peer chain, parks until the session policy has decided, and
// converts the decision into the handshake's fate.
func (e *Engine) verifyConnection(cs tls.ConnectionState) error {
	e.peerCerts = cs.PeerCertificates
	if !e.park(yieldPeerAuth) {
		return net.ErrClosed
	}
	if e.trustResolved && e.trustAccepted {
		return nil
	}
	return errTrustRejected
}

// park suspends the session goroutine, handing control back to the engine
// call that is waiting in step. Returns false when the engine is closing and
// the operation must unwind.
func (e *Engine) park(r yieldReason) bool {
	e.yield <- r
	return <-e.resume
}

// step drives the session goroutine by one turn: it starts op if none is in
// flight (or resumes the parked one), then waits until the goroutine either
// finishes or parks again.
func (e *Engine) step(name string, op func() error) error {
	if e.closed {
		return net.ErrClosed
	}
	switch e.op {
	case "":
		e.op = name
		go func() {
			e.done <- op()
		}()
	case name:
		e.resume <- true
	default:
		return fmt.Errorf("stdtls: %s requested while %s is in progress", name, e.op)
	}
	select {
	case err := <-e.done:
		e.op = ""
		return err
	case r := <-e.yield:
		if r == yieldPeerAuth {
			return tlstream.ErrPeerAuthPending
		}
		return pullstream.ErrWouldBlock
	}
}

// Handshake performs the next handshake step. The operation spans multiple
// calls: each would-block or peer-auth pause parks the session goroutine,
// and the next call resumes it where it stopped.
func (e *Engine) Handshake() error {
	if e.handshakeDone {
		return nil
	}
	if err := e.ensureConn(); err != nil {
		return err
	}
	err := e.step("handshake", e.conn.Handshake)
	if err == nil {
		e.handshakeDone = true
		e.log.Debugf("handshake finished, version %04x", e.conn.ConnectionState().Version)
	}
	return err
}

// Encrypt encrypts p into records delivered through the transport. The
// transport's write side never blocks, so neither does this.
func (e *Engine) Encrypt(p []byte) (int, error) {
	if !e.handshakeDone {
		return 0, pullstream.ErrWouldBlock
	}
	return e.conn.Write(p)
}

// Decrypt decrypts the next available records. A would-block return means
// no complete record could be assembled from the ciphertext at hand; the
// partially consumed record stays buffered inside the parked operation and
// the next call picks it up. Successive calls must offer a buffer at least
// as large until the parked operation completes.
func (e *Engine) Decrypt(p []byte) (int, error) {
	if !e.handshakeDone {
		return 0, pullstream.ErrWouldBlock
	}
	if e.op == "" {
		e.readBuf = make([]byte, len(p))
		e.readN = 0
	}
	err := e.step("read", func() error {
		n, err := e.conn.Read(e.readBuf)
		e.readN = n
		return err
	})
	if errors.Is(err, pullstream.ErrWouldBlock) {
		return 0, err
	}
	n := copy(p, e.readBuf[:e.readN])
	e.readBuf = nil
	return n, err
}

func (e *Engine) PeerCertificates() ([]*x509.Certificate, error) {
	if len(e.peerCerts) == 0 {
		return nil, errors.New("stdtls: no peer certificates received")
	}
	return e.peerCerts, nil
}

func (e *Engine) ResolveTrust(accept bool) {
	e.trustResolved = true
	e.trustAccepted = accept
}

// Close disposes the engine. A parked operation is unwound first; then the
// connection is closed, which sends a close notification through the
// transport when the handshake had completed.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	if e.op != "" {
		e.resume <- false
		<-e.done
		e.op = ""
	}
	if e.conn != nil {
		return e.conn.Close()
	}
	return nil
}

// engineConn presents the pull/push transport as the net.Conn that
// crypto/tls reads and writes. Reads park the session goroutine instead of
// surfacing would-block, so crypto/tls only ever sees a blocking stream.
type engineConn struct {
	e *Engine
}

var _ net.Conn = (*engineConn)(nil)

func (c *engineConn) Read(p []byte) (int, error) {
	for {
		n, err := c.e.transport.ReadCiphertext(p)
		if n > 0 {
			return n, nil
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, pullstream.ErrWouldBlock):
			if !c.e.park(yieldWantRead) {
				return 0, net.ErrClosed
			}
		default:
			return 0, err
		}
	}
}

func (c *engineConn) Write(p []byte) (int, error) {
	return c.e.transport.WriteCiphertext(p)
}

func (c *engineConn) Close() error { return nil }

func (c *engineConn) LocalAddr() net.Addr  { return engineAddr{} }
func (c *engineConn) RemoteAddr() net.Addr { return engineAddr{} }

func (c *engineConn) SetDeadline(t time.Time) error      { return nil }
func (c *engineConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *engineConn) SetWriteDeadline(t time.Time) error { return nil }

// engineAddr is the placeholder address of the in-memory transport.
type engineAddr struct{}

func (engineAddr) Network() string { return "tlstream" }
func (engineAddr) String() string  { return "tlstream" }
