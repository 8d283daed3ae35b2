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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wireliner/streamtls/pullstream"
	"github.com/wireliner/streamtls/tlstream"
)

// chanConn is the server-side net.Conn of an in-memory duplex link. The
// client side of the link is driven byte-wise by the test loop, so the
// server may block here while the client never does.
type chanConn struct {
	in     chan []byte
	out    chan []byte
	buf    []byte
	closed chan struct{}
}

func newChanConn() *chanConn {
	return &chanConn{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *chanConn) Read(p []byte) (int, error) {
	if len(c.buf) == 0 {
		select {
		case b := <-c.in:
			c.buf = b
		case <-c.closed:
			return 0, io.EOF
		}
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *chanConn) Write(p []byte) (int, error) {
	b := make([]byte, len(p))
	copy(b, p)
	select {
	case c.out <- b:
		return len(p), nil
	case <-c.closed:
		return 0, net.ErrClosed
	}
}

func (c *chanConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

func (c *chanConn) LocalAddr() net.Addr  { return engineAddr{} }
func (c *chanConn) RemoteAddr() net.Addr { return engineAddr{} }

func (c *chanConn) SetDeadline(time.Time) error      { return nil }
func (c *chanConn) SetReadDeadline(time.Time) error  { return nil }
func (c *chanConn) SetWriteDeadline(time.Time) error { return nil }

// makeServerIdentity generates a self-signed localhost certificate usable
// both as the server's identity and as a trusted root on the client.
func makeServerIdentity(t *testing.T) (tls.Certificate, *x509.Certificate) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "localhost"},
		DNSNames:              []string{"localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	parsed, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, parsed
}

// harness wires the full client stack (engine, session, both adapters) to a
// real crypto/tls echo server over an in-memory link. All client-side calls
// happen on the test goroutine; only the server runs concurrently.
type harness struct {
	t       *testing.T
	session *tlstream.Session
	enc     *tlstream.EncryptStream
	dec     *tlstream.DecryptStream
	wire    *pullstream.Queue
	conn    *chanConn
}

func newHarness(t *testing.T, engine *Engine, plaintext pullstream.Reader, serverCert tls.Certificate) *harness {
	t.Helper()
	session, err := tlstream.NewSession(engine)
	require.NoError(t, err)

	h := &harness{
		t:       t,
		session: session,
		wire:    &pullstream.Queue{},
		conn:    newChanConn(),
	}
	h.enc = tlstream.NewEncryptStream(session, plaintext)
	h.dec = tlstream.NewDecryptStream(session, h.wire)
	t.Cleanup(func() {
		h.enc.Close()
		h.dec.Close()
		h.conn.Close()
	})

	srv := tls.Server(h.conn, &tls.Config{Certificates: []tls.Certificate{serverCert}})
	go func() {
		defer srv.Close()
		buf := make([]byte, 4096)
		for {
			n, err := srv.Read(buf)
			if n > 0 {
				if _, werr := srv.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return h
}

// flushOutgoing drains the encrypt adapter to the server, returning the
// first fatal status it hits.
func (h *harness) flushOutgoing() error {
	for {
		data, err := h.enc.Read(4096)
		if len(data) > 0 {
			select {
			case h.conn.in <- data:
			case <-time.After(5 * time.Second):
				h.t.Fatal("server stopped consuming ciphertext")
			}
		}
		if err != nil {
			if errors.Is(err, pullstream.ErrWouldBlock) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// recvIncoming waits briefly for server ciphertext and feeds everything
// available into the client's incoming queue.
func (h *harness) recvIncoming(wait time.Duration) {
	select {
	case b := <-h.conn.out:
		h.wire.Append(b)
	case <-time.After(wait):
		return
	}
	for {
		select {
		case b := <-h.conn.out:
			h.wire.Append(b)
		default:
			return
		}
	}
}

// pump runs the cooperative client loop until stop says it is finished, the
// stack reports a fatal error, or the deadline passes.
func (h *harness) pump(stop func() bool) error {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := h.flushOutgoing(); err != nil {
			return err
		}
		h.recvIncoming(10 * time.Millisecond)
		if stop() {
			return nil
		}
	}
	return errors.New("test deadline passed")
}

func TestEchoRoundTripAgainstRealServer(t *testing.T) {
	serverCert, serverRoot := makeServerIdentity(t)
	engine := New()
	message := []byte("ping over tls\n")
	h := newHarness(t, engine, pullstream.NewBytes(message), serverCert)

	require.NoError(t, h.session.SetHostname("localhost"))
	require.NoError(t, h.session.TrustCert(tlstream.NewCertificate(serverRoot, 0)))

	var got []byte
	err := h.pump(func() bool {
		for {
			data, err := h.dec.Read(4096)
			got = append(got, data...)
			if err != nil {
				require.ErrorIs(t, err, pullstream.ErrWouldBlock)
				break
			}
		}
		return len(got) >= len(message)
	})
	require.NoError(t, err)
	require.Equal(t, message, got)
	require.Equal(t, tlstream.StateConnected, h.session.State())

	chain, err := engine.PeerCertificates()
	require.NoError(t, err)
	require.Equal(t, serverRoot.Raw, chain[0].Raw)
}

func TestEchoRoundTripWithFragmentedDelivery(t *testing.T) {
	serverCert, serverRoot := makeServerIdentity(t)
	engine := New()
	message := []byte("fragmented")
	h := newHarness(t, engine, pullstream.NewBytes(message), serverCert)

	require.NoError(t, h.session.SetHostname("localhost"))
	require.NoError(t, h.session.TrustCert(tlstream.NewCertificate(serverRoot, 0)))

	// Refeed server ciphertext one byte at a time so record assembly spans
	// many would-block turns.
	var backlog []byte
	var got []byte
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && len(got) < len(message) {
		require.NoError(t, h.flushOutgoing())
		if len(backlog) == 0 {
			select {
			case b := <-h.conn.out:
				backlog = append(backlog, b...)
			case <-time.After(time.Millisecond):
			}
		}
		if len(backlog) > 0 {
			h.wire.AppendCopy(backlog[:1])
			backlog = backlog[1:]
		}
		for {
			data, err := h.dec.Read(4096)
			got = append(got, data...)
			if err != nil {
				require.ErrorIs(t, err, pullstream.ErrWouldBlock)
				break
			}
		}
	}
	require.Equal(t, message, got)
}

func TestUntrustedServerFailsWithoutUI(t *testing.T) {
	serverCert, _ := makeServerIdentity(t)
	engine := New()
	var src pullstream.Queue
	h := newHarness(t, engine, &src, serverCert)
	require.NoError(t, h.session.SetHostname("localhost"))

	// No TrustCert call: the self-signed server is an unknown authority,
	// which needs confirmation, and the silent default mode cannot confirm.
	err := h.pump(func() bool { return false })
	require.ErrorIs(t, err, tlstream.ErrCannotConfirmCert)
	require.NotEqual(t, tlstream.StateConnected, h.session.State())
}

func TestUntrustedServerAcceptedByApplicationCallback(t *testing.T) {
	serverCert, _ := makeServerIdentity(t)
	engine := New()
	message := []byte("approved by app")
	h := newHarness(t, engine, pullstream.NewBytes(message), serverCert)
	require.NoError(t, h.session.SetHostname("localhost"))

	var gotFailures tlstream.CertFailures
	h.session.SetServerCertCallback(func(failures tlstream.CertFailures, cert *tlstream.Certificate) error {
		gotFailures = failures
		require.Equal(t, "localhost", cert.Subject()["CN"])
		return nil
	})

	var got []byte
	err := h.pump(func() bool {
		for {
			data, err := h.dec.Read(4096)
			got = append(got, data...)
			if err != nil {
				require.ErrorIs(t, err, pullstream.ErrWouldBlock)
				break
			}
		}
		return len(got) >= len(message)
	})
	require.NoError(t, err)
	require.Equal(t, message, got)
	require.NotZero(t, gotFailures&tlstream.CertRecoverable)
}

func TestEncryptBeforeHandshakeWouldBlock(t *testing.T) {
	engine := New()
	n, err := engine.Encrypt([]byte("early"))
	require.Zero(t, n)
	require.ErrorIs(t, err, pullstream.ErrWouldBlock)

	n, err = engine.Decrypt(make([]byte, 16))
	require.Zero(t, n)
	require.ErrorIs(t, err, pullstream.ErrWouldBlock)
}

func TestSettersRejectedAfterHandshakeStart(t *testing.T) {
	serverCert, _ := makeServerIdentity(t)
	engine := New()
	var src pullstream.Queue
	h := newHarness(t, engine, &src, serverCert)

	// One read starts the handshake and materializes the connection.
	_, err := h.enc.Read(4096)
	require.ErrorIs(t, err, pullstream.ErrWouldBlock)

	require.Error(t, engine.SetPeerName("other.example.org"))
	require.Error(t, engine.SetTransport(nil))
}

func TestHandshakeWithoutTransportFails(t *testing.T) {
	engine := New()
	require.Error(t, engine.Handshake())
}

func TestCloseUnwindsParkedHandshake(t *testing.T) {
	serverCert, _ := makeServerIdentity(t)
	engine := New()
	var src pullstream.Queue
	h := newHarness(t, engine, &src, serverCert)

	_, err := h.enc.Read(4096)
	require.ErrorIs(t, err, pullstream.ErrWouldBlock)

	require.NoError(t, engine.Close())
	require.ErrorIs(t, engine.Handshake(), net.ErrClosed)
	require.NoError(t, engine.Close(), "closing twice is harmless")
}

func TestClassifyVerifyError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want tlstream.TrustResult
	}{
		{"clean", nil, tlstream.TrustUnspecified},
		{"unknown authority", x509.UnknownAuthorityError{}, tlstream.TrustRecoverableFailure},
		{"hostname mismatch", x509.HostnameError{Host: "other"}, tlstream.TrustRecoverableFailure},
		{"expired", x509.CertificateInvalidError{Reason: x509.Expired}, tlstream.TrustRecoverableFailure},
		{"not authorized to sign", x509.CertificateInvalidError{Reason: x509.NotAuthorizedToSign}, tlstream.TrustRecoverableFailure},
		{"other invalidity", x509.CertificateInvalidError{Reason: x509.TooManyIntermediates}, tlstream.TrustFatalFailure},
		{"unclassified", errors.New("boom"), tlstream.TrustOtherError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, classifyVerifyError(tc.err))
		})
	}
}

func TestEvaluateTrustWithoutPeerFails(t *testing.T) {
	engine := New()
	result, err := engine.EvaluateTrust()
	require.Error(t, err)
	require.Equal(t, tlstream.TrustInvalid, result)
}
