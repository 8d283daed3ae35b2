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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wireliner/streamtls/pullstream"
)

// fakeStep is one scripted Handshake outcome. emit is written to the
// transport before the status is returned, modeling handshake records
// produced by a step that did not complete.
type fakeStep struct {
	emit   []byte
	status error
}

// fakeEngine is a scriptable Engine. Its record layer frames plaintext with
// a two-byte big-endian length header, so ciphertext is deliberately not
// sized 1:1 with plaintext and fragment reassembly is exercised.
type fakeEngine struct {
	transport Transport
	peerName  string
	roots     []*x509.Certificate

	script  []fakeStep
	stepIdx int

	trust     TrustResult
	evalErr   error
	peerChain []*x509.Certificate

	trustResolved bool
	trustAccepted bool

	handshakeCalls int
	encryptCalls   int
	decryptCalls   int
	closeCalls     int
	closeErr       error

	rbuf []byte
}

// errTestClose is the disposal failure injected by lifecycle tests.
var errTestClose = errors.New("engine disposal failed")

var _ Engine = (*fakeEngine)(nil)

func (f *fakeEngine) SetTransport(t Transport) error {
	f.transport = t
	return nil
}

func (f *fakeEngine) SetPeerName(name string) error {
	f.peerName = name
	return nil
}

func (f *fakeEngine) AddTrustedRoots(roots []*x509.Certificate) error {
	f.roots = append(f.roots, roots...)
	return nil
}

func (f *fakeEngine) Handshake() error {
	f.handshakeCalls++
	if f.stepIdx >= len(f.script) {
		return nil
	}
	step := f.script[f.stepIdx]
	f.stepIdx++
	if len(step.emit) > 0 {
		f.transport.WriteCiphertext(step.emit)
	}
	return step.status
}

func (f *fakeEngine) Encrypt(p []byte) (int, error) {
	f.encryptCalls++
	frame := make([]byte, 2+len(p))
	binary.BigEndian.PutUint16(frame, uint16(len(p)))
	copy(frame[2:], p)
	f.transport.WriteCiphertext(frame)
	return len(p), nil
}

func (f *fakeEngine) Decrypt(p []byte) (int, error) {
	f.decryptCalls++
	for {
		if len(f.rbuf) >= 2 {
			n := int(binary.BigEndian.Uint16(f.rbuf))
			if len(f.rbuf) >= 2+n {
				m := copy(p, f.rbuf[2:2+n])
				rest := make([]byte, len(f.rbuf)-2-n)
				copy(rest, f.rbuf[2+n:])
				f.rbuf = rest
				return m, nil
			}
		}
		tmp := make([]byte, 1024)
		n, err := f.transport.ReadCiphertext(tmp)
		f.rbuf = append(f.rbuf, tmp[:n]...)
		if err != nil && n == 0 {
			return 0, err
		}
		if err != nil && errors.Is(err, pullstream.ErrWouldBlock) {
			// Partial progress: loop once more in case the frame completed.
			continue
		}
	}
}

func (f *fakeEngine) PeerCertificates() ([]*x509.Certificate, error) {
	if len(f.peerChain) == 0 {
		return nil, errors.New("no peer certificates")
	}
	return f.peerChain, nil
}

func (f *fakeEngine) EvaluateTrust() (TrustResult, error) {
	return f.trust, f.evalErr
}

func (f *fakeEngine) ResolveTrust(accept bool) {
	f.trustResolved = true
	f.trustAccepted = accept
}

func (f *fakeEngine) Close() error {
	f.closeCalls++
	return f.closeErr
}

// connectedEngine returns a fake whose handshake succeeds on the first step.
func connectedEngine(t *testing.T) *fakeEngine {
	t.Helper()
	return &fakeEngine{peerChain: []*x509.Certificate{makeTestCert(t)}}
}

// makeTestCert generates a self-signed certificate with a known subject.
func makeTestCert(t *testing.T) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:         "stream.example.org",
			Organization:       []string{"Wireliner"},
			OrganizationalUnit: []string{"Transport"},
			Country:            []string{"NL"},
		},
		DNSNames:              []string{"stream.example.org"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}
