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
	"crypto/sha1"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/cryptobyte"
	casn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// Certificate wraps an engine-native certificate handle together with a
// lazily decoded view of its fields. Values are created on demand, from
// trust-evaluation results or from a loaded file.
type Certificate struct {
	native *x509.Certificate
	depth  int
	fields *certFields
}

// certFields is the decoded-fields cache, computed at most once.
type certFields struct {
	fingerprint string
	issuer      map[string]string
	subject     map[string]string
}

// NewCertificate wraps a native certificate. depth is the certificate's
// position in the peer's chain, 0 being the leaf.
func NewCertificate(cert *x509.Certificate, depth int) *Certificate {
	return &Certificate{native: cert, depth: depth}
}

// Native returns the engine-native certificate handle.
func (c *Certificate) Native() *x509.Certificate {
	return c.native
}

// Depth returns the certificate's position in the peer chain (0 = leaf).
func (c *Certificate) Depth() int {
	return c.depth
}

// NotBefore returns the start of the certificate's validity period.
func (c *Certificate) NotBefore() time.Time {
	return c.native.NotBefore
}

// NotAfter returns the end of the certificate's validity period.
func (c *Certificate) NotAfter() time.Time {
	return c.native.NotAfter
}

// Fingerprint returns the SHA-1 fingerprint of the raw certificate as
// colon-separated uppercase hex.
func (c *Certificate) Fingerprint() string {
	return c.content().fingerprint
}

// Issuer returns the issuer name attributes, keyed by short attribute name
// (CN, O, OU, C, L, ST, E) or dotted OID for unrecognized attributes.
func (c *Certificate) Issuer() map[string]string {
	return c.content().issuer
}

// Subject returns the subject name attributes, keyed like Issuer.
func (c *Certificate) Subject() map[string]string {
	return c.content().subject
}

// Export returns the full raw certificate encoded as base64.
func (c *Certificate) Export() string {
	return base64.StdEncoding.EncodeToString(c.native.Raw)
}

func (c *Certificate) content() *certFields {
	if c.fields == nil {
		sum := sha1.Sum(c.native.Raw)
		hexed := make([]string, len(sum))
		for i, b := range sum {
			hexed[i] = fmt.Sprintf("%02X", b)
		}
		c.fields = &certFields{
			fingerprint: strings.Join(hexed, ":"),
			issuer:      parseNameAttributes(c.native.RawIssuer),
			subject:     parseNameAttributes(c.native.RawSubject),
		}
	}
	return c.fields
}

// parseNameAttributes decodes a DER-encoded X.501 Name into a flat attribute
// map. Returns nil if the name does not parse.
func parseNameAttributes(raw []byte) map[string]string {
	attrs := make(map[string]string)
	der := cryptobyte.String(raw)
	var rdnSeq cryptobyte.String
	if !der.ReadASN1(&rdnSeq, casn1.SEQUENCE) {
		return nil
	}
	for !rdnSeq.Empty() {
		var set cryptobyte.String
		if !rdnSeq.ReadASN1(&set, casn1.SET) {
			return nil
		}
		for !set.Empty() {
			var atv cryptobyte.String
			if !set.ReadASN1(&atv, casn1.SEQUENCE) {
				return nil
			}
			var oid asn1.ObjectIdentifier
			if !atv.ReadASN1ObjectIdentifier(&oid) {
				return nil
			}
			var value cryptobyte.String
			var tag casn1.Tag
			if !atv.ReadAnyASN1(&value, &tag) {
				return nil
			}
			attrs[attributeName(oid)] = string(value)
		}
	}
	return attrs
}

// attributeName maps the common X.501 attribute types to their short names.
func attributeName(oid asn1.ObjectIdentifier) string {
	if len(oid) == 4 && oid[0] == 2 && oid[1] == 5 && oid[2] == 4 {
		switch oid[3] {
		case 3:
			return "CN"
		case 5:
			return "SERIALNUMBER"
		case 6:
			return "C"
		case 7:
			return "L"
		case 8:
			return "ST"
		case 10:
			return "O"
		case 11:
			return "OU"
		}
	}
	if oid.Equal(asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}) {
		return "E"
	}
	return oid.String()
}

// LoadCertificateFromFile loads a CA certificate from a PEM or DER file, for
// injection into a session's trusted roots with [Session.TrustCert].
func LoadCertificateFromFile(path string) (*Certificate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	der := raw
	for block, rest := pem.Decode(raw); block != nil; block, rest = pem.Decode(rest) {
		if block.Type == "CERTIFICATE" {
			der = block.Bytes
			break
		}
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertFailed, err)
	}
	return NewCertificate(cert, 0), nil
}
