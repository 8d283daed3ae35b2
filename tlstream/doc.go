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
Package tlstream adapts a callback-driven TLS engine to the pull-stream
world: it makes an encrypted connection look like two independent
[pullstream.Stream] faces, one producing ciphertext for the wire
([EncryptStream]) and one producing plaintext for the application
([DecryptStream]), while internally running the handshake state machine
and enforcing a certificate-trust policy.

Both adapters share one [Session], which owns the TLS [Engine] handle and
a pending buffer per direction. The engine never touches the network: it
pulls and pushes raw bytes through the session's [Transport] bridge, which
in turn reads from the caller-supplied source streams. Everything is
cooperative and non-blocking; whenever a source has no data, the status
propagates as [pullstream.ErrWouldBlock] and the caller retries once more
network data has arrived.

Certificate trust is never resolved by the engine alone. The handshake
pauses right before the peer certificate would be accepted or rejected,
and the session's validation policy decides: silently (adapter-managed
modes), interactively through a [Confirmer], or by delegating to an
application callback registered with [Session.SetServerCertCallback].

The [github.com/wireliner/streamtls/tlstream/stdtls] package provides the
[Engine] implementation backed by crypto/tls.
*/
package tlstream
