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
	"crypto/tls"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultSessionCacheCapacity = 64

// lruSessionCache is a capacity-bounded tls.ClientSessionCache keyed by
// server name, evicting the least recently used entry.
type lruSessionCache struct {
	cache *lru.Cache[string, *tls.ClientSessionState]
}

var _ tls.ClientSessionCache = (*lruSessionCache)(nil)

// NewLRUClientSessionCache returns a session cache for TLS session
// resumption, holding at most capacity entries. A non-positive capacity
// selects a reasonable default. Use it with [WithSessionCache].
func NewLRUClientSessionCache(capacity int) tls.ClientSessionCache {
	if capacity <= 0 {
		capacity = defaultSessionCacheCapacity
	}
	cache, _ := lru.New[string, *tls.ClientSessionState](capacity)
	return &lruSessionCache{cache: cache}
}

func (c *lruSessionCache) Put(sessionKey string, cs *tls.ClientSessionState) {
	if cs == nil {
		c.cache.Remove(sessionKey)
		return
	}
	c.cache.Add(sessionKey, cs)
}

func (c *lruSessionCache) Get(sessionKey string) (*tls.ClientSessionState, bool) {
	return c.cache.Get(sessionKey)
}
