// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package chancache

import (
	"sync/atomic"

	"github.com/grpcutil/chancache/argkey"
	"github.com/grpcutil/chancache/engine"
)

// Channel is a caller-facing handle to a cached connection. Many
// channels may refer to the same underlying connection; the connection
// itself is owned by the cache and stays alive until it is removed
// from the cache or the cache is closed.
type Channel struct {
	fingerprint argkey.Fingerprint
	conn        engine.Conn
	closed      atomic.Bool
}

func newChannel(fingerprint argkey.Fingerprint, conn engine.Conn) *Channel {
	return &Channel{fingerprint: fingerprint, conn: conn}
}

// Fingerprint returns the fingerprint the connection is cached under.
func (ch *Channel) Fingerprint() argkey.Fingerprint {
	return ch.fingerprint
}

// Target returns the target address of the underlying connection, or
// ErrChannelClosed if the handle was closed.
func (ch *Channel) Target() (string, error) {
	if ch.closed.Load() {
		return "", ErrChannelClosed
	}
	return ch.conn.Target(), nil
}

// Conn returns the underlying engine connection, or ErrChannelClosed
// if the handle was closed.
func (ch *Channel) Conn() (engine.Conn, error) {
	if ch.closed.Load() {
		return nil, ErrChannelClosed
	}
	return ch.conn, nil
}

// Close releases the handle. The underlying connection is not torn
// down; it remains cached for other callers. Closing an already-closed
// handle returns ErrChannelClosed.
func (ch *Channel) Close() error {
	if !ch.closed.CompareAndSwap(false, true) {
		return ErrChannelClosed
	}
	return nil
}
