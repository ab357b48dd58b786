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

// Package engine defines the capability that the connection cache
// consumes from an underlying RPC engine. The cache does not care how
// connections are established or what rides over them; it only needs
// to create them, close them, and hold them by an opaque handle.
//
// The [github.com/grpcutil/chancache/engine/grpcengine] package provides
// the implementation over google.golang.org/grpc.
package engine

import (
	"context"

	"github.com/grpcutil/chancache/argkey"
)

// Conn is an opaque handle to a live outbound connection owned by the
// underlying engine.
type Conn interface {
	// Target returns the target address this connection was created for.
	Target() string
	// Close tears down the underlying connection. The handle must not
	// be used afterwards.
	Close() error
}

// Credential is a connection-level security configuration. Its digest
// contributes to the cache fingerprint so that connections with
// different credentials never share a cache entry.
type Credential interface {
	// Digest returns a stable identity digest for this credential.
	Digest() []byte
}

// Engine creates connections on behalf of the cache. Implementations
// must be safe for concurrent use; the cache deliberately calls
// CreateConnection without holding any lock, so several connections
// for the same configuration may be under construction at once.
type Engine interface {
	// CreateConnection establishes a new connection to target using the
	// given canonicalized arguments. cred may be nil for insecure
	// connections. The returned handle is owned by the caller until it
	// is handed to the cache.
	CreateConnection(ctx context.Context, target string, args []argkey.Arg, cred Credential) (Conn, error)
}
