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

// Package callcreds bridges an RPC engine's credential-plugin protocol
// to application-supplied metadata callbacks.
//
// The engine asks for call metadata from one of its own internal
// goroutines, at a moment of its choosing. The application's callback,
// however, belongs to the goroutine that issued the call. This package
// mediates between the two: each call registers a [PendingMetadata]
// slot against its [Credentials] identity, the engine's request is
// published into that slot exactly once as an [Invocation] work item,
// and the invocation either completes inline or is drained and
// completed by the owning goroutine.
//
// Registration is deliberately weak. The registry never extends the
// life of a call: once the call cancels its slot, an in-flight engine
// request observes an expired registration and drops silently. A call
// that times out or is abandoned can therefore never be resurrected by
// a late metadata request.
package callcreds

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Credentials identifies one plugin credential: an authentication
// mechanism whose metadata is computed by an application callback at
// call time rather than precomputed. The identity is unique per
// Credentials value and stable for its lifetime.
type Credentials struct {
	id string
}

// New creates a new plugin credential identity.
func New() *Credentials {
	return &Credentials{id: uuid.NewString()}
}

// ID returns the credential's unique identity string.
func (c *Credentials) ID() string {
	return c.id
}

// Digest returns the credential's contribution to a connection cache
// fingerprint, so connections carrying different plugin credentials
// never share a cache entry.
func (c *Credentials) Digest() []byte {
	return []byte(c.id)
}

// BridgeOption customizes a Bridge.
type BridgeOption interface {
	apply(*bridgeOptions)
}

// WithLogger configures the logger used by the bridge. If not
// specified, [slog.Default] is used.
func WithLogger(logger *slog.Logger) BridgeOption {
	return bridgeOptionFunc(func(opts *bridgeOptions) {
		opts.logger = logger
	})
}

type bridgeOptionFunc func(*bridgeOptions)

func (f bridgeOptionFunc) apply(opts *bridgeOptions) {
	f(opts)
}

type bridgeOptions struct {
	logger *slog.Logger
}

// Bridge routes engine metadata requests to the pending-metadata slots
// of in-flight calls. All methods are safe for concurrent use. The
// internal mutex is held only for map mutations, never across a user
// callback.
type Bridge struct {
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*PendingMetadata
}

// NewBridge returns an empty bridge.
func NewBridge(options ...BridgeOption) *Bridge {
	var opts bridgeOptions
	for _, opt := range options {
		opt.apply(&opts)
	}
	if opts.logger == nil {
		opts.logger = slog.Default()
	}
	return &Bridge{
		logger:  opts.logger,
		pending: map[string]*PendingMetadata{},
	}
}

// Register associates pm with the given credential identity,
// overwriting any prior registration for the same identity. A prior
// entry can only be stale: each call registers a fresh slot before the
// engine can ask for its metadata.
func (b *Bridge) Register(cred *Credentials, pm *PendingMetadata) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[cred.id] = pm
}

// Deregister removes the registration for cred, if any, and reports
// whether one existed. Calls use this on teardown paths that never
// reached the engine.
func (b *Bridge) Deregister(cred *Credentials) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, existed := b.pending[cred.id]
	delete(b.pending, cred.id)
	return existed
}

// take consumes the registration for cred. A cancelled slot counts as
// absent: the call has already been torn down.
func (b *Bridge) take(cred *Credentials) (*PendingMetadata, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pm, ok := b.pending[cred.id]
	if !ok {
		return nil, false
	}
	delete(b.pending, cred.id)
	if pm.cancelled() {
		return nil, false
	}
	return pm, true
}

// OnMetadataRequest is the engine-side entry point, invoked from an
// arbitrary engine goroutine when metadata is needed for an outbound
// call using cred. It consumes the credential's registration and
// publishes a single invocation into the call's slot:
//
//   - If the slot was registered for inline completion, the user
//     callback runs synchronously here and the result is delivered to
//     deliver before returning.
//   - Otherwise a deferred invocation carrying info and deliver is
//     published, and the owning goroutine is responsible for draining
//     it via [FetchMetadataNow].
//
// If the registration is absent or already cancelled, the request is
// dropped and OnMetadataRequest reports false. That is a lost race
// with call teardown, not an error.
func (b *Bridge) OnMetadataRequest(cred *Credentials, info RequestInfo, deliver DeliverFunc) bool {
	pm, ok := b.take(cred)
	if !ok {
		b.logger.Debug("metadata request for expired call dropped",
			slog.String("credential", cred.id),
			slog.String("service_url", info.ServiceURL))
		return false
	}
	inv := &Invocation{info: info, deliver: deliver}
	if cb := pm.inlineCallback; cb != nil {
		inv.mode = ModeInline
		inv.md, inv.code = inv.run(cb)
	} else {
		inv.mode = ModeDeferred
	}
	pm.publish(inv)
	return true
}
