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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/grpcutil/chancache/argkey"
	"github.com/grpcutil/chancache/engine"
	"github.com/grpcutil/chancache/internal"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrCacheClosed is returned for operations on a cache that has been
	// closed.
	ErrCacheClosed = errors.New("chancache: cache closed")
	// ErrChannelClosed is returned for operations on a channel handle
	// that was already closed. The operation is a usage error and is not
	// retried.
	ErrChannelClosed = errors.New("chancache: channel already closed")
)

// entry owns exactly one live engine connection. At most one entry
// exists per fingerprint at any time.
type entry struct {
	conn     engine.Conn
	lastUsed atomic.Int64 // unix nanos, refreshed on every cache hit
}

func (e *entry) touch(clock internal.Clock) {
	e.lastUsed.Store(clock.Now().UnixNano())
}

// Cache is a registry of live connections keyed by configuration
// fingerprint. All methods are safe for unbounded concurrent callers.
//
// Lookups take a shared lock; insert, remove, and teardown take the
// exclusive lock. Connection construction itself happens outside any
// lock so a slow connect never blocks unrelated lookups; concurrent
// creators racing on one fingerprint reconcile at insert time so
// exactly one handle remains registered.
type Cache struct {
	engine      engine.Engine
	logger      *slog.Logger
	clock       internal.Clock
	idleTimeout time.Duration

	mu      sync.RWMutex
	entries map[argkey.Fingerprint]*entry
	closed  bool

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// New returns a cache that builds connections with eng.
func New(eng engine.Engine, options ...CacheOption) *Cache {
	var opts cacheOptions
	for _, opt := range options {
		opt.apply(&opts)
	}
	opts.applyDefaults()
	cache := &Cache{
		engine:      eng,
		logger:      opts.logger,
		clock:       opts.clock,
		idleTimeout: opts.idleTimeout,
		entries:     map[argkey.Fingerprint]*entry{},
	}
	if cache.idleTimeout > 0 {
		cache.sweepStop = make(chan struct{})
		cache.sweepDone = make(chan struct{})
		go cache.sweep()
	}
	return cache
}

// GetOrCreate returns the cached connection for the given target,
// argument set, and credential, creating it on first use. Two requests
// with set-equal arguments share one connection regardless of argument
// order.
//
// With forceNew, a fresh connection is created under its own unique
// fingerprint. Forced connections never share a cache entry, so
// removing one cannot pull a connection out from under another caller.
//
// The argument set is validated before anything else; an invalid set
// fails the request without touching the cache.
func (c *Cache) GetOrCreate(
	ctx context.Context,
	target string,
	args []argkey.Arg,
	cred engine.Credential,
	forceNew bool,
) (*Channel, error) {
	canon, err := argkey.Canonicalize(args)
	if err != nil {
		return nil, err
	}
	var credDigest []byte
	if cred != nil {
		credDigest = cred.Digest()
	}
	if forceNew {
		// A per-request nonce keeps forced connections off every shared
		// fingerprint.
		credDigest = append(credDigest, uuid.NewString()...)
	}
	fingerprint := argkey.Compute(target, canon, credDigest)

	if !forceNew {
		c.mu.RLock()
		if c.closed {
			c.mu.RUnlock()
			return nil, ErrCacheClosed
		}
		if existing, ok := c.entries[fingerprint]; ok {
			existing.touch(c.clock)
			c.mu.RUnlock()
			c.logger.Debug("reusing cached connection",
				slog.String("target", target),
				slog.String("fingerprint", fingerprint.String()))
			return newChannel(fingerprint, existing.conn), nil
		}
		c.mu.RUnlock()
	}

	// Deliberately unlocked: multiple callers may race here and each
	// build a connection; the insert below keeps exactly one.
	conn, err := c.engine.CreateConnection(ctx, target, args, cred)
	if err != nil {
		return nil, fmt.Errorf("chancache: create connection to %q: %w", target, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		closeErr := conn.Close()
		return nil, errors.Join(ErrCacheClosed, closeErr)
	}
	if winner, ok := c.entries[fingerprint]; ok {
		winner.touch(c.clock)
		c.mu.Unlock()
		// Lost the creation race: discard ours, adopt the registered one.
		if closeErr := conn.Close(); closeErr != nil {
			c.logger.Debug("closing redundant connection failed",
				slog.String("target", target),
				slog.Any("error", closeErr))
		}
		return newChannel(fingerprint, winner.conn), nil
	}
	registered := &entry{conn: conn}
	registered.touch(c.clock)
	c.entries[fingerprint] = registered
	c.mu.Unlock()
	c.logger.Debug("created connection",
		slog.String("target", target),
		slog.String("fingerprint", fingerprint.String()),
		slog.Bool("force_new", forceNew))
	return newChannel(fingerprint, conn), nil
}

// Remove destroys and removes the entry for the given fingerprint,
// reporting whether one existed. Callers must not retain references to
// the connection after Remove returns true.
func (c *Cache) Remove(fingerprint argkey.Fingerprint) bool {
	c.mu.Lock()
	removed, ok := c.entries[fingerprint]
	if ok {
		delete(c.entries, fingerprint)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	if err := removed.conn.Close(); err != nil {
		c.logger.Debug("closing removed connection failed",
			slog.String("fingerprint", fingerprint.String()),
			slog.Any("error", err))
	}
	return true
}

// Detach removes the entry for the given fingerprint without closing
// its connection, transferring ownership to the caller. The cache will
// never touch a detached connection again.
func (c *Cache) Detach(fingerprint argkey.Fingerprint) (engine.Conn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	detached, ok := c.entries[fingerprint]
	if !ok {
		return nil, false
	}
	delete(c.entries, fingerprint)
	return detached.conn, true
}

// Len returns the number of live entries. Diagnostics only; the value
// may be stale by the time it is observed.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close destroys every remaining connection and clears the registry.
// It is idempotent. The first close error, if any, is returned, but
// all connections are closed regardless.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	remaining := c.entries
	c.entries = map[argkey.Fingerprint]*entry{}
	c.mu.Unlock()

	if c.sweepStop != nil {
		close(c.sweepStop)
		<-c.sweepDone
	}

	var group errgroup.Group
	for _, doomed := range remaining {
		group.Go(doomed.conn.Close)
	}
	return group.Wait()
}

func (c *Cache) sweep() {
	defer close(c.sweepDone)
	ticker := c.clock.NewTicker(c.idleTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-c.sweepStop:
			return
		case <-ticker.Chan():
			c.evictIdle()
		}
	}
}

func (c *Cache) evictIdle() {
	var idle []*entry
	c.mu.Lock()
	for fingerprint, candidate := range c.entries {
		if c.clock.Now().UnixNano()-candidate.lastUsed.Load() >= int64(c.idleTimeout) {
			delete(c.entries, fingerprint)
			idle = append(idle, candidate)
			c.logger.Debug("evicting idle connection",
				slog.String("fingerprint", fingerprint.String()))
		}
	}
	c.mu.Unlock()
	for _, evicted := range idle {
		if err := evicted.conn.Close(); err != nil {
			c.logger.Debug("closing idle connection failed", slog.Any("error", err))
		}
	}
}
