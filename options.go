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
	"log/slog"
	"time"

	"github.com/grpcutil/chancache/internal"
)

// CacheOption is an option used to customize the behavior of a Cache.
type CacheOption interface {
	apply(*cacheOptions)
}

// WithLogger configures the logger used for cache diagnostics. If not
// specified, [slog.Default] is used.
func WithLogger(logger *slog.Logger) CacheOption {
	return cacheOptionFunc(func(opts *cacheOptions) {
		opts.logger = logger
	})
}

// WithIdleTimeout enables background eviction of connections that have
// not been requested for the given duration. If zero or no
// WithIdleTimeout option is used, cached connections are kept until
// explicitly removed or the cache is closed.
func WithIdleTimeout(duration time.Duration) CacheOption {
	return cacheOptionFunc(func(opts *cacheOptions) {
		opts.idleTimeout = duration
	})
}

// withClock overrides the cache's clock. Used by tests to drive the
// idle sweeper with a fake clock.
func withClock(clock internal.Clock) CacheOption {
	return cacheOptionFunc(func(opts *cacheOptions) {
		opts.clock = clock
	})
}

type cacheOptionFunc func(*cacheOptions)

func (f cacheOptionFunc) apply(opts *cacheOptions) {
	f(opts)
}

type cacheOptions struct {
	logger      *slog.Logger
	clock       internal.Clock
	idleTimeout time.Duration
}

func (opts *cacheOptions) applyDefaults() {
	if opts.logger == nil {
		opts.logger = slog.Default()
	}
	if opts.clock == nil {
		opts.clock = internal.NewRealClock()
	}
}
