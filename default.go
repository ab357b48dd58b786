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
	"sync"

	"github.com/grpcutil/chancache/engine/grpcengine"
)

//nolint:gochecknoglobals
var (
	defaultOnce  sync.Once
	defaultCache *Cache
)

// Default returns the process-wide cache, constructing it lazily over
// a gRPC engine on first use. It exists for callers that want the
// classic "same configuration, same connection" behavior without
// plumbing a cache through their program; everything else should
// construct a Cache with New and inject it.
func Default() *Cache {
	defaultOnce.Do(func() {
		defaultCache = New(grpcengine.New())
	})
	return defaultCache
}

// CloseDefault tears down the process-wide cache, destroying every
// connection it still holds. Intended for process exit; the default
// cache is unusable afterwards.
func CloseDefault() error {
	return Default().Close()
}
