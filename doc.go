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

// Package chancache caches outbound RPC connections by configuration
// fingerprint, so repeated requests for the same target and argument
// set share one underlying connection instead of creating redundant
// ones.
//
// A connection request canonicalizes its argument set (see
// [github.com/grpcutil/chancache/argkey]), folds the target address and
// credential identity into a fingerprint, and then asks the cache to
// reuse-or-create. Lookups run under a shared lock; connection
// construction runs outside any lock, and racing creators reconcile so
// exactly one connection remains registered per fingerprint.
//
// The sibling package [github.com/grpcutil/chancache/callcreds] handles
// the other half of the client binding: routing the engine's
// credential-metadata requests to application callbacks without letting
// an abandoned call be resurrected.
//
// Basic usage:
//
//	cache := chancache.New(grpcengine.New())
//	defer cache.Close()
//
//	channel, err := cache.GetOrCreate(ctx, "dns:///svc.local:50051", []argkey.Arg{
//		argkey.String("grpc.default_authority", "svc.local"),
//		argkey.Int("grpc.max_receive_message_length", 1<<24),
//	}, nil, false)
//
// A second GetOrCreate with the same target and a set-equal argument
// list, in any order, returns a handle to the same connection.
package chancache
