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

package callcreds

import (
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
)

// invokeCallback runs the user callback and classifies its result:
//
//   - error or a result that is not map-shaped: codes.Unknown, no
//     entries;
//   - map-shaped result with entries that do not form valid metadata:
//     codes.InvalidArgument, no entries;
//   - otherwise codes.OK with the converted metadata.
//
// Failures are call-level statuses, never process failures.
func invokeCallback(callback MetadataCallback, info RequestInfo) (metadata.MD, codes.Code) {
	result, err := callback(info)
	if err != nil || result == nil {
		return nil, codes.Unknown
	}
	entries, ok := coerceEntries(result)
	if !ok {
		return nil, codes.Unknown
	}
	md, ok := toMetadata(entries)
	if !ok {
		return nil, codes.InvalidArgument
	}
	return md, codes.OK
}

// coerceEntries accepts the map shapes a callback may return.
func coerceEntries(result any) (map[string][]string, bool) {
	switch v := result.(type) {
	case metadata.MD:
		return v, true
	case map[string][]string:
		return v, true
	case map[string]string:
		entries := make(map[string][]string, len(v))
		for key, value := range v {
			entries[key] = []string{value}
		}
		return entries, true
	default:
		return nil, false
	}
}

// toMetadata validates entries against gRPC metadata rules and builds
// the engine's representation. Keys are lowercased; an empty key, a
// key with characters outside [a-z0-9-_.], or a non-binary value with
// bytes outside the printable ASCII range rejects the whole set.
func toMetadata(entries map[string][]string) (metadata.MD, bool) {
	md := make(metadata.MD, len(entries))
	for key, values := range entries {
		key = strings.ToLower(key)
		if !validKey(key) {
			return nil, false
		}
		if !strings.HasSuffix(key, "-bin") {
			for _, value := range values {
				if !validTextValue(value) {
					return nil, false
				}
			}
		}
		md[key] = append(md[key], values...)
	}
	return md, true
}

func validKey(key string) bool {
	if key == "" {
		return false
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return false
		}
	}
	return true
}

func validTextValue(value string) bool {
	for i := 0; i < len(value); i++ {
		if value[i] < 0x20 || value[i] > 0x7e {
			return false
		}
	}
	return true
}
