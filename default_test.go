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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCache(t *testing.T) {
	// Not parallel: exercises the process-wide cache.
	assert.Same(t, Default(), Default())

	// The gRPC engine dials lazily, so no backend is needed.
	channel, err := Default().GetOrCreate(context.Background(), "dns:///svc.local:50051", nil, nil, false)
	require.NoError(t, err)
	target, err := channel.Target()
	require.NoError(t, err)
	assert.Equal(t, "dns:///svc.local:50051", target)

	require.NoError(t, CloseDefault())
	_, err = Default().GetOrCreate(context.Background(), "dns:///svc.local:50051", nil, nil, false)
	require.ErrorIs(t, err, ErrCacheClosed)
}
