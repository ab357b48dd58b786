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

package grpcengine

import (
	"context"
	"testing"

	"github.com/grpcutil/chancache/argkey"
	"github.com/grpcutil/chancache/callcreds"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestCreateConnection(t *testing.T) {
	t.Parallel()

	eng := New()
	conn, err := eng.CreateConnection(context.Background(), "dns:///svc.local:50051", []argkey.Arg{
		argkey.String(KeyDefaultAuthority, "svc.local"),
		argkey.Int(KeyMaxRecvMsgSize, 1<<24),
		argkey.Int(KeyMaxSendMsgSize, 1<<20),
		argkey.Int(KeyKeepaliveTimeMs, 30_000),
		argkey.Int(KeyKeepaliveTimeout, 10_000),
		// Unknown keys fingerprint but have no dial-time effect.
		argkey.String("custom.tag", "payments"),
	}, nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "dns:///svc.local:50051", conn.Target())
	assert.NotNil(t, ClientConn(conn))
}

func TestCreateConnectionCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().CreateConnection(ctx, "dns:///svc.local:50051", nil, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestCreateConnectionBadTarget(t *testing.T) {
	t.Parallel()

	_, err := New().CreateConnection(context.Background(), "dns:///svc.local:50051/%zz", nil, nil)
	require.Error(t, err)
}

func TestClientConnForeignHandle(t *testing.T) {
	t.Parallel()

	assert.Nil(t, ClientConn(nil))
}

func TestPerRPCMetadata(t *testing.T) {
	t.Parallel()

	bridge := callcreds.NewBridge()
	cred := callcreds.New()
	pm := callcreds.NewPendingInline(func(info callcreds.RequestInfo) (any, error) {
		assert.Equal(t, "https://svc.local/echo.Echo", info.ServiceURL)
		return map[string]string{"authorization": "bearer tok"}, nil
	})
	bridge.Register(cred, pm)

	perRPC := NewPerRPC(bridge, cred, false)
	md, err := perRPC.GetRequestMetadata(context.Background(), "https://svc.local/echo.Echo")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"authorization": "bearer tok"}, md)
	assert.False(t, perRPC.RequireTransportSecurity())
}

func TestPerRPCMetadataCallbackFailure(t *testing.T) {
	t.Parallel()

	bridge := callcreds.NewBridge()
	cred := callcreds.New()
	bridge.Register(cred, callcreds.NewPendingInline(func(callcreds.RequestInfo) (any, error) {
		return "not metadata", nil
	}))

	_, err := NewPerRPC(bridge, cred, true).GetRequestMetadata(context.Background(), "https://svc.local/echo.Echo")
	require.Error(t, err)
	assert.Equal(t, codes.Unknown, status.Code(err))
}

func TestPerRPCMetadataCancelledCall(t *testing.T) {
	t.Parallel()

	bridge := callcreds.NewBridge()
	cred := callcreds.New()
	pm := callcreds.NewPending()
	bridge.Register(cred, pm)
	pm.Cancel()

	_, err := NewPerRPC(bridge, cred, false).GetRequestMetadata(context.Background(), "https://svc.local/echo.Echo")
	require.Error(t, err)
	assert.Equal(t, codes.Canceled, status.Code(err))
}

func TestPerRPCFlattensMultiValues(t *testing.T) {
	t.Parallel()

	bridge := callcreds.NewBridge()
	cred := callcreds.New()
	bridge.Register(cred, callcreds.NewPendingInline(func(callcreds.RequestInfo) (any, error) {
		return map[string][]string{"x-tags": {"a", "b"}}, nil
	}))

	md, err := NewPerRPC(bridge, cred, false).GetRequestMetadata(context.Background(), "https://svc.local/echo.Echo")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"x-tags": "a,b"}, md)
}
