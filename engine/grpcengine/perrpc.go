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
	"strings"

	"github.com/grpcutil/chancache/callcreds"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// PerRPC adapts a plugin credential to gRPC's per-RPC credentials
// hook. When gRPC asks for request metadata, the request is routed
// through the bridge to the pending-metadata slot the call registered;
// the answer comes back either inline or once the owning goroutine
// drains the slot.
type PerRPC struct {
	bridge *callcreds.Bridge
	cred   *callcreds.Credentials
	secure bool
}

var _ credentials.PerRPCCredentials = (*PerRPC)(nil)

// NewPerRPC returns per-RPC credentials for cred routed through
// bridge. requireTransportSecurity reports whether the metadata may
// only travel over a secure connection.
func NewPerRPC(bridge *callcreds.Bridge, cred *callcreds.Credentials, requireTransportSecurity bool) *PerRPC {
	return &PerRPC{bridge: bridge, cred: cred, secure: requireTransportSecurity}
}

type perRPCResult struct {
	md   metadata.MD
	code codes.Code
}

// GetRequestMetadata implements credentials.PerRPCCredentials.
func (p *PerRPC) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	info := callcreds.RequestInfo{}
	if len(uri) > 0 {
		info.ServiceURL = uri[0]
	}
	if requestInfo, ok := credentials.RequestInfoFromContext(ctx); ok {
		info.Method = requestInfo.Method
	}

	resultChan := make(chan perRPCResult, 1)
	handled := p.bridge.OnMetadataRequest(p.cred, info, func(md metadata.MD, code codes.Code) {
		resultChan <- perRPCResult{md: md, code: code}
	})
	if !handled {
		// The call was torn down before the engine asked for metadata.
		return nil, status.Error(codes.Canceled, "call credentials no longer pending")
	}
	select {
	case result := <-resultChan:
		if result.code != codes.OK {
			return nil, status.Error(result.code, "call credentials callback failed")
		}
		return flatten(result.md), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RequireTransportSecurity implements credentials.PerRPCCredentials.
func (p *PerRPC) RequireTransportSecurity() bool {
	return p.secure
}

func flatten(md metadata.MD) map[string]string {
	flat := make(map[string]string, len(md))
	for key, values := range md {
		flat[key] = strings.Join(values, ",")
	}
	return flat
}
