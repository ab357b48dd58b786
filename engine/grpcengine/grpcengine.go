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

// Package grpcengine implements the engine capability over
// google.golang.org/grpc. Connections are [grpc.ClientConn] values,
// created lazily; a small set of well-known argument keys maps onto
// the corresponding dial options, and unknown keys are ignored so that
// argument sets tuned for other engines still fingerprint and connect.
package grpcengine

import (
	"context"
	"time"

	"github.com/grpcutil/chancache/argkey"
	"github.com/grpcutil/chancache/engine"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// Argument keys recognized by CreateConnection.
const (
	KeyDefaultAuthority = "grpc.default_authority"
	KeyMaxRecvMsgSize   = "grpc.max_receive_message_length"
	KeyMaxSendMsgSize   = "grpc.max_send_message_length"
	KeyKeepaliveTimeMs  = "grpc.keepalive_time_ms"
	KeyKeepaliveTimeout = "grpc.keepalive_timeout_ms"
)

// Option customizes an Engine.
type Option interface {
	apply(*engineOptions)
}

// WithDialOptions appends extra dial options applied to every
// connection the engine creates, after the options derived from the
// argument set.
func WithDialOptions(dialOpts ...grpc.DialOption) Option {
	return optionFunc(func(opts *engineOptions) {
		opts.dialOpts = append(opts.dialOpts, dialOpts...)
	})
}

type optionFunc func(*engineOptions)

func (f optionFunc) apply(opts *engineOptions) {
	f(opts)
}

type engineOptions struct {
	dialOpts []grpc.DialOption
}

// Engine creates gRPC client connections.
type Engine struct {
	dialOpts []grpc.DialOption
}

var _ engine.Engine = (*Engine)(nil)

// New returns a gRPC-backed engine.
func New(options ...Option) *Engine {
	var opts engineOptions
	for _, opt := range options {
		opt.apply(&opts)
	}
	return &Engine{dialOpts: opts.dialOpts}
}

// CreateConnection builds a client connection to target. cred may be a
// [*TransportCredentials]; any other (or nil) credential yields an
// insecure connection. The connection dials lazily, so construction
// succeeds without the backend being reachable.
func (e *Engine) CreateConnection(
	ctx context.Context,
	target string,
	args []argkey.Arg,
	cred engine.Credential,
) (engine.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dialOpts := make([]grpc.DialOption, 0, len(args)+len(e.dialOpts)+1)
	if transport, ok := cred.(*TransportCredentials); ok {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(transport.creds))
	} else {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	dialOpts = append(dialOpts, optionsFromArgs(args)...)
	dialOpts = append(dialOpts, e.dialOpts...)
	clientConn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, err
	}
	return &conn{clientConn: clientConn, target: target}, nil
}

func optionsFromArgs(args []argkey.Arg) []grpc.DialOption {
	var dialOpts []grpc.DialOption
	var keepaliveParams keepalive.ClientParameters
	var hasKeepalive bool
	for _, arg := range args {
		switch arg.Key {
		case KeyDefaultAuthority:
			dialOpts = append(dialOpts, grpc.WithAuthority(arg.Value()))
		case KeyMaxRecvMsgSize:
			if size, ok := arg.Int64(); ok {
				dialOpts = append(dialOpts, grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(int(size))))
			}
		case KeyMaxSendMsgSize:
			if size, ok := arg.Int64(); ok {
				dialOpts = append(dialOpts, grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(int(size))))
			}
		case KeyKeepaliveTimeMs:
			if millis, ok := arg.Int64(); ok {
				keepaliveParams.Time = time.Duration(millis) * time.Millisecond
				hasKeepalive = true
			}
		case KeyKeepaliveTimeout:
			if millis, ok := arg.Int64(); ok {
				keepaliveParams.Timeout = time.Duration(millis) * time.Millisecond
				hasKeepalive = true
			}
		default:
			// Unknown keys still participate in the fingerprint; they
			// just have no dial-time effect here.
		}
	}
	if hasKeepalive {
		dialOpts = append(dialOpts, grpc.WithKeepaliveParams(keepaliveParams))
	}
	return dialOpts
}

type conn struct {
	clientConn *grpc.ClientConn
	target     string
}

var _ engine.Conn = (*conn)(nil)

func (c *conn) Target() string {
	return c.target
}

func (c *conn) Close() error {
	return c.clientConn.Close()
}

// ClientConn exposes the underlying gRPC connection of an engine conn
// so callers can issue RPCs over it. It returns nil if conn was not
// created by this engine.
func ClientConn(engineConn engine.Conn) *grpc.ClientConn {
	if c, ok := engineConn.(*conn); ok {
		return c.clientConn
	}
	return nil
}

// TransportCredentials wraps gRPC transport credentials together with
// a stable identity digest, so connections secured differently never
// share a cache fingerprint.
type TransportCredentials struct {
	creds  credentials.TransportCredentials
	digest []byte
}

var _ engine.Credential = (*TransportCredentials)(nil)

// NewTransportCredentials wraps creds under the given identity digest.
// The digest must be stable for the credential configuration it
// represents; two distinct configurations must not share a digest.
func NewTransportCredentials(creds credentials.TransportCredentials, digest []byte) *TransportCredentials {
	return &TransportCredentials{creds: creds, digest: digest}
}

// Digest returns the credential identity digest.
func (t *TransportCredentials) Digest() []byte {
	return t.digest
}
