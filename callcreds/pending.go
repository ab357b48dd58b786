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
	"context"
	"errors"
	"sync/atomic"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
)

// RequestInfo describes the outbound call the engine wants metadata
// for. It is handed to the application's metadata callback.
type RequestInfo struct {
	// ServiceURL is the fully qualified URL of the service being called.
	ServiceURL string
	// Method is the name of the method being called.
	Method string
}

// MetadataCallback is the application-supplied function that computes
// call metadata. The returned value must be map-shaped (metadata.MD,
// map[string][]string, or map[string]string); anything else is treated
// as a failed callback. Returning an error is equivalent to returning
// no usable value.
type MetadataCallback func(RequestInfo) (any, error)

// DeliverFunc hands the converted metadata and its status code back to
// the waiting engine. On any code other than codes.OK the metadata is
// empty.
type DeliverFunc func(md metadata.MD, code codes.Code)

// Mode records how an invocation was (or will be) completed.
type Mode int

const (
	// ModeInline means the user callback already ran, synchronously,
	// inside the engine's metadata request; the invocation carries the
	// result and the engine has been answered.
	ModeInline Mode = iota + 1
	// ModeDeferred means no user code has run yet. The owning goroutine
	// must drain the invocation and complete it.
	ModeDeferred
)

// Invocation is the work item published into a call's pending-metadata
// slot. Exactly one invocation is published per slot. Whether it was
// completed inline or must be completed by the owner, the completion
// path is the same: run the user callback, convert its result, and
// deliver to the engine.
type Invocation struct {
	mode    Mode
	info    RequestInfo
	deliver DeliverFunc
	md      metadata.MD
	code    codes.Code
	done    atomic.Bool
}

// Mode reports how this invocation completes.
func (inv *Invocation) Mode() Mode {
	return inv.mode
}

// Info returns the request the engine wants metadata for.
func (inv *Invocation) Info() RequestInfo {
	return inv.info
}

// Result returns the converted metadata and status of an invocation
// that has already completed. For a deferred invocation it is only
// meaningful after Complete.
func (inv *Invocation) Result() (metadata.MD, codes.Code) {
	return inv.md, inv.code
}

// Complete runs the user callback for a deferred invocation, converts
// its result, delivers it to the engine, and returns it. Completing an
// invocation twice panics: each invocation answers the engine exactly
// once.
func (inv *Invocation) Complete(callback MetadataCallback) (metadata.MD, codes.Code) {
	inv.md, inv.code = inv.run(callback)
	return inv.md, inv.code
}

// run executes the callback, converts the result, and delivers it.
func (inv *Invocation) run(callback MetadataCallback) (metadata.MD, codes.Code) {
	if !inv.done.CompareAndSwap(false, true) {
		panic("callcreds: invocation completed twice")
	}
	md, code := invokeCallback(callback, inv.info)
	if inv.deliver != nil {
		inv.deliver(md, code)
	}
	return md, code
}

// PendingMetadata is a call's one-shot metadata slot. It is owned by
// the call: the call creates it, registers it with the bridge, drains
// it (or times out), and cancels it on teardown. The bridge only ever
// observes it weakly through its registration.
//
// The slot is set exactly once. A second publish is a programming
// error and panics.
type PendingMetadata struct {
	slot           chan *Invocation
	published      atomic.Bool
	dead           atomic.Bool
	inlineCallback MetadataCallback
}

// NewPending returns a slot whose invocation will be deferred: the
// engine's request is published unexecuted, and the owning goroutine
// completes it via FetchMetadataNow.
func NewPending() *PendingMetadata {
	return &PendingMetadata{slot: make(chan *Invocation, 1)}
}

// NewPendingInline returns a slot registered for inline completion:
// the engine's request runs callback synchronously on whatever
// goroutine the request arrives on, and the published invocation
// carries the finished result. Use this only when callback is safe to
// run anywhere.
func NewPendingInline(callback MetadataCallback) *PendingMetadata {
	return &PendingMetadata{slot: make(chan *Invocation, 1), inlineCallback: callback}
}

// publish sets the one-shot slot. The single-assignment contract is
// load-bearing: two publishes would mean two engine requests were
// routed to one call.
func (pm *PendingMetadata) publish(inv *Invocation) {
	if !pm.published.CompareAndSwap(false, true) {
		panic("callcreds: pending metadata slot set twice")
	}
	pm.slot <- inv
}

// Wait blocks until the engine publishes an invocation or ctx is done.
// The call's deadline bounds the wait; a slot that is never set (the
// call was abandoned before the engine asked for metadata) does not
// block forever.
func (pm *PendingMetadata) Wait(ctx context.Context) (*Invocation, error) {
	select {
	case inv := <-pm.slot:
		return inv, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryTake returns the published invocation without blocking, if any.
func (pm *PendingMetadata) TryTake() (*Invocation, bool) {
	select {
	case inv := <-pm.slot:
		return inv, true
	default:
		return nil, false
	}
}

// Cancel invalidates the slot. Any engine request that has not yet
// consumed the registration will observe it as expired and drop
// silently. Cancel is idempotent and safe to race with
// OnMetadataRequest.
func (pm *PendingMetadata) Cancel() {
	pm.dead.Store(true)
}

func (pm *PendingMetadata) cancelled() bool {
	return pm.dead.Load()
}

// FetchMetadataNow drains the call's slot and produces the metadata
// for the in-flight request. For a deferred invocation it runs
// callback on the calling goroutine, delivers the result to the
// engine, and returns it. For an invocation completed inline it simply
// returns the already-delivered result. The ctx bounds the wait for
// the engine's request.
func FetchMetadataNow(ctx context.Context, pm *PendingMetadata, callback MetadataCallback) (metadata.MD, codes.Code, error) {
	inv, err := pm.Wait(ctx)
	if err != nil {
		pm.Cancel()
		code := codes.DeadlineExceeded
		if errors.Is(err, context.Canceled) {
			code = codes.Canceled
		}
		return nil, code, err
	}
	if inv.mode == ModeInline {
		md, code := inv.Result()
		return md, code, nil
	}
	md, code := inv.Complete(callback)
	return md, code, nil
}
