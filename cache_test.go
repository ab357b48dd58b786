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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grpcutil/chancache/argkey"
	"github.com/grpcutil/chancache/engine"
	"github.com/grpcutil/chancache/internal/clocktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type fakeConn struct {
	target string
	closed atomic.Bool
}

func (c *fakeConn) Target() string {
	return c.target
}

func (c *fakeConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return errors.New("fake conn closed twice")
	}
	return nil
}

type fakeEngine struct {
	mu       sync.Mutex
	created  []*fakeConn
	inFlight atomic.Int32
	gate     chan struct{} // when non-nil, creations block until closed
	failWith error
}

func (e *fakeEngine) CreateConnection(
	_ context.Context,
	target string,
	_ []argkey.Arg,
	_ engine.Credential,
) (engine.Conn, error) {
	e.inFlight.Add(1)
	defer e.inFlight.Add(-1)
	if e.gate != nil {
		<-e.gate
	}
	if e.failWith != nil {
		return nil, e.failWith
	}
	conn := &fakeConn{target: target}
	e.mu.Lock()
	e.created = append(e.created, conn)
	e.mu.Unlock()
	return conn, nil
}

func (e *fakeEngine) numCreated() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.created)
}

func (e *fakeEngine) numClosed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	var closed int
	for _, conn := range e.created {
		if conn.closed.Load() {
			closed++
		}
	}
	return closed
}

func TestGetOrCreateReusesConnection(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{}
	cache := New(eng)
	defer cache.Close()

	first, err := cache.GetOrCreate(context.Background(), "dns:///svc:50051", []argkey.Arg{
		argkey.String("a", "1"),
		argkey.Int("b", 2),
	}, nil, false)
	require.NoError(t, err)
	// Same set, different order.
	second, err := cache.GetOrCreate(context.Background(), "dns:///svc:50051", []argkey.Arg{
		argkey.Int("b", 2),
		argkey.String("a", "1"),
	}, nil, false)
	require.NoError(t, err)

	assert.Equal(t, 1, cache.Len())
	assert.Equal(t, 1, eng.numCreated())
	firstConn, err := first.Conn()
	require.NoError(t, err)
	secondConn, err := second.Conn()
	require.NoError(t, err)
	assert.Same(t, firstConn, secondConn)
	assert.Equal(t, first.Fingerprint(), second.Fingerprint())
}

func TestGetOrCreateDistinctConfigs(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{}
	cache := New(eng)
	defer cache.Close()

	_, err := cache.GetOrCreate(context.Background(), "dns:///svc:50051", []argkey.Arg{argkey.Int("n", 1)}, nil, false)
	require.NoError(t, err)
	_, err = cache.GetOrCreate(context.Background(), "dns:///svc:50051", []argkey.Arg{argkey.Int("n", 2)}, nil, false)
	require.NoError(t, err)
	_, err = cache.GetOrCreate(context.Background(), "dns:///other:50051", []argkey.Arg{argkey.Int("n", 1)}, nil, false)
	require.NoError(t, err)

	assert.Equal(t, 3, cache.Len())
}

func TestInvalidArgsFailWithoutCacheMutation(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{}
	cache := New(eng)
	defer cache.Close()

	_, err := cache.GetOrCreate(context.Background(), "dns:///svc:50051", []argkey.Arg{{Key: "x"}}, nil, false)
	require.ErrorIs(t, err, argkey.ErrInvalidArg)
	assert.Equal(t, 0, cache.Len())
	assert.Equal(t, 0, eng.numCreated())
}

func TestCreateFailureNotCached(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("connect refused")
	cache := New(&fakeEngine{failWith: wantErr})
	defer cache.Close()

	_, err := cache.GetOrCreate(context.Background(), "dns:///svc:50051", nil, nil, false)
	require.ErrorIs(t, err, wantErr)
	assert.Equal(t, 0, cache.Len())
}

func TestConcurrentCreateExactlyOneSurvives(t *testing.T) {
	t.Parallel()

	const racers = 8
	eng := &fakeEngine{gate: make(chan struct{})}
	cache := New(eng)
	defer cache.Close()

	var group errgroup.Group
	channels := make([]*Channel, racers)
	for i := 0; i < racers; i++ {
		i := i
		group.Go(func() error {
			channel, err := cache.GetOrCreate(context.Background(), "dns:///svc:50051", []argkey.Arg{
				argkey.String("a", "1"),
			}, nil, false)
			channels[i] = channel
			return err
		})
	}
	// Hold the gate until every racer has missed the cache and is
	// building its own connection.
	require.Eventually(t, func() bool {
		return eng.inFlight.Load() == racers
	}, time.Second, time.Millisecond)
	close(eng.gate)
	require.NoError(t, group.Wait())

	assert.Equal(t, 1, cache.Len())
	assert.Equal(t, racers, eng.numCreated())
	// All speculative connections were destroyed; only the winner lives.
	assert.Equal(t, racers-1, eng.numClosed())
	winner, err := channels[0].Conn()
	require.NoError(t, err)
	for _, channel := range channels[1:] {
		conn, err := channel.Conn()
		require.NoError(t, err)
		assert.Same(t, winner, conn)
	}
}

func TestForceNewNeverShares(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{}
	cache := New(eng)
	defer cache.Close()

	args := []argkey.Arg{argkey.String("a", "1")}
	first, err := cache.GetOrCreate(context.Background(), "dns:///svc:50051", args, nil, true)
	require.NoError(t, err)
	second, err := cache.GetOrCreate(context.Background(), "dns:///svc:50051", args, nil, true)
	require.NoError(t, err)

	assert.Equal(t, 2, cache.Len())
	assert.NotEqual(t, first.Fingerprint(), second.Fingerprint())

	// Removing one forced connection cannot invalidate the other.
	require.True(t, cache.Remove(first.Fingerprint()))
	assert.Equal(t, 1, cache.Len())
	secondConn, err := second.Conn()
	require.NoError(t, err)
	assert.False(t, secondConn.(*fakeConn).closed.Load())
}

func TestRemove(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{}
	cache := New(eng)
	defer cache.Close()

	channel, err := cache.GetOrCreate(context.Background(), "dns:///svc:50051", nil, nil, false)
	require.NoError(t, err)

	assert.True(t, cache.Remove(channel.Fingerprint()))
	assert.Equal(t, 0, cache.Len())
	assert.Equal(t, 1, eng.numClosed())
	// Second remove is a no-op.
	assert.False(t, cache.Remove(channel.Fingerprint()))
}

func TestDetachTransfersOwnership(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{}
	cache := New(eng)

	channel, err := cache.GetOrCreate(context.Background(), "dns:///svc:50051", nil, nil, false)
	require.NoError(t, err)

	detached, ok := cache.Detach(channel.Fingerprint())
	require.True(t, ok)
	assert.Equal(t, 0, cache.Len())

	// Cache teardown no longer touches the detached connection.
	require.NoError(t, cache.Close())
	assert.False(t, detached.(*fakeConn).closed.Load())
	require.NoError(t, detached.Close())

	_, ok = cache.Detach(channel.Fingerprint())
	assert.False(t, ok)
}

func TestCloseDestroysEverything(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{}
	cache := New(eng)

	for _, target := range []string{"dns:///a:1", "dns:///b:2", "dns:///c:3"} {
		_, err := cache.GetOrCreate(context.Background(), target, nil, nil, false)
		require.NoError(t, err)
	}
	require.Equal(t, 3, cache.Len())

	require.NoError(t, cache.Close())
	assert.Equal(t, 0, cache.Len())
	assert.Equal(t, 3, eng.numClosed())
	// Idempotent.
	require.NoError(t, cache.Close())

	_, err := cache.GetOrCreate(context.Background(), "dns:///a:1", nil, nil, false)
	require.ErrorIs(t, err, ErrCacheClosed)
}

func TestChannelDoubleClose(t *testing.T) {
	t.Parallel()

	cache := New(&fakeEngine{})
	defer cache.Close()

	channel, err := cache.GetOrCreate(context.Background(), "dns:///svc:50051", nil, nil, false)
	require.NoError(t, err)

	target, err := channel.Target()
	require.NoError(t, err)
	assert.Equal(t, "dns:///svc:50051", target)

	require.NoError(t, channel.Close())
	require.ErrorIs(t, channel.Close(), ErrChannelClosed)
	_, err = channel.Target()
	require.ErrorIs(t, err, ErrChannelClosed)
	_, err = channel.Conn()
	require.ErrorIs(t, err, ErrChannelClosed)
}

func TestIdleSweepEvictsOnlyIdleEntries(t *testing.T) {
	t.Parallel()

	const idleTimeout = time.Minute
	clock := clocktest.NewFakeClock()
	eng := &fakeEngine{}
	cache := New(eng, WithIdleTimeout(idleTimeout), withClock(clock))
	defer cache.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	idleChannel, err := cache.GetOrCreate(ctx, "dns:///idle:1", nil, nil, false)
	require.NoError(t, err)
	_, err = cache.GetOrCreate(ctx, "dns:///busy:1", nil, nil, false)
	require.NoError(t, err)
	require.Equal(t, 2, cache.Len())

	// Touch the busy entry halfway through the idle window.
	clock.Advance(idleTimeout / 2)
	_, err = cache.GetOrCreate(ctx, "dns:///busy:1", nil, nil, false)
	require.NoError(t, err)

	// First tick: the idle entry has aged out, the busy one has not.
	clock.Advance(idleTimeout / 2)
	require.Eventually(t, func() bool {
		return cache.Len() == 1
	}, time.Second, time.Millisecond)
	assert.False(t, cache.Remove(idleChannel.Fingerprint()))
	assert.Equal(t, 1, eng.numClosed())
}
