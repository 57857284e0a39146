// Copyright 2025 The Loom Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/core"
	"github.com/loomhq/loom/core/streaming"
)

func setupManager(t *testing.T, opts ...Option) (*miniredis.Miniredis, *Manager) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	opts = append([]Option{WithPollInterval(5 * time.Millisecond)}, opts...)
	return mr, New(client, opts...)
}

// collectEvents reads events until the channel closes or the timeout fires.
func collectEvents(t *testing.T, events <-chan streaming.StreamEvent) []streaming.StreamEvent {
	t.Helper()
	var got []streaming.StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return got
			}
			got = append(got, event)
			if event.Type != streaming.StreamEventChunk {
				return got
			}
		case <-timeout:
			t.Fatal("timed out waiting for stream events")
		}
	}
}

func requireStatus(t *testing.T, err error, status core.StatusName) {
	t.Helper()
	var uerr *core.UserFacingError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, status, uerr.Status)
}

func TestOpen(t *testing.T) {
	t.Run("creates a stream", func(t *testing.T) {
		_, m := setupManager(t)

		input, err := m.Open(context.Background(), "s1")
		require.NoError(t, err)
		assert.NotNil(t, input)
	})

	t.Run("duplicate stream ID", func(t *testing.T) {
		_, m := setupManager(t)

		_, err := m.Open(context.Background(), "s1")
		require.NoError(t, err)

		_, err = m.Open(context.Background(), "s1")
		requireStatus(t, err, core.ALREADY_EXISTS)
	})

	t.Run("store unreachable", func(t *testing.T) {
		mr, m := setupManager(t)
		mr.Close()

		_, err := m.Open(context.Background(), "s1")
		requireStatus(t, err, core.UNAVAILABLE)
	})
}

func TestSubscribe(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown stream", func(t *testing.T) {
		_, m := setupManager(t)

		_, _, err := m.Subscribe(ctx, "nope")
		requireStatus(t, err, core.NOT_FOUND)
	})

	t.Run("live chunks and completion", func(t *testing.T) {
		_, m := setupManager(t)

		input, err := m.Open(ctx, "s1")
		require.NoError(t, err)

		events, unsubscribe, err := m.Subscribe(ctx, "s1")
		require.NoError(t, err)
		defer unsubscribe()

		require.NoError(t, input.Write(ctx, json.RawMessage(`"a"`)))
		require.NoError(t, input.Write(ctx, json.RawMessage(`"b"`)))
		require.NoError(t, input.Done(ctx, json.RawMessage(`"final"`)))

		got := collectEvents(t, events)
		require.Len(t, got, 3)
		assert.Equal(t, streaming.StreamEventChunk, got[0].Type)
		assert.Equal(t, `"a"`, string(got[0].Chunk))
		assert.Equal(t, `"b"`, string(got[1].Chunk))
		assert.Equal(t, streaming.StreamEventDone, got[2].Type)
		assert.Equal(t, `"final"`, string(got[2].Output))
	})

	t.Run("replay of completed stream", func(t *testing.T) {
		_, m := setupManager(t)

		input, err := m.Open(ctx, "s1")
		require.NoError(t, err)
		require.NoError(t, input.Write(ctx, json.RawMessage(`1`)))
		require.NoError(t, input.Write(ctx, json.RawMessage(`2`)))
		require.NoError(t, input.Done(ctx, json.RawMessage(`3`)))

		events, unsubscribe, err := m.Subscribe(ctx, "s1")
		require.NoError(t, err)
		defer unsubscribe()

		got := collectEvents(t, events)
		require.Len(t, got, 3)
		assert.Equal(t, `1`, string(got[0].Chunk))
		assert.Equal(t, `2`, string(got[1].Chunk))
		assert.Equal(t, streaming.StreamEventDone, got[2].Type)
	})

	t.Run("replay of failed stream", func(t *testing.T) {
		_, m := setupManager(t)

		input, err := m.Open(ctx, "s1")
		require.NoError(t, err)
		require.NoError(t, input.Write(ctx, json.RawMessage(`"partial"`)))
		require.NoError(t, input.Error(ctx, errors.New("boom")))

		events, unsubscribe, err := m.Subscribe(ctx, "s1")
		require.NoError(t, err)
		defer unsubscribe()

		got := collectEvents(t, events)
		require.Len(t, got, 2)
		assert.Equal(t, `"partial"`, string(got[0].Chunk))
		require.Equal(t, streaming.StreamEventError, got[1].Type)
		assert.Contains(t, got[1].Err.Error(), "boom")
	})

	t.Run("wait timeout on a stalled stream", func(t *testing.T) {
		_, m := setupManager(t, WithWaitTimeout(50*time.Millisecond))

		_, err := m.Open(ctx, "stalled")
		require.NoError(t, err)

		events, unsubscribe, err := m.Subscribe(ctx, "stalled")
		require.NoError(t, err)
		defer unsubscribe()

		got := collectEvents(t, events)
		require.Len(t, got, 1)
		require.Equal(t, streaming.StreamEventError, got[0].Type)
		requireStatus(t, got[0].Err, core.DEADLINE_EXCEEDED)
	})

	t.Run("repeated replay is identical", func(t *testing.T) {
		_, m := setupManager(t)

		input, err := m.Open(ctx, "s1")
		require.NoError(t, err)
		require.NoError(t, input.Write(ctx, json.RawMessage(`"a"`)))
		require.NoError(t, input.Write(ctx, json.RawMessage(`"b"`)))
		require.NoError(t, input.Done(ctx, json.RawMessage(`"final"`)))

		// Two independent subscriptions to the same completed stream must
		// observe the same event sequence.
		var runs [][]streaming.StreamEvent
		for i := 0; i < 2; i++ {
			events, unsubscribe, err := m.Subscribe(ctx, "s1")
			require.NoError(t, err)
			runs = append(runs, collectEvents(t, events))
			unsubscribe()
		}

		require.Len(t, runs[0], 3)
		require.Len(t, runs[1], len(runs[0]))
		for i := range runs[0] {
			assert.Equal(t, runs[0][i].Type, runs[1][i].Type)
			assert.Equal(t, string(runs[0][i].Chunk), string(runs[1][i].Chunk))
			assert.Equal(t, string(runs[0][i].Output), string(runs[1][i].Output))
		}
	})

	t.Run("unsubscribe stops delivery", func(t *testing.T) {
		_, m := setupManager(t)

		input, err := m.Open(ctx, "s1")
		require.NoError(t, err)

		events, unsubscribe, err := m.Subscribe(ctx, "s1")
		require.NoError(t, err)
		unsubscribe()

		require.NoError(t, input.Write(ctx, json.RawMessage(`"late"`)))

		// The pump closes the channel once it observes cancellation.
		deadline := time.After(time.Second)
		for {
			select {
			case _, ok := <-events:
				if !ok {
					return
				}
			case <-deadline:
				t.Fatal("channel not closed after unsubscribe")
			}
		}
	})
}

func TestTerminalStateRules(t *testing.T) {
	ctx := context.Background()

	t.Run("write after done", func(t *testing.T) {
		_, m := setupManager(t)

		input, err := m.Open(ctx, "s1")
		require.NoError(t, err)
		require.NoError(t, input.Done(ctx, json.RawMessage(`"out"`)))

		err = input.Write(ctx, json.RawMessage(`"late"`))
		requireStatus(t, err, core.FAILED_PRECONDITION)
	})

	t.Run("done after error", func(t *testing.T) {
		_, m := setupManager(t)

		input, err := m.Open(ctx, "s1")
		require.NoError(t, err)
		require.NoError(t, input.Error(ctx, errors.New("boom")))

		err = input.Done(ctx, json.RawMessage(`"out"`))
		requireStatus(t, err, core.FAILED_PRECONDITION)
	})

	t.Run("terminal state visible to another writer handle", func(t *testing.T) {
		_, m := setupManager(t)

		input, err := m.Open(ctx, "s1")
		require.NoError(t, err)
		require.NoError(t, input.Done(ctx, json.RawMessage(`"out"`)))

		// A second handle over the same stream, as after a process restart.
		other := &streamInput{manager: m, streamID: "s1"}
		err = other.Write(ctx, json.RawMessage(`"late"`))
		requireStatus(t, err, core.FAILED_PRECONDITION)
	})

	t.Run("write after close", func(t *testing.T) {
		_, m := setupManager(t)

		input, err := m.Open(ctx, "s1")
		require.NoError(t, err)
		require.NoError(t, input.Close())

		err = input.Write(ctx, json.RawMessage(`"late"`))
		requireStatus(t, err, core.FAILED_PRECONDITION)
	})
}

func TestRetentionTTL(t *testing.T) {
	ctx := context.Background()
	mr, m := setupManager(t, WithTTL(time.Minute))

	input, err := m.Open(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, input.Write(ctx, json.RawMessage(`"a"`)))
	require.NoError(t, input.Done(ctx, json.RawMessage(`"out"`)))

	// Terminal state applies the retention TTL to both keys.
	assert.Greater(t, mr.TTL(m.metaKey("s1")), time.Duration(0))
	assert.Greater(t, mr.TTL(m.chunksKey("s1")), time.Duration(0))

	// After the TTL elapses the stream is gone.
	mr.FastForward(2 * time.Minute)
	_, _, err = m.Subscribe(ctx, "s1")
	requireStatus(t, err, core.NOT_FOUND)
}

func TestCrossManagerReconnect(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	clientA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clientB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { clientA.Close(); clientB.Close() })

	// Producer and subscriber use separate managers, as separate processes
	// sharing the store would.
	producer := New(clientA, WithPollInterval(5*time.Millisecond))
	consumer := New(clientB, WithPollInterval(5*time.Millisecond))

	input, err := producer.Open(ctx, "shared")
	require.NoError(t, err)
	require.NoError(t, input.Write(ctx, json.RawMessage(`"x"`)))
	require.NoError(t, input.Done(ctx, json.RawMessage(`"y"`)))

	events, unsubscribe, err := consumer.Subscribe(ctx, "shared")
	require.NoError(t, err)
	defer unsubscribe()

	got := collectEvents(t, events)
	require.Len(t, got, 2)
	assert.Equal(t, `"x"`, string(got[0].Chunk))
	assert.Equal(t, `"y"`, string(got[1].Output))
}
