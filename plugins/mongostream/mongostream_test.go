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

package mongostream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/loomhq/loom/core"
	"github.com/loomhq/loom/core/streaming"
)

// setupManager connects to the MongoDB instance named by MONGODB_URI and
// returns a manager over a fresh collection. Tests are skipped when the
// variable is unset so the suite stays hermetic by default.
func setupManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	uri := os.Getenv("MONGODB_URI")
	if uri == "" {
		t.Skip("MONGODB_URI not set")
	}

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { client.Disconnect(context.Background()) })

	coll := client.Database("loom_test").Collection("streams_" + uuid.NewString()[:8])
	t.Cleanup(func() { coll.Drop(context.Background()) })

	opts = append([]Option{WithPollInterval(10 * time.Millisecond)}, opts...)
	m := New(coll, opts...)
	require.NoError(t, m.EnsureIndexes(context.Background()))
	return m
}

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
	m := setupManager(t)
	ctx := context.Background()

	input, err := m.Open(ctx, "s1")
	require.NoError(t, err)
	assert.NotNil(t, input)

	_, err = m.Open(ctx, "s1")
	requireStatus(t, err, core.ALREADY_EXISTS)
}

func TestSubscribeUnknownStream(t *testing.T) {
	m := setupManager(t)

	_, _, err := m.Subscribe(context.Background(), "nope")
	requireStatus(t, err, core.NOT_FOUND)
}

func TestWriteAndReplay(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	input, err := m.Open(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, input.Write(ctx, json.RawMessage(`"a"`)))
	require.NoError(t, input.Write(ctx, json.RawMessage(`"b"`)))
	require.NoError(t, input.Done(ctx, json.RawMessage(`"final"`)))

	events, unsubscribe, err := m.Subscribe(ctx, "s1")
	require.NoError(t, err)
	defer unsubscribe()

	got := collectEvents(t, events)
	require.Len(t, got, 3)
	assert.Equal(t, `"a"`, string(got[0].Chunk))
	assert.Equal(t, `"b"`, string(got[1].Chunk))
	require.Equal(t, streaming.StreamEventDone, got[2].Type)
	assert.Equal(t, `"final"`, string(got[2].Output))
}

func TestRetriedAppendIsNotDuplicated(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	input, err := m.Open(ctx, "s1")
	require.NoError(t, err)

	// A writer that crashes after the update lands but before the ack
	// arrives retries with the same entry ID; the second attempt must not
	// append a second copy.
	w := input.(*streamInput)
	entry := chunkEntry{ID: uuid.NewString(), Data: `"once"`}
	require.NoError(t, w.appendEntry(ctx, entry))
	require.NoError(t, w.appendEntry(ctx, entry))
	require.NoError(t, input.Done(ctx, json.RawMessage(`"out"`)))

	events, unsubscribe, err := m.Subscribe(ctx, "s1")
	require.NoError(t, err)
	defer unsubscribe()

	got := collectEvents(t, events)
	require.Len(t, got, 2)
	assert.Equal(t, `"once"`, string(got[0].Chunk))
	assert.Equal(t, streaming.StreamEventDone, got[1].Type)
}

func TestRepeatedReplayIsIdentical(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

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
}

func TestLiveSubscriber(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	input, err := m.Open(ctx, "live")
	require.NoError(t, err)

	events, unsubscribe, err := m.Subscribe(ctx, "live")
	require.NoError(t, err)
	defer unsubscribe()

	go func() {
		for i := 0; i < 3; i++ {
			input.Write(ctx, json.RawMessage(fmt.Sprintf("%d", i)))
		}
		input.Done(ctx, json.RawMessage(`"end"`))
	}()

	got := collectEvents(t, events)
	require.Len(t, got, 4)
	for i := 0; i < 3; i++ {
		assert.Equal(t, fmt.Sprintf("%d", i), string(got[i].Chunk))
	}
	assert.Equal(t, streaming.StreamEventDone, got[3].Type)
}

func TestTerminalStateRules(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	input, err := m.Open(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, input.Done(ctx, json.RawMessage(`"out"`)))

	// A fresh handle over the same stream, as after a process restart.
	other := &streamInput{manager: m, streamID: "s1"}
	err = other.Write(ctx, json.RawMessage(`"late"`))
	requireStatus(t, err, core.FAILED_PRECONDITION)

	err = other.Done(ctx, json.RawMessage(`"again"`))
	requireStatus(t, err, core.FAILED_PRECONDITION)
}

func TestFailedStreamReplay(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

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
}

func TestExpiredStreamIsGone(t *testing.T) {
	// A negative TTL stamps an expiration in the past, which getDoc treats
	// as deleted even before the TTL monitor sweeps.
	m := setupManager(t)
	m.ttl = -time.Minute
	ctx := context.Background()

	input, err := m.Open(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, input.Done(ctx, json.RawMessage(`"out"`)))

	_, _, err = m.Subscribe(ctx, "s1")
	requireStatus(t, err, core.NOT_FOUND)
}

func TestWaitTimeout(t *testing.T) {
	m := setupManager(t, WithWaitTimeout(100*time.Millisecond))
	ctx := context.Background()

	_, err := m.Open(ctx, "stalled")
	require.NoError(t, err)

	events, unsubscribe, err := m.Subscribe(ctx, "stalled")
	require.NoError(t, err)
	defer unsubscribe()

	got := collectEvents(t, events)
	require.Len(t, got, 1)
	require.Equal(t, streaming.StreamEventError, got[0].Type)
	requireStatus(t, got[0].Err, core.DEADLINE_EXCEEDED)
}
