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

// Package mongostream provides a durable [streaming.StreamManager] backed by
// MongoDB. Each stream is a single document holding its status and an ordered
// chunk log; appends use the atomic $push operator, so concurrent writers and
// crashed-and-retried writers cannot corrupt chunk ordering. Terminal states
// stamp an expiration time that a TTL index uses to garbage-collect finished
// streams.
package mongostream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/loomhq/loom/core"
	"github.com/loomhq/loom/core/streaming"
)

const (
	defaultTTL          = 5 * time.Minute
	defaultPollInterval = 100 * time.Millisecond
	defaultWaitTimeout  = time.Minute

	// eventBufferSize is the buffer size for subscriber event channels.
	eventBufferSize = 100
)

// streamDoc status values.
const (
	statusOpen  = "open"
	statusDone  = "done"
	statusError = "error"
)

// chunkEntry is one appended chunk. The ID lets a writer that retries after
// a crash detect a duplicate append.
type chunkEntry struct {
	ID   string `bson:"id"`
	Data string `bson:"data"`
}

// streamDoc is the document stored per stream.
type streamDoc struct {
	ID        string       `bson:"_id"`
	Status    string       `bson:"status"`
	Chunks    []chunkEntry `bson:"chunks"`
	Output    string       `bson:"output,omitempty"`
	Error     string       `bson:"error,omitempty"`
	CreatedAt time.Time    `bson:"createdAt"`
	ExpiresAt *time.Time   `bson:"expiresAt,omitempty"`
}

// Manager is a durable stream manager backed by a MongoDB collection.
type Manager struct {
	coll         *mongo.Collection
	ttl          time.Duration
	pollInterval time.Duration
	waitTimeout  time.Duration
}

type managerOptions struct {
	TTL          time.Duration
	PollInterval time.Duration
	WaitTimeout  time.Duration
}

// Option configures a [Manager].
type Option interface {
	applyManager(*managerOptions)
}

func (o *managerOptions) applyManager(opts *managerOptions) {
	if o.TTL > 0 {
		opts.TTL = o.TTL
	}
	if o.PollInterval > 0 {
		opts.PollInterval = o.PollInterval
	}
	if o.WaitTimeout > 0 {
		opts.WaitTimeout = o.WaitTimeout
	}
}

// WithTTL sets the retention period for completed streams. Default is 5
// minutes.
func WithTTL(ttl time.Duration) Option {
	return &managerOptions{TTL: ttl}
}

// WithPollInterval sets how often subscribers poll for new chunks. Default
// is 100ms.
func WithPollInterval(interval time.Duration) Option {
	return &managerOptions{PollInterval: interval}
}

// WithWaitTimeout sets how long a subscriber waits without seeing progress
// on a non-terminal stream before giving up with a DEADLINE_EXCEEDED event.
// Default is one minute.
func WithWaitTimeout(timeout time.Duration) Option {
	return &managerOptions{WaitTimeout: timeout}
}

// New creates a Manager on the given collection. The underlying client's
// lifecycle belongs to the caller.
func New(coll *mongo.Collection, opts ...Option) *Manager {
	mOpts := &managerOptions{
		TTL:          defaultTTL,
		PollInterval: defaultPollInterval,
		WaitTimeout:  defaultWaitTimeout,
	}
	for _, opt := range opts {
		opt.applyManager(mOpts)
	}
	return &Manager{
		coll:         coll,
		ttl:          mOpts.TTL,
		pollInterval: mOpts.PollInterval,
		waitTimeout:  mOpts.WaitTimeout,
	}
}

// EnsureIndexes creates the TTL index on expiresAt so MongoDB
// garbage-collects completed streams after their retention period. Call it
// once at startup.
func (m *Manager) EnsureIndexes(ctx context.Context) error {
	_, err := m.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// unavailable wraps a MongoDB transport error. Callers treat it as fatal for
// the invocation rather than falling back to in-memory delivery.
func unavailable(err error) error {
	return core.NewPublicError(core.UNAVAILABLE, fmt.Sprintf("stream store unavailable: %v", err), nil)
}

// Open creates a new stream for writing.
func (m *Manager) Open(ctx context.Context, streamID string) (streaming.StreamInput, error) {
	doc := streamDoc{
		ID:        streamID,
		Status:    statusOpen,
		Chunks:    []chunkEntry{},
		CreatedAt: time.Now().UTC(),
	}
	if _, err := m.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, core.NewPublicError(core.ALREADY_EXISTS, fmt.Sprintf("stream %q already exists", streamID), nil)
		}
		return nil, unavailable(err)
	}
	return &streamInput{manager: m, streamID: streamID}, nil
}

// Subscribe subscribes to a stream. Previously appended chunks are replayed
// first; if the stream is not yet terminal, the subscriber then polls for
// live updates until a terminal event arrives, the subscriber unsubscribes,
// or the wait timeout elapses without progress.
func (m *Manager) Subscribe(ctx context.Context, streamID string) (<-chan streaming.StreamEvent, func(), error) {
	if _, err := m.getDoc(ctx, streamID); err != nil {
		return nil, nil, err
	}

	ch := make(chan streaming.StreamEvent, eventBufferSize)
	pumpCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go m.pump(pumpCtx, streamID, ch)
	return ch, cancel, nil
}

func (m *Manager) pump(ctx context.Context, streamID string, ch chan<- streaming.StreamEvent) {
	defer close(ch)

	cursor := 0
	deadline := time.Now().Add(m.waitTimeout)

	for {
		doc, err := m.getDoc(ctx, streamID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			ch <- streaming.StreamEvent{Type: streaming.StreamEventError, Err: err}
			return
		}

		for _, entry := range doc.Chunks[cursor:] {
			select {
			case ch <- streaming.StreamEvent{Type: streaming.StreamEventChunk, Chunk: json.RawMessage(entry.Data)}:
			case <-ctx.Done():
				return
			}
		}
		if len(doc.Chunks) > cursor {
			cursor = len(doc.Chunks)
			deadline = time.Now().Add(m.waitTimeout)
		}

		switch doc.Status {
		case statusDone:
			ch <- streaming.StreamEvent{Type: streaming.StreamEventDone, Output: json.RawMessage(doc.Output)}
			return
		case statusError:
			ch <- streaming.StreamEvent{Type: streaming.StreamEventError, Err: errors.New(doc.Error)}
			return
		}

		if time.Now().After(deadline) {
			ch <- streaming.StreamEvent{
				Type: streaming.StreamEventError,
				Err:  core.NewPublicError(core.DEADLINE_EXCEEDED, fmt.Sprintf("stream %q made no progress within %s", streamID, m.waitTimeout), nil),
			}
			return
		}

		select {
		case <-time.After(m.pollInterval):
		case <-ctx.Done():
			return
		}
	}
}

// getDoc fetches the stream document. Documents already past their
// expiration are treated as deleted; the TTL monitor only sweeps
// periodically, so an expired document can still be present.
func (m *Manager) getDoc(ctx context.Context, streamID string) (*streamDoc, error) {
	var doc streamDoc
	err := m.coll.FindOne(ctx, bson.M{"_id": streamID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, core.NewPublicError(core.NOT_FOUND, fmt.Sprintf("stream %q not found", streamID), nil)
	}
	if err != nil {
		return nil, unavailable(err)
	}
	if doc.ExpiresAt != nil && doc.ExpiresAt.Before(time.Now()) {
		return nil, core.NewPublicError(core.NOT_FOUND, fmt.Sprintf("stream %q not found", streamID), nil)
	}
	return &doc, nil
}

// streamInput implements streaming.StreamInput on MongoDB.
type streamInput struct {
	manager  *Manager
	streamID string
	closed   bool
}

func (s *streamInput) Write(ctx context.Context, chunk json.RawMessage) error {
	if s.closed {
		return core.NewPublicError(core.FAILED_PRECONDITION, "stream writer is closed", nil)
	}

	return s.appendEntry(ctx, chunkEntry{ID: uuid.NewString(), Data: string(chunk)})
}

// appendEntry appends one chunk to the log. The filter excludes documents
// that already contain the entry's ID, so retrying an append that may have
// been applied is a no-op rather than a duplicate.
func (s *streamInput) appendEntry(ctx context.Context, entry chunkEntry) error {
	res, err := s.manager.coll.UpdateOne(ctx,
		bson.M{"_id": s.streamID, "status": statusOpen, "chunks.id": bson.M{"$ne": entry.ID}},
		bson.M{"$push": bson.M{"chunks": entry}},
	)
	if err != nil {
		return unavailable(err)
	}
	if res.MatchedCount != 0 {
		return nil
	}
	doc, err := s.manager.getDoc(ctx, s.streamID)
	if err != nil {
		return err
	}
	if doc.Status == statusOpen {
		// The entry is already in the log from an earlier attempt.
		return nil
	}
	return core.NewPublicError(core.FAILED_PRECONDITION, "stream has already completed", nil)
}

func (s *streamInput) Done(ctx context.Context, output json.RawMessage) error {
	return s.terminate(ctx, bson.M{
		"status":    statusDone,
		"output":    string(output),
		"expiresAt": time.Now().UTC().Add(s.manager.ttl),
	})
}

func (s *streamInput) Error(ctx context.Context, streamErr error) error {
	return s.terminate(ctx, bson.M{
		"status":    statusError,
		"error":     streamErr.Error(),
		"expiresAt": time.Now().UTC().Add(s.manager.ttl),
	})
}

func (s *streamInput) terminate(ctx context.Context, fields bson.M) error {
	if s.closed {
		return core.NewPublicError(core.FAILED_PRECONDITION, "stream writer is closed", nil)
	}

	res, err := s.manager.coll.UpdateOne(ctx,
		bson.M{"_id": s.streamID, "status": statusOpen},
		bson.M{"$set": fields},
	)
	if err != nil {
		return unavailable(err)
	}
	if res.MatchedCount == 0 {
		return s.missedWriteError(ctx)
	}
	s.closed = true
	return nil
}

// missedWriteError distinguishes a write that matched nothing: either the
// stream is already terminal or it no longer exists.
func (s *streamInput) missedWriteError(ctx context.Context) error {
	if _, err := s.manager.getDoc(ctx, s.streamID); err != nil {
		return err
	}
	return core.NewPublicError(core.FAILED_PRECONDITION, "stream has already completed", nil)
}

func (s *streamInput) Close() error {
	s.closed = true
	return nil
}
