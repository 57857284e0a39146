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

// Package redisstream provides a durable [streaming.StreamManager] backed by
// Redis. Stream state survives process restarts, and any process sharing the
// Redis instance can subscribe to a stream, which makes reconnection work
// across crashes and across replicas.
//
// Each stream is stored as a metadata document (written once with SETNX to
// guard against duplicate creation) and an append-only chunk list (RPUSH).
// Terminal states set a retention TTL on both keys so Redis garbage-collects
// finished streams.
package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loomhq/loom/core"
	"github.com/loomhq/loom/core/streaming"
)

const (
	defaultKeyPrefix    = "loom:stream:"
	defaultTTL          = 5 * time.Minute
	defaultPollInterval = 100 * time.Millisecond
	defaultWaitTimeout  = time.Minute

	// eventBufferSize is the buffer size for subscriber event channels.
	eventBufferSize = 100
)

// streamStatus values stored in the metadata document.
const (
	statusOpen  = "open"
	statusDone  = "done"
	statusError = "error"
)

// streamMeta is the metadata document stored per stream.
type streamMeta struct {
	Status    string          `json:"status"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Manager is a durable stream manager backed by Redis.
type Manager struct {
	client       redis.UniversalClient
	keyPrefix    string
	ttl          time.Duration
	pollInterval time.Duration
	waitTimeout  time.Duration
}

type managerOptions struct {
	KeyPrefix    string
	TTL          time.Duration
	PollInterval time.Duration
	WaitTimeout  time.Duration
}

// Option configures a [Manager].
type Option interface {
	applyManager(*managerOptions)
}

func (o *managerOptions) applyManager(opts *managerOptions) {
	if o.KeyPrefix != "" {
		opts.KeyPrefix = o.KeyPrefix
	}
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

// WithKeyPrefix sets the prefix for all Redis keys the manager writes.
// Default is "loom:stream:".
func WithKeyPrefix(prefix string) Option {
	return &managerOptions{KeyPrefix: prefix}
}

// WithTTL sets the retention period for completed streams. Default is 5
// minutes.
func WithTTL(ttl time.Duration) Option {
	return &managerOptions{TTL: ttl}
}

// WithPollInterval sets how often subscribers poll Redis for new chunks.
// Default is 100ms.
func WithPollInterval(interval time.Duration) Option {
	return &managerOptions{PollInterval: interval}
}

// WithWaitTimeout sets how long a subscriber waits without seeing progress
// on a non-terminal stream before giving up with a DEADLINE_EXCEEDED event.
// Default is one minute.
func WithWaitTimeout(timeout time.Duration) Option {
	return &managerOptions{WaitTimeout: timeout}
}

// New creates a Manager on the given Redis client. The client is not closed
// by the manager; its lifecycle belongs to the caller.
func New(client redis.UniversalClient, opts ...Option) *Manager {
	options := &managerOptions{
		KeyPrefix:    defaultKeyPrefix,
		TTL:          defaultTTL,
		PollInterval: defaultPollInterval,
		WaitTimeout:  defaultWaitTimeout,
	}
	for _, opt := range opts {
		opt.applyManager(options)
	}
	return &Manager{
		client:       client,
		keyPrefix:    options.KeyPrefix,
		ttl:          options.TTL,
		pollInterval: options.PollInterval,
		waitTimeout:  options.WaitTimeout,
	}
}

func (m *Manager) metaKey(streamID string) string {
	return m.keyPrefix + streamID
}

func (m *Manager) chunksKey(streamID string) string {
	return m.keyPrefix + streamID + ":chunks"
}

// unavailable wraps a Redis transport error. Callers treat it as fatal for
// the invocation rather than falling back to in-memory delivery, which would
// break the reconnection guarantee.
func unavailable(err error) error {
	return core.NewPublicError(core.UNAVAILABLE, fmt.Sprintf("stream store unavailable: %v", err), nil)
}

// Open creates a new stream for writing.
func (m *Manager) Open(ctx context.Context, streamID string) (streaming.StreamInput, error) {
	meta := streamMeta{
		Status:    statusOpen,
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}

	created, err := m.client.SetNX(ctx, m.metaKey(streamID), data, 0).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if !created {
		return nil, core.NewPublicError(core.ALREADY_EXISTS, fmt.Sprintf("stream %q already exists", streamID), nil)
	}

	return &streamInput{manager: m, streamID: streamID}, nil
}

// Subscribe subscribes to a stream. Previously appended chunks are replayed
// first; if the stream is not yet terminal, the subscriber then polls for
// live updates until a terminal event arrives, the subscriber unsubscribes,
// or the wait timeout elapses without progress.
func (m *Manager) Subscribe(ctx context.Context, streamID string) (<-chan streaming.StreamEvent, func(), error) {
	if _, err := m.getMeta(ctx, streamID); err != nil {
		return nil, nil, err
	}

	ch := make(chan streaming.StreamEvent, eventBufferSize)
	pumpCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go m.pump(pumpCtx, streamID, ch)
	return ch, cancel, nil
}

// pump polls the stream's chunk list and metadata, forwarding events to ch
// until the stream reaches a terminal state, ctx is canceled, or no progress
// is observed within the wait timeout.
func (m *Manager) pump(ctx context.Context, streamID string, ch chan<- streaming.StreamEvent) {
	defer close(ch)

	cursor := int64(0)
	deadline := time.Now().Add(m.waitTimeout)

	for {
		chunks, err := m.client.LRange(ctx, m.chunksKey(streamID), cursor, -1).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			ch <- streaming.StreamEvent{Type: streaming.StreamEventError, Err: unavailable(err)}
			return
		}
		for _, chunk := range chunks {
			select {
			case ch <- streaming.StreamEvent{Type: streaming.StreamEventChunk, Chunk: json.RawMessage(chunk)}:
			case <-ctx.Done():
				return
			}
		}
		if len(chunks) > 0 {
			cursor += int64(len(chunks))
			deadline = time.Now().Add(m.waitTimeout)
		}

		meta, err := m.getMeta(ctx, streamID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			ch <- streaming.StreamEvent{Type: streaming.StreamEventError, Err: err}
			return
		}
		switch meta.Status {
		case statusDone:
			// Drain any chunks appended between the LRange and the metadata
			// read before emitting the terminal event.
			if m.drainRemaining(ctx, streamID, &cursor, ch) {
				return
			}
			ch <- streaming.StreamEvent{Type: streaming.StreamEventDone, Output: meta.Output}
			return
		case statusError:
			if m.drainRemaining(ctx, streamID, &cursor, ch) {
				return
			}
			ch <- streaming.StreamEvent{Type: streaming.StreamEventError, Err: errors.New(meta.Error)}
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

// drainRemaining forwards any chunks past the cursor. It reports whether the
// subscriber went away.
func (m *Manager) drainRemaining(ctx context.Context, streamID string, cursor *int64, ch chan<- streaming.StreamEvent) (canceled bool) {
	chunks, err := m.client.LRange(ctx, m.chunksKey(streamID), *cursor, -1).Result()
	if err != nil {
		return ctx.Err() != nil
	}
	for _, chunk := range chunks {
		select {
		case ch <- streaming.StreamEvent{Type: streaming.StreamEventChunk, Chunk: json.RawMessage(chunk)}:
		case <-ctx.Done():
			return true
		}
	}
	*cursor += int64(len(chunks))
	return false
}

func (m *Manager) getMeta(ctx context.Context, streamID string) (*streamMeta, error) {
	data, err := m.client.Get(ctx, m.metaKey(streamID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, core.NewPublicError(core.NOT_FOUND, fmt.Sprintf("stream %q not found", streamID), nil)
	}
	if err != nil {
		return nil, unavailable(err)
	}
	var meta streamMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, core.NewPublicError(core.INTERNAL, fmt.Sprintf("corrupt stream metadata for %q: %v", streamID, err), nil)
	}
	return &meta, nil
}

// setTerminal writes the terminal metadata and applies the retention TTL to
// both keys.
func (m *Manager) setTerminal(ctx context.Context, streamID string, meta *streamMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	pipe := m.client.TxPipeline()
	pipe.Set(ctx, m.metaKey(streamID), data, 0)
	pipe.Expire(ctx, m.metaKey(streamID), m.ttl)
	pipe.Expire(ctx, m.chunksKey(streamID), m.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

// streamInput implements streaming.StreamInput on Redis.
type streamInput struct {
	manager  *Manager
	streamID string
	closed   bool
}

func (s *streamInput) checkOpen(ctx context.Context) (*streamMeta, error) {
	if s.closed {
		return nil, core.NewPublicError(core.FAILED_PRECONDITION, "stream writer is closed", nil)
	}
	meta, err := s.manager.getMeta(ctx, s.streamID)
	if err != nil {
		return nil, err
	}
	if meta.Status != statusOpen {
		return nil, core.NewPublicError(core.FAILED_PRECONDITION, "stream has already completed", nil)
	}
	return meta, nil
}

func (s *streamInput) Write(ctx context.Context, chunk json.RawMessage) error {
	if _, err := s.checkOpen(ctx); err != nil {
		return err
	}
	if err := s.manager.client.RPush(ctx, s.manager.chunksKey(s.streamID), string(chunk)).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *streamInput) Done(ctx context.Context, output json.RawMessage) error {
	meta, err := s.checkOpen(ctx)
	if err != nil {
		return err
	}
	s.closed = true
	meta.Status = statusDone
	meta.Output = output
	return s.manager.setTerminal(ctx, s.streamID, meta)
}

func (s *streamInput) Error(ctx context.Context, streamErr error) error {
	meta, err := s.checkOpen(ctx)
	if err != nil {
		return err
	}
	s.closed = true
	meta.Status = statusError
	meta.Error = streamErr.Error()
	return s.manager.setTerminal(ctx, s.streamID, meta)
}

func (s *streamInput) Close() error {
	s.closed = true
	return nil
}
