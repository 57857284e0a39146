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

// Package streaming provides durable streaming for flow invocations.
//
// A durable stream outlives the HTTP request that started it: chunks are
// recorded as they are produced so that a client can disconnect and later
// resubscribe to replay the stream from the beginning.
package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/loomhq/loom/core"
)

// StreamEventType indicates the type of stream event.
type StreamEventType int

const (
	StreamEventChunk StreamEventType = iota
	StreamEventDone
	StreamEventError
)

// StreamEvent represents an event in a durable stream.
type StreamEvent struct {
	Type   StreamEventType
	Chunk  json.RawMessage // set when Type == StreamEventChunk
	Output json.RawMessage // set when Type == StreamEventDone
	Err    error           // set when Type == StreamEventError
}

// StreamInput provides methods for writing to a durable stream.
type StreamInput interface {
	// Write sends a chunk to the stream and notifies all subscribers.
	Write(ctx context.Context, chunk json.RawMessage) error
	// Done marks the stream as successfully completed with the given output.
	Done(ctx context.Context, output json.RawMessage) error
	// Error marks the stream as failed with the given error.
	Error(ctx context.Context, err error) error
	// Close releases resources without marking the stream as done or errored.
	Close() error
}

// StreamManager manages durable streams, allowing creation and subscription.
// Implementations can provide different storage backends (e.g., in-memory,
// database, cache).
type StreamManager interface {
	// Open creates a new stream for writing.
	// Returns an ALREADY_EXISTS error if a stream with the given ID exists.
	Open(ctx context.Context, streamID string) (StreamInput, error)
	// Subscribe subscribes to an existing stream.
	// Returns a channel that receives stream events, an unsubscribe function,
	// and an error. If the stream has already completed, all buffered events
	// are sent before the done/error event.
	// Returns a NOT_FOUND error if the stream doesn't exist.
	Subscribe(ctx context.Context, streamID string) (<-chan StreamEvent, func(), error)
}

// inMemoryStreamBufferSize is the buffer size for subscriber event channels.
// The buffer only smooths bursts; delivery is lossless regardless of how far
// a subscriber falls behind, because each subscriber reads the chunk log at
// its own cursor.
const inMemoryStreamBufferSize = 100

// streamStatus represents the current state of a stream.
type streamStatus int

const (
	streamStatusOpen streamStatus = iota
	streamStatusDone
	streamStatusError
)

// streamState holds the internal state of a single stream.
type streamState struct {
	status      streamStatus
	chunks      []json.RawMessage
	output      json.RawMessage
	err         error
	notify      chan struct{} // closed and replaced on every append or terminal transition
	lastTouched time.Time
	mu          sync.RWMutex
}

// broadcast wakes all subscriber pumps after a state change.
// Callers must hold state.mu.
func (s *streamState) broadcast() {
	close(s.notify)
	s.notify = make(chan struct{})
}

// InMemoryStreamManager is an in-memory implementation of StreamManager.
// Useful for testing or single-instance deployments where persistence is not
// required. Call Close to stop the background cleanup goroutine when the
// manager is no longer needed.
type InMemoryStreamManager struct {
	streams map[string]*streamState
	mu      sync.RWMutex
	ttl     time.Duration
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// StreamManagerOption configures an InMemoryStreamManager.
type StreamManagerOption interface {
	applyInMemoryStreamManager(*streamManagerOptions)
}

type streamManagerOptions struct {
	TTL time.Duration // Time-to-live for completed streams.
}

func (o *streamManagerOptions) applyInMemoryStreamManager(opts *streamManagerOptions) {
	if o.TTL > 0 {
		opts.TTL = o.TTL
	}
}

// WithTTL sets the time-to-live for completed streams.
// Streams that have completed (done or error) will be cleaned up after this
// duration. Default is 5 minutes.
func WithTTL(ttl time.Duration) StreamManagerOption {
	return &streamManagerOptions{TTL: ttl}
}

// NewInMemoryStreamManager creates a new InMemoryStreamManager.
// A background goroutine is started to periodically clean up expired streams.
// Call Close to stop the goroutine when the manager is no longer needed.
func NewInMemoryStreamManager(opts ...StreamManagerOption) *InMemoryStreamManager {
	options := &streamManagerOptions{
		TTL: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt.applyInMemoryStreamManager(options)
	}
	m := &InMemoryStreamManager{
		streams: make(map[string]*streamState),
		ttl:     options.TTL,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

func (m *InMemoryStreamManager) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	defer close(m.doneCh)

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.cleanupExpiredStreams()
		}
	}
}

// cleanupExpiredStreams removes streams that have completed and exceeded the TTL.
func (m *InMemoryStreamManager) cleanupExpiredStreams() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, state := range m.streams {
		state.mu.RLock()
		shouldDelete := state.status != streamStatusOpen && now.Sub(state.lastTouched) > m.ttl
		state.mu.RUnlock()
		if shouldDelete {
			delete(m.streams, id)
		}
	}
}

// Close stops the background cleanup goroutine and releases resources.
// This method blocks until the cleanup goroutine has stopped.
func (m *InMemoryStreamManager) Close() {
	close(m.stopCh)
	<-m.doneCh
}

// Open creates a new stream for writing.
func (m *InMemoryStreamManager) Open(ctx context.Context, streamID string) (StreamInput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.streams[streamID]; exists {
		return nil, core.NewPublicError(core.ALREADY_EXISTS, "stream already exists", nil)
	}

	state := &streamState{
		status:      streamStatusOpen,
		chunks:      make([]json.RawMessage, 0),
		notify:      make(chan struct{}),
		lastTouched: time.Now(),
	}
	m.streams[streamID] = state

	return &inMemoryStreamInput{
		manager:  m,
		streamID: streamID,
		state:    state,
	}, nil
}

// Subscribe subscribes to an existing stream.
//
// Each subscriber is served by its own pump goroutine that walks the chunk
// log at a cursor, so a slow subscriber never blocks writers or other
// subscribers and never misses events. The pump closes the channel and exits
// once the terminal event has been delivered, the caller unsubscribes, or
// ctx is done.
func (m *InMemoryStreamManager) Subscribe(ctx context.Context, streamID string) (<-chan StreamEvent, func(), error) {
	m.mu.RLock()
	state, exists := m.streams[streamID]
	m.mu.RUnlock()

	if !exists {
		return nil, nil, core.NewPublicError(core.NOT_FOUND, "stream not found", nil)
	}

	ch := make(chan StreamEvent, inMemoryStreamBufferSize)
	done := make(chan struct{})
	var once sync.Once
	unsubscribe := func() { once.Do(func() { close(done) }) }

	go state.pump(ctx, ch, done)

	return ch, unsubscribe, nil
}

// pump delivers the chunk log and the eventual terminal event to ch in
// order. The cursor advances only after a chunk has been handed off, so no
// event is ever skipped.
func (s *streamState) pump(ctx context.Context, ch chan<- StreamEvent, done <-chan struct{}) {
	defer close(ch)
	cursor := 0
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		default:
		}

		s.mu.RLock()
		pending := s.chunks[cursor:]
		status := s.status
		output := s.output
		serr := s.err
		notify := s.notify
		s.mu.RUnlock()

		for _, chunk := range pending {
			select {
			case ch <- StreamEvent{Type: StreamEventChunk, Chunk: chunk}:
				cursor++
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}

		switch status {
		case streamStatusDone:
			select {
			case ch <- StreamEvent{Type: StreamEventDone, Output: output}:
			case <-done:
			case <-ctx.Done():
			}
			return
		case streamStatusError:
			select {
			case ch <- StreamEvent{Type: StreamEventError, Err: serr}:
			case <-done:
			case <-ctx.Done():
			}
			return
		}

		select {
		case <-notify:
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// inMemoryStreamInput implements StreamInput for the in-memory manager.
type inMemoryStreamInput struct {
	manager  *InMemoryStreamManager
	streamID string
	state    *streamState
	closed   bool
	mu       sync.Mutex
}

func (s *inMemoryStreamInput) Write(_ context.Context, chunk json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return core.NewPublicError(core.FAILED_PRECONDITION, "stream writer is closed", nil)
	}

	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	if s.state.status != streamStatusOpen {
		return core.NewPublicError(core.FAILED_PRECONDITION, "stream has already completed", nil)
	}

	s.state.chunks = append(s.state.chunks, chunk)
	s.state.lastTouched = time.Now()
	s.state.broadcast()

	return nil
}

func (s *inMemoryStreamInput) Done(_ context.Context, output json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return core.NewPublicError(core.FAILED_PRECONDITION, "stream writer is closed", nil)
	}
	s.closed = true

	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	if s.state.status != streamStatusOpen {
		return core.NewPublicError(core.FAILED_PRECONDITION, "stream has already completed", nil)
	}

	s.state.status = streamStatusDone
	s.state.output = output
	s.state.lastTouched = time.Now()
	s.state.broadcast()

	return nil
}

func (s *inMemoryStreamInput) Error(_ context.Context, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return core.NewPublicError(core.FAILED_PRECONDITION, "stream writer is closed", nil)
	}
	s.closed = true

	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	if s.state.status != streamStatusOpen {
		return core.NewPublicError(core.FAILED_PRECONDITION, "stream has already completed", nil)
	}

	s.state.status = streamStatusError
	s.state.err = err
	s.state.lastTouched = time.Now()
	s.state.broadcast()

	return nil
}

func (s *inMemoryStreamInput) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
