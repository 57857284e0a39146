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

package loom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/loomhq/loom/core"
	"github.com/loomhq/loom/core/api"
	"github.com/loomhq/loom/core/logger"
	"github.com/loomhq/loom/core/streaming"
)

// streamIDHeader carries the durable stream ID on both responses (newly
// minted IDs) and requests (resubscription).
const streamIDHeader = "X-Loom-Stream-Id"

// handlerOptions are options for serving an action over HTTP.
type handlerOptions struct {
	ContextProviders []core.ContextProvider  // Providers for action context that may be used during runtime.
	StreamManager    streaming.StreamManager // Manager for durable streams.
}

// HandlerOption configures an HTTP handler created by [Handler].
type HandlerOption interface {
	applyHandler(opts *handlerOptions) error
}

func (o *handlerOptions) applyHandler(opts *handlerOptions) error {
	if len(o.ContextProviders) > 0 {
		if opts.ContextProviders != nil {
			return errors.New("cannot set context providers more than once (WithContextProviders)")
		}
		opts.ContextProviders = o.ContextProviders
	}
	if o.StreamManager != nil {
		if opts.StreamManager != nil {
			return errors.New("cannot set stream manager more than once (WithStreamManager)")
		}
		opts.StreamManager = o.StreamManager
	}
	return nil
}

// WithContextProviders sets the context providers to run on each request.
// The action contexts they return are merged in order, later providers
// overwriting earlier ones, and made available to the action via
// [core.FromContext].
func WithContextProviders(providers ...core.ContextProvider) HandlerOption {
	return &handlerOptions{ContextProviders: providers}
}

// WithStreamManager makes the handler serve streaming requests durably: each
// new invocation is assigned a stream ID, returned in the X-Loom-Stream-Id
// response header, and its chunks are teed through the manager so clients can
// resubscribe. A request carrying X-Loom-Stream-Id replays the identified
// stream instead of running the action.
func WithStreamManager(sm streaming.StreamManager) HandlerOption {
	return &handlerOptions{StreamManager: sm}
}

// Handler returns an HTTP handler that serves the action.
//
// The request body must be JSON of the form {"data": <input>}. The response
// is {"result": <output>} for non-streaming requests. If the client sends
// Accept: text/event-stream or ?stream=true, the response is a stream of
// server-sent events, one data line per streamed chunk and a final
// {"result": <output>} event.
func Handler(a api.Action, opts ...HandlerOption) http.HandlerFunc {
	hOpts := &handlerOptions{}
	for _, opt := range opts {
		if err := opt.applyHandler(hOpts); err != nil {
			slog.Error("loom.Handler: error applying options", "err", err)
			return func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "handler misconfigured", http.StatusInternalServerError)
			}
		}
	}
	return wrapHandler(serveAction(a, hOpts))
}

// wrapHandler turns a handler func that returns an error into an
// http.HandlerFunc, logging each request and mapping errors to HTTP status
// codes.
func wrapHandler(f func(w http.ResponseWriter, r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := requestID.Add(1)
		log := slog.Default().With("reqID", id)
		log.Debug("request start", "method", r.Method, "path", r.URL.Path)

		if err := f(w, r); err != nil {
			log.Error("request end", "err", err)
			var uerr *core.UserFacingError
			if errors.As(err, &uerr) {
				http.Error(w, uerr.Message, core.HTTPStatusCode(uerr.Status))
			} else {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
			return
		}
		log.Debug("request end")
	}
}

func serveAction(a api.Action, opts *handlerOptions) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		if a == nil {
			return errors.New("no action provided to serve")
		}

		var body struct {
			Data json.RawMessage `json:"data"`
		}
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return err
		}

		ctx := r.Context()
		if len(opts.ContextProviders) > 0 {
			actionCtx := core.ActionContext{}
			reqData := core.RequestData{
				Method:  r.Method,
				Headers: lowercaseHeaders(r.Header),
				Input:   body.Data,
			}
			for _, provider := range opts.ContextProviders {
				m, err := provider(ctx, reqData)
				if err != nil {
					return err
				}
				for k, v := range m {
					actionCtx[k] = v
				}
			}
			ctx = core.WithActionContext(ctx, actionCtx)
		}

		stream, err := parseBoolQueryParam(r, "stream")
		if err != nil {
			return err
		}
		streamRequested := stream || r.Header.Get("Accept") == "text/event-stream"

		if opts.StreamManager != nil && streamRequested {
			return serveDurableStream(ctx, w, r, a, opts.StreamManager, body.Data)
		}

		if streamRequested {
			setSSEHeaders(w)
			cb := func(ctx context.Context, chunk json.RawMessage) error {
				_, err := fmt.Fprintf(w, "data: {\"message\":%s}\n\n", chunk)
				if err != nil {
					return err
				}
				if f, ok := w.(http.Flusher); ok {
					f.Flush()
				}
				return nil
			}
			out, err := a.RunJSON(ctx, body.Data, cb)
			if err != nil {
				writeSSEError(w, err)
				return nil
			}
			_, err = fmt.Fprintf(w, "data: {\"result\":%s}\n\n", out)
			return err
		}

		out, err := a.RunJSON(ctx, body.Data, nil)
		if err != nil {
			return err
		}
		w.Header().Set("Content-Type", "application/json")
		_, err = fmt.Fprintf(w, "{\"result\":%s}\n", out)
		return err
	}
}

// serveDurableStream serves a streaming request backed by a stream manager.
// A request without a stream ID header runs the action, teeing its chunks
// through a newly opened stream; a request with one replays the identified
// stream without running the action.
func serveDurableStream(ctx context.Context, w http.ResponseWriter, r *http.Request, a api.Action, sm streaming.StreamManager, data json.RawMessage) error {
	if streamID := r.Header.Get(streamIDHeader); streamID != "" {
		events, unsubscribe, err := sm.Subscribe(ctx, streamID)
		if err != nil {
			var uerr *core.UserFacingError
			if errors.As(err, &uerr) && uerr.Status == core.NOT_FOUND {
				w.WriteHeader(http.StatusNoContent)
				return nil
			}
			return err
		}
		defer unsubscribe()
		setSSEHeaders(w)
		writeSSEEvents(w, events)
		return nil
	}

	streamID := uuid.NewString()
	input, err := sm.Open(ctx, streamID)
	if err != nil {
		return err
	}

	w.Header().Set(streamIDHeader, streamID)
	setSSEHeaders(w)

	events, unsubscribe, err := sm.Subscribe(ctx, streamID)
	if err != nil {
		input.Close()
		return err
	}
	defer unsubscribe()

	go func() {
		cb := func(ctx context.Context, chunk json.RawMessage) error {
			return input.Write(ctx, chunk)
		}
		out, err := a.RunJSON(ctx, data, cb)
		// Record the terminal state even if the client has gone away, so
		// that resubscribers see a complete stream.
		termCtx := context.WithoutCancel(ctx)
		if err != nil {
			if werr := input.Error(termCtx, err); werr != nil {
				slog.Error("failed to record stream error", "streamID", streamID, "err", werr)
			}
			return
		}
		if werr := input.Done(termCtx, out); werr != nil {
			slog.Error("failed to complete stream", "streamID", streamID, "err", werr)
		}
	}()

	writeSSEEvents(w, events)
	return nil
}

// writeSSEEvents writes stream events to the response as server-sent events
// until a terminal event arrives or the channel is closed.
func writeSSEEvents(w http.ResponseWriter, events <-chan streaming.StreamEvent) {
	for event := range events {
		switch event.Type {
		case streaming.StreamEventChunk:
			fmt.Fprintf(w, "data: {\"message\":%s}\n\n", event.Chunk)
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		case streaming.StreamEventDone:
			fmt.Fprintf(w, "data: {\"result\":%s}\n\n", event.Output)
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
			return
		case streaming.StreamEventError:
			writeSSEError(w, event.Err)
			return
		}
	}
}

// writeSSEError reports an action error as a terminal event in the stream.
// The HTTP status is already committed by the time the action fails, so the
// error travels in-band.
func writeSSEError(w http.ResponseWriter, err error) {
	fmt.Fprintf(w, "data: {\"error\":{\"status\":\"INTERNAL_SERVER_ERROR\",\"message\":\"stream flow error\",\"details\":\"%v\"}}\n\n", err)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
}

func lowercaseHeaders(h http.Header) map[string]string {
	headers := make(map[string]string, len(h))
	for k, v := range h {
		headers[strings.ToLower(k)] = strings.Join(v, ",")
	}
	return headers
}

// NewFlowServeMux returns a ServeMux that serves every registered flow at
// POST /<name>.
func NewFlowServeMux(l *Loom, opts ...HandlerOption) *http.ServeMux {
	mux := http.NewServeMux()
	for _, flow := range ListFlows(l) {
		mux.HandleFunc("POST /"+flow.Name(), Handler(flow, opts...))
	}
	return mux
}

// requestID is a unique ID for each request, used to correlate log lines.
var requestID atomic.Int64

// serverAddress determines a server address from an explicit argument, an
// environment variable holding a port, or a default, in that order.
func serverAddress(arg, envVar, defaultValue string) string {
	if arg != "" {
		return arg
	}
	if port := os.Getenv(envVar); port != "" {
		return "127.0.0.1:" + port
	}
	return defaultValue
}

func parseBoolQueryParam(r *http.Request, name string) (bool, error) {
	b := false
	if s := r.FormValue(name); s != "" {
		var err error
		b, err = strconv.ParseBool(s)
		if err != nil {
			return false, core.NewPublicError(core.INVALID_ARGUMENT, fmt.Sprintf("invalid value %q for query parameter %q", s, name), nil)
		}
	}
	return b, nil
}

// writeJSON writes a JSON-marshaled value to the response writer.
func writeJSON(ctx context.Context, w http.ResponseWriter, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		logger.FromContext(ctx).Error("writing output", "err", err)
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}
