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
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/loomhq/loom/core"
	"github.com/loomhq/loom/core/api"
	"github.com/loomhq/loom/core/logger"
	"github.com/loomhq/loom/core/tracing"
	"github.com/loomhq/loom/internal/registry"
	"go.opentelemetry.io/otel/trace"
)

// reflectionServer exposes the registry for local development tooling: it
// lists registered actions and runs them by key.
type reflectionServer struct {
	*http.Server
	reg *registry.Registry
}

// startReflectionServer starts the reflection API server listening at
// 127.0.0.1 on the port given by the LOOM_REFLECTION_PORT environment
// variable, or 3100 if it is empty. It signals serverStartCh once the
// listener is accepting connections, and sends any startup or serve error to
// errCh.
func startReflectionServer(ctx context.Context, r *registry.Registry, errCh chan<- error, serverStartCh chan<- struct{}) *reflectionServer {
	if r == nil {
		errCh <- fmt.Errorf("nil registry provided")
		return nil
	}

	addr := serverAddress("", "LOOM_REFLECTION_PORT", "127.0.0.1:3100")

	s := &reflectionServer{
		Server: &http.Server{
			Addr:    addr,
			Handler: reflectionServeMux(r),
		},
		reg: r,
	}

	slog.Debug("starting reflection server", "addr", s.Addr)

	serverCtx, cancel := context.WithCancel(context.Background())

	go func() {
		// Check that the port is available before signaling success.
		listener, err := net.Listen("tcp", s.Addr)
		if err != nil {
			errCh <- fmt.Errorf("failed to create listener: %w", err)
			return
		}

		close(serverStartCh)

		if err := s.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		cancel()
	}()

	go func() {
		select {
		case <-ctx.Done():
		case <-serverCtx.Done():
			return
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.Shutdown(shutdownCtx); err != nil {
			slog.Error("reflection server shutdown error", "err", err)
		}
	}()

	return s
}

// reflectionServeMux returns a ServeMux configured for the reflection API
// endpoints.
func reflectionServeMux(r *registry.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	// The health endpoint skips wrapHandler to avoid logging constant
	// polling requests.
	mux.HandleFunc("GET /api/__health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /api/actions", wrapHandler(handleListActions(r)))
	mux.HandleFunc("POST /api/runAction", wrapHandler(handleRunAction(r)))
	return mux
}

// handleRunAction looks up an action by key in the registry, runs it with
// the provided JSON input, and writes back the JSON-marshaled output along
// with the trace ID of the run.
func handleRunAction(reg *registry.Registry) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		ctx := r.Context()

		var body struct {
			Key     string          `json:"key"`
			Input   json.RawMessage `json:"input"`
			Context json.RawMessage `json:"context"`
		}
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return core.NewPublicError(core.INVALID_ARGUMENT, err.Error(), nil)
		}

		stream, err := parseBoolQueryParam(r, "stream")
		if err != nil {
			return err
		}

		logger.FromContext(ctx).Debug("running action", "key", body.Key, "stream", stream)

		var cb func(context.Context, json.RawMessage) error
		if stream {
			w.Header().Set("Content-Type", "text/plain")
			w.Header().Set("Transfer-Encoding", "chunked")
			// Stream results are newline-separated JSON.
			cb = func(ctx context.Context, msg json.RawMessage) error {
				if _, err := fmt.Fprintf(w, "%s\n", msg); err != nil {
					return err
				}
				if f, ok := w.(http.Flusher); ok {
					f.Flush()
				}
				return nil
			}
		}

		var contextMap core.ActionContext
		if body.Context != nil {
			if err := json.Unmarshal(body.Context, &contextMap); err != nil {
				return core.NewPublicError(core.INVALID_ARGUMENT, fmt.Sprintf("invalid action context: %v", err), nil)
			}
		}

		resp, err := runAction(ctx, reg, body.Key, body.Input, cb, contextMap)
		if err != nil {
			return err
		}

		return writeJSON(ctx, w, resp)
	}
}

// handleListActions lists all the registered actions, keyed by action key.
func handleListActions(reg *registry.Registry) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		descMap := map[string]api.ActionDesc{}
		for _, d := range reg.ListActions() {
			descMap[d.Key] = d
		}
		return writeJSON(r.Context(), w, descMap)
	}
}

type runActionResponse struct {
	Result    json.RawMessage `json:"result"`
	Telemetry telemetry       `json:"telemetry"`
}

type telemetry struct {
	TraceID string `json:"traceId"`
}

func runAction(ctx context.Context, reg *registry.Registry, key string, input json.RawMessage, cb func(context.Context, json.RawMessage) error, runtimeContext core.ActionContext) (*runActionResponse, error) {
	action := reg.ResolveAction(key)
	if action == nil {
		return nil, core.NewPublicError(core.NOT_FOUND, fmt.Sprintf("no action with key %q", key), nil)
	}
	if runtimeContext != nil {
		ctx = core.WithActionContext(ctx, runtimeContext)
	}

	var traceID string
	output, err := tracing.RunInNewSpan(ctx, reg.TracingState(), &tracing.SpanMetadata{
		Name:   "dev-run-action-wrapper",
		IsRoot: true,
	}, input, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		tracing.SetCustomMetadataAttr(ctx, "dev-internal", "true")
		traceID = trace.SpanContextFromContext(ctx).TraceID().String()
		return action.RunJSON(ctx, input, cb)
	})
	if err != nil {
		return nil, err
	}

	return &runActionResponse{
		Result:    output,
		Telemetry: telemetry{TraceID: traceID},
	}, nil
}
