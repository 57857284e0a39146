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

package core

import (
	"context"
	"encoding/json"

	"github.com/loomhq/loom/internal/base"
)

var actionCtxKey = base.NewContextKey[ActionContext]()

// WithActionContext returns a new Context with the action runtime context
// (side channel data) set.
func WithActionContext(ctx context.Context, actionCtx ActionContext) context.Context {
	return actionCtxKey.NewContext(ctx, actionCtx)
}

// FromContext returns the action runtime context (side channel data) from
// the context, or nil if none is set.
func FromContext(ctx context.Context) ActionContext {
	return actionCtxKey.FromContext(ctx)
}

// ActionContext is the runtime context for an action.
type ActionContext = map[string]any

// RequestData is the data associated with a request.
// It is used to provide additional context to the action.
type RequestData struct {
	Method  string            // HTTP method of the request (e.g. "GET", "POST").
	Headers map[string]string // Request headers; keys are lowercase header names.
	Input   json.RawMessage   // Body of the request.
}

// ContextProvider is a function that returns an ActionContext for a given
// request. It is used to provide additional context to the action.
type ContextProvider = func(ctx context.Context, req RequestData) (ActionContext, error)
