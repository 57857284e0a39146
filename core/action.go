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
	"fmt"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/loomhq/loom/core/api"
	"github.com/loomhq/loom/core/tracing"
	"github.com/loomhq/loom/internal/base"
	"github.com/loomhq/loom/internal/metrics"
)

// Func is the type of function that actions and flows execute.
// It takes an input of type In and returns an output of type Out, optionally
// streaming values of type Stream incrementally by invoking a callback.
type Func[In, Out, Stream any] = func(context.Context, In, StreamCallback[Stream]) (Out, error)

// StreamCallback is a function that is called during streaming to return the
// next chunk of the stream.
type StreamCallback[Stream any] = func(context.Context, Stream) error

// NoStream indicates that the action or flow does not support streaming.
type NoStream = StreamCallback[struct{}]

// An ActionDef is a named, observable operation that underlies all Loom
// primitives. It consists of a function that takes an input of type In and
// returns an output of type Out, optionally streaming values of type Stream
// incrementally by invoking a callback. It optionally has other metadata,
// like a description and JSON schemas for its input and output.
//
// Each time an ActionDef is run, it results in a new trace span.
type ActionDef[In, Out, Stream any] struct {
	fn           Func[In, Out, Stream]
	desc         api.ActionDesc
	tstate       *tracing.State
	inputSchema  *jsonschema.Schema
	outputSchema *jsonschema.Schema
}

// DefineAction creates a new non-streaming action and registers it.
func DefineAction[In, Out any](
	r api.Registry,
	provider, name string,
	atype api.ActionType,
	metadata map[string]any,
	fn func(context.Context, In) (Out, error),
) *ActionDef[In, Out, struct{}] {
	a := NewAction(api.NewName(provider, name), atype, metadata, fn)
	a.Register(r)
	return a
}

// DefineStreamingAction creates a new streaming action and registers it.
func DefineStreamingAction[In, Out, Stream any](
	r api.Registry,
	provider, name string,
	atype api.ActionType,
	metadata map[string]any,
	fn Func[In, Out, Stream],
) *ActionDef[In, Out, Stream] {
	a := NewStreamingAction(api.NewName(provider, name), atype, metadata, nil, fn)
	a.Register(r)
	return a
}

// NewAction creates a new non-streaming action without registering it.
func NewAction[In, Out any](
	name string,
	atype api.ActionType,
	metadata map[string]any,
	fn func(context.Context, In) (Out, error),
) *ActionDef[In, Out, struct{}] {
	return NewStreamingAction(name, atype, metadata, nil,
		func(ctx context.Context, in In, _ NoStream) (Out, error) {
			return fn(ctx, in)
		})
}

// NewStreamingAction creates a new streaming action without registering it.
// If inputSchema is nil, it is inferred from In.
func NewStreamingAction[In, Out, Stream any](
	name string,
	atype api.ActionType,
	metadata map[string]any,
	inputSchema *jsonschema.Schema,
	fn Func[In, Out, Stream],
) *ActionDef[In, Out, Stream] {
	var i In
	var o Out
	if inputSchema == nil {
		inputSchema = base.InferJSONSchema(i)
	}
	outputSchema := base.InferJSONSchema(o)
	var description string
	if desc, ok := metadata["description"].(string); ok {
		description = desc
	}
	provider, id := api.ParseName(name)
	return &ActionDef[In, Out, Stream]{
		fn: func(ctx context.Context, input In, cb StreamCallback[Stream]) (Out, error) {
			tracing.SetCustomMetadataAttr(ctx, "subtype", string(atype))
			return fn(ctx, input, cb)
		},
		desc: api.ActionDesc{
			Type:         atype,
			Key:          api.NewKey(atype, provider, id),
			Name:         name,
			Description:  description,
			InputSchema:  base.SchemaAsMap(inputSchema),
			OutputSchema: base.SchemaAsMap(outputSchema),
			Metadata:     metadata,
		},
		inputSchema:  inputSchema,
		outputSchema: outputSchema,
	}
}

// Name returns the action's name.
func (a *ActionDef[In, Out, Stream]) Name() string { return a.desc.Name }

// Register registers the action with the registry. Registration makes the
// action available for lookup and binds it to the registry's tracing state.
func (a *ActionDef[In, Out, Stream]) Register(r api.Registry) {
	a.tstate = r.TracingState()
	r.RegisterAction(a.desc.Key, a)
}

// Run executes the action's function in a new trace span.
func (a *ActionDef[In, Out, Stream]) Run(ctx context.Context, input In, cb StreamCallback[Stream]) (output Out, err error) {
	return tracing.RunInNewSpan(ctx, a.tracingState(),
		&tracing.SpanMetadata{
			Name:    a.desc.Name,
			Type:    "action",
			Subtype: string(a.desc.Type),
		},
		input,
		func(ctx context.Context, input In) (Out, error) {
			start := time.Now()
			var err error
			if err = base.ValidateValue(input, a.inputSchema); err != nil {
				err = NewError(INVALID_ARGUMENT, "invalid input: %v", err)
			}
			var output Out
			if err == nil {
				output, err = a.fn(ctx, input, cb)
				if err == nil {
					if err = base.ValidateValue(output, a.outputSchema); err != nil {
						err = fmt.Errorf("invalid output: %w", err)
					}
				}
			}
			latency := time.Since(start)
			if err != nil {
				metrics.WriteActionFailure(ctx, a.desc.Name, latency, err)
				return base.Zero[Out](), err
			}
			metrics.WriteActionSuccess(ctx, a.desc.Name, latency)
			return output, nil
		})
}

// RunJSON runs the action with a JSON input, and returns a JSON result.
func (a *ActionDef[In, Out, Stream]) RunJSON(ctx context.Context, input json.RawMessage, cb func(context.Context, json.RawMessage) error) (json.RawMessage, error) {
	// Validate input before unmarshaling it because invalid or unknown fields
	// will be discarded in the process.
	var in In
	if input != nil {
		if err := base.ValidateJSON(input, a.inputSchema); err != nil {
			return nil, NewError(INVALID_ARGUMENT, "%v", err)
		}
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, err
		}
	}
	var callback StreamCallback[Stream]
	if cb != nil {
		callback = func(ctx context.Context, s Stream) error {
			bytes, err := json.Marshal(s)
			if err != nil {
				return err
			}
			return cb(ctx, json.RawMessage(bytes))
		}
	}
	out, err := a.Run(ctx, in, callback)
	if err != nil {
		return nil, err
	}
	bytes, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(bytes), nil
}

// Desc returns a descriptor of the action.
func (a *ActionDef[In, Out, Stream]) Desc() api.ActionDesc {
	return a.desc
}

func (a *ActionDef[In, Out, Stream]) tracingState() *tracing.State {
	if a.tstate != nil {
		return a.tstate
	}
	// The action has not been registered; trace into a throwaway provider
	// rather than failing the run.
	return tracing.NewState()
}

// ResolveActionFor returns the action for the given key in the registry,
// triggering dynamic resolution if needed, or nil if there is none.
// It panics if the action is of the wrong type.
func ResolveActionFor[In, Out, Stream any](r api.Registry, atype api.ActionType, provider, name string) *ActionDef[In, Out, Stream] {
	key := api.NewKey(atype, provider, name)
	a := r.ResolveAction(key)
	if a == nil {
		return nil
	}
	return a.(*ActionDef[In, Out, Stream])
}
