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

// Package tracing provides support for execution traces.
package tracing

import (
	"context"
	"strings"
	"sync"

	"github.com/loomhq/loom/core/logger"
	"github.com/loomhq/loom/internal/base"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// State holds OpenTelemetry values for creating traces.
type State struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer // returned from tp.Tracer(), cached
}

// NewState creates a State with a fresh tracer provider.
func NewState() *State {
	tp := sdktrace.NewTracerProvider()
	return &State{
		tp:     tp,
		tracer: tp.Tracer("loom-tracer", trace.WithInstrumentationVersion("v1")),
	}
}

// RegisterSpanProcessor registers an OpenTelemetry SpanProcessor with the
// tracer provider. Spans are delivered to every registered processor as they
// finish; the processor decides where they go (telemetry sinks are external
// collaborators).
func (ts *State) RegisterSpanProcessor(sp sdktrace.SpanProcessor) {
	ts.tp.RegisterSpanProcessor(sp)
}

// Shutdown flushes pending spans and shuts down the tracer provider.
func (ts *State) Shutdown(ctx context.Context) error {
	return ts.tp.Shutdown(ctx)
}

const (
	attrPrefix   = "loom"
	spanTypeAttr = attrPrefix + ":type"
)

// SpanMetadata contains metadata for creating properly annotated spans.
type SpanMetadata struct {
	// Name is the span name.
	Name string
	// IsRoot indicates if this is a root span.
	IsRoot bool
	// Type represents the kind of span (e.g., "action", "flow").
	Type string
	// Subtype provides more specific categorization (e.g., "tool", "model").
	Subtype string
	// Attributes are arbitrary key-value pairs set directly as span attributes.
	Attributes map[string]string
	// Metadata are loom-specific metadata that get a "loom:metadata:" prefix.
	Metadata map[string]string
}

// RunInNewSpan runs f on input in a new span with the provided metadata.
// The span is a child of the span active in ctx, if any; nesting is carried
// by the context, so callers never thread spans explicitly.
func RunInNewSpan[I, O any](
	ctx context.Context,
	tstate *State,
	metadata *SpanMetadata,
	input I,
	f func(context.Context, I) (O, error),
) (O, error) {
	log := logger.FromContext(ctx)
	log.Debug("span start", "name", metadata.Name)
	defer log.Debug("span end", "name", metadata.Name)

	sm := &spanMetadata{
		Name:     metadata.Name,
		Input:    input,
		IsRoot:   metadata.IsRoot,
		Type:     metadata.Type,
		Subtype:  metadata.Subtype,
		Metadata: metadata.Metadata,
	}

	parentSpanMeta := spanMetaKey.FromContext(ctx)
	var parentPath string
	if parentSpanMeta != nil {
		parentPath = parentSpanMeta.basePath
	}
	// Child spans extend the undecorated path; only the leaf segment carries
	// the subtype annotation.
	sm.basePath = annotatedPath(metadata.Name, parentPath, metadata.Type)
	sm.Path = sm.basePath
	if metadata.Subtype != "" {
		sm.Path = decoratePathWithSubtype(sm.basePath, metadata.Subtype)
	}

	var opts []trace.SpanStartOption
	if metadata.Type != "" {
		opts = append(opts, trace.WithAttributes(attribute.String(spanTypeAttr, metadata.Type)))
	}
	for k, v := range metadata.Attributes {
		opts = append(opts, trace.WithAttributes(attribute.String(k, v)))
	}

	ctx, span := tstate.tracer.Start(ctx, metadata.Name, opts...)
	defer span.End()
	// At the end, copy the span metadata onto the OpenTelemetry span.
	defer func() { span.SetAttributes(sm.attributes()...) }()
	ctx = spanMetaKey.NewContext(ctx, sm)

	output, err := f(ctx, input)
	if err != nil {
		sm.State = spanStateError
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return base.Zero[O](), err
	}
	sm.State = spanStateSuccess
	sm.Output = output
	return output, nil
}

// annotatedPath appends a type-annotated segment to the parent path,
// e.g. /{chatFlow,t:flow}/{summarize,t:action}.
func annotatedPath(name, parentPath, spanType string) string {
	segment := "{" + name + "}"
	if spanType != "" {
		segment = "{" + name + ",t:" + spanType + "}"
	}
	if parentPath == "" {
		return "/" + segment
	}
	return parentPath + "/" + segment
}

// decoratePathWithSubtype adds a subtype annotation to the final path
// segment, e.g. /{f,t:flow}/{step,t:action} -> /{f,t:flow}/{step,t:action,s:tool}.
func decoratePathWithSubtype(path, subtype string) string {
	open := strings.LastIndex(path, "{")
	if open == -1 {
		return path
	}
	close := strings.Index(path[open:], "}")
	if close == -1 {
		return path
	}
	close += open
	return path[:close] + ",s:" + subtype + path[close:]
}

// spanState is the completion status of a span.
// An empty spanState indicates that the span has not ended.
type spanState string

const (
	spanStateSuccess spanState = "success"
	spanStateError   spanState = "error"
)

// spanMetadata holds loom-specific information about a span.
type spanMetadata struct {
	Name     string
	State    spanState
	IsRoot   bool
	Input    any
	Output   any
	Path     string            // annotated path with type and subtype information
	basePath string            // annotated path without the leaf subtype, used by child spans
	Type     string            // span type (action, flow, etc.)
	Subtype  string            // span subtype (tool, model, etc.)
	Metadata map[string]string // additional custom metadata
	mu       sync.Mutex
	attrs    map[string]string // additional information, as key-value pairs
}

// SetAttr sets an attribute, overwriting whatever is there.
func (sm *spanMetadata) SetAttr(k, v string) {
	if sm == nil {
		return
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.attrs == nil {
		sm.attrs = map[string]string{}
	}
	sm.attrs[k] = v
}

// attributes returns the spanMetadata as OpenTelemetry attributes in the
// form telemetry consumers expect.
func (sm *spanMetadata) attributes() []attribute.KeyValue {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	kvs := []attribute.KeyValue{
		attribute.String(attrPrefix+":name", sm.Name),
		attribute.String(attrPrefix+":state", string(sm.State)),
		attribute.String(attrPrefix+":input", base.JSONString(sm.Input)),
		attribute.String(attrPrefix+":path", sm.Path),
		attribute.String(attrPrefix+":output", base.JSONString(sm.Output)),
	}
	if sm.Type != "" {
		kvs = append(kvs, attribute.String(spanTypeAttr, sm.Type))
	}
	if sm.Subtype != "" {
		kvs = append(kvs, attribute.String(attrPrefix+":metadata:subtype", sm.Subtype))
	}
	if sm.IsRoot {
		kvs = append(kvs, attribute.Bool(attrPrefix+":isRoot", sm.IsRoot))
	}
	for k, v := range sm.Metadata {
		kvs = append(kvs, attribute.String(attrPrefix+":metadata:"+k, v))
	}
	for k, v := range sm.attrs {
		kvs = append(kvs, attribute.String(attrPrefix+":metadata:"+k, v))
	}
	return kvs
}

// spanMetaKey is for storing spanMetadatas in a context.
var spanMetaKey = base.NewContextKey[*spanMetadata]()

// SetCustomMetadataAttr records a key in the current span metadata.
func SetCustomMetadataAttr(ctx context.Context, key, value string) {
	spanMetaKey.FromContext(ctx).SetAttr(key, value)
}

// SpanPath returns the annotated path recorded in the current span metadata.
func SpanPath(ctx context.Context) string {
	sm := spanMetaKey.FromContext(ctx)
	if sm == nil {
		return ""
	}
	return sm.Path
}
