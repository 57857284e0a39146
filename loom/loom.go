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

// Package loom provides the top-level API for application developers:
// initializing a runtime instance, defining flows, and serving them over
// HTTP.
package loom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loomhq/loom/core/api"
	"github.com/loomhq/loom/internal/base"
	"github.com/loomhq/loom/internal/registry"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Loom encapsulates a runtime instance including the action registry and
// configuration. It is a required parameter for most top-level functions.
//
// To create a Loom instance, use [Init].
type Loom struct {
	reg *registry.Registry
}

// loomOptions are options for configuring a Loom instance.
type loomOptions struct {
	Plugins []api.Plugin // Plugins to initialize during Init.
}

// Option configures a Loom instance during [Init].
type Option interface {
	apply(opts *loomOptions) error
}

func (o *loomOptions) apply(opts *loomOptions) error {
	if len(o.Plugins) > 0 {
		if opts.Plugins != nil {
			return errors.New("cannot set plugins more than once (WithPlugins)")
		}
		opts.Plugins = o.Plugins
	}
	return nil
}

// WithPlugins sets the plugins to initialize during [Init]. Each plugin's
// Init is called exactly once; the actions it returns are registered under
// the plugin's name.
func WithPlugins(plugins ...api.Plugin) Option {
	return &loomOptions{Plugins: plugins}
}

// Init creates a new [Loom] instance.
//
// Plugins passed via [WithPlugins] are initialized in order; an error from
// any plugin's Init aborts startup. During local development
// (LOOM_ENV=dev), Init also starts the reflection API server (on port 3100
// by default) as a side effect.
func Init(ctx context.Context, opts ...Option) (*Loom, error) {
	lOpts := &loomOptions{}
	for _, opt := range opts {
		if err := opt.apply(lOpts); err != nil {
			return nil, fmt.Errorf("loom.Init: error applying options: %w", err)
		}
	}

	r := registry.New()
	l := &Loom{reg: r}

	for _, plugin := range lOpts.Plugins {
		r.RegisterPlugin(plugin.Name(), plugin)
		actions, err := plugin.Init(ctx)
		if err != nil {
			return nil, fmt.Errorf("loom.Init: plugin %q initialization failed: %w", plugin.Name(), err)
		}
		for _, a := range actions {
			a.Register(r)
		}
	}

	if base.CurrentEnvironment() == base.EnvironmentDev {
		errCh := make(chan error, 1)
		serverStartCh := make(chan struct{})

		go func() {
			if s := startReflectionServer(ctx, r, errCh, serverStartCh); s == nil {
				return
			}
			if err := <-errCh; err != nil {
				slog.Error("reflection server error", "err", err)
			}
		}()

		select {
		case err := <-errCh:
			return nil, fmt.Errorf("loom.Init: reflection server startup failed: %w", err)
		case <-serverStartCh:
			slog.Debug("reflection server started")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return l, nil
}

// Registry returns the registry backing this instance.
func (l *Loom) Registry() api.Registry {
	return l.reg
}

// RegisterSpanProcessor registers an OpenTelemetry span processor that
// receives every span the runtime creates. Use this to export traces to a
// telemetry backend.
func (l *Loom) RegisterSpanProcessor(sp sdktrace.SpanProcessor) {
	l.reg.TracingState().RegisterSpanProcessor(sp)
}
