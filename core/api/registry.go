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

package api

import (
	"github.com/loomhq/loom/core/tracing"
)

// Registry holds all registered actions and plugins, and provides methods to
// register, query, and look up actions.
//
// For internal use only. API may change without notice.
type Registry interface {
	// NewChild creates a new child registry that inherits from this registry.
	// Child registries are cheap to create and fall back to the parent for
	// lookups if a key is not found in the child.
	NewChild() Registry

	// IsChild reports whether the registry is a child of another registry.
	IsChild() bool

	// RegisterPlugin records the plugin in the registry.
	// It panics if a plugin with the same name is already registered.
	RegisterPlugin(name string, p Plugin)

	// RegisterAction records the action in the registry.
	// It panics if an action with the same type, provider and name is
	// already registered.
	RegisterAction(key string, action Action)

	// RegisterValue records an arbitrary value in the registry.
	// It panics if a value with the same name is already registered.
	RegisterValue(name string, value any)

	// LookupPlugin returns the plugin for the given name, falling back to
	// the parent if not found. Returns nil if the plugin is not found in the
	// registry hierarchy.
	LookupPlugin(name string) Plugin

	// LookupAction returns the action for the given key, falling back to the
	// parent if not found. Returns nil if there is none. Lookup never
	// mutates registry state.
	LookupAction(key string) Action

	// LookupValue returns the value for the given name, falling back to the
	// parent if not found. Returns nil if the value is not found in the
	// registry hierarchy.
	LookupValue(name string) any

	// ResolveAction looks up an action by key and, on a miss, attempts
	// dynamic resolution through the provider's plugin exactly once.
	// Returns nil if the action cannot be resolved.
	ResolveAction(key string) Action

	// ListActions returns descriptors of all registered actions, child
	// entries shadowing parent entries with the same key.
	ListActions() []ActionDesc

	// ListPlugins returns all registered plugins.
	ListPlugins() []Plugin

	// ListValues returns all registered values keyed by name, child entries
	// shadowing parent entries with the same name.
	ListValues() map[string]any

	// TracingState returns the tracing state owned by the root registry.
	TracingState() *tracing.State
}
