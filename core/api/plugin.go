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
	"context"
)

// Plugin is the interface implemented by types that extend Loom's
// functionality, typically integrations with external services such as model
// providers or vector databases. Plugins are registered and initialized
// during Init; an error from Init is fatal for startup.
type Plugin interface {
	// Name returns the unique identifier for the plugin.
	// This name is used for registration and lookup.
	Name() string
	// Init initializes the plugin and returns the actions it contributes.
	// It is called exactly once, before the application serves traffic.
	Init(ctx context.Context) ([]Action, error)
}

// DynamicPlugin is a [Plugin] that can resolve actions on demand, for
// example by querying a remote catalog.
type DynamicPlugin interface {
	Plugin
	// ListActions returns descriptors for the actions the plugin is capable
	// of resolving.
	ListActions(ctx context.Context) []ActionDesc
	// ResolveAction resolves an action type and name to an [Action], or
	// returns nil if the plugin does not recognize it.
	ResolveAction(atype ActionType, name string) Action
}
