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

	"github.com/loomhq/loom/core"
	"github.com/loomhq/loom/core/api"
)

// DefineFlow creates a [core.Flow] that runs fn, and registers it as an
// action. fn takes an input of type In and returns an output of type Out.
//
// Example:
//
//	myFlow := loom.DefineFlow(l, "myFlow", func(ctx context.Context, input string) (string, error) {
//		return fmt.Sprintf("You say %q, I say hello!", input), nil
//	})
//
//	myFlow.Run(ctx, "Hello!")
func DefineFlow[In, Out any](l *Loom, name string, fn func(ctx context.Context, input In) (Out, error)) *core.Flow[In, Out, struct{}] {
	return core.DefineFlow(l.reg, name, fn)
}

// DefineStreamingFlow creates a streaming [core.Flow] that runs fn, and
// registers it as an action.
//
// fn takes an input of type In and returns an output of type Out, optionally
// streaming values of type Stream incrementally by invoking a callback. If
// the callback is non-nil, fn should invoke it periodically with partial
// results, ultimately returning a final value that includes all the streamed
// data. Otherwise, it should ignore the callback and just return a result.
func DefineStreamingFlow[In, Out, Stream any](l *Loom, name string, fn core.Func[In, Out, Stream]) *core.Flow[In, Out, Stream] {
	return core.DefineStreamingFlow(l.reg, name, fn)
}

// Run runs fn as a named step of the flow executing in ctx. It returns an
// error when called outside a flow.
func Run[Out any](ctx context.Context, name string, fn func() (Out, error)) (Out, error) {
	return core.Run(ctx, name, fn)
}

// ListFlows returns the flows registered with this instance as actions.
func ListFlows(l *Loom) []api.Action {
	var flows []api.Action
	for _, desc := range l.reg.ListActions() {
		atype, _, _ := api.ParseKey(desc.Key)
		if atype != api.ActionTypeFlow {
			continue
		}
		if a := l.reg.LookupAction(desc.Key); a != nil {
			flows = append(flows, a)
		}
	}
	return flows
}

// LookupPlugin returns the plugin registered under name, or nil if there is
// none.
func LookupPlugin(l *Loom, name string) api.Plugin {
	return l.reg.LookupPlugin(name)
}
