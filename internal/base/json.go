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

package base

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/invopop/jsonschema"
)

// JSONString returns json.Marshal(x) as a string. If json.Marshal returns
// an error, JSONString returns the error text as a JSON string beginning "ERROR:".
func JSONString(x any) string {
	bytes, err := json.Marshal(x)
	if err != nil {
		bytes, _ = json.Marshal(fmt.Sprintf("ERROR: %v", err))
	}
	return string(bytes)
}

// InferJSONSchema reflects a JSON schema from the type of x.
// Top-level types are inlined rather than referenced through $defs so the
// schema is self-contained and serializable for introspection.
// Interface-typed values (for example a nil any) carry no structure to
// reflect; for those InferJSONSchema returns nil, which validation treats
// as accept-everything.
func InferJSONSchema(x any) *jsonschema.Schema {
	if reflect.TypeOf(x) == nil {
		return nil
	}
	r := jsonschema.Reflector{
		DoNotReference: true,
	}
	return r.Reflect(x)
}

// SchemaAsMap converts a reflected schema into a plain map, the form action
// descriptors carry so they can be serialized without schema internals.
func SchemaAsMap(s *jsonschema.Schema) map[string]any {
	if s == nil {
		return nil
	}
	bytes, err := s.MarshalJSON()
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(bytes, &m); err != nil {
		return nil
	}
	return m
}
