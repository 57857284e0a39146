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
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loomhq/loom/core"
	"github.com/loomhq/loom/internal/registry"
)

func TestReflectionServeMux(t *testing.T) {
	r := registry.New()

	core.DefineFlow(r, "double", func(ctx context.Context, n int) (int, error) {
		return n * 2, nil
	})
	core.DefineStreamingFlow(r, "count", func(ctx context.Context, n int, cb core.StreamCallback[int]) (int, error) {
		for i := 0; i < n; i++ {
			if cb != nil {
				if err := cb(ctx, i); err != nil {
					return 0, err
				}
			}
		}
		return n, nil
	})

	srv := httptest.NewServer(reflectionServeMux(r))
	defer srv.Close()

	t.Run("health", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/__health")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("want status code %d, got %d", http.StatusOK, resp.StatusCode)
		}
	})

	t.Run("list actions", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/actions")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()

		var descs map[string]struct {
			Key  string `json:"key"`
			Name string `json:"name"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&descs); err != nil {
			t.Fatal(err)
		}

		if _, ok := descs["/flow/double"]; !ok {
			t.Errorf("want /flow/double in listed actions, got %v", descs)
		}
		if _, ok := descs["/flow/count"]; !ok {
			t.Errorf("want /flow/count in listed actions, got %v", descs)
		}
	})

	t.Run("run action", func(t *testing.T) {
		body := `{"key": "/flow/double", "input": 21}`
		resp, err := http.Post(srv.URL+"/api/runAction", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Fatalf("want status code %d, got %d", http.StatusOK, resp.StatusCode)
		}

		var got runActionResponse
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			t.Fatal(err)
		}
		if string(got.Result) != "42" {
			t.Errorf("want result 42, got %s", got.Result)
		}
		if got.Telemetry.TraceID == "" {
			t.Error("want non-empty trace ID")
		}
	})

	t.Run("run action with streaming", func(t *testing.T) {
		body := `{"key": "/flow/count", "input": 3}`
		resp, err := http.Post(srv.URL+"/api/runAction?stream=true", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()

		raw, _ := io.ReadAll(resp.Body)
		text := string(raw)

		for _, chunk := range []string{"0\n", "1\n", "2\n"} {
			if !strings.Contains(text, chunk) {
				t.Errorf("want streamed chunk %q in response, got %q", chunk, text)
			}
		}
		if !strings.Contains(text, `"result":3`) {
			t.Errorf("want final result in response, got %q", text)
		}
	})

	t.Run("run unknown action", func(t *testing.T) {
		body := `{"key": "/flow/missing", "input": 1}`
		resp, err := http.Post(srv.URL+"/api/runAction", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("want status code %d, got %d", http.StatusNotFound, resp.StatusCode)
		}
	})

	t.Run("run action with context", func(t *testing.T) {
		core.DefineFlow(r, "whoami", func(ctx context.Context, _ struct{}) (string, error) {
			actionCtx := core.FromContext(ctx)
			if actionCtx == nil {
				return "nobody", nil
			}
			user, _ := actionCtx["user"].(string)
			return user, nil
		})

		body := `{"key": "/flow/whoami", "input": {}, "context": {"user": "ada"}}`
		resp, err := http.Post(srv.URL+"/api/runAction", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()

		var got runActionResponse
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			t.Fatal(err)
		}
		if string(got.Result) != `"ada"` {
			t.Errorf("want result %q, got %s", `"ada"`, got.Result)
		}
	})

	t.Run("run action with malformed context", func(t *testing.T) {
		body := `{"key": "/flow/double", "input": 21, "context": "not an object"}`
		resp, err := http.Post(srv.URL+"/api/runAction", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("want status code %d, got %d", http.StatusBadRequest, resp.StatusCode)
		}
	})
}
