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

package metrics

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestRecordedMetrics(t *testing.T) {
	// The meter provider must be in place before the first write, since
	// instruments are created lazily exactly once.
	reader := sdkmetric.NewManualReader()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))

	ctx := context.Background()
	WriteActionSuccess(ctx, "test/action", 5*time.Millisecond)
	WriteActionFailure(ctx, "test/action", 7*time.Millisecond, errors.New("boom"))
	WriteFlowSuccess(ctx, "testFlow", 11*time.Millisecond)
	WriteFlowFailure(ctx, "testFlow", 13*time.Millisecond, errors.New("boom"))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatal(err)
	}

	var names []string
	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		if sm.Scope.Name != "loom" {
			continue
		}
		for _, m := range sm.Metrics {
			names = append(names, m.Name)
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					counts[m.Name] += dp.Value
				}
			}
		}
	}
	sort.Strings(names)

	want := []string{
		"loom/action/latency",
		"loom/action/requests",
		"loom/flow/latency",
		"loom/flow/requests",
	}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("metric names mismatch (-want +got):\n%s", diff)
	}

	if counts["loom/action/requests"] != 2 {
		t.Errorf("want 2 action requests, got %d", counts["loom/action/requests"])
	}
	if counts["loom/flow/requests"] != 2 {
		t.Errorf("want 2 flow requests, got %d", counts["loom/flow/requests"])
	}
}
