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

// This program serves a streaming countdown flow with reconnectable durable
// streams. Start it, then:
//
//	curl -N -H "Accept: text/event-stream" -d '{"data":5}' http://localhost:3400/countdown
//
// The response carries an X-Loom-Stream-Id header. To reconnect to the same
// stream (for example after dropping the connection):
//
//	curl -N -H "Accept: text/event-stream" -H "X-Loom-Stream-Id: <id>" -d '{"data":0}' http://localhost:3400/countdown
//
// Streams are held in memory by default. Set REDIS_ADDR to back them with
// Redis so they survive restarts and are reachable from other replicas.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loomhq/loom/core/streaming"
	"github.com/loomhq/loom/loom"
	"github.com/loomhq/loom/plugins/redisstream"
	"github.com/loomhq/loom/plugins/server"
)

func main() {
	ctx := context.Background()

	l, err := loom.Init(ctx)
	if err != nil {
		log.Fatalf("failed to initialize loom: %v", err)
	}

	loom.DefineStreamingFlow(l, "countdown",
		func(ctx context.Context, from int, cb func(context.Context, int) error) (string, error) {
			for i := from; i > 0; i-- {
				if cb != nil {
					if err := cb(ctx, i); err != nil {
						return "", err
					}
				}
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					return "", ctx.Err()
				}
			}
			return fmt.Sprintf("liftoff after %d", from), nil
		})

	var sm streaming.StreamManager
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to connect to Redis at %s: %v", addr, err)
		}
		sm = redisstream.New(client, redisstream.WithTTL(10*time.Minute))
		log.Printf("durable streams backed by Redis at %s", addr)
	} else {
		mgr := streaming.NewInMemoryStreamManager()
		defer mgr.Close()
		sm = mgr
		log.Print("durable streams held in memory; set REDIS_ADDR to persist them")
	}

	mux := loom.NewFlowServeMux(l, loom.WithStreamManager(sm))

	addr := "127.0.0.1:3400"
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}
	log.Fatal(server.Start(ctx, addr, mux))
}
