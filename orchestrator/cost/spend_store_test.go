// Copyright 2025 CouncilFlow
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

package cost

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *RedisSpendStore) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return mr, NewRedisSpendStore(client)
}

func TestSpendStores(t *testing.T) {
	day := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

	_, redisStore := setupMiniredis(t)
	stores := map[string]SpendStore{
		"memory": NewMemorySpendStore(),
		"redis":  redisStore,
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			spent, err := store.Spent(ctx, "client-a", day)
			if err != nil || spent != 0 {
				t.Fatalf("expected zero spend on a fresh day, got %f (%v)", spent, err)
			}

			if _, err := store.Add(ctx, "client-a", day, 0.25); err != nil {
				t.Fatalf("Add: %v", err)
			}
			total, err := store.Add(ctx, "client-a", day.Add(3*time.Hour), 0.5)
			if err != nil {
				t.Fatalf("Add: %v", err)
			}
			if !floatEquals(total, 0.75) {
				t.Errorf("expected running total 0.75, got %f", total)
			}

			if spent, _ := store.Spent(ctx, "client-a", day); !floatEquals(spent, 0.75) {
				t.Errorf("expected 0.75 spent, got %f", spent)
			}
			if spent, _ := store.Spent(ctx, "client-a", day.Add(24*time.Hour)); spent != 0 {
				t.Errorf("next day must start at zero, got %f", spent)
			}
			if spent, _ := store.Spent(ctx, "client-b", day); spent != 0 {
				t.Errorf("clients must not share spend, got %f", spent)
			}

			if _, err := store.Add(ctx, "", day, 1); !errors.Is(err, ErrInvalidClientID) {
				t.Errorf("expected ErrInvalidClientID, got %v", err)
			}
		})
	}
}

func TestRedisSpendStore_SetsExpiry(t *testing.T) {
	mr, store := setupMiniredis(t)
	day := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)

	if _, err := store.Add(context.Background(), "client-a", day, 0.1); err != nil {
		t.Fatalf("Add: %v", err)
	}

	key := "council:spend:client-a:2025-03-14"
	if !mr.Exists(key) {
		t.Fatalf("expected key %s, have %v", key, mr.Keys())
	}
	if ttl := mr.TTL(key); ttl != 48*time.Hour {
		t.Errorf("expected 48h TTL, got %s", ttl)
	}

	mr.FastForward(49 * time.Hour)
	if spent, _ := store.Spent(context.Background(), "client-a", day); spent != 0 {
		t.Errorf("expected expired spend to read as zero, got %f", spent)
	}
}

func TestRedisSpendStore_ServerDown(t *testing.T) {
	mr, store := setupMiniredis(t)
	mr.Close()

	_, err := store.Add(context.Background(), "client-a", time.Now(), 1)
	if err == nil || !strings.Contains(err.Error(), "failed to record spend") {
		t.Errorf("expected record failure, got %v", err)
	}
}

func TestConnectRedisSpendStore_InvalidURL(t *testing.T) {
	_, err := ConnectRedisSpendStore(context.Background(), "http://localhost:6379")
	if err == nil || !strings.Contains(err.Error(), "failed to parse") {
		t.Errorf("expected parse error, got %v", err)
	}
}
