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
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// SpendStore tracks spend per client per UTC day across executions.
type SpendStore interface {
	// Spent returns the client's spend for the day containing at.
	Spent(ctx context.Context, clientID string, at time.Time) (float64, error)

	// Add records amount for the day containing at and returns the new total.
	Add(ctx context.Context, clientID string, at time.Time, amount float64) (float64, error)
}

func dayKey(at time.Time) string {
	return at.UTC().Format("2006-01-02")
}

// MemorySpendStore keeps spend in process memory.
type MemorySpendStore struct {
	mu    sync.Mutex
	spend map[string]float64
}

// NewMemorySpendStore creates an empty in-memory store.
func NewMemorySpendStore() *MemorySpendStore {
	return &MemorySpendStore{spend: make(map[string]float64)}
}

// Spent implements SpendStore.
func (s *MemorySpendStore) Spent(ctx context.Context, clientID string, at time.Time) (float64, error) {
	if clientID == "" {
		return 0, ErrInvalidClientID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spend[clientID+"|"+dayKey(at)], nil
}

// Add implements SpendStore.
func (s *MemorySpendStore) Add(ctx context.Context, clientID string, at time.Time, amount float64) (float64, error) {
	if clientID == "" {
		return 0, ErrInvalidClientID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := clientID + "|" + dayKey(at)
	s.spend[key] += amount
	return s.spend[key], nil
}

// RedisSpendStore keeps daily spend in Redis so every orchestrator replica
// sees the same totals. Keys expire two days after their first write.
type RedisSpendStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisSpendStore wraps an existing client.
func NewRedisSpendStore(client *redis.Client) *RedisSpendStore {
	return &RedisSpendStore{client: client, prefix: "council:spend", ttl: 48 * time.Hour}
}

// ConnectRedisSpendStore parses redisURL (redis://host:port/db), connects
// and verifies the connection.
func ConnectRedisSpendStore(ctx context.Context, redisURL string) (*RedisSpendStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisSpendStore(client), nil
}

func (s *RedisSpendStore) key(clientID string, at time.Time) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, clientID, dayKey(at))
}

// Spent implements SpendStore.
func (s *RedisSpendStore) Spent(ctx context.Context, clientID string, at time.Time) (float64, error) {
	if clientID == "" {
		return 0, ErrInvalidClientID
	}
	v, err := s.client.Get(ctx, s.key(clientID, at)).Float64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read spend for %s: %w", clientID, err)
	}
	return v, nil
}

// Add implements SpendStore.
func (s *RedisSpendStore) Add(ctx context.Context, clientID string, at time.Time, amount float64) (float64, error) {
	if clientID == "" {
		return 0, ErrInvalidClientID
	}
	key := s.key(clientID, at)

	pipe := s.client.TxPipeline()
	incr := pipe.IncrByFloat(ctx, key, amount)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to record spend for %s: %w", clientID, err)
	}
	return incr.Val(), nil
}

// Close releases the Redis connection pool.
func (s *RedisSpendStore) Close() error {
	return s.client.Close()
}
