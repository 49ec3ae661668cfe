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

// Package history stores finished council executions and serves them
// over HTTP.
package history

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"councilflow/platform/orchestrator/council"
)

var (
	// ErrNotFound is returned when an execution does not exist
	ErrNotFound = errors.New("execution not found")

	// ErrInvalidInput is returned for snapshots without an execution ID
	ErrInvalidInput = errors.New("invalid input")
)

// Store persists finished council executions. It satisfies
// council.Recorder.
type Store interface {
	Save(ctx context.Context, snapshot council.Snapshot) error
	Get(ctx context.Context, executionID string) (*council.Snapshot, error)
	List(ctx context.Context, opts ListOptions) ([]Summary, int, error)
	Delete(ctx context.Context, executionID string) error
	Ping(ctx context.Context) error
}

var _ council.Recorder = Store(nil)

// Summary is the list view of an execution.
type Summary struct {
	ExecutionID    string          `json:"execution_id"`
	ConversationID string          `json:"conversation_id"`
	ClientID       string          `json:"client_id,omitempty"`
	Title          string          `json:"title"`
	Query          string          `json:"query"`
	State          council.State   `json:"state"`
	Outcome        council.Outcome `json:"outcome"`
	Degraded       bool            `json:"degraded"`
	TotalTokens    int             `json:"total_tokens"`
	TotalCostUSD   float64         `json:"total_cost_usd"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    time.Time       `json:"completed_at"`
}

// SummaryOf projects a snapshot onto its summary.
func SummaryOf(s council.Snapshot) Summary {
	return Summary{
		ExecutionID:    s.ExecutionID,
		ConversationID: s.ConversationID,
		ClientID:       s.ClientID,
		Title:          s.Title,
		Query:          s.Query,
		State:          s.State,
		Outcome:        s.Outcome,
		Degraded:       s.Degraded,
		TotalTokens:    s.TotalTokens(),
		TotalCostUSD:   s.TotalCost(),
		StartedAt:      s.StartedAt,
		CompletedAt:    s.CompletedAt,
	}
}

// ListOptions filters and pages List.
type ListOptions struct {
	ConversationID string
	ClientID       string
	Outcome        string
	Limit          int
	Offset         int
}

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

func (o ListOptions) normalized() ListOptions {
	if o.Limit <= 0 {
		o.Limit = defaultListLimit
	}
	if o.Limit > maxListLimit {
		o.Limit = maxListLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

func (o ListOptions) matches(s Summary) bool {
	if o.ConversationID != "" && s.ConversationID != o.ConversationID {
		return false
	}
	if o.ClientID != "" && s.ClientID != o.ClientID {
		return false
	}
	if o.Outcome != "" && string(s.Outcome) != o.Outcome {
		return false
	}
	return true
}

// NoOpStore discards everything. It is used when no database is configured.
type NoOpStore struct{}

var _ Store = (*NoOpStore)(nil)

func (NoOpStore) Save(ctx context.Context, snapshot council.Snapshot) error { return nil }

func (NoOpStore) Get(ctx context.Context, executionID string) (*council.Snapshot, error) {
	return nil, ErrNotFound
}

func (NoOpStore) List(ctx context.Context, opts ListOptions) ([]Summary, int, error) {
	return []Summary{}, 0, nil
}

func (NoOpStore) Delete(ctx context.Context, executionID string) error { return ErrNotFound }

func (NoOpStore) Ping(ctx context.Context) error { return nil }

// MemoryStore keeps executions in process memory.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]council.Snapshot
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{executions: make(map[string]council.Snapshot)}
}

// Save implements Store. Saving an execution again replaces it.
func (m *MemoryStore) Save(ctx context.Context, snapshot council.Snapshot) error {
	if snapshot.ExecutionID == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[snapshot.ExecutionID] = snapshot
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, executionID string) (*council.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.executions[executionID]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

// List implements Store. Newest executions come first.
func (m *MemoryStore) List(ctx context.Context, opts ListOptions) ([]Summary, int, error) {
	opts = opts.normalized()

	m.mu.RLock()
	all := make([]Summary, 0, len(m.executions))
	for _, s := range m.executions {
		if sum := SummaryOf(s); opts.matches(sum) {
			all = append(all, sum)
		}
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].StartedAt.Equal(all[j].StartedAt) {
			return all[i].StartedAt.After(all[j].StartedAt)
		}
		return all[i].ExecutionID < all[j].ExecutionID
	})

	total := len(all)
	if opts.Offset >= total {
		return []Summary{}, total, nil
	}
	end := opts.Offset + opts.Limit
	if end > total {
		end = total
	}
	return all[opts.Offset:end], total, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[executionID]; !ok {
		return ErrNotFound
	}
	delete(m.executions, executionID)
	return nil
}

// Ping implements Store.
func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// Archive receives a copy of every saved execution.
type Archive interface {
	Save(ctx context.Context, snapshot council.Snapshot) error
}

// TeeStore writes to a primary store and to archives; reads go to the
// primary only. Archive failures are returned after the primary write
// succeeded.
type TeeStore struct {
	Store
	archives []Archive
}

// Tee wraps primary so that every Save is copied to archives.
func Tee(primary Store, archives ...Archive) *TeeStore {
	return &TeeStore{Store: primary, archives: archives}
}

// Save implements Store.
func (t *TeeStore) Save(ctx context.Context, snapshot council.Snapshot) error {
	if err := t.Store.Save(ctx, snapshot); err != nil {
		return err
	}
	var errs []error
	for _, a := range t.archives {
		if err := a.Save(ctx, snapshot); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
