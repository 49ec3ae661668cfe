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

package history

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"councilflow/platform/orchestrator/council"
)

type brokenStore struct{ NoOpStore }

func (brokenStore) List(ctx context.Context, opts ListOptions) ([]Summary, int, error) {
	return nil, 0, errors.New("database is down")
}

func (brokenStore) Get(ctx context.Context, id string) (*council.Snapshot, error) {
	return nil, errors.New("database is down")
}

func newTestHandler(t *testing.T) (*Handler, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	ctx := context.Background()
	for _, s := range []council.Snapshot{
		testSnapshot("e1", "c1", 0),
		testSnapshot("e2", "c1", time.Minute),
		testSnapshot("e3", "c2", 2*time.Minute),
	} {
		if err := store.Save(ctx, s); err != nil {
			t.Fatal(err)
		}
	}
	return NewHandler(store, log.New(io.Discard, "", 0)), store
}

func setupRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func doRequest(r http.Handler, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestNewHandler_DefaultLogger(t *testing.T) {
	h := NewHandler(NewMemoryStore(), nil)
	if h.logger == nil {
		t.Error("expected default logger when nil passed")
	}
}

func TestListConversations(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := doRequest(setupRouter(h), http.MethodGet, "/api/v1/conversations?limit=2")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("unexpected content type %q", ct)
	}
	var resp ListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 3 || len(resp.Executions) != 2 || resp.Limit != 2 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.Executions[0].ExecutionID != "e3" {
		t.Errorf("expected newest first, got %s", resp.Executions[0].ExecutionID)
	}
}

func TestGetConversation(t *testing.T) {
	h, _ := newTestHandler(t)
	router := setupRouter(h)

	rec := doRequest(router, http.MethodGet, "/api/v1/conversations/c1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp ListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 2 {
		t.Errorf("expected 2 executions in c1, got %d", resp.Total)
	}

	rec = doRequest(router, http.MethodGet, "/api/v1/conversations/nope")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown conversation, got %d", rec.Code)
	}
}

func TestGetExecution(t *testing.T) {
	h, _ := newTestHandler(t)
	router := setupRouter(h)

	rec := doRequest(router, http.MethodGet, "/api/v1/executions/e2")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var snap council.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.ExecutionID != "e2" || snap.FinalAnswer == nil {
		t.Errorf("unexpected snapshot: %+v", snap)
	}

	rec = doRequest(router, http.MethodGet, "/api/v1/executions/missing")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	var errResp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &errResp); err != nil {
		t.Fatal(err)
	}
	if errResp.Code != "NOT_FOUND" || errResp.Error != "not_found" {
		t.Errorf("unexpected error body: %+v", errResp)
	}
}

func TestDeleteExecution(t *testing.T) {
	h, store := newTestHandler(t)
	router := setupRouter(h)

	rec := doRequest(router, http.MethodDelete, "/api/v1/executions/e1")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if _, err := store.Get(context.Background(), "e1"); !errors.Is(err, ErrNotFound) {
		t.Error("execution should be gone")
	}

	rec = doRequest(router, http.MethodDelete, "/api/v1/executions/e1")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 on second delete, got %d", rec.Code)
	}
}

func TestHandler_StoreErrors(t *testing.T) {
	h := NewHandler(brokenStore{}, log.New(io.Discard, "", 0))
	router := setupRouter(h)

	for _, target := range []string{"/api/v1/conversations", "/api/v1/executions/e1"} {
		rec := doRequest(router, http.MethodGet, target)
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("%s: expected 500, got %d", target, rec.Code)
		}
	}
}

func TestListOptionsFrom(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations?limit=-1&offset=abc&outcome=degraded&client_id=q", nil)
	req.Header.Set("X-Client-ID", "acme")

	opts := listOptionsFrom(req)
	if opts.Limit != 0 || opts.Offset != 0 {
		t.Errorf("invalid paging should be ignored: %+v", opts)
	}
	if opts.Outcome != "degraded" || opts.ClientID != "acme" {
		t.Errorf("unexpected filters: %+v", opts)
	}
}
