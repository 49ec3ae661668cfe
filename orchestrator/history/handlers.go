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
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
)

// Handler serves stored council executions over HTTP.
type Handler struct {
	store  Store
	logger *log.Logger
}

// NewHandler creates a history handler. A nil logger uses log.Default.
func NewHandler(store Store, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{store: store, logger: logger}
}

// RegisterRoutes registers history routes with a gorilla/mux router
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/v1/conversations", h.ListConversations).Methods("GET")
	r.HandleFunc("/api/v1/conversations/{id}", h.GetConversation).Methods("GET")
	r.HandleFunc("/api/v1/executions/{id}", h.GetExecution).Methods("GET")
	r.HandleFunc("/api/v1/executions/{id}", h.DeleteExecution).Methods("DELETE")
}

// ListResponse is returned by the list endpoints
type ListResponse struct {
	Executions []Summary `json:"executions"`
	Total      int       `json:"total"`
	Limit      int       `json:"limit"`
	Offset     int       `json:"offset"`
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ListConversations handles GET /api/v1/conversations
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	opts := listOptionsFrom(r)
	h.list(w, r, opts)
}

// GetConversation handles GET /api/v1/conversations/{id}
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	opts := listOptionsFrom(r)
	opts.ConversationID = mux.Vars(r)["id"]
	if opts.ConversationID == "" {
		h.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Conversation ID is required")
		return
	}
	h.list(w, r, opts)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request, opts ListOptions) {
	opts = opts.normalized()
	executions, total, err := h.store.List(r.Context(), opts)
	if err != nil {
		h.logger.Printf("[History] List error: %v", err)
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list executions")
		return
	}
	if opts.ConversationID != "" && total == 0 {
		h.writeError(w, http.StatusNotFound, "NOT_FOUND", "Conversation not found")
		return
	}

	h.writeJSON(w, http.StatusOK, ListResponse{
		Executions: executions,
		Total:      total,
		Limit:      opts.Limit,
		Offset:     opts.Offset,
	})
}

// GetExecution handles GET /api/v1/executions/{id}
func (h *Handler) GetExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snapshot, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "NOT_FOUND", "Execution not found")
			return
		}
		h.logger.Printf("[History] Get error for %s: %v", id, err)
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get execution")
		return
	}
	h.writeJSON(w, http.StatusOK, snapshot)
}

// DeleteExecution handles DELETE /api/v1/executions/{id}
func (h *Handler) DeleteExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "NOT_FOUND", "Execution not found")
			return
		}
		h.logger.Printf("[History] Delete error for %s: %v", id, err)
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to delete execution")
		return
	}
	h.logger.Printf("[History] Deleted execution %s", id)
	w.WriteHeader(http.StatusNoContent)
}

func listOptionsFrom(r *http.Request) ListOptions {
	q := r.URL.Query()
	opts := ListOptions{
		ClientID: q.Get("client_id"),
		Outcome:  q.Get("outcome"),
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil && limit > 0 {
		opts.Limit = limit
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil && offset >= 0 {
		opts.Offset = offset
	}
	if clientID := r.Header.Get("X-Client-ID"); clientID != "" {
		opts.ClientID = clientID
	}
	return opts
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:   strings.ToLower(code),
		Code:    code,
		Message: message,
	})
}
