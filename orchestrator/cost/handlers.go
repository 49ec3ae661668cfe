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
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
)

// Handler serves pricing and daily spend over HTTP.
type Handler struct {
	pricing     *PricingTable
	spend       SpendStore
	dailyBudget float64
}

// NewHandler creates a handler. dailyBudget of zero means unlimited.
func NewHandler(pricing *PricingTable, spend SpendStore, dailyBudget float64) *Handler {
	if spend == nil {
		spend = NewMemorySpendStore()
	}
	return &Handler{pricing: pricing, spend: spend, dailyBudget: dailyBudget}
}

// RegisterRoutes registers the cost routes with a gorilla/mux router
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/v1/usage", h.GetUsage).Methods("GET")
	r.HandleFunc("/api/v1/pricing", h.GetPricing).Methods("GET")
}

// UsageResponse reports one client's spend for one UTC day.
type UsageResponse struct {
	ClientID       string   `json:"client_id"`
	Date           string   `json:"date"`
	SpentUSD       float64  `json:"spent_usd"`
	DailyBudgetUSD float64  `json:"daily_budget_usd,omitempty"`
	RemainingUSD   *float64 `json:"remaining_usd,omitempty"`
}

// GetUsage handles GET /api/v1/usage
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	clientID := firstOrDefault(r.Header.Get("X-Client-ID"), query.Get("client_id"))
	if clientID == "" {
		h.writeError(w, "client_id is required", http.StatusBadRequest)
		return
	}

	day := time.Now().UTC()
	if date := query.Get("date"); date != "" {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			h.writeError(w, "date must be formatted as YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		day = parsed
	}

	spent, err := h.spend.Spent(r.Context(), clientID, day)
	if err != nil {
		h.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := UsageResponse{
		ClientID: clientID,
		Date:     dayKey(day),
		SpentUSD: spent,
	}
	if h.dailyBudget > 0 {
		remaining := h.dailyBudget - spent
		if remaining < 0 {
			remaining = 0
		}
		resp.DailyBudgetUSD = h.dailyBudget
		resp.RemainingUSD = &remaining
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// GetPricing handles GET /api/v1/pricing
func (h *Handler) GetPricing(w http.ResponseWriter, r *http.Request) {
	// A single model is priced even when unknown, reporting the rate that
	// would be charged.
	if model := strings.TrimSpace(r.URL.Query().Get("model")); model != "" {
		pricing, known := h.pricing.Lookup(model)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"model":   model,
			"known":   known,
			"pricing": pricing,
		})
		return
	}

	models := make(map[string]ModelPricing)
	for _, id := range h.pricing.ListModels() {
		if p, ok := h.pricing.Lookup(id); ok {
			models[id] = p
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"models": models,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   http.StatusText(status),
		"message": message,
	})
}

func firstOrDefault(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
