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

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"councilflow/platform/orchestrator/cost"
	"councilflow/platform/orchestrator/council"
	"councilflow/platform/orchestrator/history"
	"councilflow/platform/shared/logger"
)

const (
	serviceName = "councilflow-orchestrator"
	version     = "1.0.0"

	maxSpecBytes = 1 << 20
)

// contextKey is a private type for context keys to avoid collisions
type contextKey string

const ctxKeyRequestID contextKey = "request_id"

// Server exposes council execution over HTTP.
type Server struct {
	executor   *council.Executor
	store      history.Store
	history    *history.Handler
	usage      *cost.Handler
	logger     *logger.Logger
	instanceID string
	started    time.Time
}

// ServerOptions holds the server's collaborators. Store defaults to
// history.NoOpStore and SpendStore to an empty in-memory store.
type ServerOptions struct {
	Executor       *council.Executor
	Store          history.Store
	Pricing        *cost.PricingTable
	SpendStore     cost.SpendStore
	DailyBudgetUSD float64
	Logger         *logger.Logger
	HistoryLogger  *log.Logger
	InstanceID     string
}

// NewServer creates a server.
func NewServer(opts ServerOptions) *Server {
	if opts.Store == nil {
		opts.Store = history.NoOpStore{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.New("orchestrator")
	}
	if opts.Pricing == nil {
		opts.Pricing = cost.NewPricingTable(log.New(io.Discard, "", 0))
	}
	return &Server{
		executor:   opts.Executor,
		store:      opts.Store,
		history:    history.NewHandler(opts.Store, opts.HistoryLogger),
		usage:      cost.NewHandler(opts.Pricing, opts.SpendStore, opts.DailyBudgetUSD),
		logger:     opts.Logger,
		instanceID: opts.InstanceID,
		started:    time.Now(),
	}
}

// Router returns the HTTP handler with every route and CORS applied.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.requestMiddleware)

	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.Handle("/prometheus", promhttp.Handler()).Methods("GET")

	r.HandleFunc("/api/v1/council/execute", s.executeHandler).Methods("POST")
	r.HandleFunc("/api/v1/council/validate", s.validateHandler).Methods("POST")
	r.HandleFunc("/api/v1/council/order", s.orderHandler).Methods("POST")
	s.history.RegisterRoutes(r)
	s.usage.RegisterRoutes(r)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(r)
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error     string               `json:"error"`
	Code      string               `json:"code"`
	Message   string               `json:"message"`
	Problems  []council.FieldError `json:"problems,omitempty"`
	RequestID string               `json:"request_id,omitempty"`
}

// ValidateResponse is returned by the validate endpoint.
type ValidateResponse struct {
	Valid    bool                 `json:"valid"`
	Error    string               `json:"error,omitempty"`
	Problems []council.FieldError `json:"problems,omitempty"`
}

// OrderResponse is returned by the order endpoint.
type OrderResponse struct {
	Order        []string `json:"order"`
	UsedFallback bool     `json:"used_fallback"`
	Residual     []string `json:"residual,omitempty"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	components := map[string]bool{
		"executor": s.executor != nil,
		"history":  true,
	}
	if err := s.store.Ping(ctx); err != nil {
		components["history"] = false
		status = "degraded"
		s.logger.Warn("", "", "history store ping failed", map[string]interface{}{"error": err.Error()})
	}
	if s.executor == nil {
		status = "unhealthy"
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":         status,
		"service":        serviceName,
		"version":        version,
		"instance_id":    s.instanceID,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"timestamp":      time.Now().UTC(),
		"components":     components,
	})
}

// readSpec parses the request body as a council document, JSON or YAML.
func readSpec(r *http.Request) (council.Spec, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxSpecBytes+1))
	if err != nil {
		return council.Spec{}, fmt.Errorf("%w: failed to read body: %v", council.ErrInvalidSpec, err)
	}
	if len(data) > maxSpecBytes {
		return council.Spec{}, fmt.Errorf("%w: body exceeds %d bytes", council.ErrInvalidSpec, maxSpecBytes)
	}
	return council.ParseSpec(data)
}

func (s *Server) validateHandler(w http.ResponseWriter, r *http.Request) {
	spec, err := readSpec(r)
	if err == nil {
		err = council.Validate(spec, s.executor.Limits())
	}
	if err != nil {
		resp := ValidateResponse{Error: err.Error()}
		var verr *council.ValidationError
		if errors.As(err, &verr) {
			resp.Problems = verr.Problems
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}
	writeJSON(w, http.StatusOK, ValidateResponse{Valid: true})
}

func (s *Server) orderHandler(w http.ResponseWriter, r *http.Request) {
	spec, err := readSpec(r)
	if err == nil {
		err = council.Validate(spec, s.executor.Limits())
	}
	if err != nil {
		writeSpecError(w, r, err)
		return
	}
	order := council.ExecutionOrder(spec)
	writeJSON(w, http.StatusOK, OrderResponse{
		Order:        order.Order,
		UsedFallback: order.UsedFallback,
		Residual:     order.Residual,
	})
}

// executeHandler runs a council. Clients that accept text/event-stream
// receive every progress event followed by a "result" or "error" event;
// others receive the result as a single JSON document.
func (s *Server) executeHandler(w http.ResponseWriter, r *http.Request) {
	spec, err := readSpec(r)
	if err == nil {
		err = council.Validate(spec, s.executor.Limits())
	}
	if err != nil {
		writeSpecError(w, r, err)
		return
	}
	if clientID := r.Header.Get("X-Client-ID"); clientID != "" && spec.ClientID == "" {
		spec.ClientID = clientID
	}

	if wantsEventStream(r) {
		s.streamExecution(w, r, spec)
		return
	}

	result, err := s.executor.Execute(r.Context(), spec, nil)
	if err != nil && !isPartialResult(result, err) {
		s.writeExecutionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type executionOutcome struct {
	result *council.Result
	err    error
}

func (s *Server) streamExecution(w http.ResponseWriter, r *http.Request, spec council.Spec) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "Streaming is not supported by this connection")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := make(chan council.Event, 64)
	done := make(chan executionOutcome, 1)
	go func() {
		result, err := s.executor.Execute(r.Context(), spec, council.NewChannelSink(events))
		close(events)
		done <- executionOutcome{result: result, err: err}
	}()

	// Drain every event even after the client is gone so Execute never
	// blocks on a full channel.
	for event := range events {
		writeSSE(w, string(event.Type), event)
		flusher.Flush()
	}

	out := <-done
	if out.err != nil && !isPartialResult(out.result, out.err) {
		code, _ := classifyExecutionError(out.err)
		writeSSE(w, "error", ErrorResponse{
			Error:     strings.ToLower(code),
			Code:      code,
			Message:   out.err.Error(),
			RequestID: requestID(r),
		})
	} else {
		writeSSE(w, "result", out.result)
	}
	flusher.Flush()
}

func writeSSE(w io.Writer, event string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		payload = []byte(`{"error":"failed to encode event"}`)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}

func wantsEventStream(r *http.Request) bool {
	if r.URL.Query().Get("stream") == "true" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// isPartialResult reports whether err still came with a usable answer,
// as for a budget-truncated execution.
func isPartialResult(result *council.Result, err error) bool {
	return result != nil && result.FinalAnswer != "" &&
		errors.Is(err, council.ErrBudgetExceeded) && !errors.Is(err, council.ErrNoCouncilMembers)
}

func classifyExecutionError(err error) (string, int) {
	switch {
	case errors.Is(err, council.ErrInvalidSpec):
		return "INVALID_SPEC", http.StatusBadRequest
	case errors.Is(err, council.ErrNoCouncilMembers) && errors.Is(err, council.ErrBudgetExceeded):
		return "BUDGET_EXCEEDED", http.StatusPaymentRequired
	case errors.Is(err, council.ErrNoCouncilMembers):
		return "NO_COUNCIL_MEMBERS", http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "CANCELLED", http.StatusRequestTimeout
	default:
		return "INTERNAL_ERROR", http.StatusInternalServerError
	}
}

func (s *Server) writeExecutionError(w http.ResponseWriter, r *http.Request, err error) {
	code, status := classifyExecutionError(err)
	if status == http.StatusInternalServerError {
		s.logger.ErrorWithErr("", "", "council execution failed", err, map[string]interface{}{
			"request_id": requestID(r),
		})
	}
	writeError(w, r, status, code, err.Error())
}

func writeSpecError(w http.ResponseWriter, r *http.Request, err error) {
	resp := ErrorResponse{
		Error:     "invalid_spec",
		Code:      "INVALID_SPEC",
		Message:   err.Error(),
		RequestID: requestID(r),
	}
	var verr *council.ValidationError
	if errors.As(err, &verr) {
		resp.Problems = verr.Problems
	}
	writeJSON(w, http.StatusBadRequest, resp)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:     strings.ToLower(code),
		Code:      code,
		Message:   message,
		RequestID: requestID(r),
	})
}

// statusRecorder captures the response status for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		r = r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, id))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if r.URL.Path == "/health" || r.URL.Path == "/prometheus" {
			return
		}
		s.logger.InfoWithDuration("", "", "request completed", time.Since(start), map[string]interface{}{
			"request_id": id,
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     rec.status,
		})
	})
}

func requestID(r *http.Request) string {
	if id, ok := r.Context().Value(ctxKeyRequestID).(string); ok {
		return id
	}
	return ""
}
