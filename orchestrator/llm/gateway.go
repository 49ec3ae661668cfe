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

package llm

import (
	"context"
	"strings"
)

// Gateway is the capability every model backend provides: given a model id
// and messages, stream tokens to the handler and return the final usage
// and cost, or fail.
//
// Implementations must be safe for concurrent use and must stop consuming
// the stream and release the underlying request when ctx is cancelled.
type Gateway interface {
	Query(ctx context.Context, req Request, handler StreamHandler) (*Result, error)
}

// GatewayFunc adapts a function to the Gateway interface.
type GatewayFunc func(ctx context.Context, req Request, handler StreamHandler) (*Result, error)

// Query calls f.
func (f GatewayFunc) Query(ctx context.Context, req Request, handler StreamHandler) (*Result, error) {
	return f(ctx, req, handler)
}

// Router dispatches queries to a backend chosen by model id prefix.
// Routes are matched longest prefix first; unmatched models go to the
// fallback gateway.
type Router struct {
	routes   []route
	fallback Gateway
}

type route struct {
	prefix  string
	gateway Gateway
}

// NewRouter creates a router that sends unmatched models to fallback.
func NewRouter(fallback Gateway) *Router {
	return &Router{fallback: fallback}
}

// Handle registers gw for model ids starting with prefix.
func (r *Router) Handle(prefix string, gw Gateway) *Router {
	r.routes = append(r.routes, route{prefix: prefix, gateway: gw})
	return r
}

// Resolve returns the gateway that would serve model, or nil.
func (r *Router) Resolve(model string) Gateway {
	var best *route
	for i := range r.routes {
		rt := &r.routes[i]
		if strings.HasPrefix(model, rt.prefix) && (best == nil || len(rt.prefix) > len(best.prefix)) {
			best = rt
		}
	}
	if best != nil {
		return best.gateway
	}
	return r.fallback
}

// Query implements Gateway.
func (r *Router) Query(ctx context.Context, req Request, handler StreamHandler) (*Result, error) {
	gw := r.Resolve(req.Model)
	if gw == nil {
		return nil, NewProviderError("router", ErrCodeModelNotFound, "no gateway configured for model "+req.Model)
	}
	return gw.Query(ctx, req, handler)
}
