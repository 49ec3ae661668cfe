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

package council

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	promExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "council_executions_total",
			Help: "Council executions by outcome",
		},
		[]string{"outcome"},
	)
	promExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "council_execution_duration_seconds",
			Help:    "Wall-clock duration of council executions",
			Buckets: []float64{1, 2.5, 5, 10, 20, 40, 80, 160, 320},
		},
		[]string{"outcome"},
	)
	promNodeCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "council_node_calls_total",
			Help: "Model calls made by council nodes, by stage and status",
		},
		[]string{"stage", "status"},
	)
	promCost = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "council_cost_usd_total",
			Help: "Cumulative spend of council executions in USD",
		},
	)
	promGraphFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "council_graph_fallbacks_total",
			Help: "Executions whose participant graph had a cycle",
		},
	)
	promBudgetRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "council_budget_rejections_total",
			Help: "Model calls skipped because a budget ceiling would be exceeded",
		},
	)
)

func init() {
	prometheus.MustRegister(promExecutions)
	prometheus.MustRegister(promExecutionDuration)
	prometheus.MustRegister(promNodeCalls)
	prometheus.MustRegister(promCost)
	prometheus.MustRegister(promGraphFallbacks)
	prometheus.MustRegister(promBudgetRejections)
}
