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
	"errors"
	"fmt"
	"strings"

	"councilflow/platform/orchestrator/cost"
)

var (
	// ErrNoCouncilMembers is returned when no node produced a Stage 1 response
	ErrNoCouncilMembers = errors.New("no council members available")

	// ErrBudgetExceeded is returned with a truncated result. It is the same
	// value as cost.ErrBudgetExceeded.
	ErrBudgetExceeded = cost.ErrBudgetExceeded

	// ErrInvalidSpec is wrapped by every ValidationError
	ErrInvalidSpec = errors.New("invalid council spec")
)

// FieldError is one validation problem.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every problem found in a spec. Nothing was
// dispatched when it is returned.
type ValidationError struct {
	Problems []FieldError `json:"problems"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, fmt.Sprintf("%s: %s", p.Field, p.Message))
	}
	return fmt.Sprintf("%s: %s", ErrInvalidSpec, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidSpec
}

func (e *ValidationError) add(field, format string, args ...interface{}) {
	e.Problems = append(e.Problems, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// FatalError ends an execution without any answer.
type FatalError struct {
	ExecutionID string
	Reason      string
	Err         error

	// BudgetTruncated is set when the budget ceiling stopped dispatches
	// before any node could answer.
	BudgetTruncated bool
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("execution %s aborted: %s: %v", e.ExecutionID, e.Reason, e.Err)
}

func (e *FatalError) Unwrap() []error {
	if e.BudgetTruncated {
		return []error{e.Err, ErrBudgetExceeded}
	}
	return []error{e.Err}
}
