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

import "errors"

var (
	// ErrBudgetExceeded is returned when a call would push spend past a ceiling
	ErrBudgetExceeded = errors.New("budget exceeded")

	// ErrInvalidPricing is returned when a pricing override cannot be parsed
	ErrInvalidPricing = errors.New("invalid pricing configuration")

	// ErrInvalidCeiling is returned for a negative budget ceiling
	ErrInvalidCeiling = errors.New("budget ceiling must not be negative")

	// ErrInvalidClientID is returned when spend is recorded without a client
	ErrInvalidClientID = errors.New("client ID is required")
)
