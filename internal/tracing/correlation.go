// Copyright 2025 Tom Barlow
//
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

// Package tracing carries the HTTP-edge correlation ID into request
// context so handlers can thread it into a HierarchicalContext without
// re-parsing headers.
package tracing

import (
	"context"
	"net/http"
	"regexp"

	"github.com/google/uuid"
)

// HeaderCorrelationID is the header requests may supply to propagate an
// existing correlation ID; HeaderRequestID is accepted as a fallback.
const (
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderRequestID     = "X-Request-ID"
)

type correlationKeyType struct{}

var correlationKey = correlationKeyType{}

var uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// ToContext stores id in ctx.
func ToContext(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey, id)
}

// FromContextOrEmpty retrieves the correlation ID stored in ctx, or ""
// if none was stored.
func FromContextOrEmpty(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey).(string); ok {
		return id
	}
	return ""
}

// CorrelationMiddleware extracts an inbound correlation ID header,
// validating its UUID form, generating a fresh one if absent, storing
// it in the request context, and echoing it back on the response.
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderCorrelationID)
		if id == "" {
			id = r.Header.Get(HeaderRequestID)
		}
		if id == "" {
			id = uuid.NewString()
		} else if !uuidRegex.MatchString(id) {
			http.Error(w, "invalid "+HeaderCorrelationID+": must be UUID", http.StatusBadRequest)
			return
		}

		r = r.WithContext(ToContext(r.Context(), id))
		w.Header().Set(HeaderCorrelationID, id)
		next.ServeHTTP(w, r)
	})
}
