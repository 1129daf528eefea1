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

package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tombee/orchestrator/internal/httputil"
	"github.com/tombee/orchestrator/internal/tracing"
	"github.com/tombee/orchestrator/pkg/orchestration"
)

// Router binds Service's operations onto the HTTP+JSON control surface
// defined in spec §6, grounded on the teacher's http.ServeMux-based
// Router (internal/daemon/api/router.go): method+path patterns, a
// correlation-ID middleware, and a request-completion log line.
type Router struct {
	mux    *http.ServeMux
	svc    *Service
	logger *slog.Logger
}

// NewRouter registers every Orchestration API route over svc.
func NewRouter(svc *Service, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{mux: http.NewServeMux(), svc: svc, logger: logger}

	r.mux.HandleFunc("POST /orchestration/start/{flowId}", r.handleStart)
	r.mux.HandleFunc("POST /orchestration/stop/{flowId}", r.handleStop)
	r.mux.HandleFunc("GET /orchestration/status/{flowId}", r.handleStatus)
	r.mux.HandleFunc("GET /orchestration/processor-health/{processorId}", r.handleProcessorHealth)
	r.mux.HandleFunc("GET /orchestration/processors-health/{flowId}", r.handleProcessorsHealth)
	r.mux.HandleFunc("POST /orchestration/scheduler/start/{flowId}", r.handleSchedulerStart)
	r.mux.HandleFunc("POST /orchestration/scheduler/stop/{flowId}", r.handleSchedulerStop)
	r.mux.Handle("GET /metrics", promhttp.Handler())

	return r
}

// ServeHTTP implements http.Handler, wrapping every route with the
// correlation-ID middleware and a completion log line.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		r.mux.ServeHTTP(w, req)
		r.logger.Info("request completed",
			"method", req.Method,
			"path", req.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
			"correlation_id", tracing.FromContextOrEmpty(req.Context()),
		)
	})
	handler = tracing.CorrelationMiddleware(handler)
	handler.ServeHTTP(w, req)
}

// statusForKind maps an orchestration.Kind to the HTTP status spec §6
// assigns it.
func statusForKind(kind orchestration.Kind) int {
	switch kind {
	case orchestration.InvalidArgument:
		return http.StatusBadRequest
	case orchestration.NotFound:
		return http.StatusNotFound
	case orchestration.AlreadyRunning:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) writeServiceError(w http.ResponseWriter, err error) {
	kind := orchestration.KindOf(err)
	httputil.WriteError(w, statusForKind(kind), err.Error())
}

func (r *Router) handleStart(w http.ResponseWriter, req *http.Request) {
	flowID := req.PathValue("flowId")
	correlationID := tracing.FromContextOrEmpty(req.Context())

	result, err := r.svc.Start(req.Context(), flowID, correlationID)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (r *Router) handleStop(w http.ResponseWriter, req *http.Request) {
	flowID := req.PathValue("flowId")

	result, err := r.svc.Stop(req.Context(), flowID)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) {
	flowID := req.PathValue("flowId")

	result, err := r.svc.GetStatus(req.Context(), flowID)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (r *Router) handleProcessorHealth(w http.ResponseWriter, req *http.Request) {
	processorID := req.PathValue("processorId")

	result, err := r.svc.GetProcessorHealth(req.Context(), processorID)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (r *Router) handleProcessorsHealth(w http.ResponseWriter, req *http.Request) {
	flowID := req.PathValue("flowId")

	result, err := r.svc.GetProcessorsHealth(req.Context(), flowID)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

type startSchedulerRequest struct {
	CronExpression string `json:"cronExpression"`
}

func (r *Router) handleSchedulerStart(w http.ResponseWriter, req *http.Request) {
	flowID := req.PathValue("flowId")

	var body startSchedulerRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	correlationID := tracing.FromContextOrEmpty(req.Context())
	result, err := r.svc.StartScheduler(req.Context(), flowID, body.CronExpression, correlationID)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (r *Router) handleSchedulerStop(w http.ResponseWriter, req *http.Request) {
	flowID := req.PathValue("flowId")

	result, err := r.svc.StopScheduler(req.Context(), flowID)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}
