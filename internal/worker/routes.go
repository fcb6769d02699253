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

package worker

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/tombee/mbaas/internal/api"
	"github.com/tombee/mbaas/internal/log"
)

const defaultRunsLimit = 20

type statusResponse struct {
	Kind        string    `json:"kind"`
	AppID       string    `json:"appId"`
	Environment string    `json:"env"`
	Status      string    `json:"status"`
	Message     string    `json:"message,omitempty"`
	ReceivedAt  time.Time `json:"receivedAt"`
}

type jobRunResponse struct {
	ID         int64     `json:"id"`
	Job        string    `json:"job"`
	WorkerID   string    `json:"workerId"`
	StartedAt  time.Time `json:"startedAt"`
	DurationMS int64     `json:"durationMs"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (b *Bootstrap) mountRoutes(srv *api.Server) {
	srv.Handle("GET /api/v1/status/{kind}/{appId}", http.HandlerFunc(b.handleStatus))
	srv.Handle("GET /api/v1/jobs/{job}/runs", http.HandlerFunc(b.handleJobRuns))
}

func (b *Bootstrap) handleStatus(w http.ResponseWriter, r *http.Request) {
	models := b.models.Load()
	if models == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "data store not ready"})
		return
	}

	rec, err := models.LatestStatus(r.Context(), r.PathValue("kind"), r.PathValue("appId"))
	if err != nil {
		b.storeError(w, r, err)
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no status recorded"})
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Kind:        rec.Kind,
		AppID:       rec.AppID,
		Environment: rec.Environment,
		Status:      rec.Status,
		Message:     rec.Message,
		ReceivedAt:  rec.ReceivedAt,
	})
}

func (b *Bootstrap) handleJobRuns(w http.ResponseWriter, r *http.Request) {
	models := b.models.Load()
	if models == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "data store not ready"})
		return
	}

	limit := defaultRunsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}

	runs, err := models.RecentJobRuns(r.Context(), r.PathValue("job"), limit)
	if err != nil {
		b.storeError(w, r, err)
		return
	}
	out := make([]jobRunResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, jobRunResponse{
			ID:         run.ID,
			Job:        run.Job,
			WorkerID:   run.WorkerID,
			StartedAt:  run.StartedAt,
			DurationMS: run.Duration.Milliseconds(),
			Status:     run.Status,
			Error:      run.Error,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// storeError answers a failed query and reports it to the handle, which
// faults the worker if the connection is gone.
func (b *Bootstrap) storeError(w http.ResponseWriter, r *http.Request, err error) {
	b.logger.Error("data store query failed", log.Error(err))
	if h := b.store.Load(); h != nil && h.Ping(r.Context()) != nil {
		h.ReportError(err)
	}
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "data store error"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
