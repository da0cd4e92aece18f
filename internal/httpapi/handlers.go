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

package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	internallog "github.com/tombee/wkf/internal/log"
	"github.com/tombee/wkf/internal/queue"
	"github.com/tombee/wkf/internal/tracing"
	"github.com/tombee/wkf/internal/world"
	wkferrors "github.com/tombee/wkf/pkg/errors"
	"github.com/tombee/wkf/pkg/workflow"
)

// maxBodyBytes bounds a request body this facade will read; run inputs
// are small control-plane payloads, not bulk data transfer.
const maxBodyBytes = 1 << 20 // 1 MiB

func registerRoutes(mux *http.ServeMux, w world.World, q queue.Queue, logger *slog.Logger) {
	h := &handlers{world: w, queue: q, logger: logger}
	mux.HandleFunc("POST /v1/workflows/{name}/runs", h.startRun)
	mux.HandleFunc("GET /v1/runs/{runID}", h.getRun)
	mux.HandleFunc("POST /v1/runs/{runID}/cancel", h.cancelRun)
	mux.HandleFunc("POST /v1/hooks/{token}/resume", h.resumeHook)
}

type handlers struct {
	world world.World
	queue queue.Queue
	logger *slog.Logger
}

type startRunResponse struct {
	RunID string `json:"runId"`
}

func (h *handlers) startRun(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "workflow name is required")
		return
	}

	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	runID, err := workflow.StartJSON(r.Context(), h.world, h.queue, name, body, workflow.StartOptions{
		TraceCarrier: tracing.InjectCarrier(r.Context()),
	})
	if err != nil {
		h.writeWorkflowError(w, r, "start run", err)
		return
	}
	writeJSON(w, http.StatusAccepted, startRunResponse{RunID: runID})
}

func (h *handlers) getRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runID")
	view, err := workflow.ViewJSON(r.Context(), h.world, runID)
	if err != nil {
		h.writeWorkflowError(w, r, "get run", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type cancelRunRequest struct {
	Reason string `json:"reason"`
}

func (h *handlers) cancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runID")

	var req cancelRunRequest
	if body, err := readBody(r); err == nil && len(body) > 0 {
		_ = json.Unmarshal(body, &req)
	}
	if req.Reason == "" {
		req.Reason = "cancelled via http api"
	}

	if err := workflow.CancelRun(r.Context(), h.world, runID, req.Reason); err != nil {
		h.writeWorkflowError(w, r, "cancel run", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) resumeHook(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")

	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var payload json.RawMessage = body
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	if err := workflow.ResumeHook(r.Context(), h.world, h.queue, token, payload); err != nil {
		h.writeWorkflowError(w, r, "resume hook", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func readBody(r *http.Request) (json.RawMessage, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxBodyBytes {
		return nil, errors.New("request body too large")
	}
	if len(body) == 0 {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(body), nil
}

// writeWorkflowError maps a pkg/workflow/pkg/errors failure onto the
// matching HTTP status: 404 for an unresolved run/hook, 409/410 for the
// store's terminal-event conflicts, 500 otherwise.
func (h *handlers) writeWorkflowError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var notFound *wkferrors.NotFoundError
	var conflict *wkferrors.ConflictError
	var gone *wkferrors.GoneError

	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &gone):
		writeError(w, http.StatusGone, err.Error())
	default:
		h.logger.Error(op+" failed", internallog.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
