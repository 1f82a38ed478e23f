package handler

import (
	"net/http"

	"github.com/pgprobe/pgprobe/internal/action"
	"github.com/pgprobe/pgprobe/internal/model"
)

// ActionHandler exposes the operator actions over HTTP. Start, stop, and
// clear manage the continuous-writes workload; run-sql and test-tls probe a
// related database directly.
type ActionHandler struct {
	runner *action.Runner
}

// NewActionHandler creates an ActionHandler.
func NewActionHandler(runner *action.Runner) *ActionHandler {
	return &ActionHandler{runner: runner}
}

// StartContinuousWrites starts the write loop from 1.
// POST /v1/actions/start-continuous-writes
func (h *ActionHandler) StartContinuousWrites(w http.ResponseWriter, r *http.Request) {
	res, err := h.runner.StartContinuousWrites(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to start continuous writes: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// StopContinuousWrites halts the write loop and reports the last number
// written.
// POST /v1/actions/stop-continuous-writes
func (h *ActionHandler) StopContinuousWrites(w http.ResponseWriter, r *http.Request) {
	res, err := h.runner.StopContinuousWrites(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to stop continuous writes: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ClearContinuousWrites stops the loop and drops the table.
// POST /v1/actions/clear-continuous-writes
func (h *ActionHandler) ClearContinuousWrites(w http.ResponseWriter, r *http.Request) {
	res, err := h.runner.ClearContinuousWrites(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to clear continuous writes: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ShowContinuousWrites reports how many rows the workload has committed.
// GET /v1/actions/show-continuous-writes
func (h *ActionHandler) ShowContinuousWrites(w http.ResponseWriter, r *http.Request) {
	// Errors are folded into the payload as -1 so harnesses can assert on
	// the count without parsing error envelopes.
	res, _ := h.runner.ShowContinuousWrites(r.Context())
	writeJSON(w, http.StatusOK, res)
}

// RunSQL executes an arbitrary statement over a database relation.
// POST /v1/actions/run-sql
func (h *ActionHandler) RunSQL(w http.ResponseWriter, r *http.Request) {
	var req model.RunSQLRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "Query is required")
		return
	}

	res, err := h.runner.RunSQL(r.Context(), &req)
	if err != nil {
		status := http.StatusInternalServerError
		if err.Error() == "invalid relation name" {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// TestTLS reports whether the relation endpoint accepts TLS.
// POST /v1/actions/test-tls
func (h *ActionHandler) TestTLS(w http.ResponseWriter, r *http.Request) {
	var req model.TestTLSRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	res, err := h.runner.TestTLS(r.Context(), &req)
	if err != nil {
		status := http.StatusInternalServerError
		if err.Error() == "invalid relation name" {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// WriterStatus reports the engine state without touching the database.
// GET /v1/actions/writer-status
func (h *ActionHandler) WriterStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.runner.Status())
}
