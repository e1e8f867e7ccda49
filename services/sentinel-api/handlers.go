package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"apexsentinel/pkg/ledger"
	"apexsentinel/pkg/pipeline"
	"apexsentinel/pkg/telemetry"
)

// maxEvaluateBody bounds an evaluate request. A full session at 10 Hz is
// well under this.
const maxEvaluateBody = 32 << 20

type apiServer struct {
	evaluator *pipeline.Evaluator
	chain     *ledger.Chain
	scorerURL string
}

type evaluateRequest struct {
	Series   map[telemetry.Channel][]float64 `json:"series"`
	Metadata map[string]string               `json:"metadata,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *apiServer) routes(r *mux.Router) {
	r.HandleFunc("/evaluate", s.handleEvaluate).Methods(http.MethodPost)
	r.HandleFunc("/ledger/entries", s.handleEntries).Methods(http.MethodGet)
	r.HandleFunc("/ledger/verify", s.handleVerify).Methods(http.MethodGet)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[sentinel-api] write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// handleEvaluate scores a telemetry batch. Bad input is the caller's fault
// (400/422); a dead scorer is upstream's (502); a ledger failure is ours (500).
func (s *apiServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxEvaluateBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	if len(req.Series) == 0 {
		writeError(w, http.StatusBadRequest, "series is required")
		return
	}

	result, err := s.evaluator.EvaluateBatch(r.Context(), req.Series, req.Metadata)
	if err != nil {
		var insufficient *telemetry.InsufficientDataError
		switch {
		case errors.Is(err, telemetry.ErrBadSeries):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.As(err, &insufficient):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			// Usually a ledger append failure; the windows evaluated so far
			// are attached so the caller can see what was already detected.
			log.Printf("[sentinel-api] evaluate batch %s: %v", result.BatchID, err)
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"error":  err.Error(),
				"result": result,
			})
		}
		return
	}

	// Every window failing to score means the batch produced no verdicts at
	// all, which is an upstream outage rather than a clean result.
	if len(result.Windows) > 0 && result.Skipped == len(result.Windows) {
		writeJSON(w, http.StatusBadGateway, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleEntries lists committed ledger entries, newest first.
func (s *apiServer) handleEntries(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries, err := s.chain.Store().ReadAll(r.Context())
	if err != nil {
		log.Printf("[sentinel-api] read ledger: %v", err)
		writeError(w, http.StatusInternalServerError, "ledger read failed")
		return
	}

	// Stored oldest first; serve newest first.
	out := make([]ledger.Entry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, entries[i])
	}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":   len(entries),
		"entries": out,
	})
}

// handleVerify replays the full chain and reports its status. A compromised
// chain is still a successful verification, so this always answers 200.
func (s *apiServer) handleVerify(w http.ResponseWriter, r *http.Request) {
	result, err := s.chain.VerifyAll(r.Context())
	if err != nil {
		log.Printf("[sentinel-api] verify ledger: %v", err)
		writeError(w, http.StatusInternalServerError, "ledger verification failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	n, err := s.chain.Store().Len(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded", "service": "sentinel-api", "error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "healthy",
		"service":           "sentinel-api",
		"ledger_entries":    n,
		"scorer_configured": s.scorerURL != "",
	})
}
