package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/runger/cliscope/internal/experiment"
	"github.com/runger/cliscope/internal/ingest"
	"github.com/runger/cliscope/internal/storage"
)

// maxBodyBytes bounds request bodies; a full batch of events fits well
// under this.
const maxBodyBytes = 4 << 20

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "cliscope",
		"version": Version,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbStatus := "healthy"
	status := "healthy"
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Error("database health check failed", "error", err)
		dbStatus = "unhealthy"
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   status,
		"database": dbStatus,
	})
}

type createKeyRequest struct {
	Name     string `json:"name"`
	ToolName string `json:"tool_name"`
}

type createKeyResponse struct {
	APIKey  string `json:"api_key"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

// handleCreateKey issues a credential. The plaintext key is returned
// once; only its hash is stored.
func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" || req.ToolName == "" {
		writeError(w, http.StatusBadRequest, "name and tool_name are required")
		return
	}

	key, err := GenerateAPIKey()
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	record := &storage.APIKey{
		KeyHash:     HashAPIKey(key),
		Name:        req.Name,
		ToolName:    req.ToolName,
		CreatedAtMs: time.Now().UnixMilli(),
		IsActive:    true,
	}
	if err := s.store.CreateAPIKey(r.Context(), record); err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, createKeyResponse{
		APIKey:  key,
		Name:    req.Name,
		Message: "Save this key - it won't be shown again",
	})
}

// ingestEnvelope accepts either a bare event or {"events": [...]}.
type ingestEnvelope struct {
	Events []ingest.EventInput `json:"events"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	var envelope ingestEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Events == nil {
		var single ingest.EventInput
		if err := json.Unmarshal(body, &single); err != nil {
			writeError(w, http.StatusBadRequest, "invalid event payload")
			return
		}
		envelope.Events = []ingest.EventInput{single}
	}

	if len(envelope.Events) == 0 {
		writeError(w, http.StatusBadRequest, "batch cannot be empty")
		return
	}
	if len(envelope.Events) > ingest.MaxBatchSize {
		writeError(w, http.StatusBadRequest, "batch exceeds maximum size")
		return
	}

	res, err := s.ingestor.IngestBatch(r.Context(), toolNameFrom(r.Context()), envelope.Events)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleInfer(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Run(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.reporter.Summary(r.Context(), toolNameFrom(r.Context()))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleWorkflowDetail(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	detail, err := s.reporter.WorkflowDetail(r.Context(), toolNameFrom(r.Context()), name)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	command := r.URL.Query().Get("command")
	if command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	failed, _ := strconv.ParseBool(r.URL.Query().Get("failed"))

	resp, err := s.recommender.For(r.Context(), toolNameFrom(r.Context()), command, failed)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	var input experiment.CreateInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if input.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if input.TrafficPct != nil && (*input.TrafficPct < 0 || *input.TrafficPct > 100) {
		writeError(w, http.StatusBadRequest, "traffic_pct must be between 0 and 100")
		return
	}

	created, err := s.experiments.Create(r.Context(), toolNameFrom(r.Context()), &input)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, created)
}

func (s *Server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	exps, err := s.experiments.List(r.Context(), toolNameFrom(r.Context()))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exps)
}

func (s *Server) handleVariant(w http.ResponseWriter, r *http.Request) {
	actorID := r.URL.Query().Get("actor_id")
	if actorID == "" {
		writeError(w, http.StatusBadRequest, "actor_id is required")
		return
	}
	name := chi.URLParam(r, "name")

	assignment, err := s.experiments.Variant(r.Context(), toolNameFrom(r.Context()), name, actorID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assignment)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	results, err := s.experiments.Results(r.Context(), toolNameFrom(r.Context()), name)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleStopExperiment(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.experiments.Stop(r.Context(), toolNameFrom(r.Context()), name); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "stopped",
		"experiment": name,
	})
}

// decodeBody decodes a JSON request body, rejecting unknown garbage and
// oversized payloads.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid request body")
	}
	return nil
}
