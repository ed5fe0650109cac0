package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/keon-os/marketops/pkg/canonicalize"
	"github.com/keon-os/marketops/pkg/contracts"
	"github.com/keon-os/marketops/pkg/events"
	"github.com/keon-os/marketops/pkg/pipeline"
	"github.com/keon-os/marketops/pkg/proofpack"
)

const maxRequestBody = 1 << 20 // 1MB limit

// Server exposes runs, artifacts, and Proof Pack building over REST/JSON,
// plus the run event stream over WebSocket.
type Server struct {
	orchestrator *pipeline.Orchestrator
	builder      *proofpack.Builder
	hub          *events.Hub
	registry     *RunRegistry
	tenantID     string
	port         string
	packDir      string
}

// ServerConfig wires a Server. PackDir is where POST /marketops/proofpack
// materializes packs.
type ServerConfig struct {
	Orchestrator *pipeline.Orchestrator
	Builder      *proofpack.Builder
	Hub          *events.Hub
	TenantID     string
	Port         string
	PackDir      string
}

// NewServer builds the HTTP server. The orchestrator is required; the
// pack builder and hub are optional (their routes 404 / noop without them).
func NewServer(cfg ServerConfig) *Server {
	packDir := cfg.PackDir
	if packDir == "" {
		packDir = "evidence/proofpack-v1"
	}
	return &Server{
		orchestrator: cfg.Orchestrator,
		builder:      cfg.Builder,
		hub:          cfg.Hub,
		registry:     NewRunRegistry(),
		tenantID:     cfg.TenantID,
		port:         cfg.Port,
		packDir:      packDir,
	}
}

// Registry exposes the run registry, mainly for command-level wiring.
func (s *Server) Registry() *RunRegistry {
	return s.registry
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/marketops/runs", s.handleCreateRun).Methods(http.MethodPost)
	r.HandleFunc("/marketops/runs/{id}", s.handleGetRun).Methods(http.MethodGet)
	r.HandleFunc("/marketops/runs/{id}/plan", s.artifactHandler(func(res *pipeline.Result) any { return res.Plan })).Methods(http.MethodGet)
	r.HandleFunc("/marketops/runs/{id}/ledger", s.artifactHandler(func(res *pipeline.Result) any { return res.Ledger })).Methods(http.MethodGet)
	r.HandleFunc("/marketops/runs/{id}/advisory", s.artifactHandler(func(res *pipeline.Result) any { return res.Advisory })).Methods(http.MethodGet)
	r.HandleFunc("/marketops/runs/{id}/summary", s.artifactHandler(func(res *pipeline.Result) any { return res.Summary })).Methods(http.MethodGet)
	r.HandleFunc("/marketops/runs/{id}/summary.md", s.handleSummaryMarkdown).Methods(http.MethodGet)
	r.HandleFunc("/marketops/proofpack", s.handleBuildPack).Methods(http.MethodPost)
	if s.hub != nil {
		r.HandleFunc("/marketops/events", s.hub.HandleWebSocket)
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "port": s.port})
}

// CreateRunRequest is the POST /marketops/runs body. Mode defaults to
// dry_run on omission; tenantId defaults to the server tenant.
type CreateRunRequest struct {
	Mode          string         `json:"mode"`
	TenantID      string         `json:"tenantId"`
	Input         map[string]any `json:"input"`
	CorrelationID string         `json:"correlationId"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	req := CreateRunRequest{}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteBadRequest(w, "Invalid request body")
			return
		}
	}

	if req.Mode == "" {
		req.Mode = contracts.ModeDryRun.Wire()
	}
	mode, err := contracts.ParseMode(req.Mode)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	tenantID := req.TenantID
	if tenantID == "" {
		tenantID = s.tenantID
	}

	run := contracts.NewRun(tenantID, mode, req.Input, req.CorrelationID)
	s.registry.Add(run)

	// The run proceeds in the background; clients follow it over the
	// event stream or by polling the run resource.
	go func() {
		result := s.orchestrator.Execute(context.Background(), run)
		s.registry.Finish(run.RunID, result)
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"runId":  run.RunID,
		"mode":   run.Mode.Wire(),
		"status": string(StatusStarted),
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.registry.Get(mux.Vars(r)["id"])
	if !ok {
		WriteNotFound(w, "No such run")
		return
	}

	resp := map[string]any{
		"runId":     entry.Run.RunID,
		"mode":      entry.Run.Mode.Wire(),
		"tenantId":  entry.Run.TenantID,
		"startedAt": entry.Run.StartedAt,
		"status":    string(entry.Status),
	}
	if entry.Run.CorrelationID != "" {
		resp["correlationId"] = entry.Run.CorrelationID
	}
	if entry.Result != nil {
		if entry.Status == StatusCompleted {
			resp["verdict"] = entry.Result.Summary.PolicyVerdict
		} else {
			resp["error"] = entry.Result.ErrorMessage
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// artifactHandler serves one artifact of a completed run as canonical
// JSON, so the bytes served hash identically to the bytes sealed on disk.
func (s *Server) artifactHandler(pick func(*pipeline.Result) any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entry := s.completedEntry(w, r)
		if entry == nil {
			return
		}

		data, err := canonicalize.Canonicalize(pick(entry.Result))
		if err != nil {
			WriteInternal(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}
}

func (s *Server) handleSummaryMarkdown(w http.ResponseWriter, r *http.Request) {
	entry := s.completedEntry(w, r)
	if entry == nil {
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(entry.Result.SummaryMarkdown))
}

// completedEntry resolves the {id} route var to a completed run, writing
// the error response itself when the run is missing or not done.
func (s *Server) completedEntry(w http.ResponseWriter, r *http.Request) *RunEntry {
	entry, ok := s.registry.Get(mux.Vars(r)["id"])
	if !ok {
		WriteNotFound(w, "No such run")
		return nil
	}
	if entry.Status != StatusCompleted {
		WriteConflict(w, "Run is "+string(entry.Status)+", artifacts are served for completed runs only")
		return nil
	}
	return entry
}

// BuildPackRequest is the POST /marketops/proofpack body.
type BuildPackRequest struct {
	RunIDs    []string          `json:"runIds"`
	Scenarios map[string]string `json:"scenarios"`
}

func (s *Server) handleBuildPack(w http.ResponseWriter, r *http.Request) {
	if s.builder == nil {
		WriteNotFound(w, "Proof Pack building is not configured on this server")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var req BuildPackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if len(req.RunIDs) == 0 {
		WriteBadRequest(w, "runIds must name at least one run")
		return
	}

	results, err := s.registry.Completed(req.RunIDs)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	runs := make([]proofpack.CompletedRun, 0, len(results))
	for _, res := range results {
		runs = append(runs, proofpack.CompletedRun{
			Run:             res.Run,
			Scenario:        req.Scenarios[res.Run.RunID],
			Plan:            res.Plan,
			Ledger:          res.Ledger,
			Advisory:        *res.Advisory,
			Summary:         res.Summary,
			SummaryMarkdown: res.SummaryMarkdown,
		})
	}

	index, err := s.builder.Build(runs, s.packDir)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, index)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
