package app

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"earlyaction/internal/domain"
	"earlyaction/internal/phase"
	"earlyaction/internal/store"
	"earlyaction/internal/trigger"
)

// registerAdminRoutes mounts operator endpoints on the service mux.
// Params: root request mux.
// Returns: none.
func (s *Service) registerAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /phases/{id}/activate", func(writer http.ResponseWriter, request *http.Request) {
		updated, err := s.engine.Activate(request.Context(), request.PathValue("id"))
		s.respond(writer, updated, err)
	})
	mux.HandleFunc("POST /phases/{id}/revert", func(writer http.ResponseWriter, request *http.Request) {
		updated, err := s.engine.Revert(request.Context(), request.PathValue("id"))
		s.respond(writer, updated, err)
	})
	mux.HandleFunc("POST /phases/{id}/triggers", func(writer http.ResponseWriter, request *http.Request) {
		var spec trigger.Spec
		if !s.decode(writer, request, &spec) {
			return
		}
		created, err := s.triggers.Attach(request.Context(), request.PathValue("id"), spec)
		s.respond(writer, created, err)
	})
	mux.HandleFunc("PUT /phases/{id}/requirements", func(writer http.ResponseWriter, request *http.Request) {
		var body struct {
			Triggers []phase.TriggerBinding   `json:"triggers"`
			Summary  phase.RequirementSummary `json:"summary"`
		}
		if !s.decode(writer, request, &body) {
			return
		}
		err := s.engine.ConfigureTriggers(request.Context(), request.PathValue("id"), body.Triggers, body.Summary)
		s.respond(writer, map[string]string{"status": "configured"}, err)
	})
	mux.HandleFunc("GET /phases/{id}/requirements", func(writer http.ResponseWriter, request *http.Request) {
		status, err := s.triggers.Status(request.Context(), request.PathValue("id"))
		s.respond(writer, status, err)
	})
	mux.HandleFunc("POST /reservations", func(writer http.ResponseWriter, request *http.Request) {
		var body struct {
			GroupID     string              `json:"group_id"`
			GroupName   string              `json:"group_name"`
			Title       string              `json:"title"`
			ProjectName string              `json:"project_name"`
			Purpose     domain.GroupPurpose `json:"purpose"`
			Tokens      int64               `json:"tokens"`
		}
		if !s.decode(writer, request, &body) {
			return
		}
		reservation, err := s.payouts.Reserve(
			request.Context(), body.GroupID, body.GroupName, body.Title, body.ProjectName, body.Purpose, body.Tokens)
		s.respond(writer, reservation, err)
	})
	mux.HandleFunc("POST /payouts", func(writer http.ResponseWriter, request *http.Request) {
		var body struct {
			GroupID     string            `json:"group_id"`
			Type        domain.PayoutType `json:"type"`
			Mode        domain.PayoutMode `json:"mode"`
			ProcessorID string            `json:"processor_id"`
		}
		if !s.decode(writer, request, &body) {
			return
		}
		created, err := s.payouts.Create(
			request.Context(), body.GroupID, body.Type, body.Mode, body.ProcessorID)
		s.respond(writer, created, err)
	})
	mux.HandleFunc("POST /payouts/{group}/schedule", func(writer http.ResponseWriter, request *http.Request) {
		created, err := s.store.GetPayoutByGroup(request.Context(), request.PathValue("group"))
		if err != nil {
			s.respond(writer, nil, err)
			return
		}
		batches, err := s.payouts.Schedule(request.Context(), created)
		s.respond(writer, map[string]int{"batches": batches}, err)
	})
}

// decode reads one JSON request body into target.
// Params: response writer, request, and decode target.
// Returns: false after writing a 400 on malformed input.
func (s *Service) decode(writer http.ResponseWriter, request *http.Request, target any) bool {
	request.Body = http.MaxBytesReader(writer, request.Body, s.cfg.Ingest.HTTP.MaxBodyBytes)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(body, target); err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return false
	}
	return true
}

// respond writes one JSON admin response with domain error mapping.
// Params: response writer, success payload, and operation error.
// Returns: none.
func (s *Service) respond(writer http.ResponseWriter, payload any, err error) {
	writer.Header().Set("Content-Type", "application/json")
	switch {
	case err == nil:
		writer.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(writer).Encode(payload)
	case errors.Is(err, store.ErrNotFound):
		writer.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(writer).Encode(map[string]string{"error": err.Error()})
	case domain.IsPrecondition(err):
		writer.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(writer).Encode(map[string]string{"error": err.Error()})
	default:
		s.logger.Error("admin request failed", "error", err.Error())
		writer.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(writer).Encode(map[string]string{"error": "internal error"})
	}
}
