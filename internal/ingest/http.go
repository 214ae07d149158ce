// Package ingest accepts trigger evidence from external data pipelines.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"earlyaction/internal/domain"
	"earlyaction/internal/store"
)

// EvidenceSink receives decoded trigger evidence from ingest interfaces.
// Params: repeat key identifying the live trigger.
// Returns: processing error.
type EvidenceSink interface {
	RecordFired(ctx context.Context, repeatKey string) error
}

// Evidence is one inbound trigger firing report.
// Params: repeat key plus optional source attribution and note.
// Returns: decoded evidence payload.
type Evidence struct {
	RepeatKey string `json:"repeat_key"`
	Source    string `json:"source,omitempty"`
	Note      string `json:"note,omitempty"`
}

// HTTPHandler decodes JSON evidence and forwards it to sink.
// Params: sink receives validated evidence, max body limits payload size.
// Returns: HTTP handler for evidence endpoint.
type HTTPHandler struct {
	sink        EvidenceSink
	maxBodySize int64
}

// NewHTTPHandler creates evidence HTTP handler.
// Params: sink and max request body size in bytes.
// Returns: configured handler.
func NewHTTPHandler(sink EvidenceSink, maxBodySize int64) *HTTPHandler {
	return &HTTPHandler{sink: sink, maxBodySize: maxBodySize}
}

// ServeHTTP handles one incoming evidence request.
// Params: HTTP request/response writer pair.
// Returns: writes status code according to decode/record result.
func (h *HTTPHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	request.Body = http.MaxBytesReader(writer, request.Body, h.maxBodySize)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}

	evidence, err := DecodeEvidence(body)
	if err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := h.sink.RecordFired(request.Context(), evidence.RepeatKey); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writer.WriteHeader(http.StatusNotFound)
		case domain.IsPrecondition(err):
			writer.WriteHeader(http.StatusUnprocessableEntity)
		default:
			writer.WriteHeader(http.StatusServiceUnavailable)
		}
		return
	}
	writer.WriteHeader(http.StatusAccepted)
}

// DecodeEvidence parses and validates one evidence payload.
// Params: raw JSON body.
// Returns: evidence or validation error.
func DecodeEvidence(body []byte) (Evidence, error) {
	var evidence Evidence
	if err := json.Unmarshal(body, &evidence); err != nil {
		return Evidence{}, err
	}
	evidence.RepeatKey = strings.TrimSpace(evidence.RepeatKey)
	if evidence.RepeatKey == "" {
		return Evidence{}, errors.New("repeat_key is required")
	}
	return evidence, nil
}
