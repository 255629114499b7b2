package ingest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"vetdesk/internal/domain"
	"vetdesk/internal/escalation"
)

// AdvisoryHandler turns one advisory into the farmer-facing reply.
// Params: advisory with agent output and farmer binding.
// Returns: reply with escalation outcome.
type AdvisoryHandler interface {
	HandleAdvisory(ctx context.Context, advisory domain.Advisory) escalation.Reply
}

// HTTPHandler decodes advisories and answers with the farmer reply.
// Params: advisory handler and max body limit.
// Returns: HTTP handler for the advisory endpoint.
type HTTPHandler struct {
	pipeline    AdvisoryHandler
	maxBodySize int64
}

// NewHTTPHandler creates advisory HTTP handler.
// Params: pipeline and max request body size in bytes.
// Returns: configured handler.
func NewHTTPHandler(pipeline AdvisoryHandler, maxBodySize int64) *HTTPHandler {
	return &HTTPHandler{pipeline: pipeline, maxBodySize: maxBodySize}
}

// ServeHTTP handles one advisory or an advisory array.
// Params: HTTP request/response writer pair.
// Returns: 200 with reply JSON, 400 on decode errors, 405 on wrong method.
func (h *HTTPHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	request.Body = http.MaxBytesReader(writer, request.Body, h.maxBodySize)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		writeError(writer, http.StatusBadRequest, err)
		return
	}

	advisories, batch, err := decodeAdvisoryPayload(body)
	if err != nil {
		writeError(writer, http.StatusBadRequest, err)
		return
	}

	replies := make([]escalation.Reply, 0, len(advisories))
	for _, advisory := range advisories {
		replies = append(replies, h.pipeline.HandleAdvisory(request.Context(), advisory))
	}
	if batch {
		writeJSON(writer, http.StatusOK, replies)
		return
	}
	writeJSON(writer, http.StatusOK, replies[0])
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(writer http.ResponseWriter, status int, err error) {
	writeJSON(writer, status, errorBody{Error: err.Error()})
}

func writeJSON(writer http.ResponseWriter, status int, value any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(value)
}
