package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"vetdesk/internal/domain"
	"vetdesk/internal/failure"
)

// CaseDesk is the operator view used by the cases endpoints.
type CaseDesk interface {
	List(ctx context.Context, statuses ...domain.Status) ([]domain.EmergencyCase, error)
	ListActive(ctx context.Context) ([]domain.EmergencyCase, error)
	Get(ctx context.Context, caseID string) (domain.EmergencyCase, error)
	Stats(ctx context.Context) (domain.Stats, error)
	SubmitResponse(ctx context.Context, caseID, responder, text string) (domain.EmergencyCase, error)
}

// ResponseRequest is the body of an operator-submitted response.
type ResponseRequest struct {
	Responder string `json:"responder"`
	Text      string `json:"text"`
}

// CasesHandler serves operator case endpoints under one base path.
type CasesHandler struct {
	desk        CaseDesk
	maxBodySize int64
}

// NewCasesHandler creates operator case handler.
// Params: desk and max request body size in bytes.
// Returns: handler; call Register to mount routes.
func NewCasesHandler(desk CaseDesk, maxBodySize int64) *CasesHandler {
	return &CasesHandler{desk: desk, maxBodySize: maxBodySize}
}

// Register mounts the case routes on mux.
// Params: mux and base path such as "/cases".
// Returns: none.
func (h *CasesHandler) Register(mux *http.ServeMux, basePath string) {
	base := "/" + strings.Trim(basePath, "/")
	mux.HandleFunc("GET "+base, h.list)
	mux.HandleFunc("GET "+base+"/stats", h.stats)
	mux.HandleFunc("GET "+base+"/{id}", h.get)
	mux.HandleFunc("POST "+base+"/{id}/response", h.respond)
}

// list handles GET ?status=a,b; status=active selects every non-completed case.
func (h *CasesHandler) list(writer http.ResponseWriter, request *http.Request) {
	raw := strings.TrimSpace(request.URL.Query().Get("status"))
	var (
		cases []domain.EmergencyCase
		err   error
	)
	switch {
	case strings.EqualFold(raw, "active"):
		cases, err = h.desk.ListActive(request.Context())
	default:
		statuses, parseErr := parseStatuses(raw)
		if parseErr != nil {
			writeError(writer, http.StatusBadRequest, parseErr)
			return
		}
		cases, err = h.desk.List(request.Context(), statuses...)
	}
	if err != nil {
		writeError(writer, statusFor(err), err)
		return
	}
	if cases == nil {
		cases = []domain.EmergencyCase{}
	}
	writeJSON(writer, http.StatusOK, cases)
}

func (h *CasesHandler) stats(writer http.ResponseWriter, request *http.Request) {
	stats, err := h.desk.Stats(request.Context())
	if err != nil {
		writeError(writer, statusFor(err), err)
		return
	}
	writeJSON(writer, http.StatusOK, stats)
}

func (h *CasesHandler) get(writer http.ResponseWriter, request *http.Request) {
	c, err := h.desk.Get(request.Context(), request.PathValue("id"))
	if err != nil {
		writeError(writer, statusFor(err), err)
		return
	}
	writeJSON(writer, http.StatusOK, c)
}

func (h *CasesHandler) respond(writer http.ResponseWriter, request *http.Request) {
	caseID := request.PathValue("id")
	request.Body = http.MaxBytesReader(writer, request.Body, h.maxBodySize)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		writeError(writer, http.StatusBadRequest, err)
		return
	}
	var payload ResponseRequest
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(writer, http.StatusBadRequest, fmt.Errorf("decode response: %w", err))
		return
	}
	if strings.TrimSpace(payload.Responder) == "" || strings.TrimSpace(payload.Text) == "" {
		writeError(writer, http.StatusBadRequest, errors.New("responder and text are required"))
		return
	}

	if _, err := h.desk.Get(request.Context(), caseID); err != nil {
		writeError(writer, statusFor(err), err)
		return
	}
	updated, err := h.desk.SubmitResponse(request.Context(), caseID, strings.TrimSpace(payload.Responder), payload.Text)
	if err != nil {
		writeError(writer, statusFor(err), err)
		return
	}
	writeJSON(writer, http.StatusOK, updated)
}

func parseStatuses(raw string) ([]domain.Status, error) {
	if raw == "" {
		return nil, nil
	}
	var statuses []domain.Status
	for _, part := range strings.Split(raw, ",") {
		status, ok := domain.ParseStatus(part)
		if !ok {
			return nil, fmt.Errorf("unknown status %q", strings.TrimSpace(part))
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// statusFor maps error kinds to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, failure.NotFound):
		return http.StatusNotFound
	case errors.Is(err, failure.Correlation), errors.Is(err, failure.StoreConflict):
		return http.StatusConflict
	case errors.Is(err, failure.StoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
