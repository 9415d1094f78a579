package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"waypoint/api/internal/schema"
	"waypoint/api/internal/search"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	metrics    http.Handler
}

// NewHTTPServer wires the API routes. metrics may be nil, in which case
// /metrics is not served.
func NewHTTPServer(service *Service, corsOrigin string, metrics http.Handler) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, metrics: metrics}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type createProposalBody struct {
	Category       string          `json:"category" validate:"required,oneof=flight hotel restaurant activity"`
	Details        json.RawMessage `json:"details"`
	VotingDeadline *time.Time      `json:"votingDeadline"`
}

type voteBody struct {
	Status string `json:"status" validate:"required,oneof=pending accepted declined"`
	Rank   *int   `json:"rank" validate:"omitempty,min=1"`
}

type convertBody struct {
	Status string `json:"status"`
}

type proposeSavedItemBody struct {
	Details json.RawMessage `json:"details"`
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" && s.metrics != nil {
		s.metrics.ServeHTTP(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 4 || parts[0] != "api" || parts[1] != "trips" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}

	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	tripID := parts[2]

	switch parts[3] {
	case "proposals":
		s.handleProposals(w, r, userID, tripID, parts[4:])
	case "saved-items":
		s.handleSavedItems(w, r, userID, tripID, parts[4:])
	case "entities":
		s.handleEntities(w, r, userID, tripID, parts[4:])
	case "search":
		s.handleSearch(w, r, userID, tripID, parts[4:])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
		"schema":   map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	if !s.service.SchemaReady() {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["schema"] = map[string]any{"status": "pending"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// /api/trips/{tripId}/proposals[/{proposalId}[/{action}]]
func (s *HTTPServer) handleProposals(w http.ResponseWriter, r *http.Request, userID, tripID string, parts []string) {
	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		views, err := s.service.ListTripProposals(r.Context(), tripID, userID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"proposals": views})

	case len(parts) == 0 && r.Method == http.MethodPost:
		var body createProposalBody
		if !decodeAndValidate(w, r, &body) {
			return
		}
		view, err := s.service.CreateProposal(r.Context(), tripID, userID, CreateProposalInput{
			Category:       body.Category,
			Details:        body.Details,
			VotingDeadline: body.VotingDeadline,
		})
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, view)

	case len(parts) == 1 && r.Method == http.MethodGet:
		view, err := s.service.GetProposal(r.Context(), tripID, parts[0], userID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)

	case len(parts) == 2 && r.Method == http.MethodPost:
		s.handleProposalAction(w, r, userID, tripID, parts[0], parts[1])

	case len(parts) <= 2:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) handleProposalAction(w http.ResponseWriter, r *http.Request, userID, tripID, proposalID, action string) {
	switch action {
	case "votes":
		var body voteBody
		if !decodeAndValidate(w, r, &body) {
			return
		}
		view, err := s.service.CastVote(r.Context(), tripID, proposalID, userID, VoteInput{Status: body.Status, Rank: body.Rank})
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)

	case "convert":
		var body convertBody
		if !decodeAndValidate(w, r, &body) {
			return
		}
		result, err := s.service.Convert(r.Context(), tripID, proposalID, body.Status, userID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, result)

	case "cancel":
		view, err := s.service.CancelProposal(r.Context(), tripID, proposalID, userID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

// /api/trips/{tripId}/saved-items/{savedItemId}/propose
func (s *HTTPServer) handleSavedItems(w http.ResponseWriter, r *http.Request, userID, tripID string, parts []string) {
	if len(parts) != 2 || parts[1] != "propose" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	var body proposeSavedItemBody
	if !decodeAndValidate(w, r, &body) {
		return
	}
	view, err := s.service.ConvertFromSavedItem(r.Context(), tripID, parts[0], userID, body.Details)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// /api/trips/{tripId}/entities/{table}/{entityId}/rsvps
func (s *HTTPServer) handleEntities(w http.ResponseWriter, r *http.Request, userID, tripID string, parts []string) {
	if len(parts) != 3 || parts[2] != "rsvps" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	rsvps, err := s.service.ListEntityRSVPs(r.Context(), tripID, parts[0], parts[1], userID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rsvps": rsvps})
}

// /api/trips/{tripId}/search?q=&category=&limit=&offset=
func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, userID, tripID string, parts []string) {
	if len(parts) != 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	response, err := s.service.SearchItinerary(r.Context(), tripID, userID, search.Query{
		Text:           strings.TrimSpace(query.Get("q")),
		FilterCategory: strings.TrimSpace(query.Get("category")),
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

// requireUser reads the acting member. Authentication happens upstream; the
// gateway forwards the verified user id in X-User-ID.
func (s *HTTPServer) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return "", false
	}
	return userID, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","user_id":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			r.Header.Get("X-User-ID"),
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-User-ID, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status == http.StatusInternalServerError {
		log.Printf("request failed: %v", err)
	}
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// decodeAndValidate writes the 400 itself and reports false when the body is
// unusable.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	if err := validate.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Request body is invalid", map[string]any{
				"fields": fieldErrors(fieldErrs),
			})
			return false
		}
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	return true
}

func fieldErrors(errs validator.ValidationErrors) []map[string]string {
	out := make([]map[string]string, 0, len(errs))
	for _, fe := range errs {
		entry := map[string]string{"field": fe.Field(), "rule": fe.Tag()}
		if fe.Param() != "" {
			entry["param"] = fe.Param()
		}
		out = append(out, entry)
	}
	return out
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, schema.ErrSchema) {
		return http.StatusInternalServerError, "SCHEMA_ERROR", "Server error", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
