package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"waypoint/api/internal/config"
	"waypoint/api/internal/metrics"
	"waypoint/api/internal/proposal"
	"waypoint/api/internal/schema"
)

func doRequest(t *testing.T, handler http.Handler, method, path, userID, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	var response map[string]any
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") && rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
			t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
		}
	}
	return rr, response
}

func TestHealthEndpoint(t *testing.T) {
	svc, _ := newTestService(t)
	server := NewHTTPServer(svc, "*", nil)

	rr, response := doRequest(t, server.Handler(), http.MethodGet, "/api/health", "", "")

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	if ok, exists := response["ok"]; !exists || ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Errorf("expected a request id header")
	}
}

func TestReadyEndpoint(t *testing.T) {
	svc, ms := newTestService(t)
	server := NewHTTPServer(svc, "*", nil)

	rr, response := doRequest(t, server.Handler(), http.MethodGet, "/api/ready", "", "")
	if rr.Code != http.StatusOK || response["status"] != "ready" {
		t.Fatalf("expected ready, got %d %v", rr.Code, response)
	}

	ms.pingErr = errors.New("connection refused")
	rr, response = doRequest(t, server.Handler(), http.MethodGet, "/api/ready", "", "")
	if rr.Code != http.StatusServiceUnavailable || response["status"] != "not_ready" {
		t.Fatalf("expected not_ready on ping failure, got %d %v", rr.Code, response)
	}
	checks := response["checks"].(map[string]any)
	database := checks["database"].(map[string]any)
	if database["status"] != "error" {
		t.Errorf("expected database error check, got %v", database)
	}
}

func TestReadyEndpointWaitsForSchema(t *testing.T) {
	svc, _ := newTestService(t)
	svc.schema = schema.NewState()
	server := NewHTTPServer(svc, "*", nil)

	rr, response := doRequest(t, server.Handler(), http.MethodGet, "/api/ready", "", "")

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	checks := response["checks"].(map[string]any)
	if checks["schema"].(map[string]any)["status"] != "pending" {
		t.Errorf("expected pending schema check, got %v", checks["schema"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	svc, ms := newTestServiceWithDeps(t, Deps{Metrics: m})
	addProposal(t, ms, "prop-inn", proposal.CategoryHotel, riversideInn)
	server := NewHTTPServer(svc, "*", m.Handler())

	doRequest(t, server.Handler(), http.MethodPost, "/api/trips/trip-1/proposals/prop-inn/convert", "ana", `{"status":"confirmed"}`)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `waypoint_conversions_total{category="hotel",outcome="converted"} 1`) {
		t.Errorf("expected conversion counter in %s", rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "waypoint_rsvp_rows_created_total 3") {
		t.Errorf("expected rsvp counter in %s", rr.Body.String())
	}
}

func TestTripRoutesRequireUser(t *testing.T) {
	svc, _ := newTestService(t)
	server := NewHTTPServer(svc, "*", nil)

	rr, response := doRequest(t, server.Handler(), http.MethodGet, "/api/trips/trip-1/proposals", "", "")

	if rr.Code != http.StatusUnauthorized || response["code"] != "UNAUTHORIZED" {
		t.Fatalf("expected 401, got %d %v", rr.Code, response)
	}
}

func TestUnknownRoutes(t *testing.T) {
	svc, _ := newTestService(t)
	server := NewHTTPServer(svc, "*", nil)

	rr, _ := doRequest(t, server.Handler(), http.MethodGet, "/api/documents", "ana", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
	rr, _ = doRequest(t, server.Handler(), http.MethodDelete, "/api/trips/trip-1/proposals/prop-1", "ana", "")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rr.Code)
	}
	rr, _ = doRequest(t, server.Handler(), http.MethodGet, "/metrics", "", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 without a metrics handler, got %d", rr.Code)
	}
}

func TestCreateProposalBodyValidation(t *testing.T) {
	svc, _ := newTestService(t)
	server := NewHTTPServer(svc, "*", nil)

	rr, response := doRequest(t, server.Handler(), http.MethodPost, "/api/trips/trip-1/proposals", "ana", `{"category":"cruise"}`)
	if rr.Code != http.StatusBadRequest || response["code"] != "VALIDATION_ERROR" {
		t.Fatalf("expected validation error, got %d %v", rr.Code, response)
	}
	fields := response["details"].(map[string]any)["fields"].([]any)
	first := fields[0].(map[string]any)
	if first["field"] != "category" || first["rule"] != "oneof" {
		t.Errorf("unexpected field error %v", first)
	}

	rr, response = doRequest(t, server.Handler(), http.MethodPost, "/api/trips/trip-1/proposals", "ana", `{"category":`)
	if rr.Code != http.StatusBadRequest || response["code"] != "INVALID_BODY" {
		t.Fatalf("expected invalid body, got %d %v", rr.Code, response)
	}
}

func TestProposalLifecycleOverHTTP(t *testing.T) {
	svc, _ := newTestService(t)
	handler := NewHTTPServer(svc, "*", nil).Handler()

	rr, created := doRequest(t, handler, http.MethodPost, "/api/trips/trip-1/proposals", "ana",
		fmt.Sprintf(`{"category":"hotel","details":%s}`, riversideInn))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %v", rr.Code, created)
	}
	proposalID := created["id"].(string)
	base := "/api/trips/trip-1/proposals/" + proposalID

	rr, voted := doRequest(t, handler, http.MethodPost, base+"/votes", "ben", `{"status":"accepted","rank":1}`)
	if rr.Code != http.StatusOK || voted["status"] != "voting" {
		t.Fatalf("expected vote to move proposal to voting, got %d %v", rr.Code, voted)
	}

	rr, response := doRequest(t, handler, http.MethodPost, base+"/votes", "ben", `{"status":"accepted","rank":0}`)
	if rr.Code != http.StatusBadRequest || response["code"] != "VALIDATION_ERROR" {
		t.Fatalf("expected rank validation error, got %d %v", rr.Code, response)
	}

	rr, response = doRequest(t, handler, http.MethodPost, base+"/convert", "ana", `{"status":"booked"}`)
	if rr.Code != http.StatusBadRequest || response["code"] != "INVALID_STATUS" {
		t.Fatalf("expected invalid status, got %d %v", rr.Code, response)
	}

	rr, converted := doRequest(t, handler, http.MethodPost, base+"/convert", "ana", `{"status":"confirmed"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %v", rr.Code, converted)
	}
	entity := converted["entity"].(map[string]any)
	if entity["table"] != "hotels" || entity["status"] != "confirmed" {
		t.Errorf("unexpected entity %v", entity)
	}

	rr, response = doRequest(t, handler, http.MethodPost, base+"/convert", "ben", `{"status":"confirmed"}`)
	if rr.Code != http.StatusConflict || response["code"] != "ALREADY_CONVERTED" {
		t.Fatalf("expected 409, got %d %v", rr.Code, response)
	}

	rr, listed := doRequest(t, handler, http.MethodGet,
		fmt.Sprintf("/api/trips/trip-1/entities/hotels/%s/rsvps", entity["id"]), "cara", "")
	if rr.Code != http.StatusOK || len(listed["rsvps"].([]any)) != 3 {
		t.Fatalf("expected 3 rsvps, got %d %v", rr.Code, listed)
	}

	rr, fetched := doRequest(t, handler, http.MethodGet, base, "cara", "")
	if rr.Code != http.StatusOK || fetched["conversion"] == nil {
		t.Fatalf("expected conversion on proposal, got %d %v", rr.Code, fetched)
	}
}

func TestConvertMissingFieldsOverHTTP(t *testing.T) {
	svc, ms := newTestService(t)
	addProposal(t, ms, "prop-bare", proposal.CategoryRestaurant, `{"name":"Tasca"}`)
	handler := NewHTTPServer(svc, "*", nil).Handler()

	rr, response := doRequest(t, handler, http.MethodPost, "/api/trips/trip-1/proposals/prop-bare/convert", "ana", `{"status":"scheduled"}`)

	if rr.Code != http.StatusBadRequest || response["code"] != "MISSING_FIELDS" {
		t.Fatalf("expected 400 MISSING_FIELDS, got %d %v", rr.Code, response)
	}
	missing := response["details"].(map[string]any)["missingFields"].([]any)
	if len(missing) != 2 || missing[0] != "Address" || missing[1] != "Reservation time" {
		t.Errorf("unexpected missing fields %v", missing)
	}
}

func TestProposeSavedItemOverHTTP(t *testing.T) {
	svc := newService(config.Config{SeedDemoData: true}, newMemStore(), reconciledState(), Deps{})
	if err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	handler := NewHTTPServer(svc, "*", nil).Handler()

	rr, response := doRequest(t, handler, http.MethodPost, "/api/trips/trip-portland/saved-items/saved-ace-hotel/propose", "avery", "")
	if rr.Code != http.StatusForbidden || response["error"] != "Scheduled stays cannot be proposed" {
		t.Fatalf("expected 403 for a scheduled stay, got %d %v", rr.Code, response)
	}

	rr, response = doRequest(t, handler, http.MethodPost, "/api/trips/trip-portland/saved-items/saved-forest-park/propose", "sarah",
		`{"details":{"startTime":"2026-07-02T09:00:00-07:00"}}`)
	if rr.Code != http.StatusCreated || response["sourceType"] != "saved_item" {
		t.Fatalf("expected 201, got %d %v", rr.Code, response)
	}

	rr, response = doRequest(t, handler, http.MethodPost, "/api/trips/trip-portland/saved-items/saved-forest-park/propose", "marcus", "")
	if rr.Code != http.StatusConflict || response["code"] != "ALREADY_PROPOSED" {
		t.Fatalf("expected 409, got %d %v", rr.Code, response)
	}
}

func TestSearchRouteParsesQuery(t *testing.T) {
	svc, _ := newTestService(t)
	svc.search = &recordingIndex{}
	handler := NewHTTPServer(svc, "*", nil).Handler()

	rr, response := doRequest(t, handler, http.MethodGet, "/api/trips/trip-1/search?q=%20inn%20&limit=500", "ana", "")

	if rr.Code != http.StatusOK || response["query"] != "inn" {
		t.Fatalf("expected trimmed query, got %d %v", rr.Code, response)
	}
}

func TestMapError(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"domain", conflict("ALREADY_CONVERTED", "Proposal has already been converted", nil), http.StatusConflict, "ALREADY_CONVERTED"},
		{"wrapped domain", fmt.Errorf("convert: %w", forbidden("nope")), http.StatusForbidden, "FORBIDDEN"},
		{"no rows", fmt.Errorf("load: %w", sql.ErrNoRows), http.StatusNotFound, "NOT_FOUND"},
		{"schema", &schema.Error{Table: "hotels", Column: "status", Reason: "status column has type integer"}, http.StatusInternalServerError, "SCHEMA_ERROR"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "SERVER_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, code, message, _ := mapError(tc.err)
			if status != tc.status || code != tc.code {
				t.Errorf("expected %d %s, got %d %s", tc.status, tc.code, status, code)
			}
			if status == http.StatusInternalServerError && message != "Server error" {
				t.Errorf("server errors must be generic, got %q", message)
			}
		})
	}
}
