package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fairyhunter13/agent-gateway/internal/domain"
)

func TestWriteErrorStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"invalid argument", domain.ErrInvalidArgument, http.StatusBadRequest, "input"},
		{"agent not found", domain.ErrAgentNotFound, http.StatusNotFound, "input"},
		{"provider not found", domain.ErrProviderNotFound, http.StatusNotFound, "input"},
		{"process compliance", domain.ErrProcessCompliance, http.StatusUnprocessableEntity, "process_compliance"},
		{"rate limited", &domain.RateLimitError{Provider: "p"}, http.StatusTooManyRequests, "rate_limit"},
		{"upstream timeout", &domain.TimeoutError{Provider: "p"}, http.StatusGatewayTimeout, "timeout"},
		{
			"all providers failed",
			&domain.AllProvidersFailedError{AgentID: "dev", Errors: map[string]error{"p": errors.New("x")}},
			http.StatusBadGateway,
			"all_providers_failed",
		},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "other"},
	}

	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeError(rec, tc.err)

		if rec.Code != tc.status {
			t.Errorf("%s: status = %d, want %d", tc.name, rec.Code, tc.status)
			continue
		}
		var body errorResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Errorf("%s: decode body: %v", tc.name, err)
			continue
		}
		if body.Kind != tc.kind {
			t.Errorf("%s: kind = %q, want %q", tc.name, body.Kind, tc.kind)
		}
		if body.Error == "" {
			t.Errorf("%s: empty error message", tc.name)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("%s: content-type = %q", tc.name, ct)
		}
	}
}

func TestExecuteRejectsMalformedBody(t *testing.T) {
	h := &Handlers{}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/execute", nil)

	h.Execute(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestReadyz(t *testing.T) {
	h := &Handlers{}
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with no checks", rec.Code)
	}

	h.Readiness = []ReadinessChecker{func() error { return errors.New("redis down") }}
	rec = httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 when a check fails", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	h := &Handlers{}
	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
