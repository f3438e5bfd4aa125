package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/braidhq/braid/internal/auth"
	"github.com/braidhq/braid/internal/budget"
	"github.com/braidhq/braid/internal/ctxutil"
	"github.com/braidhq/braid/internal/model"
	"github.com/braidhq/braid/internal/storage"
	"github.com/braidhq/braid/internal/tabular"
	"github.com/google/uuid"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRequestIDMiddleware(t *testing.T) {
	var captured string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	requestIDMiddleware(inner).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if captured == "" {
		t.Fatal("request ID should be populated in the context")
	}
	if got := rec.Header().Get("X-Request-ID"); got != captured {
		t.Errorf("response header X-Request-ID = %q, want %q", got, captured)
	}
}

func TestRequestIDMiddleware_PreservesClientID(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "client-supplied-id")
	requestIDMiddleware(inner).ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "client-supplied-id" {
		t.Errorf("client-supplied request ID should be preserved, got %q", got)
	}
}

func TestAuthMiddleware(t *testing.T) {
	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	if err != nil {
		t.Fatalf("create JWT manager: %v", err)
	}

	userID := uuid.New()
	token, _, err := jwtMgr.IssueToken(userID, "subject-1", "Tester")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	var seenUser uuid.UUID
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenUser = ctxutil.UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := authMiddleware(jwtMgr, inner)

	tests := []struct {
		name       string
		path       string
		authHeader string
		wantStatus int
	}{
		{"valid token", "/v1/conversations", "Bearer " + token, http.StatusOK},
		{"missing header", "/v1/conversations", "", http.StatusUnauthorized},
		{"malformed header", "/v1/conversations", "Token abc", http.StatusUnauthorized},
		{"garbage token", "/v1/conversations", "Bearer not.a.jwt", http.StatusUnauthorized},
		{"health is open", "/health", "", http.StatusOK},
		{"readiness is open", "/health/ready", "", http.StatusOK},
		{"openapi is open", "/openapi.yaml", "", http.StatusOK},
		{"stream authenticates itself", "/v1/stream", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest("GET", tt.path, nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}

	if seenUser != userID {
		t.Errorf("handler saw user %s, want %s", seenUser, userID)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("boom")
	})

	rec := httptest.NewRecorder()
	recoveryMiddleware(testLogger(), inner).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if body := rec.Body.String(); body == "" || !json.Valid([]byte(body)) {
		t.Errorf("panic response should be a JSON error envelope, got %q", body)
	}
}

func TestWriteDomainError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantKind string
	}{
		{"not found", storage.ErrNotFound, http.StatusNotFound, model.ErrCodeNotFound},
		{"scope violation hides existence", storage.ErrScopeViolation, http.StatusNotFound, model.ErrCodeNotFound},
		{"conflict", storage.ErrConflict, http.StatusConflict, model.ErrCodeConflict},
		{"budget exceeded", budget.ErrBudgetExceeded, http.StatusPaymentRequired, model.ErrCodeBudgetExceeded},
		{"validation", model.Invalidf("title too long"), http.StatusBadRequest, model.ErrCodeValidation},
		{"unknown is internal", errors.New("surprise"), http.StatusInternalServerError, model.ErrCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeDomainError(rec, httptest.NewRequest("GET", "/", nil), testLogger(), tt.err)

			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			var apiErr model.APIError
			if err := json.Unmarshal(rec.Body.Bytes(), &apiErr); err != nil {
				t.Fatalf("decode error envelope: %v", err)
			}
			if apiErr.Error.Code != tt.wantKind {
				t.Errorf("error code = %q, want %q", apiErr.Error.Code, tt.wantKind)
			}
		})
	}
}

func TestWriteTabularFailure(t *testing.T) {
	tests := []struct {
		kind       tabular.FailureKind
		wantStatus int
		wantCode   string
	}{
		{tabular.FailGenerationInvalid, http.StatusUnprocessableEntity, model.ErrCodeTabularUnsafe},
		{tabular.FailValidationRejected, http.StatusUnprocessableEntity, model.ErrCodeTabularUnsafe},
		{tabular.FailExecutionTimeout, http.StatusBadGateway, model.ErrCodeTabularExecution},
		{tabular.FailExecutionError, http.StatusBadGateway, model.ErrCodeTabularExecution},
		{tabular.FailConnectionError, http.StatusBadGateway, model.ErrCodeTabularExecution},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			rec := httptest.NewRecorder()
			f := &tabular.Failure{Kind: tt.kind, Reason: "nope"}
			writeDomainError(rec, httptest.NewRequest("POST", "/v1/tabular/query", nil), testLogger(), f)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var apiErr model.APIError
			if err := json.Unmarshal(rec.Body.Bytes(), &apiErr); err != nil {
				t.Fatalf("decode error envelope: %v", err)
			}
			if apiErr.Error.Code != tt.wantCode {
				t.Errorf("error code = %q, want %q", apiErr.Error.Code, tt.wantCode)
			}
		})
	}
}

func TestCORSMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("allowed origin is echoed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/v1/conversations", nil)
		req.Header.Set("Origin", "https://app.example.com")
		corsMiddleware([]string{"https://app.example.com"}, inner).ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
			t.Errorf("Access-Control-Allow-Origin = %q, want the request origin", got)
		}
	})

	t.Run("wildcard echoes the concrete origin", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/v1/conversations", nil)
		req.Header.Set("Origin", "https://anything.example.com")
		corsMiddleware([]string{"*"}, inner).ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://anything.example.com" {
			t.Errorf("Access-Control-Allow-Origin = %q, want the request origin", got)
		}
	})

	t.Run("disallowed origin gets no headers", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/v1/conversations", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		corsMiddleware([]string{"https://app.example.com"}, inner).ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("Access-Control-Allow-Origin should be empty, got %q", got)
		}
	})

	t.Run("preflight short-circuits", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodOptions, "/v1/conversations", nil)
		req.Header.Set("Origin", "https://app.example.com")
		corsMiddleware([]string{"https://app.example.com"}, inner).ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Errorf("preflight status = %d, want 204", rec.Code)
		}
		if got := rec.Header().Get("Access-Control-Allow-Methods"); got == "" {
			t.Error("preflight should carry Access-Control-Allow-Methods")
		}
	})

	t.Run("no configured origins is passthrough", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodOptions, "/v1/conversations", nil)
		req.Header.Set("Origin", "https://app.example.com")
		corsMiddleware(nil, inner).ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("Access-Control-Allow-Origin should be empty, got %q", got)
		}
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200 from the inner handler", rec.Code)
		}
	})
}

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	securityHeadersMiddleware(inner).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
}
