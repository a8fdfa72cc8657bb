package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestExtractBearer(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"bearer", "Bearer abc123", "abc123"},
		{"dpop", "DPoP xyz789", "xyz789"},
		{"lowercase scheme", "bearer abc123", "abc123"},
		{"missing", "", ""},
		{"basic auth ignored", "Basic dXNlcjpwYXNz", ""},
	}

	e := echo.New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			c := e.NewContext(req, httptest.NewRecorder())
			if got := extractBearer(c); got != tt.want {
				t.Errorf("extractBearer() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCheckRepoAuth(t *testing.T) {
	e := echo.New()

	newCtx := func(ac *authContext) echo.Context {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		c := e.NewContext(req, httptest.NewRecorder())
		if ac != nil {
			c.Set(authContextKey, ac)
		}
		return c
	}

	t.Run("no auth context", func(t *testing.T) {
		c := newCtx(nil)
		if err := checkRepoAuth(c, "did:plc:abc"); err != nil {
			t.Fatal("expected nil error from echo.Context.JSON path, got", err)
		}
		rec := c.Response().Writer.(*httptest.ResponseRecorder)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("admin allowed", func(t *testing.T) {
		c := newCtx(&authContext{IsAdmin: true})
		if err := checkRepoAuth(c, "did:plc:abc"); err != nil {
			t.Fatalf("admin should be allowed, got error writing response: %v", err)
		}
	})

	t.Run("matching did allowed", func(t *testing.T) {
		c := newCtx(&authContext{DID: "did:plc:abc"})
		if err := checkRepoAuth(c, "did:plc:abc"); err != nil {
			t.Fatalf("matching DID should be allowed: %v", err)
		}
	})

	t.Run("mismatched did forbidden", func(t *testing.T) {
		c := newCtx(&authContext{DID: "did:plc:other"})
		if err := checkRepoAuth(c, "did:plc:abc"); err != nil {
			t.Fatal("unexpected error writing response:", err)
		}
		rec := c.Response().Writer.(*httptest.ResponseRecorder)
		if rec.Code != http.StatusForbidden {
			t.Errorf("expected 403, got %d", rec.Code)
		}
	})
}
