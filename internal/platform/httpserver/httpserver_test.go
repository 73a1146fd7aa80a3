package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpsRouter(t *testing.T) {
	t.Run("healthz always ok", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewOpsRouter(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("readyz reports failing checks by name", func(t *testing.T) {
		router := NewOpsRouter(map[string]Check{
			"postgres": func(context.Context) error { return nil },
			"redis":    func(context.Context) error { return errors.New("connection refused") },
		})
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "redis")
		assert.NotContains(t, rec.Body.String(), "postgres")
	})

	t.Run("readyz ok when all checks pass", func(t *testing.T) {
		router := NewOpsRouter(map[string]Check{"postgres": func(context.Context) error { return nil }})
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("metrics endpoint is mounted", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewOpsRouter(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
