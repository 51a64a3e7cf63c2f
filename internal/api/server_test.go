package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codemode-runtime/internal/config"
	"codemode-runtime/internal/monitor"
)

func newTestServer(t *testing.T, keys ...string) http.Handler {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Security.AllowedKeys = keys
	cfg.Security.RateLimitRPS = 0
	return NewServer(cfg, &mockRuntime{}, newTestStore(t), &mockAudit{}, monitor.NewMetrics()).Handler()
}

func TestServerHealthBypassesAuth(t *testing.T) {
	h := newTestServer(t, "secret")

	rec := serve(h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "process", resp.Backend)
	assert.True(t, resp.Store)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServerMetricsEndpoint(t *testing.T) {
	rec := serve(newTestServer(t, "secret"), http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "codemode_")
}

func TestServerRequiresKeyForAPI(t *testing.T) {
	h := newTestServer(t, "secret")

	assert.Equal(t, http.StatusUnauthorized, serve(h, http.MethodGet, "/capabilities", nil).Code)

	req := httptest.NewRequest(http.MethodGet, "/capabilities", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServerRejectsOversizedBody(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.MaxRequestBody = 64
	h := NewServer(cfg, &mockRuntime{}, nil, nil, monitor.NewMetrics()).Handler()

	body := `{"code":"` + strings.Repeat("x", 200) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServerUnknownMethod(t *testing.T) {
	rec := serve(newTestServer(t), http.MethodGet, "/execute", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
