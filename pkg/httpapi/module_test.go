package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ticketteller/pkg/auth"
	"ticketteller/pkg/config"
	"ticketteller/pkg/health"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

func newTestEngine(t *testing.T) http.Handler {
	t.Helper()
	cfg := &config.Config{AppEnv: "test"}
	cfg.Auth.Header = "ApiKey"

	a, err := auth.NewAuthorizer(map[auth.Role]string{auth.RoleAdmin: "admin-key"})
	require.NoError(t, err)

	r := NewEngine(cfg)
	api := NewAPIGroup(r, a, cfg)
	api.GET("/subscriptions", func(c *gin.Context) { c.Status(http.StatusOK) })
	registerOperationalEndpoints(r, health.ProvideHealth(health.HealthParams{}))
	return Handler(r)
}

func get(h http.Handler, path, key string) int {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if key != "" {
		req.Header.Set("ApiKey", key)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w.Code
}

func TestOperationalEndpointsSkipAuth(t *testing.T) {
	h := newTestEngine(t)

	require.Equal(t, http.StatusOK, get(h, "/healthz", ""))
	require.Equal(t, http.StatusOK, get(h, "/readyz", ""))
	require.Equal(t, http.StatusOK, get(h, "/metrics", ""))
}

func TestAPIGroupRequiresKey(t *testing.T) {
	h := newTestEngine(t)

	require.Equal(t, http.StatusUnauthorized, get(h, "/subscriptions", ""))
	require.Equal(t, http.StatusOK, get(h, "/subscriptions", "admin-key"))
}
