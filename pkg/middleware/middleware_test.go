package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ticketteller/pkg/auth"
	"ticketteller/pkg/errutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

func newEngine(t *testing.T) *gin.Engine {
	t.Helper()
	a, err := auth.NewAuthorizer(map[auth.Role]string{auth.RoleUser: "user-key"})
	require.NoError(t, err)

	r := gin.New()
	r.Use(RequestID(), Error())
	api := r.Group("/", Auth(a, "ApiKey"))
	api.GET("/subscriptions", func(c *gin.Context) {
		role, _ := auth.RoleFrom(c.Request.Context())
		c.String(http.StatusOK, string(role))
	})
	api.GET("/subscriptions/:id", func(c *gin.Context) {
		_ = c.Error(errutil.NotFound("subscription not found", nil))
	})
	api.POST("/subscriptions/:id/use", func(c *gin.Context) {
		_ = c.Error(errors.New("db down"))
	})
	return r
}

func serve(r http.Handler, method, path, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if key != "" {
		req.Header.Set("ApiKey", key)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthPassesRoleToHandler(t *testing.T) {
	w := serve(newEngine(t), http.MethodGet, "/subscriptions", "user-key")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "user", w.Body.String())
	require.NotEmpty(t, w.Header().Get(RequestIDHeader))
}

func TestAuthRejectsMissingKey(t *testing.T) {
	w := serve(newEngine(t), http.MethodGet, "/subscriptions", "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthRejectsForbiddenRoute(t *testing.T) {
	a, err := auth.NewAuthorizer(map[auth.Role]string{auth.RoleUser: "user-key"})
	require.NoError(t, err)
	r := gin.New()
	r.Use(Error())
	r.POST("/subscriptions", Auth(a, "ApiKey"), func(c *gin.Context) { c.Status(http.StatusCreated) })

	w := serve(r, http.MethodPost, "/subscriptions", "user-key")
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestErrorRendersBaseError(t *testing.T) {
	w := serve(newEngine(t), http.MethodGet, "/subscriptions/7", "user-key")
	require.Equal(t, http.StatusNotFound, w.Code)

	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "not_found", body.Error.Code)
	require.Equal(t, "subscription not found", body.Error.Message)
}

func TestErrorFallsBackToInternal(t *testing.T) {
	w := serve(newEngine(t), http.MethodPost, "/subscriptions/7/use", "user-key")
	require.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestRequestIDIsEchoed(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/subscriptions", nil)
	req.Header.Set("ApiKey", "user-key")
	req.Header.Set(RequestIDHeader, "req-1")
	w := httptest.NewRecorder()
	newEngine(t).ServeHTTP(w, req)

	require.Equal(t, "req-1", w.Header().Get(RequestIDHeader))
}
