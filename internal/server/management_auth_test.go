package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"commune/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestManagementGuardOpenWhenNoPasswordHash(t *testing.T) {
	gin.SetMode(gin.TestMode)
	guard := newManagementGuard(config.Management{})
	engine := gin.New()
	engine.GET("/", guard.wrap(func(c *gin.Context) { c.Status(http.StatusOK) }))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestManagementGuardRejectsMissingAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.DefaultCost)
	require.NoError(t, err)
	guard := newManagementGuard(config.Management{Username: "admin", PasswordHash: string(hash)})
	engine := gin.New()
	engine.GET("/", guard.wrap(func(c *gin.Context) { c.Status(http.StatusOK) }))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.NotEmpty(t, w.Header().Get("WWW-Authenticate"))
}

func TestManagementGuardRejectsWrongPassword(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.DefaultCost)
	require.NoError(t, err)
	guard := newManagementGuard(config.Management{Username: "admin", PasswordHash: string(hash)})
	engine := gin.New()
	engine.GET("/", guard.wrap(func(c *gin.Context) { c.Status(http.StatusOK) }))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth("admin", "wrong")
	engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestManagementGuardAcceptsCorrectCredentials(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.DefaultCost)
	require.NoError(t, err)
	guard := newManagementGuard(config.Management{Username: "admin", PasswordHash: string(hash)})
	engine := gin.New()
	engine.GET("/", guard.wrap(func(c *gin.Context) { c.Status(http.StatusOK) }))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth("admin", "secret")
	engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}
