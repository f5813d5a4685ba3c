package server

import (
	"crypto/subtle"
	"net/http"

	"commune/internal/config"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// managementGuard gates the status page and /metrics behind HTTP basic auth
// when management.password_hash is configured; an empty hash leaves both
// endpoints open, matching /health's always-public posture (spec §6).
type managementGuard struct {
	cfg config.Management
}

func newManagementGuard(cfg config.Management) *managementGuard {
	return &managementGuard{cfg: cfg}
}

func (g *managementGuard) wrap(next gin.HandlerFunc) gin.HandlerFunc {
	if g.cfg.PasswordHash == "" {
		return next
	}
	return func(c *gin.Context) {
		user, pass, ok := c.Request.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(user), []byte(g.cfg.Username)) != 1 {
			g.challenge(c)
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(g.cfg.PasswordHash), []byte(pass)); err != nil {
			g.challenge(c)
			return
		}
		next(c)
	}
}

func (g *managementGuard) challenge(c *gin.Context) {
	c.Header("WWW-Authenticate", `Basic realm="commune management"`)
	c.AbortWithStatus(http.StatusUnauthorized)
}
