package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"awg-admin/internal/auth"
)

// AuthAPI exchanges the admin password for a bearer token.
type AuthAPI struct {
	authManager *auth.AuthManager
	log         logrus.FieldLogger
}

type TokenRequest struct {
	Password string `json:"password" binding:"required"`
}

type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewAuthAPI creates a new authentication API instance.
func NewAuthAPI(authManager *auth.AuthManager, logger logrus.FieldLogger) *AuthAPI {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AuthAPI{
		authManager: authManager,
		log:         logger,
	}
}

// RegisterRoutes registers the token endpoint.
func (api *AuthAPI) RegisterRoutes(router gin.IRouter) {
	router.POST("/auth/token", api.IssueToken)
}

// IssueToken returns a token when the password matches the configured hash.
func (api *AuthAPI) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Missing password"})
		return
	}

	if !api.authManager.VerifyPassword(req.Password) {
		api.log.WithField("client_ip", c.ClientIP()).Warn("Rejected admin login")
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Invalid password"})
		return
	}

	token, expiresAt, err := api.authManager.GenerateToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, TokenResponse{Token: token, ExpiresAt: expiresAt})
}
