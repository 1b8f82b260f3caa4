package handler

import (
	"errors"
	"net/http"

	"github.com/apihub/backend/internal/infrastructure/auth"
	"github.com/apihub/backend/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
)

// AuthHandler handles token lifecycle HTTP requests. Initial token issuance
// is owned by the external identity provider; this service only refreshes
// pairs signed with the shared secret.
type AuthHandler struct {
	BaseHandler
	jwtService *auth.JWTService
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(jwtService *auth.JWTService) *AuthHandler {
	return &AuthHandler{jwtService: jwtService}
}

// RefreshTokenRequest carries the refresh token to exchange
//
//	@Description	Token refresh request
type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required" example:"eyJhbGciOiJIUzI1NiIs..."`
	// Scopes requested for the new access token. The refresh token itself
	// carries no scopes.
	Scopes []string `json:"scopes" example:"usage:read"`
}

// RefreshToken godoc
// @ID           postAuthRefresh
// @Summary      Exchange a refresh token for a new token pair
// @Description  Validates the refresh token and issues a fresh access/refresh pair carrying the same tenant and credential identity
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        request body RefreshTokenRequest true "Refresh request"
// @Success      200 {object} APIResponse[auth.TokenPair]
// @Failure      400 {object} ErrorResponse
// @Failure      401 {object} ErrorResponse
// @Router       /auth/refresh [post]
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	var req RefreshTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	pair, err := h.jwtService.RefreshTokenPair(req.RefreshToken, req.Scopes)
	if err != nil {
		h.refreshError(c, err)
		return
	}

	h.Success(c, pair)
}

func (h *AuthHandler) refreshError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, auth.ErrExpiredToken):
		h.Error(c, http.StatusUnauthorized, dto.ErrCodeTokenExpired, "Refresh token has expired")
	case errors.Is(err, auth.ErrMaxRefreshExceeded):
		h.Unauthorized(c, "Refresh limit reached, request a new token pair")
	default:
		h.Error(c, http.StatusUnauthorized, dto.ErrCodeTokenInvalid, "Invalid refresh token")
	}
}
