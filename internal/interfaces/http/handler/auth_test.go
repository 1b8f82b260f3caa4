package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/apihub/backend/internal/infrastructure/auth"
	"github.com/apihub/backend/internal/infrastructure/config"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuthTestRouter(t *testing.T) (*gin.Engine, *auth.JWTService) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	jwtService := auth.NewJWTService(config.JWTConfig{
		Secret:                 "test-secret-key-that-is-long-enough",
		Issuer:                 "apihub-test",
		AccessTokenExpiration:  time.Minute,
		RefreshTokenExpiration: time.Hour,
		MaxRefreshCount:        2,
	})

	handler := NewAuthHandler(jwtService)
	router := gin.New()
	router.POST("/api/v1/auth/refresh", handler.RefreshToken)
	return router, jwtService
}

func postRefresh(router *gin.Engine, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(body)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestAuthHandler_RefreshToken(t *testing.T) {
	t.Run("exchanges a valid refresh token", func(t *testing.T) {
		router, jwtService := newAuthTestRouter(t)
		tenantID := uuid.New()
		credentialID := uuid.New()

		pair, err := jwtService.GenerateTokenPair(auth.GenerateTokenInput{
			TenantID:     tenantID,
			CredentialID: credentialID,
			Scopes:       []string{"usage:read"},
		})
		require.NoError(t, err)

		w := postRefresh(router, RefreshTokenRequest{
			RefreshToken: pair.RefreshToken,
			Scopes:       []string{"usage:read"},
		})

		require.Equal(t, http.StatusOK, w.Code)

		var envelope struct {
			Success bool           `json:"success"`
			Data    auth.TokenPair `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
		assert.True(t, envelope.Success)
		assert.NotEmpty(t, envelope.Data.AccessToken)
		assert.NotEmpty(t, envelope.Data.RefreshToken)
		assert.Equal(t, "Bearer", envelope.Data.TokenType)

		claims, err := jwtService.ValidateAccessToken(envelope.Data.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, tenantID.String(), claims.TenantID)
		assert.Equal(t, credentialID.String(), claims.CredentialID)
		assert.Equal(t, []string{"usage:read"}, claims.Scopes)
	})

	t.Run("rejects a garbage token", func(t *testing.T) {
		router, _ := newAuthTestRouter(t)

		w := postRefresh(router, RefreshTokenRequest{RefreshToken: "not-a-token"})

		require.Equal(t, http.StatusUnauthorized, w.Code)
		var envelope map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
		errInfo := envelope["error"].(map[string]any)
		assert.Equal(t, "ERR_TOKEN_INVALID", errInfo["code"])
	})

	t.Run("rejects an access token used as refresh token", func(t *testing.T) {
		router, jwtService := newAuthTestRouter(t)
		pair, err := jwtService.GenerateTokenPair(auth.GenerateTokenInput{
			TenantID:     uuid.New(),
			CredentialID: uuid.New(),
		})
		require.NoError(t, err)

		w := postRefresh(router, RefreshTokenRequest{RefreshToken: pair.AccessToken})

		require.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("enforces the refresh count ceiling", func(t *testing.T) {
		router, jwtService := newAuthTestRouter(t)
		pair, err := jwtService.GenerateTokenPair(auth.GenerateTokenInput{
			TenantID:     uuid.New(),
			CredentialID: uuid.New(),
		})
		require.NoError(t, err)

		refreshToken := pair.RefreshToken
		for i := 0; i < 2; i++ {
			w := postRefresh(router, RefreshTokenRequest{RefreshToken: refreshToken})
			require.Equal(t, http.StatusOK, w.Code)
			var envelope struct {
				Data auth.TokenPair `json:"data"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
			refreshToken = envelope.Data.RefreshToken
		}

		w := postRefresh(router, RefreshTokenRequest{RefreshToken: refreshToken})
		require.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("rejects a missing token", func(t *testing.T) {
		router, _ := newAuthTestRouter(t)

		w := postRefresh(router, map[string]string{})

		require.Equal(t, http.StatusBadRequest, w.Code)
	})
}
