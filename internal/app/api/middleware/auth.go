package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt"
	"go.uber.org/zap"

	"github.com/promptcraft/billing/pkg/config"
	"github.com/promptcraft/billing/pkg/errs"
	"github.com/promptcraft/billing/pkg/logctx"
	"github.com/promptcraft/billing/pkg/response"
)

const emailKey = "email"

var errForbidden = errs.New(errs.KindUnauthorized, "forbidden", "관리자 권한이 필요합니다.")

// Claims is the session token issued by the auth provider. Subject is the
// user id.
type Claims struct {
	Email string `json:"email"`
	jwt.StandardClaims
}

// ParseToken validates an HS256 token signed with secret.
func ParseToken(raw, secret string) (*Claims, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is not configured")
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

func bearer(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// AuthMiddleware requires a valid bearer session token and attaches the
// user id to the request context and logger.
func AuthMiddleware(cfg *config.Config, base *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearer(c)
		if raw == "" {
			response.Error(c, errs.ErrUnauthorized)
			return
		}
		claims, err := ParseToken(raw, cfg.Auth.JWTSecret)
		if err != nil {
			logctx.FromGin(c, base).Infow("auth_token_rejected", "error", err)
			response.Error(c, errs.ErrUnauthorized)
			return
		}

		c.Set(logctx.UserIDKey, claims.Subject)
		c.Set(emailKey, claims.Email)
		c.Request = c.Request.WithContext(logctx.WithUserID(c.Request.Context(), claims.Subject))
		setLogger(c, logctx.FromGin(c, base).With("user_id", claims.Subject))
		c.Next()
	}
}

// AdminMiddleware must run after AuthMiddleware.
func AdminMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cfg.IsAdmin(c.GetString(emailKey)) {
			response.Error(c, errForbidden)
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated user id set by AuthMiddleware.
func UserID(c *gin.Context) string {
	return c.GetString(logctx.UserIDKey)
}
