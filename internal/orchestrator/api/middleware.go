package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	apperrors "github.com/ventupx/wrb-vpn-system/pkg/errors"
	applogger "github.com/ventupx/wrb-vpn-system/pkg/logger"
)

type contextKey string

const (
	loggerKey   contextKey = "logger"
	operatorKey            = "operator"
)

// RequestID assigns every request an id and a logger scoped to it.
func RequestID(baseLogger *applogger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Header("X-Request-ID", requestID)

		reqLogger := baseLogger.With("request_id", requestID)
		ctx := applogger.WithRequestID(c.Request.Context(), requestID)
		ctx = context.WithValue(ctx, loggerKey, reqLogger)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// GetLogger retrieves the request-scoped logger from the context.
func GetLogger(ctx context.Context) *applogger.Logger {
	if logger, ok := ctx.Value(loggerKey).(*applogger.Logger); ok {
		return logger
	}
	return applogger.NewNop()
}

// Logging records every finished request.
func Logging() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		ctx := c.Request.Context()
		GetLogger(ctx).HTTPRequest(ctx, c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start),
			"remote_addr", c.ClientIP())
	}
}

// Recovery turns a handler panic into a 500 envelope.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		err := apperrors.NewSystemError(apperrors.ErrCodeInternal, "panic recovered", false,
			fmt.Errorf("%v", recovered)).
			WithMetadata("path", c.Request.URL.Path).
			WithMetadata("method", c.Request.Method)
		writeError(c, err)
		c.Abort()
	})
}

// CORS answers preflight requests and sets the allowed origin.
func CORS(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == origin {
				if origin == "" {
					origin = "*"
				}
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
				c.Header("Access-Control-Expose-Headers", "X-Request-ID, Retry-After")
				c.Header("Access-Control-Max-Age", "3600")
				break
			}
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Claims is the operator token payload.
type Claims struct {
	jwt.RegisteredClaims
}

// IssueToken signs an operator token valid for ttl.
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", apperrors.NewAPIError(apperrors.ErrCodeConfiguration, "jwt secret is empty", nil)
	}
	now := time.Now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    "wrb-orchestrator",
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken validates an operator token.
func ParseToken(secret, token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// Auth requires a valid bearer token. Websocket clients that cannot set headers may pass
// the token as the access_token query parameter.
func Auth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" || token == c.GetHeader("Authorization") {
			token = c.Query("access_token")
		}
		if token == "" || secret == "" {
			writeError(c, apperrors.NewAPIError(apperrors.ErrCodeUnauthorized, "missing bearer token", nil))
			c.Abort()
			return
		}

		claims, err := ParseToken(secret, token)
		if err != nil {
			writeError(c, apperrors.NewAPIError(apperrors.ErrCodeUnauthorized, "invalid bearer token", err))
			c.Abort()
			return
		}
		c.Set(operatorKey, claims.Subject)
		c.Next()
	}
}
