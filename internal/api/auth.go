package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"bonus_ledger/internal/admin"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

const operatorKey = "operator"

// Claims identify the operator or collaborating service behind a request.
type Claims struct {
	OperatorID string     `json:"operator_id"`
	Username   string     `json:"username"`
	Role       admin.Role `json:"role"`
	jwt.RegisteredClaims
}

// JWTMiddleware authenticates bearer tokens signed with secret and stores
// the operator in the request context.
func JWTMiddleware(secret string, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			logger.Warn().Str("path", c.Request.URL.Path).Msg("Missing Authorization header")
			abort(c, http.StatusUnauthorized, "unauthorized", "Missing Authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			logger.Warn().Msg("Invalid Authorization header format")
			abort(c, http.StatusUnauthorized, "unauthorized", "Invalid Authorization header format. Expected: Bearer <token>")
			return
		}

		token, err := jwt.ParseWithClaims(parts[1], &Claims{}, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(secret), nil
		})
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to parse JWT token")
			abort(c, http.StatusUnauthorized, "unauthorized", "Invalid or expired token")
			return
		}

		claims, ok := token.Claims.(*Claims)
		if !ok || !token.Valid || claims.OperatorID == "" || !claims.Role.Valid() {
			logger.Warn().Msg("Invalid token claims")
			abort(c, http.StatusUnauthorized, "unauthorized", "Invalid token claims")
			return
		}

		c.Set(operatorKey, admin.Operator{
			ID:       claims.OperatorID,
			Username: claims.Username,
			Role:     claims.Role,
		})
		c.Next()
	}
}

// RequireRole rejects callers whose role is not listed.
func RequireRole(roles ...admin.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		op := currentOperator(c)
		for _, r := range roles {
			if op.Role == r {
				c.Next()
				return
			}
		}
		abort(c, http.StatusForbidden, "forbidden", "role "+string(op.Role)+" may not call this endpoint")
	}
}

func currentOperator(c *gin.Context) admin.Operator {
	if v, ok := c.Get(operatorKey); ok {
		if op, ok := v.(admin.Operator); ok {
			return op
		}
	}
	return admin.Operator{}
}

// GenerateToken issues a signed token for op.
func GenerateToken(secret string, op admin.Operator, expiration time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		OperatorID: op.ID,
		Username:   op.Username,
		Role:       op.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   op.ID,
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
