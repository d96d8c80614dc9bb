package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	contextKeyUserID = "auth_user_id"
	contextKeyRoles  = "auth_roles"

	roleAdmin = "admin"
)

// authMiddleware verifies the bearer token and stashes the caller identity.
// The core trusts the token's subject as the user id; authentication itself
// (issuing tokens, passwords) lives in a separate collaborator.
func authMiddleware(signingKey []byte, issuer string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		rawToken := strings.TrimPrefix(header, "Bearer ")
		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return signingKey, nil
		}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
		if err != nil || !token.Valid {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid token"))
			return
		}
		subject, err := claims.GetSubject()
		if err != nil || strings.TrimSpace(subject) == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing subject"))
			return
		}
		ctx.Set(contextKeyUserID, subject)
		ctx.Set(contextKeyRoles, parseRoles(claims))
		ctx.Next()
	}
}

func parseRoles(claims jwt.MapClaims) []string {
	rawRoles, ok := claims["roles"].([]interface{})
	if !ok {
		return nil
	}
	roles := make([]string, 0, len(rawRoles))
	for _, rawRole := range rawRoles {
		if role, ok := rawRole.(string); ok {
			roles = append(roles, role)
		}
	}
	return roles
}

func currentUserID(ctx *gin.Context) string {
	value, ok := ctx.Get(contextKeyUserID)
	if !ok {
		return ""
	}
	userID, _ := value.(string)
	return userID
}

func hasRole(ctx *gin.Context, wanted string) bool {
	value, ok := ctx.Get(contextKeyRoles)
	if !ok {
		return false
	}
	roles, _ := value.([]string)
	for _, role := range roles {
		if role == wanted {
			return true
		}
	}
	return false
}

func requireRole(role string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if !hasRole(ctx, role) {
			ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "insufficient role"))
			return
		}
		ctx.Next()
	}
}
