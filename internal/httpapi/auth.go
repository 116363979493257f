package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/MarkoPoloResearchLab/taskmarket/pkg/marketplace"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	principalContextKey = "principal"
	roleAdmin           = "admin"
	bearerPrefix        = "Bearer "
)

type sessionClaims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// authMiddleware extracts the authenticated principal from a bearer token.
// Absence or failure to verify yields 401 before any handler runs.
func authMiddleware(signingKey []byte, issuer string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorEnvelope(codeUnauthenticated, "missing bearer token"))
			return
		}
		rawToken := strings.TrimPrefix(header, bearerPrefix)

		claims := &sessionClaims{}
		token, err := jwt.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return signingKey, nil
		}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
		if err != nil || !token.Valid {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorEnvelope(codeUnauthenticated, "invalid session token"))
			return
		}

		userID, err := marketplace.NewUserID(claims.Subject)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorEnvelope(codeUnauthenticated, "token has no subject"))
			return
		}
		principal, err := marketplace.NewPrincipal(userID, hasRole(claims.Roles, roleAdmin))
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorEnvelope(codeUnauthenticated, "invalid principal"))
			return
		}
		ctx.Set(principalContextKey, principal)
		ctx.Next()
	}
}

func hasRole(roles []string, wanted string) bool {
	for _, role := range roles {
		if role == wanted {
			return true
		}
	}
	return false
}

func getPrincipal(ctx *gin.Context) (marketplace.Principal, bool) {
	value, exists := ctx.Get(principalContextKey)
	if !exists {
		return marketplace.Principal{}, false
	}
	principal, ok := value.(marketplace.Principal)
	return principal, ok
}
