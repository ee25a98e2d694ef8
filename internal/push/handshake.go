package push

import (
	"strings"

	"github.com/gin-gonic/gin"

	"relayhub/internal/auth"
	"relayhub/pkg/errors"
)

// credentialFromRequest extracts the bearer credential from either the
// Authorization header or the "access_token" query parameter — browsers'
// native EventSource and WebSocket constructors cannot set arbitrary request
// headers, so the query parameter is the only viable transport for those
// clients (spec.md §6: "credential in request header or query parameter").
func credentialFromRequest(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return c.Query("access_token")
}

// handshake validates the push credential and returns the claims the
// registry needs to open a connection record.
func handshake(c *gin.Context, validator *auth.Validator) (*auth.Claims, error) {
	token := credentialFromRequest(c)
	if token == "" {
		return nil, errors.NewUnauthorizedError("missing push credential")
	}
	claims, err := validator.Validate(token)
	if err != nil {
		return nil, err
	}
	if claims.Expired() {
		return nil, errors.NewUnauthorizedError("push credential expired")
	}
	return claims, nil
}
