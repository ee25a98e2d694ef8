package push

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayhub/internal/auth"
	"relayhub/internal/config"
)

const testSecret = "this-is-a-32-byte-minimum-test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func testValidator(t *testing.T) *auth.Validator {
	t.Helper()
	cfg := config.DefaultAuthConfig()
	cfg.JWTSecret = testSecret
	cfg.JWTIssuer = "relayhub-test"
	v, err := auth.NewValidator(&cfg)
	require.NoError(t, err)
	return v
}

func signedToken(t *testing.T, tenantID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"tenant_id": tenantID,
		"user_id":   "user-1",
		"iss":       "relayhub-test",
		"exp":       time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func ginContextWithRequest(req *http.Request) *gin.Context {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req
	return c
}

func TestCredentialFromRequest_PrefersAuthorizationHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/stream?access_token=from-query", nil)
	req.Header.Set("Authorization", "Bearer from-header")
	c := ginContextWithRequest(req)

	assert.Equal(t, "from-header", credentialFromRequest(c))
}

func TestCredentialFromRequest_FallsBackToQueryParam(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/stream?access_token=from-query", nil)
	c := ginContextWithRequest(req)

	assert.Equal(t, "from-query", credentialFromRequest(c))
}

func TestHandshake_ValidCredential(t *testing.T) {
	validator := testValidator(t)
	token := signedToken(t, "tenant-1")

	req := httptest.NewRequest(http.MethodGet, "/stream", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	c := ginContextWithRequest(req)

	claims, err := handshake(c, validator)
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", claims.TenantID)
}

func TestHandshake_MissingCredential(t *testing.T) {
	validator := testValidator(t)
	req := httptest.NewRequest(http.MethodGet, "/stream", nil)
	c := ginContextWithRequest(req)

	_, err := handshake(c, validator)
	assert.Error(t, err)
}

func TestHandshake_InvalidCredential(t *testing.T) {
	validator := testValidator(t)
	req := httptest.NewRequest(http.MethodGet, "/stream", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	c := ginContextWithRequest(req)

	_, err := handshake(c, validator)
	assert.Error(t, err)
}
