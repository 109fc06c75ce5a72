package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "0123456789abcdef0123456789abcdef"

func TestIssueAndVerify(t *testing.T) {
	m, err := NewManager(secret, "covenant")
	require.NoError(t, err)

	tok, err := m.IssueToken("0xABCdef", time.Hour)
	require.NoError(t, err)

	caller, err := m.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "0xabcdef", caller)
}

func TestVerify_Rejects(t *testing.T) {
	m, err := NewManager(secret, "covenant")
	require.NoError(t, err)

	other, err := NewManager("another-secret-another-secret-xx", "covenant")
	require.NoError(t, err)
	forged, err := other.IssueToken("0xabc", time.Hour)
	require.NoError(t, err)
	_, err = m.Verify(forged)
	assert.ErrorIs(t, err, ErrInvalidToken)

	wrongIssuer, err := NewManager(secret, "someone-else")
	require.NoError(t, err)
	tok, err := wrongIssuer.IssueToken("0xabc", time.Hour)
	require.NoError(t, err)
	_, err = m.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	past := time.Now().Add(-48 * time.Hour)
	m.now = func() time.Time { return past }
	expired, err := m.IssueToken("0xabc", time.Hour)
	require.NoError(t, err)
	m.now = time.Now
	_, err = m.Verify(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "0xabc"})
	raw, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = m.Verify(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewManager_RequiresSecret(t *testing.T) {
	_, err := NewManager("", "")
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m, err := NewManager(secret, "")
	require.NoError(t, err)

	r := gin.New()
	r.Use(Middleware(m))
	r.GET("/open", func(c *gin.Context) { c.String(http.StatusOK, Caller(c)) })
	r.GET("/closed", RequireAuth(), func(c *gin.Context) { c.String(http.StatusOK, Caller(c)) })

	tok, err := m.IssueToken("0xAAA", 0)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/open", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/closed", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/closed", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0xaaa", w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/closed", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
