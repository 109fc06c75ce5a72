package validation

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

const addr = "0x1234567890AbcdEF1234567890aBcdef12345678"

func TestIsValidAddress(t *testing.T) {
	assert.True(t, IsValidAddress(addr))
	assert.False(t, IsValidAddress("1234567890abcdef1234567890abcdef12345678"), "missing 0x")
	assert.False(t, IsValidAddress("0x1234"))
	assert.False(t, IsValidAddress("0xZZ34567890abcdef1234567890abcdef12345678"))
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "0x1234567890abcdef1234567890abcdef12345678", NormalizeAddress(" "+addr+" "))
	assert.Equal(t, "nope", NormalizeAddress("nope"))
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("depositor", ""),
		ValidAddress("beneficiary", "0xbad"),
		ValidAddresses("signers", []string{addr, "x"}),
		PositiveAmount("amount", "0"),
		ByteLength("sender", nil, 1, 64),
		ByteLength("recipient", make([]byte, 65), 1, 64),
	)
	assert.Len(t, errs, 6)
	assert.Equal(t, "depositor: is required", errs.Error())

	assert.Empty(t, Validate(
		Required("depositor", addr),
		ValidAddress("beneficiary", addr),
		PositiveAmount("amount", "500"),
		ByteLength("sender", []byte("A"), 1, 64),
	))
}

func TestPositiveAmount(t *testing.T) {
	assert.Nil(t, PositiveAmount("a", "0.000001")())
	assert.NotNil(t, PositiveAmount("a", "-1")())
	assert.NotNil(t, PositiveAmount("a", "1.2.3")())
	assert.NotNil(t, PositiveAmount("a", "")())
}

func TestAddressParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/parties/:address", AddressParamMiddleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/parties/0xnope", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/parties/"+addr, nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
