package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequire(t *testing.T) {
	assert.NoError(t, Require("0xABC", "0xdef", "0xabc"))
	assert.ErrorIs(t, Require("0xabc", "0xdef"), ErrForbidden)
	assert.ErrorIs(t, Require("", ""), ErrForbidden)
	assert.ErrorIs(t, Require("0xabc"), ErrForbidden)
}

func TestRequireAny(t *testing.T) {
	signers := []string{"0xs1", "0xs2"}
	assert.NoError(t, RequireAny("0xs2", []string{"0xdep"}, signers))
	assert.ErrorIs(t, RequireAny("0xs3", []string{"0xdep"}, signers), ErrForbidden)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "0xabc", Normalize("  0xAbC "))
}
