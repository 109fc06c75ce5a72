package arbitration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/covenant/internal/auth"
	"github.com/mbd888/covenant/internal/clock"
	"github.com/mbd888/covenant/internal/escrow"
	"github.com/mbd888/covenant/internal/ledger"
	"github.com/mbd888/covenant/internal/logging"
)

const (
	depositor   = "0x1111111111111111111111111111111111111111"
	beneficiary = "0x2222222222222222222222222222222222222222"
	signer      = "0x3333333333333333333333333333333333333333"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func asCaller() gin.HandlerFunc {
	return func(c *gin.Context) {
		if caller := c.GetHeader("X-Test-Caller"); caller != "" {
			c.Set(auth.ContextKeyCaller, caller)
		}
		c.Next()
	}
}

type testEnv struct {
	router   *gin.Engine
	registry *Registry
	escrows  *escrow.Service
	clock    *clock.Fake
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	registry, c, _ := newTestRegistry()

	book := ledger.New(ledger.NewMemoryStore())
	require.NoError(t, book.Deposit(context.Background(), depositor, "USDC", decimal.NewFromInt(100), "seed"))
	escrows := escrow.NewService(escrow.NewMemoryStore(), book).
		WithClock(c).
		WithArbitration(registry, registry).
		WithLogger(logging.Discard())

	h := NewHandler(registry, escrows, logging.Discard())
	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	h.RegisterProtectedRoutes(v1.Group("", asCaller(), auth.RequireAuth()))
	return &testEnv{router: r, registry: registry, escrows: escrows, clock: c}
}

func (e *testEnv) do(method, path, caller string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set("X-Test-Caller", caller)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestHandler_RegisterAndPick(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/v1/arbitrators/pick", "", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(http.MethodPost, "/v1/arbitrators", arbA, map[string]string{"address": arbA})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"reputationScore":500`)

	w = env.do(http.MethodPost, "/v1/arbitrators", arbA, map[string]string{"address": arbA})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(http.MethodPost, "/v1/arbitrators", arbA, map[string]string{"address": arbB})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(http.MethodPost, "/v1/arbitrators", "", map[string]string{"address": arbB})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(http.MethodGet, "/v1/arbitrators/pick", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), arbA)

	w = env.do(http.MethodPut, "/v1/arbitrators/"+arbA, arbA, map[string]bool{"isActive": false})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"isActive":false`)

	w = env.do(http.MethodGet, "/v1/arbitrators?active=true", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":0`)

	w = env.do(http.MethodGet, "/v1/arbitrators/"+arbA, "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodGet, "/v1/arbitrators/not-an-address", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_CheckStalled(t *testing.T) {
	env := newTestEnv(t)
	register(t, env.registry, arbA)
	ctx := context.Background()

	e, err := env.escrows.Create(ctx, depositor, escrow.CreateRequest{
		Depositor:   depositor,
		Beneficiary: beneficiary,
		Token:       "USDC",
		Amount:      decimal.NewFromInt(10),
		Signers:     []string{signer},
		Threshold:   1,
	})
	require.NoError(t, err)
	assert.Equal(t, arbA, e.Arbitrator, "auto-picked from the registry")

	w := env.do(http.MethodGet, "/v1/escrows/1/stalled", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"stalled":false`)

	env.clock.Advance(DefaultStallAfter + time.Minute)
	w = env.do(http.MethodGet, "/v1/escrows/1/stalled", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"stalled":true`)

	w = env.do(http.MethodGet, "/v1/escrows/9/stalled", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResolve_UpdatesArbitratorReputation(t *testing.T) {
	env := newTestEnv(t)
	register(t, env.registry, arbA)
	ctx := context.Background()

	e, err := env.escrows.Create(ctx, depositor, escrow.CreateRequest{
		Depositor:   depositor,
		Beneficiary: beneficiary,
		Token:       "USDC",
		Amount:      decimal.NewFromInt(10),
		Signers:     []string{signer},
		Threshold:   1,
	})
	require.NoError(t, err)
	_, err = env.escrows.Dispute(ctx, e.ID, beneficiary, []byte("no delivery"))
	require.NoError(t, err)
	_, err = env.escrows.Resolve(ctx, e.ID, arbA, escrow.OutcomeRefundToDepositor)
	require.NoError(t, err)

	p, err := env.registry.Get(ctx, arbA)
	require.NoError(t, err)
	assert.Equal(t, DefaultReputation+SuccessReward, p.ReputationScore)
	assert.Equal(t, int64(1), p.TotalResolved)
}
