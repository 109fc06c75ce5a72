package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/covenant/internal/logging"
)

const (
	alice = "0xaaaa000000000000000000000000000000000001"
	bob   = "0xbbbb000000000000000000000000000000000002"
	token = "USDC"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestLedger_DepositAndTransfer(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())

	require.NoError(t, l.Deposit(ctx, alice, token, d("500"), "seed"))
	require.NoError(t, l.Transfer(ctx, alice, EscrowAccount, token, d("200.5"), "escrow:1"))

	bal, err := l.GetBalance(ctx, alice, token)
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(d("299.5")), bal.Available.String())
	assert.True(t, bal.TotalOut.Equal(d("200.5")))

	held, err := l.GetBalance(ctx, EscrowAccount, token)
	require.NoError(t, err)
	assert.True(t, held.Available.Equal(d("200.5")))

	require.NoError(t, l.Transfer(ctx, EscrowAccount, bob, token, d("200.5"), "escrow:1"))
	held, _ = l.GetBalance(ctx, EscrowAccount, token)
	assert.True(t, held.Available.IsZero())

	hist, err := l.GetHistory(ctx, bob, 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, EntryCredit, hist[0].Type)
	assert.Equal(t, EscrowAccount, hist[0].Counterparty)
	assert.Equal(t, "escrow:1", hist[0].Reference)
}

func TestLedger_TransferRejects(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())
	require.NoError(t, l.Deposit(ctx, alice, token, d("10"), ""))

	assert.ErrorIs(t, l.Transfer(ctx, alice, bob, token, d("10.01"), ""), ErrInsufficientBalance)
	assert.ErrorIs(t, l.Transfer(ctx, bob, alice, token, d("1"), ""), ErrInsufficientBalance)
	assert.ErrorIs(t, l.Transfer(ctx, alice, bob, "OTHER", d("1"), ""), ErrInsufficientBalance)
	assert.ErrorIs(t, l.Transfer(ctx, alice, bob, token, d("0"), ""), ErrInvalidAmount)
	assert.ErrorIs(t, l.Transfer(ctx, alice, alice, token, d("1"), ""), ErrSameAccount)
	assert.ErrorIs(t, l.Transfer(ctx, "", bob, token, d("1"), ""), ErrInvalidAccount)
	assert.ErrorIs(t, l.Deposit(ctx, alice, token, d("-1"), ""), ErrInvalidAmount)

	bal, _ := l.GetBalance(ctx, alice, token)
	assert.True(t, bal.Available.Equal(d("10")), "failed transfers must not move funds")
}

func TestLedger_ConcurrentTransfersNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())
	require.NoError(t, l.Deposit(ctx, alice, token, d("100"), ""))

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Transfer(ctx, alice, bob, token, d("3"), "") == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 33, ok)
	bal, _ := l.GetBalance(ctx, alice, token)
	assert.True(t, bal.Available.Equal(d("1")))
}

func TestHandler_DepositAndBalances(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHandler(New(NewMemoryStore()), logging.Discard())
	r := gin.New()
	g := r.Group("/v1")
	h.RegisterRoutes(g)
	h.RegisterDevRoutes(g)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/ledger/deposits",
		strings.NewReader(`{"address":"`+alice+`","token":"USDC","amount":"12.5"}`)))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/ledger/deposits",
		strings.NewReader(`{"address":"`+alice+`","token":"USDC","amount":"abc"}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/ledger/"+alice+"/balances", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Balances []Balance `json:"balances"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Balances, 1)
	assert.True(t, resp.Balances[0].Available.Equal(d("12.5")))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/ledger/0xnope/balances", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
