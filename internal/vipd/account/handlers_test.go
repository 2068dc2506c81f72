package account

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lunarhq/vipd/internal/vipd/billing"
	"github.com/lunarhq/vipd/internal/vipd/catalog"
	"github.com/lunarhq/vipd/internal/vipd/payments"
	"github.com/lunarhq/vipd/internal/vipd/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	db      *store.DB
	tiers   *catalog.Catalog
	gateway *payments.FakeGateway
	wf      *billing.Workflow
	mux     *http.ServeMux
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	tiers, err := catalog.New([]catalog.Tier{
		{ID: "gold", Name: "Gold", Price: 1990, DurationDays: 30, RewardCoins: 500},
		{ID: "weekly", Name: "Weekly", Price: 590, DurationDays: 7},
	})
	require.NoError(t, err)

	gw := &payments.FakeGateway{}
	wf := billing.NewWorkflow(db, tiers, gw, billing.NewActivator(db, tiers, nil))

	mux := http.NewServeMux()
	mux.Handle("/api/transactions", HandleOpenTransaction(wf))
	mux.Handle("/api/transactions/success", HandleCheckoutRedirect("https://app.example.com/vip"))
	mux.Handle("/api/transactions/{id}", HandleGetTransaction(db))
	mux.Handle("/api/users/{user_id}/transactions", HandleListUserTransactions(db))
	mux.Handle("/api/users/{user_id}/transactions/stats", HandleTransactionStats(db))
	mux.Handle("/api/vip/status/{user_id}", HandleEntitlementStatus(wf))
	mux.Handle("/api/vip/tiers", HandleListTiers(tiers))
	mux.Handle("/api/vip/auto-renew/{user_id}", HandleSetAutoRenew(db))

	return &testEnv{db: db, tiers: tiers, gateway: gw, wf: wf, mux: mux}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) seed(t *testing.T, id, user string, kind store.TransactionKind, amount int64, status store.TransactionStatus) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.db.Ledger().Create(ctx, &store.Transaction{
		ID:         id,
		UserID:     user,
		Kind:       kind,
		Amount:     amount,
		PaymentRef: "cs_" + id,
	}))
	if status != store.StatusPending {
		ok, err := e.db.Ledger().CompleteIfPending(ctx, id, status)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestHandleOpenTransaction(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/transactions", `{"userId":"u-1","kind":"vip","tierId":"gold"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var res billing.OpenResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.NotEmpty(t, res.TransactionID)
	assert.True(t, strings.HasPrefix(res.CheckoutURL, "https://checkout.example.test/"))

	tx, err := env.db.Ledger().Get(context.Background(), res.TransactionID)
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.Equal(t, store.StatusPending, tx.Status)
	assert.Equal(t, int64(1990), tx.Amount)
}

func TestHandleOpenTransactionErrors(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/transactions", `{"userId":"u-1","tierId":"diamond"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/transactions", `{bad`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.gateway.Err = errors.New("stripe down")
	rec = env.do(t, http.MethodPost, "/api/transactions", `{"userId":"u-1","tierId":"gold"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "payment gateway unavailable")

	rec = env.do(t, http.MethodGet, "/api/transactions", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleGetTransaction(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "tx-1", "u-1", store.KindCoins, 500, store.StatusPending)

	rec := env.do(t, http.MethodGet, "/api/transactions/tx-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var tx store.Transaction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tx))
	assert.Equal(t, "u-1", tx.UserID)
	assert.Equal(t, store.KindCoins, tx.Kind)

	rec = env.do(t, http.MethodGet, "/api/transactions/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["error"], `transaction "missing" not found`)
}

func TestHandleListUserTransactions(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "tx-1", "u-1", store.KindVIP, 1990, store.StatusCompleted)
	env.seed(t, "tx-2", "u-1", store.KindCoins, 500, store.StatusFailed)
	env.seed(t, "tx-3", "u-2", store.KindVIP, 1990, store.StatusPending)

	type listResponse struct {
		Transactions []store.Transaction `json:"transactions"`
		Count        int                 `json:"count"`
	}

	rec := env.do(t, http.MethodGet, "/api/users/u-1/transactions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var all listResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Equal(t, 2, all.Count)

	rec = env.do(t, http.MethodGet, "/api/users/u-1/transactions?kind=coins", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var coins listResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &coins))
	require.Equal(t, 1, coins.Count)
	assert.Equal(t, "tx-2", coins.Transactions[0].ID)

	rec = env.do(t, http.MethodGet, "/api/users/nobody/transactions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"transactions":[],"count":0}`, rec.Body.String())

	for _, q := range []string{"limit=0", "limit=x", "offset=-1", "kind=gems", "status=LOST"} {
		rec = env.do(t, http.MethodGet, "/api/users/u-1/transactions?"+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestHandleTransactionStats(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "tx-1", "u-1", store.KindVIP, 1990, store.StatusCompleted)
	env.seed(t, "tx-2", "u-1", store.KindCoins, 500, store.StatusFailed)

	rec := env.do(t, http.MethodGet, "/api/users/u-1/transactions/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats store.TransactionStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1990), stats.TotalSpent)
	assert.Equal(t, 2, stats.TransactionCount)
	require.NotNil(t, stats.LastTransaction)
}

func TestHandleEntitlementStatus(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/vip/status/u-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st billing.EntitlementStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.False(t, st.IsVIP)
	assert.Equal(t, store.NoTier, st.TierName)
	assert.Equal(t, store.NoExpiry, st.ExpiryInstant)
}

func TestHandleListTiers(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/vip/tiers", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Tiers []catalog.Tier `json:"tiers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Tiers, 2)
	assert.Equal(t, "weekly", resp.Tiers[0].ID)
	assert.Equal(t, "gold", resp.Tiers[1].ID)
}

func TestHandleSetAutoRenew(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPut, "/api/vip/auto-renew/u-1", `{"autoRenew":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	ent, err := env.db.Entitlements().Get(context.Background(), "u-1")
	require.NoError(t, err)
	require.NotNil(t, ent)
	assert.True(t, ent.AutoRenew)
	assert.False(t, ent.IsVIP)

	rec = env.do(t, http.MethodPut, "/api/vip/auto-renew/u-1", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/vip/auto-renew/u-1", `{"autoRenew":false}`)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleCheckoutRedirect(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/transactions/success?session_id=cs_1", "")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://app.example.com/vip", rec.Header().Get("Location"))

	rec = httptest.NewRecorder()
	HandleCheckoutRedirect("")(rec, httptest.NewRequest(http.MethodGet, "/api/transactions/cancel", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
