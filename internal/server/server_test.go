package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jfenske/marketledger/internal/config"
)

const testAdminSecret = "test-admin-secret"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Port:                 "0",
		Env:                  "development",
		LogLevel:             "error",
		AdminSecret:          testAdminSecret,
		AutoApproveThreshold: config.DefaultAutoApproveThreshold,
		AutoApproveMaxCount:  config.DefaultAutoApproveMaxCount,
		AutoApproveMaxVolume: config.DefaultAutoApproveMaxVolume,
		RateLimitRPS:         1000, // keep the limiter out of the way
	}
	srv, err := New(cfg)
	require.NoError(t, err)
	return srv
}

func do(t *testing.T, srv *Server, method, path string, body any, admin bool) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if admin {
		req.Header.Set("X-Admin-Secret", testAdminSecret)
	}

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	w := do(t, srv, http.MethodGet, "/healthz", nil, false)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, srv, http.MethodGet, "/health/live", nil, false)
	assert.Equal(t, http.StatusOK, w.Code)

	// Not ready until Run() marks it so
	w = do(t, srv, http.MethodGet, "/health/ready", nil, false)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	w := do(t, srv, http.MethodGet, "/metrics", nil, false)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "marketledger_")
}

func TestAdminRoutesRequireSecret(t *testing.T) {
	srv := newTestServer(t)

	w := do(t, srv, http.MethodPost, "/v1/admin/reconciliation/run", nil, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, srv, http.MethodPost, "/v1/admin/reconciliation/run", nil, true)
	assert.Equal(t, http.StatusOK, w.Code)
}

// TestEscrowToPayoutFlow drives the full seller money lifecycle through
// the HTTP surface: record transaction, release escrow, request payout,
// approve, process, and reconcile.
func TestEscrowToPayoutFlow(t *testing.T) {
	srv := newTestServer(t)

	// Marketplace records an escrowed transaction
	w := do(t, srv, http.MethodPost, "/v1/admin/transactions", map[string]any{
		"id":              "tx-flow-1",
		"buyerId":         "buyer-1",
		"sellerId":        "seller-1",
		"amount":          "10000.00",
		"transactionType": "property",
	}, true)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// Buyer confirms, platform releases escrow
	w = do(t, srv, http.MethodPost, "/v1/escrow/tx-flow-1/release", nil, false)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	release := decode(t, w)
	assert.Equal(t, "9400", release["netCredited"]) // 10000 - 5% - 100

	// Replay returns the prior result
	w = do(t, srv, http.MethodPost, "/v1/escrow/tx-flow-1/release", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["alreadyReleased"])

	// Seller balance reflects the net credit
	w = do(t, srv, http.MethodGet, "/v1/sellers/seller-1/balance", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	bal := decode(t, w)
	assert.Equal(t, "9400", bal["availableBalance"])
	balanceID := bal["id"].(string)

	// Seller requests a payout; funds move to pending
	w = do(t, srv, http.MethodPost, "/v1/payouts", map[string]any{
		"userId":        "seller-1",
		"amount":        "5000.00",
		"paymentMethod": "bank_transfer",
	}, false)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	payoutID := decode(t, w)["id"].(string)

	w = do(t, srv, http.MethodGet, "/v1/sellers/seller-1/balance", nil, false)
	bal = decode(t, w)
	assert.Equal(t, "4400", bal["availableBalance"])
	assert.Equal(t, "5000", bal["pendingBalance"])

	// Admin approves and processes; mock provider succeeds
	w = do(t, srv, http.MethodPost, "/v1/admin/payouts/"+payoutID+"/approve",
		map[string]any{"adminId": "admin-1"}, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, srv, http.MethodPost, "/v1/admin/payouts/"+payoutID+"/process", nil, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "COMPLETED", decode(t, w)["status"])

	// Pending drained, ledger still verifies
	w = do(t, srv, http.MethodGet, "/v1/sellers/seller-1/balance", nil, false)
	bal = decode(t, w)
	assert.Equal(t, "4400", bal["availableBalance"])
	assert.Equal(t, "0", bal["pendingBalance"])

	w = do(t, srv, http.MethodGet, "/v1/balances/"+balanceID+"/ledger/verify", nil, false)
	require.Equal(t, http.StatusOK, w.Code)

	// Reconciliation agrees
	w = do(t, srv, http.MethodGet, "/v1/admin/reconciliation/"+balanceID, nil, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "MATCH", decode(t, w)["status"])
}

func TestAutomationStatusEndpoint(t *testing.T) {
	srv := newTestServer(t)

	w := do(t, srv, http.MethodGet, "/v1/admin/automation/status", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["enabled"])

	w = do(t, srv, http.MethodPut, "/v1/admin/automation/enabled",
		map[string]any{"enabled": false}, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["enabled"])
}
