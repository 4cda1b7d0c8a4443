package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/gapeva/gapeva-core/api"
	"github.com/gapeva/gapeva-core/internal/fees"
	"github.com/gapeva/gapeva-core/internal/ledger"
	"github.com/gapeva/gapeva-core/internal/reconciler"
	"github.com/gapeva/gapeva-core/internal/transfer"
	"github.com/gapeva/gapeva-core/internal/wallet"
)

// stubGateway serves canned verifications keyed by reference.
type stubGateway struct {
	verifications map[string]*reconciler.Verification
}

func (g *stubGateway) VerifyTransaction(ctx context.Context, reference string) (*reconciler.Verification, error) {
	if v, ok := g.verifications[reference]; ok {
		return v, nil
	}
	return &reconciler.Verification{Reference: reference, Confirmed: false, Status: "not_found"}, nil
}

// helper to set up router backed by an in-memory ledger
func setupRouter(t *testing.T, gateway reconciler.GatewayClient) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	store := ledger.NewStore(db, zap.NewNop(), 3)
	require.NoError(t, store.AutoMigrate())

	policy := fees.DefaultPolicy()
	walletSvc, err := wallet.NewService(
		zap.NewNop(),
		store,
		reconciler.NewService(store, gateway, policy, zap.NewNop()),
		transfer.NewService(store, policy, zap.NewNop()),
		nil, 0, nil, 0,
	)
	require.NoError(t, err)

	srv := api.NewServer(zap.NewNop(), walletSvc, api.UpstreamAuthenticator{})
	return srv.Router()
}

// assertAmount compares money amounts numerically, ignoring formatting
// differences like trailing zeros.
func assertAmount(t *testing.T, want, got string) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(decimal.RequireFromString(got)),
		"want %s, got %s", want, got)
}

func doJSON(router *gin.Engine, method, path, userID string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthCheck(t *testing.T) {
	router := setupRouter(t, &stubGateway{})
	w := doJSON(router, http.MethodGet, "/api/v1/health", "", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	assert.NoError(t, err)
	assert.Equal(t, "ok", resp["status"])
}

func TestGetWallet_Unauthorized(t *testing.T) {
	router := setupRouter(t, &stubGateway{})
	w := doJSON(router, http.MethodGet, "/api/v1/wallets/", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(router, http.MethodGet, "/api/v1/wallets/", "not-a-uuid", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGetWallet_AutoCreates(t *testing.T) {
	router := setupRouter(t, &stubGateway{})
	userID := uuid.New().String()

	w := doJSON(router, http.MethodGet, "/api/v1/wallets/", userID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Wallet struct {
			UserID         string `json:"user_id"`
			WalletBalance  string `json:"wallet_balance"`
			TradingBalance string `json:"trading_balance"`
		} `json:"wallet"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, userID, resp.Wallet.UserID)
	assertAmount(t, "0", resp.Wallet.WalletBalance)
}

func TestValidateDeposit(t *testing.T) {
	router := setupRouter(t, &stubGateway{})
	userID := uuid.New().String()

	w := doJSON(router, http.MethodPost, "/api/v1/wallets/validate-deposit", userID, gin.H{"amount": "10.00"})
	assert.Equal(t, http.StatusOK, w.Code)

	// Below the $3 floor.
	w = doJSON(router, http.MethodPost, "/api/v1/wallets/validate-deposit", userID, gin.H{"amount": "2.99"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(router, http.MethodPost, "/api/v1/wallets/validate-deposit", userID, gin.H{"amount": "-5"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(router, http.MethodPost, "/api/v1/wallets/validate-deposit", userID, gin.H{"amount": "abc"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubCentAmountsRejected(t *testing.T) {
	router := setupRouter(t, &stubGateway{})
	userID := uuid.New().String()

	for _, path := range []string{"withdraw", "allocate", "deallocate", "validate-deposit"} {
		w := doJSON(router, http.MethodPost, "/api/v1/wallets/"+path, userID, gin.H{"amount": "10.005"})
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
	}

	w := doJSON(router, http.MethodPost, "/api/v1/wallets/verify-deposit", userID,
		gin.H{"reference": "ref_x", "amount": "10.005"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestVerifyDepositAndReplay(t *testing.T) {
	gateway := &stubGateway{verifications: map[string]*reconciler.Verification{
		"ref_ok": {Reference: "ref_ok", Confirmed: true, Status: "success", Amount: decimal.RequireFromString("100.00")},
	}}
	router := setupRouter(t, gateway)
	userID := uuid.New().String()

	body := gin.H{"reference": "ref_ok", "amount": "100.00"}
	w := doJSON(router, http.MethodPost, "/api/v1/wallets/verify-deposit", userID, body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Wallet struct {
			WalletBalance string `json:"wallet_balance"`
		} `json:"wallet"`
		Replayed bool `json:"replayed"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assertAmount(t, "97.00", resp.Wallet.WalletBalance)
	assert.False(t, resp.Replayed)

	// Replaying the same reference succeeds without a second credit.
	w = doJSON(router, http.MethodPost, "/api/v1/wallets/verify-deposit", userID, body)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assertAmount(t, "97.00", resp.Wallet.WalletBalance)
	assert.True(t, resp.Replayed)
}

func TestVerifyDepositUnconfirmed(t *testing.T) {
	router := setupRouter(t, &stubGateway{})
	userID := uuid.New().String()

	w := doJSON(router, http.MethodPost, "/api/v1/wallets/verify-deposit", userID,
		gin.H{"reference": "ref_unknown", "amount": "100.00"})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
}

func TestWithdrawInsufficientFunds(t *testing.T) {
	router := setupRouter(t, &stubGateway{})
	userID := uuid.New().String()

	w := doJSON(router, http.MethodPost, "/api/v1/wallets/withdraw", userID, gin.H{"amount": "10.00"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "insufficient funds", resp["error"])
	assert.Equal(t, "wallet", resp["source"])
	assert.Equal(t, "0.00", resp["balance"])
}

func TestWithdrawFlow(t *testing.T) {
	gateway := &stubGateway{verifications: map[string]*reconciler.Verification{
		"ref_seed": {Reference: "ref_seed", Confirmed: true, Status: "success", Amount: decimal.RequireFromString("200.00")},
	}}
	router := setupRouter(t, gateway)
	userID := uuid.New().String()

	w := doJSON(router, http.MethodPost, "/api/v1/wallets/verify-deposit", userID,
		gin.H{"reference": "ref_seed", "amount": "200.00"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodPost, "/api/v1/wallets/withdraw", userID, gin.H{"amount": "100.00"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Wallet struct {
			WalletBalance string `json:"wallet_balance"`
		} `json:"wallet"`
		Entry struct {
			ID        string `json:"id"`
			Status    string `json:"status"`
			FeeAmount string `json:"fee_amount"`
			NetAmount string `json:"net_amount"`
		} `json:"entry"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assertAmount(t, "94.00", resp.Wallet.WalletBalance)
	assert.Equal(t, "pending", resp.Entry.Status)
	assertAmount(t, "35.00", resp.Entry.FeeAmount)
	assertAmount(t, "65.00", resp.Entry.NetAmount)

	// The payout operator settles the withdrawal.
	w = doJSON(router, http.MethodPost, "/api/v1/admin/payouts/"+resp.Entry.ID+"/settle", userID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestAllocateDeallocateAndHistory(t *testing.T) {
	gateway := &stubGateway{verifications: map[string]*reconciler.Verification{
		"ref_seed": {Reference: "ref_seed", Confirmed: true, Status: "success", Amount: decimal.RequireFromString("100.00")},
	}}
	router := setupRouter(t, gateway)
	userID := uuid.New().String()

	w := doJSON(router, http.MethodPost, "/api/v1/wallets/verify-deposit", userID,
		gin.H{"reference": "ref_seed", "amount": "100.00"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodPost, "/api/v1/wallets/allocate", userID, gin.H{"amount": "50.00"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Wallet struct {
			WalletBalance  string `json:"wallet_balance"`
			TradingBalance string `json:"trading_balance"`
		} `json:"wallet"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assertAmount(t, "47.00", resp.Wallet.WalletBalance)
	assertAmount(t, "50.00", resp.Wallet.TradingBalance)

	w = doJSON(router, http.MethodPost, "/api/v1/wallets/deallocate", userID, gin.H{"amount": "20.00"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodGet, "/api/v1/wallets/history?limit=2", userID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var history struct {
		Entries []struct {
			Kind string `json:"kind"`
		} `json:"entries"`
		Total int64 `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	assert.Equal(t, int64(3), history.Total)
	require.Len(t, history.Entries, 2)
	assert.Equal(t, "deallocate", history.Entries[0].Kind)
}

func TestReconcileEndpoint(t *testing.T) {
	gateway := &stubGateway{verifications: map[string]*reconciler.Verification{
		"ref_seed": {Reference: "ref_seed", Confirmed: true, Status: "success", Amount: decimal.RequireFromString("100.00")},
	}}
	router := setupRouter(t, gateway)
	userID := uuid.New().String()

	w := doJSON(router, http.MethodPost, "/api/v1/wallets/verify-deposit", userID,
		gin.H{"reference": "ref_seed", "amount": "100.00"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodGet, "/api/v1/wallets/reconcile", userID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var report struct {
		Consistent bool `json:"consistent"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.True(t, report.Consistent)
}

func TestDeactivatedAccountRejectsMutations(t *testing.T) {
	gateway := &stubGateway{verifications: map[string]*reconciler.Verification{
		"ref_seed": {Reference: "ref_seed", Confirmed: true, Status: "success", Amount: decimal.RequireFromString("100.00")},
	}}
	router := setupRouter(t, gateway)
	userID := uuid.New().String()

	w := doJSON(router, http.MethodPost, "/api/v1/wallets/verify-deposit", userID,
		gin.H{"reference": "ref_seed", "amount": "100.00"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodPost, "/api/v1/admin/accounts/"+userID+"/deactivate", userID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(router, http.MethodPost, "/api/v1/wallets/withdraw", userID, gin.H{"amount": "10.00"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Reads still work on a deactivated account.
	w = doJSON(router, http.MethodGet, "/api/v1/wallets/", userID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPayoutEndpointsRejectBadID(t *testing.T) {
	router := setupRouter(t, &stubGateway{})
	userID := uuid.New().String()

	w := doJSON(router, http.MethodPost, "/api/v1/admin/payouts/not-a-uuid/settle", userID, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(router, http.MethodPost, "/api/v1/admin/payouts/"+uuid.New().String()+"/reject", userID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
