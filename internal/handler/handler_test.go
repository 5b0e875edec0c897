package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nathanyu/funds-transfer/internal/accounts"
	"github.com/nathanyu/funds-transfer/internal/cqrs"
	"github.com/nathanyu/funds-transfer/internal/domain"
	"github.com/nathanyu/funds-transfer/internal/engine"
	"github.com/nathanyu/funds-transfer/internal/lock"
	"github.com/nathanyu/funds-transfer/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	router    *gin.Engine
	readModel *cqrs.ReadModel
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := memory.New()
	eng := engine.NewEngine(st, lock.NewLocalCoordinator(), engine.WithConfig(engine.Config{
		MaxAttempts:    5,
		RetryBaseDelay: time.Millisecond,
		LockTimeout:    time.Second,
		CommitTimeout:  5 * time.Second,
	}))
	readModel := cqrs.NewReadModel(nil, nil)
	eng.RegisterEventHandler(readModel.HandleEventDirect)

	svc, err := accounts.NewService(st, 1, nil)
	require.NoError(t, err)

	r := gin.New()
	SetupRoutes(r, NewHandler(eng, svc, st, readModel))
	return &testServer{router: r, readModel: readModel}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) createAccount(t *testing.T, name, email, balance string) *domain.Account {
	t.Helper()
	w := s.do(t, http.MethodPost, "/v1/accounts", gin.H{
		"holder_name":     name,
		"email":           email,
		"currency":        "USD",
		"initial_balance": balance,
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var acc domain.Account
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &acc))
	return &acc
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[HealthResponse](t, w).Status)
}

func TestAccounts_Lifecycle(t *testing.T) {
	s := newTestServer(t)
	acc := s.createAccount(t, "Ana", "ana@example.com", "100.00")
	assert.Equal(t, "100", acc.Balance.String())
	assert.True(t, acc.Active)

	w := s.do(t, http.MethodGet, "/v1/accounts/"+acc.AccountNumber, nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/v1/accounts/email/ana@example.com", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, acc.AccountNumber, decode[domain.Account](t, w).AccountNumber)

	w = s.do(t, http.MethodPatch, "/v1/accounts/"+acc.AccountNumber, gin.H{"holder_name": "Ana Maria"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Ana Maria", decode[domain.Account](t, w).HolderName)

	w = s.do(t, http.MethodGet, "/v1/accounts", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]domain.Account](t, w), 1)

	w = s.do(t, http.MethodDelete, "/v1/accounts/"+acc.AccountNumber, nil, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, http.MethodGet, "/v1/accounts/"+acc.AccountNumber, nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAccounts_Errors(t *testing.T) {
	s := newTestServer(t)
	s.createAccount(t, "Ana", "ana@example.com", "0")

	w := s.do(t, http.MethodPost, "/v1/accounts", gin.H{
		"holder_name": "Other", "email": "ana@example.com", "currency": "USD",
	}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "ACCOUNT_EXISTS", decode[ErrorResponse](t, w).Code)

	w = s.do(t, http.MethodPost, "/v1/accounts", gin.H{
		"holder_name": "Bad", "email": "not-an-email", "currency": "USD",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/v1/accounts", gin.H{"email": "x@example.com"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_REQUEST", decode[ErrorResponse](t, w).Code)
}

func TestTransfer_CommitAndReplay(t *testing.T) {
	s := newTestServer(t)
	a := s.createAccount(t, "A", "a@example.com", "100")
	b := s.createAccount(t, "B", "b@example.com", "50")

	body := gin.H{
		"source_account": a.AccountNumber,
		"dest_account":   b.AccountNumber,
		"amount":         "30.00",
		"currency":       "USD",
		"concept":        "rent",
	}
	headers := map[string]string{IdempotencyHeader: "TRF-http-1"}

	w := s.do(t, http.MethodPost, "/v1/transfers", body, headers)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	first := decode[TransferResponse](t, w)
	assert.Equal(t, domain.StatusCommitted, first.Transfer.Status)
	assert.Equal(t, "TRF-http-1", first.Transfer.ReferenceCode)
	assert.False(t, first.Replayed)

	w = s.do(t, http.MethodPost, "/v1/transfers", body, headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[TransferResponse](t, w).Replayed)

	w = s.do(t, http.MethodGet, "/v1/accounts/"+a.AccountNumber, nil, nil)
	assert.Equal(t, "70", decode[domain.Account](t, w).Balance.String())
	w = s.do(t, http.MethodGet, "/v1/accounts/"+b.AccountNumber, nil, nil)
	assert.Equal(t, "80", decode[domain.Account](t, w).Balance.String())

	w = s.do(t, http.MethodGet, "/v1/transfers/TRF-http-1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.StatusCommitted, decode[domain.Transfer](t, w).Status)

	w = s.do(t, http.MethodGet, "/v1/transfers/history/"+b.AccountNumber, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]domain.Transfer](t, w), 1)

	w = s.do(t, http.MethodGet, "/v1/transfers/status/committed", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]domain.Transfer](t, w), 1)

	w = s.do(t, http.MethodGet, "/v1/accounts/"+a.AccountNumber+"/activity", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	activity := decode[ActivityResponse](t, w)
	assert.Equal(t, 1, activity.SentCount)
	assert.Equal(t, "30", activity.SentTotal.String())
	assert.Equal(t, "-30", activity.Net.String())

	w = s.do(t, http.MethodGet, "/v1/activity", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	summary := decode[ActivitySummary](t, w)
	assert.Equal(t, "30", summary.TotalMoved.String())
	require.Len(t, summary.Accounts, 2)
	for _, acc := range summary.Accounts {
		if acc.AccountNumber == b.AccountNumber {
			assert.Equal(t, "30", acc.Net.String())
		}
	}
}

func TestTransfer_ErrorMapping(t *testing.T) {
	s := newTestServer(t)
	a := s.createAccount(t, "A", "a@example.com", "100")
	b := s.createAccount(t, "B", "b@example.com", "50")

	post := func(body gin.H, headers map[string]string) *httptest.ResponseRecorder {
		return s.do(t, http.MethodPost, "/v1/transfers", body, headers)
	}

	t.Run("insufficient funds", func(t *testing.T) {
		w := post(gin.H{
			"source_account": b.AccountNumber, "dest_account": a.AccountNumber,
			"amount": "80", "currency": "USD", "reference_code": "TRF-poor",
		}, nil)
		require.Equal(t, http.StatusPaymentRequired, w.Code)
		resp := decode[ErrorResponse](t, w)
		assert.Equal(t, string(domain.FailureInsufficientFunds), resp.Code)
		require.NotNil(t, resp.Available)
		assert.Equal(t, "50", resp.Available.String())
		require.NotNil(t, resp.Transfer)
		assert.Equal(t, domain.StatusFailed, resp.Transfer.Status)
	})

	t.Run("same account", func(t *testing.T) {
		w := post(gin.H{
			"source_account": a.AccountNumber, "dest_account": a.AccountNumber,
			"amount": "1", "currency": "USD",
		}, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, string(domain.FailureSameAccount), decode[ErrorResponse](t, w).Code)
	})

	t.Run("unknown destination", func(t *testing.T) {
		w := post(gin.H{
			"source_account": a.AccountNumber, "dest_account": "ACC0",
			"amount": "1", "currency": "USD",
		}, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("currency mismatch", func(t *testing.T) {
		w := post(gin.H{
			"source_account": a.AccountNumber, "dest_account": b.AccountNumber,
			"amount": "1", "currency": "EUR",
		}, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, string(domain.FailureCurrencyMismatch), decode[ErrorResponse](t, w).Code)
	})

	t.Run("reused reference with different parameters", func(t *testing.T) {
		w := post(gin.H{
			"source_account": a.AccountNumber, "dest_account": b.AccountNumber,
			"amount": "1", "currency": "USD", "reference_code": "TRF-reuse",
		}, nil)
		require.Equal(t, http.StatusCreated, w.Code)

		w = post(gin.H{
			"source_account": a.AccountNumber, "dest_account": b.AccountNumber,
			"amount": "2", "currency": "USD", "reference_code": "TRF-reuse",
		}, nil)
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "DUPLICATE_REFERENCE", decode[ErrorResponse](t, w).Code)
	})

	t.Run("header and body disagree", func(t *testing.T) {
		w := post(gin.H{
			"source_account": a.AccountNumber, "dest_account": b.AccountNumber,
			"amount": "1", "currency": "USD", "reference_code": "TRF-x",
		}, map[string]string{IdempotencyHeader: "TRF-y"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown transfer", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/v1/transfers/TRF-missing", nil, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("bad status filter", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/v1/transfers/status/pending", nil, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{domain.ErrStoreUnavailable, http.StatusServiceUnavailable},
		{&domain.TransientConflictError{ReferenceCode: "r", Attempts: 5, Err: domain.ErrVersionConflict}, http.StatusConflict},
		{context.DeadlineExceeded, http.StatusConflict},
		{domain.ErrTransferTimedOut, http.StatusConflict},
		{&domain.AccountError{Side: domain.SideSource, AccountNumber: "x", Err: domain.ErrAccountInactive}, http.StatusBadRequest},
		{accounts.ErrInvalidAccount, http.StatusBadRequest},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		status, _ := statusFor(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
	}
}
