package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyledger/internal/account"
	"skyledger/internal/feed"
	"skyledger/internal/model"
	"skyledger/internal/reconcile"
	"skyledger/internal/transfer"
)

type mockService struct {
	transferReq model.TransferRequest
	transferRes *model.TransferResult
	transferErr error

	account    model.Account
	accountErr error
	created    bool

	records []model.Record

	resolveAction reconcile.Action
	resolveErr    error
}

func (m *mockService) Transfer(_ context.Context, req model.TransferRequest) (*model.TransferResult, error) {
	m.transferReq = req
	return m.transferRes, m.transferErr
}

func (m *mockService) Resolve(_ context.Context, addr string) (model.AccountRef, error) {
	if addr != "bob@skypay" {
		return model.AccountRef{}, transfer.ErrAddressNotFound
	}
	return model.AccountRef{AccountID: "b", DisplayName: "Bob", Address: addr}, nil
}

func (m *mockService) GetAccount(context.Context, string) (model.Account, error) {
	return m.account, m.accountErr
}

func (m *mockService) History(context.Context, string) ([]model.Record, error) {
	return m.records, m.accountErr
}

func (m *mockService) Provision(context.Context, model.Identity) (model.Account, bool, error) {
	return m.account, m.created, m.accountErr
}

func (m *mockService) WatchAccount(context.Context, string) (*feed.AccountSubscription, error) {
	return nil, nil
}

func (m *mockService) WatchHistory(context.Context, string) (*feed.HistorySubscription, error) {
	return nil, nil
}

func (m *mockService) PendingReconciliations(context.Context) ([]reconcile.Case, error) {
	return nil, nil
}

func (m *mockService) ResolveReconciliation(_ context.Context, id string, action reconcile.Action) (reconcile.Case, error) {
	m.resolveAction = action
	return reconcile.Case{ID: id, State: reconcile.StateResolved, Resolution: action}, m.resolveErr
}

func serve(t *testing.T, svc *mockService, scale int32, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	NewHandler(svc, scale, nil).Register(mux)

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestTransfer_Success(t *testing.T) {
	svc := &mockService{transferRes: &model.TransferResult{
		SourceBalance:   7000,
		DebitRecordID:   "d1",
		CreditRecordID:  "c1",
		DestinationID:   "b",
		DestinationName: "Bob",
		Timestamp:       time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Status:          string(model.StatusSuccess),
	}}

	rec := serve(t, svc, 2, http.MethodPost, "/transfers",
		`{"source_account_id":"a","destination_address":"bob@skypay","amount":"30.00","memo":"lunch"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(3000), svc.transferReq.Amount)
	assert.Equal(t, "lunch", svc.transferReq.Memo)

	body := decode(t, rec)
	assert.Equal(t, "SUCCESS", body["status"])
	assert.Equal(t, "70.00", body["source_balance"])
	assert.Equal(t, "d1", body["debit_record_id"])
}

func TestTransfer_Indeterminate(t *testing.T) {
	svc := &mockService{transferErr: &transfer.IndeterminateError{
		CaseID: "case-1",
		Stage:  reconcile.StageCrediting,
		Cause:  account.ErrNotFound,
	}}

	rec := serve(t, svc, 0, http.MethodPost, "/transfers",
		`{"source_account_id":"a","destination_address":"bob@skypay","amount":5}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "PENDING_REVIEW", body["status"])
	assert.Equal(t, "case-1", body["case_id"])
	assert.Equal(t, "crediting", body["stage"])
}

func TestTransfer_ErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{transfer.ErrInvalidAmount, http.StatusBadRequest},
		{transfer.ErrSelfTransfer, http.StatusBadRequest},
		{transfer.ErrAddressNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: a", transfer.ErrAccountNotFound), http.StatusNotFound},
		{transfer.ErrInsufficientBalance, http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: db down", transfer.ErrUnavailable), http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			svc := &mockService{transferErr: tt.err}
			rec := serve(t, svc, 0, http.MethodPost, "/transfers",
				`{"source_account_id":"a","destination_address":"bob@skypay","amount":"1"}`)
			assert.Equal(t, tt.want, rec.Code)
			assert.Contains(t, decode(t, rec)["error"], tt.err.Error())
		})
	}
}

func TestTransfer_RejectsBadAmounts(t *testing.T) {
	for _, body := range []string{
		`{"amount":"1.5"}`,
		`{"amount":"abc"}`,
		`not json`,
	} {
		rec := serve(t, &mockService{}, 0, http.MethodPost, "/transfers", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestProvisionAccount(t *testing.T) {
	svc := &mockService{
		account: model.Account{ID: "u1", DisplayName: "Jane", Address: "jane1234@skypay", Balance: 30, Version: 1},
		created: true,
	}

	rec := serve(t, svc, 0, http.MethodPost, "/accounts", `{"uid":"u1","email":"jane@x.io"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "30", body["balance"])
	assert.Equal(t, true, body["created"])

	svc.created = false
	rec = serve(t, svc, 0, http.MethodPost, "/accounts", `{"uid":"u1","email":"jane@x.io"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetAccount_NotFound(t *testing.T) {
	svc := &mockService{accountErr: account.ErrNotFound}
	rec := serve(t, svc, 0, http.MethodGet, "/accounts/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHistory(t *testing.T) {
	svc := &mockService{records: []model.Record{
		{ID: "r2", Amount: 250, Kind: model.KindDebit, Sequence: 2},
		{ID: "r1", Amount: 3000, Kind: model.KindBonus, Sequence: 1},
	}}

	rec := serve(t, svc, 2, http.MethodGet, "/accounts/a/transactions", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Transactions []struct {
			ID            string `json:"id"`
			AmountDisplay string `json:"amount_display"`
		} `json:"transactions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Transactions, 2)
	assert.Equal(t, "r2", body.Transactions[0].ID)
	assert.Equal(t, "2.50", body.Transactions[0].AmountDisplay)
}

func TestResolveAddress(t *testing.T) {
	rec := serve(t, &mockService{}, 0, http.MethodGet, "/addresses/bob@skypay", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "b", decode(t, rec)["account_id"])

	rec = serve(t, &mockService{}, 0, http.MethodGet, "/addresses/nobody@skypay", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResolveCase(t *testing.T) {
	svc := &mockService{}
	rec := serve(t, svc, 0, http.MethodPost, "/reconciliation/cases/c1/resolve", `{"action":"reverse"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, reconcile.ActionReverse, svc.resolveAction)

	rec = serve(t, svc, 0, http.MethodPost, "/reconciliation/cases/c1/resolve", `{"action":"refund"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	for _, err := range []error{reconcile.ErrAlreadyResolved, reconcile.ErrCaseBusy, reconcile.ErrOutcomeUnknown} {
		svc.resolveErr = err
		rec = serve(t, svc, 0, http.MethodPost, "/reconciliation/cases/c1/resolve", `{"action":"complete"}`)
		assert.Equal(t, http.StatusConflict, rec.Code, err.Error())
	}
}

func TestPendingCases_EmptyList(t *testing.T) {
	rec := serve(t, &mockService{}, 0, http.MethodGet, "/reconciliation/cases", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"cases":[]}`, rec.Body.String())
}

func TestHealthAndMetrics(t *testing.T) {
	rec := serve(t, &mockService{}, 0, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, &mockService{}, 0, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
