package nats

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyledger/internal/account"
	"skyledger/internal/model"
	"skyledger/internal/provision"
	"skyledger/internal/service"
	"skyledger/internal/transfer"
)

func newHandler(t *testing.T) (*Handler, *service.Ledger, *account.MemoryBackend, model.Account) {
	t.Helper()
	backends := service.MemoryBackends()
	l := service.New(backends, service.Options{
		Retry:           account.DefaultRetryConfig(),
		TransferTimeout: 5 * time.Second,
		Provision:       provision.Config{BonusAmount: 30},
	}, nil)

	ctx := context.Background()
	_, _, err := l.Provision(ctx, model.Identity{UID: "alice", Email: "alice@x.io"})
	require.NoError(t, err)
	bob, _, err := l.Provision(ctx, model.Identity{UID: "bob", Email: "bob@x.io"})
	require.NoError(t, err)

	return NewHandler(l, l.Feed, nil, "node-a", nil), l, backends.Accounts.(*account.MemoryBackend), bob
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestHandleTransfer(t *testing.T) {
	h, _, _, bob := newHandler(t)

	reply := h.handleTransfer(context.Background(), mustJSON(t, model.TransferRequest{
		SourceAccountID:    "alice",
		DestinationAddress: bob.Address,
		Amount:             4,
	}))
	require.Empty(t, reply.Error)
	assert.Equal(t, model.StatusSuccess, reply.Status)
	require.NotNil(t, reply.Result)
	assert.Equal(t, int64(26), reply.Result.SourceBalance)
}

func TestHandleTransfer_Failures(t *testing.T) {
	h, _, backend, bob := newHandler(t)
	ctx := context.Background()

	reply := h.handleTransfer(ctx, []byte("{"))
	assert.Equal(t, "invalid_json", reply.Error)
	assert.Equal(t, CodeInvalidJSON, reply.Code)

	tests := []struct {
		name string
		req  model.TransferRequest
		code string
	}{
		{"insufficient balance", model.TransferRequest{SourceAccountID: "alice", DestinationAddress: bob.Address, Amount: 500}, transfer.CodeInsufficientBalance},
		{"zero amount", model.TransferRequest{SourceAccountID: "alice", DestinationAddress: bob.Address}, transfer.CodeInvalidAmount},
		{"unknown address", model.TransferRequest{SourceAccountID: "alice", DestinationAddress: "nobody@skypay", Amount: 1}, transfer.CodeAddressNotFound},
		{"to self", model.TransferRequest{SourceAccountID: "bob", DestinationAddress: bob.Address, Amount: 1}, transfer.CodeSelfTransfer},
		{"unknown source", model.TransferRequest{SourceAccountID: "ghost", DestinationAddress: bob.Address, Amount: 1}, transfer.CodeAccountNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := h.handleTransfer(ctx, mustJSON(t, tt.req))
			assert.Equal(t, tt.code, reply.Code)
			assert.NotEmpty(t, reply.Error)
			assert.Empty(t, reply.Status)
		})
	}

	backend.InjectFault("bob", errors.New("offline"))
	reply = h.handleTransfer(ctx, mustJSON(t, model.TransferRequest{SourceAccountID: "alice", DestinationAddress: bob.Address, Amount: 1}))
	assert.Equal(t, model.StatusPendingReview, reply.Status)
	assert.Equal(t, transfer.CodeIndeterminate, reply.Code)
	assert.NotEmpty(t, reply.CaseID)

	backend.InjectFault("alice", errors.New("offline"))
	reply = h.handleTransfer(ctx, mustJSON(t, model.TransferRequest{SourceAccountID: "alice", DestinationAddress: bob.Address, Amount: 1}))
	assert.Equal(t, transfer.CodeUnavailable, reply.Code)
}

func TestHandleResolve(t *testing.T) {
	h, _, _, bob := newHandler(t)
	ctx := context.Background()

	reply := h.handleResolve(ctx, mustJSON(t, resolveCommand{Address: bob.Address}))
	require.NotNil(t, reply.Ref)
	assert.Equal(t, "bob", reply.Ref.AccountID)

	reply = h.handleResolve(ctx, mustJSON(t, resolveCommand{Address: "nobody@skypay"}))
	assert.Nil(t, reply.Ref)
	assert.NotEmpty(t, reply.Error)
	assert.Equal(t, CodeAddressNotFound, reply.Code)
}

func TestIngest(t *testing.T) {
	h, l, _, _ := newHandler(t)
	ctx := context.Background()

	sub, err := l.WatchAccount(ctx, "alice")
	require.NoError(t, err)
	defer sub.Cancel()
	current := <-sub.C()

	remote := current
	remote.Version++
	remote.Balance = 1
	h.ingest(ctx, mustJSON(t, model.AccountEvent{AccountID: "alice", Account: &remote}))

	select {
	case got := <-sub.C():
		assert.Equal(t, int64(1), got.Balance)
	case <-time.After(time.Second):
		t.Fatal("event not ingested")
	}

	// Malformed payloads are dropped.
	h.ingest(ctx, []byte("nope"))
}

func TestFromSelf(t *testing.T) {
	h, _, _, _ := newHandler(t)

	own := nats.NewMsg("accounts.alice")
	own.Header.Set(OriginHeader, "node-a")
	assert.True(t, h.fromSelf(own))

	peer := nats.NewMsg("accounts.alice")
	peer.Header.Set(OriginHeader, "node-b")
	assert.False(t, h.fromSelf(peer))

	assert.False(t, h.fromSelf(&nats.Msg{Subject: "accounts.alice"}), "unstamped events come from elsewhere")
}
