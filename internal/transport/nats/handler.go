package nats

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/nats-io/nats.go"

	"skyledger/internal/address"
	"skyledger/internal/feed"
	"skyledger/internal/model"
	"skyledger/internal/service"
	"skyledger/internal/transfer"
)

const (
	TransferSubject = "commands.transfer"
	ResolveSubject  = "commands.resolve"

	queueGroup = "ledger_group"
)

// Ingester receives change events published by other processes.
type Ingester interface {
	Ingest(ctx context.Context, ev model.AccountEvent)
}

// Reply is the response body for every command. A failed command carries a
// stable Code alongside the human-readable Error.
type Reply struct {
	Status model.Status          `json:"status,omitempty"`
	Result *model.TransferResult `json:"result,omitempty"`
	Ref    *model.AccountRef     `json:"ref,omitempty"`
	CaseID string                `json:"case_id,omitempty"`
	Code   string                `json:"code,omitempty"`
	Error  string                `json:"error,omitempty"`
}

const (
	CodeInvalidJSON     = "INVALID_JSON"
	CodeAddressNotFound = transfer.CodeAddressNotFound
	CodeUnavailable     = transfer.CodeUnavailable
)

type resolveCommand struct {
	Address string `json:"address"`
}

// Handler serves ledger commands over NATS request/reply and, when events is
// set, relays feed subjects from other nodes into the local hub.
type Handler struct {
	svc    service.LedgerService
	events Ingester
	nc     *nats.Conn
	origin string
	subs   []*nats.Subscription
	logger *slog.Logger
}

// NewHandler builds a handler for this node. origin must match the one given
// to NewBus so the node's own feed events are not ingested twice.
func NewHandler(svc service.LedgerService, events Ingester, nc *nats.Conn, origin string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, events: events, nc: nc, origin: origin, logger: logger.With("component", "nats")}
}

// Start subscribes to command topics and blocks until ctx is cancelled (graceful shutdown).
func (h *Handler) Start(ctx context.Context) error {
	s1, err := h.nc.QueueSubscribe(TransferSubject, queueGroup, func(m *nats.Msg) {
		h.respond(m, h.handleTransfer(ctx, m.Data))
	})
	if err != nil {
		return err
	}
	h.subs = append(h.subs, s1)

	s2, err := h.nc.QueueSubscribe(ResolveSubject, queueGroup, func(m *nats.Msg) {
		h.respond(m, h.handleResolve(ctx, m.Data))
	})
	if err != nil {
		return err
	}
	h.subs = append(h.subs, s2)

	if h.events != nil {
		// Plain subscriptions: every node keeps its own feed current.
		for _, subject := range []string{feed.AccountTopics, feed.LedgerTopics} {
			s, err := h.nc.Subscribe(subject, func(m *nats.Msg) {
				if h.fromSelf(m) {
					return
				}
				h.ingest(ctx, m.Data)
			})
			if err != nil {
				return err
			}
			h.subs = append(h.subs, s)
		}
	}

	h.logger.Info("NATS command handler is running")

	// Block until context is cancelled.
	<-ctx.Done()
	h.logger.Info("NATS command handler shutting down, draining subscriptions...")

	for _, s := range h.subs {
		_ = s.Drain()
	}
	return nil
}

func (h *Handler) Stop(ctx context.Context) error {
	for _, s := range h.subs {
		_ = s.Unsubscribe()
	}
	return nil
}

func (h *Handler) handleTransfer(ctx context.Context, data []byte) Reply {
	var req model.TransferRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.logger.Error("failed to unmarshal transfer command", "error", err)
		return Reply{Code: CodeInvalidJSON, Error: "invalid_json"}
	}

	res, err := h.svc.Transfer(ctx, req)
	var indeterminate *transfer.IndeterminateError
	switch {
	case errors.As(err, &indeterminate):
		return Reply{Status: model.StatusPendingReview, CaseID: indeterminate.CaseID, Code: transfer.CodeIndeterminate}
	case err != nil:
		code := transfer.Code(err)
		h.logger.Warn("transfer failed", "error", err, "code", code, "account_id", req.SourceAccountID)
		return Reply{Code: code, Error: err.Error()}
	}
	return Reply{Status: model.StatusSuccess, Result: res}
}

func (h *Handler) handleResolve(ctx context.Context, data []byte) Reply {
	var req resolveCommand
	if err := json.Unmarshal(data, &req); err != nil {
		h.logger.Error("failed to unmarshal resolve command", "error", err)
		return Reply{Code: CodeInvalidJSON, Error: "invalid_json"}
	}
	ref, err := h.svc.Resolve(ctx, req.Address)
	if err != nil {
		code := CodeUnavailable
		if errors.Is(err, address.ErrNotFound) || errors.Is(err, address.ErrInvalidAddress) {
			code = CodeAddressNotFound
		}
		return Reply{Code: code, Error: err.Error()}
	}
	return Reply{Ref: &ref}
}

func (h *Handler) fromSelf(m *nats.Msg) bool {
	return h.origin != "" && m.Header.Get(OriginHeader) == h.origin
}

func (h *Handler) ingest(ctx context.Context, data []byte) {
	var ev model.AccountEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		h.logger.Error("failed to unmarshal feed event", "error", err)
		return
	}
	h.events.Ingest(ctx, ev)
}

func (h *Handler) respond(m *nats.Msg, reply Reply) {
	if m.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		h.logger.Error("failed to marshal reply", "error", err)
		return
	}
	if err := m.Respond(data); err != nil {
		h.logger.Warn("failed to send reply", "error", err)
	}
}
