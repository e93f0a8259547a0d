package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"skyledger/internal/metrics"
	"skyledger/internal/model"
)

const (
	accountTopicPrefix = "accounts."
	ledgerTopicPrefix  = "ledger."

	// Wildcard subjects for bus subscribers.
	AccountTopics = accountTopicPrefix + "*"
	LedgerTopics  = ledgerTopicPrefix + "*"
)

func AccountTopic(accountID string) string { return accountTopicPrefix + accountID }
func LedgerTopic(accountID string) string  { return ledgerTopicPrefix + accountID }

// IsFeedTopic reports whether topic carries change-feed events.
func IsFeedTopic(topic string) bool {
	return strings.HasPrefix(topic, accountTopicPrefix) || strings.HasPrefix(topic, ledgerTopicPrefix)
}

type MessageBus interface {
	Publish(topic string, data []byte) error
}

// BusNotifier publishes change events as JSON over a MessageBus.
// Publishing is best effort: a lost event is healed by the next snapshot.
type BusNotifier struct {
	bus    MessageBus
	logger *slog.Logger
}

func NewBusNotifier(bus MessageBus, logger *slog.Logger) *BusNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &BusNotifier{bus: bus, logger: logger.With("component", "feed_bus")}
}

func (n *BusNotifier) AccountChanged(_ context.Context, acc model.Account) {
	n.publish(AccountTopic(acc.ID), model.AccountEvent{AccountID: acc.ID, Account: &acc, EmittedAt: time.Now().UTC()})
}

func (n *BusNotifier) RecordAppended(_ context.Context, rec model.Record) {
	n.publish(LedgerTopic(rec.AccountID), model.AccountEvent{AccountID: rec.AccountID, Record: &rec, EmittedAt: time.Now().UTC()})
}

func (n *BusNotifier) publish(topic string, ev model.AccountEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		n.logger.Error("failed to marshal change event", "topic", topic, "error", err)
		return
	}
	if err := n.bus.Publish(topic, data); err != nil {
		metrics.FeedPublishErrors.Inc()
		n.logger.Warn("failed to publish change event", "topic", topic, "error", err)
	}
}
