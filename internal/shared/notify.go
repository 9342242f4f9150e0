package shared

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// NotificationKind enumerates the events the engine announces.
type NotificationKind string

const (
	NotifyPeriodTransition NotificationKind = "period_transition"
	NotifyApprovalPending  NotificationKind = "approval_pending"
	NotifyApprovalDecided  NotificationKind = "approval_decided"
)

// Notification is an outbound event. Delivery (email, in-app) is owned by
// an external consumer reading the outbox. Recipient names a role or user
// the consumer should address; empty means the default audience for the
// kind.
type Notification struct {
	Kind       NotificationKind `json:"kind"`
	Recipient  string           `json:"recipient,omitempty"`
	Subject    string           `json:"subject"`
	Body       string           `json:"body"`
	Entity     string           `json:"entity"`
	EntityID   string           `json:"entity_id"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// Notifier publishes notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// RedisNotifier appends notifications to a Redis list consumed by the
// delivery worker.
type RedisNotifier struct {
	client  *redis.Client
	key     string
	logger  *slog.Logger
	printer *message.Printer
}

// NewRedisNotifier constructs a RedisNotifier writing to the given list key.
func NewRedisNotifier(client *redis.Client, key string, logger *slog.Logger) *RedisNotifier {
	if key == "" {
		key = "notifications:outbox"
	}
	return &RedisNotifier{
		client:  client,
		key:     key,
		logger:  logger,
		printer: message.NewPrinter(language.Indonesian),
	}
}

// Notify pushes the event onto the outbox list.
func (n *RedisNotifier) Notify(ctx context.Context, notif Notification) error {
	if n == nil || n.client == nil {
		return errors.New("notifier not initialised")
	}
	if notif.OccurredAt.IsZero() {
		notif.OccurredAt = time.Now()
	}
	data, err := json.Marshal(notif)
	if err != nil {
		return err
	}
	if err := n.client.RPush(ctx, n.key, data).Err(); err != nil {
		if n.logger != nil {
			n.logger.Error("notify push", slog.Any("error", err))
		}
		return err
	}
	return nil
}

// FormatAmount renders a monetary amount with thousand separators for
// notification bodies.
func (n *RedisNotifier) FormatAmount(amount decimal.Decimal) string {
	if n == nil || n.printer == nil {
		return amount.StringFixed(2)
	}
	whole := amount.IntPart()
	return n.printer.Sprintf("%d", whole)
}

// NopNotifier discards notifications; used in tests and when the outbox is
// not configured.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(context.Context, Notification) error { return nil }
