package shared

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newOutboxNotifier(t *testing.T) (*RedisNotifier, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisNotifier(client, "notifications:outbox", nil), mr
}

func TestNotifyPushesToOutbox(t *testing.T) {
	notifier, mr := newOutboxNotifier(t)

	err := notifier.Notify(context.Background(), Notification{
		Kind:     NotifyPeriodTransition,
		Subject:  "Periode 2026-01 ditutup sementara",
		Entity:   "closing_period",
		EntityID: "1",
	})
	require.NoError(t, err)

	raw, err := mr.Lpop("notifications:outbox")
	require.NoError(t, err)

	var stored Notification
	require.NoError(t, json.Unmarshal([]byte(raw), &stored))
	require.Equal(t, NotifyPeriodTransition, stored.Kind)
	require.Equal(t, "1", stored.EntityID)
	require.False(t, stored.OccurredAt.IsZero())
}

func TestNotifyKeepsProvidedTimestamp(t *testing.T) {
	notifier, mr := newOutboxNotifier(t)
	at := time.Date(2026, 1, 31, 17, 0, 0, 0, time.UTC)

	err := notifier.Notify(context.Background(), Notification{
		Kind:       NotifyApprovalPending,
		Subject:    "Persetujuan revisi menunggu",
		Entity:     "approval_request",
		EntityID:   "7",
		OccurredAt: at,
	})
	require.NoError(t, err)

	raw, err := mr.Lpop("notifications:outbox")
	require.NoError(t, err)

	var stored Notification
	require.NoError(t, json.Unmarshal([]byte(raw), &stored))
	require.True(t, stored.OccurredAt.Equal(at))
}

func TestFormatAmountUsesThousandSeparators(t *testing.T) {
	notifier, _ := newOutboxNotifier(t)

	amount := decimal.RequireFromString("2500000")
	formatted := notifier.FormatAmount(amount)
	require.Equal(t, "2.500.000", formatted)
}
