// Package notify posts operator notifications for settlement events.
//
// Notifications are best effort. Implementations retry transient failures
// internally; callers log a returned error and move on. A failed post must
// never fail the run that produced it.
package notify

import "context"

// Recipient is one paid share in a distribution notice.
type Recipient struct {
	Account string
	Amount  uint64
}

// Distribution describes an executed distribution.
type Distribution struct {
	ID             int64
	TriggerReason  string
	PoolAmount     uint64
	RecipientCount int
	PaidCount      int
	FailedCount    int
	TopRecipients  []Recipient
}

// PoolUpdate describes the reward pool after a buyback pass.
type PoolUpdate struct {
	Balance  uint64
	ValueUSD float64
}

// Notifier receives settlement lifecycle events.
type Notifier interface {
	DistributionExecuted(ctx context.Context, n Distribution) error
	PoolUpdated(ctx context.Context, n PoolUpdate) error
}

// Noop discards every event.
type Noop struct{}

var _ Notifier = Noop{}

func (Noop) DistributionExecuted(context.Context, Distribution) error { return nil }
func (Noop) PoolUpdated(context.Context, PoolUpdate) error            { return nil }
