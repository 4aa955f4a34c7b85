package planner

import (
	"time"
)

// Trigger reasons recorded on executed distributions.
const (
	TriggerPool      = "pool"
	TriggerThreshold = "threshold"
	TriggerTime      = "time"
	TriggerManual    = "manual"
)

// PoolStatus describes the reward pool at trigger evaluation time.
type PoolStatus struct {
	Balance      uint64
	ValueUSD     float64
	LastExecuted time.Time // zero when no distribution has run yet
	Now          time.Time
}

// Trigger decides whether a settlement run should proceed. It returns the
// trigger reason to record on the distribution when it fires.
type Trigger interface {
	Evaluate(status PoolStatus) (bool, string)
}

// PoolPositive fires whenever the pool holds anything at all.
type PoolPositive struct{}

func (PoolPositive) Evaluate(status PoolStatus) (bool, string) {
	if status.Balance > 0 {
		return true, TriggerPool
	}
	return false, ""
}

// ThresholdOrAge fires when the pool's dollar value reaches the threshold,
// or when the previous distribution is older than the maximum interval. A
// pool that has never distributed fires immediately.
type ThresholdOrAge struct {
	ThresholdUSD float64
	MaxInterval  time.Duration
}

func (t ThresholdOrAge) Evaluate(status PoolStatus) (bool, string) {
	if status.ValueUSD >= t.ThresholdUSD {
		return true, TriggerThreshold
	}
	if status.LastExecuted.IsZero() || status.Now.Sub(status.LastExecuted) >= t.MaxInterval {
		return true, TriggerTime
	}
	return false, ""
}
