package snapshots

import "time"

// Sample is a single observation of a token account balance.
type Sample struct {
	Time    time.Time
	Account string
	Balance uint64
}

// AccountBalance pairs a holder account with a token balance in base units.
type AccountBalance struct {
	Account string
	Balance uint64
}
