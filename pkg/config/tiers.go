package config

import (
	"fmt"
	"time"
)

// Tier is one row of the holder tier table. Multiplier scales the
// time-weighted balance of accounts whose continuous holding streak is at
// least MinHold.
type Tier struct {
	ID         int
	Name       string
	Multiplier float64
	MinHold    time.Duration
}

// TierTable is the ordered tier ladder, lowest tier first.
type TierTable []Tier

// DefaultTierTable returns the production tier ladder.
func DefaultTierTable() TierTable {
	return TierTable{
		{ID: 1, Name: "Ore", Multiplier: 1.0, MinHold: 0},
		{ID: 2, Name: "Raw Copper", Multiplier: 1.25, MinHold: 6 * time.Hour},
		{ID: 3, Name: "Refined", Multiplier: 1.5, MinHold: 12 * time.Hour},
		{ID: 4, Name: "Industrial", Multiplier: 2.5, MinHold: 72 * time.Hour},
		{ID: 5, Name: "Master Miner", Multiplier: 3.5, MinHold: 168 * time.Hour},
		{ID: 6, Name: "Diamond Hands", Multiplier: 5.0, MinHold: 720 * time.Hour},
	}
}

// Validate checks the table is a usable ladder: IDs ascend from 1, the
// first tier starts at zero hold, and multipliers and hold requirements
// never decrease.
func (tt TierTable) Validate() error {
	if len(tt) == 0 {
		return fmt.Errorf("tier table is empty")
	}
	if tt[0].MinHold != 0 {
		return fmt.Errorf("first tier %q must have zero minimum hold", tt[0].Name)
	}
	for i, tier := range tt {
		if tier.ID != i+1 {
			return fmt.Errorf("tier %q has id %d, want %d", tier.Name, tier.ID, i+1)
		}
		if tier.Name == "" {
			return fmt.Errorf("tier %d has no name", tier.ID)
		}
		if tier.Multiplier <= 0 {
			return fmt.Errorf("tier %q has non-positive multiplier %v", tier.Name, tier.Multiplier)
		}
		if i > 0 {
			if tier.Multiplier < tt[i-1].Multiplier {
				return fmt.Errorf("tier %q multiplier %v is below tier %q multiplier %v",
					tier.Name, tier.Multiplier, tt[i-1].Name, tt[i-1].Multiplier)
			}
			if tier.MinHold <= tt[i-1].MinHold {
				return fmt.Errorf("tier %q minimum hold %v does not exceed tier %q minimum hold %v",
					tier.Name, tier.MinHold, tt[i-1].Name, tt[i-1].MinHold)
			}
		}
	}
	return nil
}

// ByID returns the tier with the given id, or the first tier when the id
// is out of range. Accounts without a tier record resolve to id 0 and land
// on the first tier.
func (tt TierTable) ByID(id int) Tier {
	if id < 1 || id > len(tt) {
		return tt[0]
	}
	return tt[id-1]
}

// TierFor returns the highest tier whose minimum hold is satisfied by the
// given streak duration. A zero or negative streak lands on the first tier.
func (tt TierTable) TierFor(held time.Duration) Tier {
	tier := tt[0]
	for _, t := range tt[1:] {
		if held >= t.MinHold {
			tier = t
		}
	}
	return tier
}
