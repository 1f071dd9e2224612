// Package tier resolves subscription tiers into indexing limits.
package tier

import "fmt"

// Tier controls backfill depth and whether continuous polling runs.
// HistoricalDays = -1 means "since deployment".
type Tier struct {
	Name           string
	HistoricalDays int
	ContinuousSync bool
	MaxContracts   int
}

// Resolver maps tier names to their limits.
type Resolver struct {
	tiers map[string]Tier
}

// NewResolver creates a resolver seeded with the built-in tiers, then
// overlaid with any configured overrides.
func NewResolver(overrides map[string]Tier) *Resolver {
	tiers := map[string]Tier{
		"free":       {Name: "free", HistoricalDays: 7, ContinuousSync: false, MaxContracts: 1},
		"pro":        {Name: "pro", HistoricalDays: 90, ContinuousSync: true, MaxContracts: 5},
		"enterprise": {Name: "enterprise", HistoricalDays: -1, ContinuousSync: true, MaxContracts: 50},
	}
	for name, t := range overrides {
		t.Name = name
		tiers[name] = t
	}
	return &Resolver{tiers: tiers}
}

// Resolve returns the tier for a name.
func (r *Resolver) Resolve(name string) (Tier, error) {
	t, ok := r.tiers[name]
	if !ok {
		return Tier{}, fmt.Errorf("unknown tier: %s", name)
	}
	return t, nil
}
