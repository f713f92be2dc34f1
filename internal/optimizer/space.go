package optimizer

import (
	"math/rand"
	"sort"

	"bandbot-go/internal/config"
)

// Candidate is one point of the search space.
type Candidate struct {
	ID     int                   `json:"id"`
	Config config.StrategyConfig `json:"config"`
}

// Space enumerates the parameter grid around base. Invalid combinations are
// skipped; when the grid exceeds maxCandidates a seeded shuffle picks the subset,
// which keeps the original grid order.
func Space(base config.StrategyConfig, grid config.Optimizer, seed int64) []Candidate {
	p := base.Strategy.Params
	r := base.Risk
	fasts := orInts(grid.FastPeriods, p.FastPeriod)
	slows := orInts(grid.SlowPeriods, p.SlowPeriod)
	trends := orFloats(grid.TrendThresholds, p.TrendThreshold)
	moms := orFloats(grid.MomentumThresholds, p.MomentumThreshold)
	stops := orFloats(grid.StopLossPcts, r.StopLossPct)
	takes := orFloats(grid.TakeProfitPcts, r.TakeProfitPct)
	risks := orFloats(grid.RiskPerTrades, r.RiskPerTrade)

	var out []Candidate
	for _, fast := range fasts {
		for _, slow := range slows {
			for _, trend := range trends {
				for _, mom := range moms {
					for _, stop := range stops {
						for _, take := range takes {
							for _, rpt := range risks {
								sc := base
								sc.Strategy.Params.FastPeriod = fast
								sc.Strategy.Params.SlowPeriod = slow
								sc.Strategy.Params.TrendThreshold = trend
								sc.Strategy.Params.MomentumThreshold = mom
								sc.Risk.StopLossPct = stop
								sc.Risk.TakeProfitPct = take
								sc.Risk.RiskPerTrade = rpt
								if sc.Validate() != nil {
									continue
								}
								out = append(out, Candidate{ID: len(out), Config: sc})
							}
						}
					}
				}
			}
		}
	}
	if grid.MaxCandidates > 0 && len(out) > grid.MaxCandidates {
		rng := rand.New(rand.NewSource(seed))
		rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
		out = out[:grid.MaxCandidates]
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	}
	return out
}

func orInts(vs []int, fallback int) []int {
	if len(vs) == 0 {
		return []int{fallback}
	}
	return vs
}

func orFloats(vs []float64, fallback float64) []float64 {
	if len(vs) == 0 {
		return []float64{fallback}
	}
	return vs
}
