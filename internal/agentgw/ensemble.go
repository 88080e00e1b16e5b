package agentgw

// Ensemble strategies: several models asked for one logical request.
type Strategy string

const (
	StrategyBestOfN   Strategy = "best_of_n"
	StrategyConsensus Strategy = "consensus"
	StrategyFallback  Strategy = "fallback"
)

// ModelResult is the accounting outcome of one model inside an
// ensemble.
type ModelResult struct {
	Alias         string         `json:"alias"`
	Provider      string         `json:"provider"`
	Mode          AccountingMode `json:"accounting_mode"`
	Succeeded     bool           `json:"succeeded"`
	CostMicro     int64          `json:"cost_micro"`
	ReservedMicro int64          `json:"reserved_micro"`
}

// EnsembleReport aggregates the per-model breakdowns of one ensemble
// invocation.
type EnsembleReport struct {
	Strategy  Strategy      `json:"strategy"`
	Requested int           `json:"requested"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Models    []ModelResult `json:"models"`

	TotalMicro    int64 `json:"total_micro"`
	PlatformMicro int64 `json:"platform_micro"`
	BYOKMicro     int64 `json:"byok_micro"`
	ReservedMicro int64 `json:"reserved_micro"`
	// SavingsMicro is reserved minus actually-spent platform budget:
	// the overage returned to the tenant on finalize.
	SavingsMicro int64 `json:"savings_micro"`
}

// Aggregate builds the report for a finished ensemble.
func Aggregate(strategy Strategy, results []ModelResult) EnsembleReport {
	rep := EnsembleReport{
		Strategy:  strategy,
		Requested: len(results),
		Models:    results,
	}
	for _, r := range results {
		if r.Succeeded {
			rep.Succeeded++
		} else {
			rep.Failed++
		}
		rep.TotalMicro += r.CostMicro
		rep.ReservedMicro += r.ReservedMicro
		switch r.Mode {
		case ModePlatformBudget:
			rep.PlatformMicro += r.CostMicro
		case ModeBYOKNoBudget:
			rep.BYOKMicro += r.CostMicro
		}
	}
	rep.SavingsMicro = rep.ReservedMicro - rep.PlatformMicro
	if rep.SavingsMicro < 0 {
		rep.SavingsMicro = 0
	}
	return rep
}
