// Package agentgw is the agent gateway: it authorizes callers, reserves
// budget, mints short-lived upstream tokens and relays streaming LLM
// responses over server-sent events.
package agentgw

import (
	"sort"

	"github.com/guildcore/backend/internal/faults"
)

// AccountingMode classifies who pays for an invocation.
type AccountingMode string

const (
	// ModePlatformBudget means the platform pays: a ledger reservation
	// is required before the upstream call.
	ModePlatformBudget AccountingMode = "platform_budget"
	// ModeBYOKNoBudget means the caller pays the provider directly;
	// usage is still recorded as a zero-sum shadow charge.
	ModeBYOKNoBudget AccountingMode = "byok_no_budget"
)

// Model is one resolved alias entry: the provider route plus the
// micro-per-token billing rates.
type Model struct {
	Alias               string
	Provider            string
	ModelID             string
	InputMicroPerToken  int64
	OutputMicroPerToken int64
	// MaxCostMicro is the reservation upper bound for one invocation.
	MaxCostMicro int64
}

// Registry is the closed model-alias table: the single source of truth
// for alias → provider resolution and rates. Built at startup, read-only
// afterwards.
type Registry struct {
	models map[string]Model
}

// NewRegistry builds the registry from the given entries.
func NewRegistry(models []Model) *Registry {
	r := &Registry{models: make(map[string]Model, len(models))}
	for _, m := range models {
		r.models[m.Alias] = m
	}
	return r
}

// DefaultModels is the built-in alias table used when no override file
// is configured.
func DefaultModels() []Model {
	return []Model{
		{Alias: "fast", Provider: "openai", ModelID: "gpt-4o-mini", InputMicroPerToken: 2, OutputMicroPerToken: 8, MaxCostMicro: 500_000},
		{Alias: "smart", Provider: "openai", ModelID: "gpt-4o", InputMicroPerToken: 30, OutputMicroPerToken: 120, MaxCostMicro: 5_000_000},
		{Alias: "reasoning", Provider: "anthropic", ModelID: "claude-sonnet-4-5", InputMicroPerToken: 36, OutputMicroPerToken: 180, MaxCostMicro: 8_000_000},
		{Alias: "cheap", Provider: "anthropic", ModelID: "claude-haiku-4-5", InputMicroPerToken: 10, OutputMicroPerToken: 50, MaxCostMicro: 1_000_000},
	}
}

// Resolve maps an alias to its model entry. Unknown aliases are a
// not_found fault; aliases are a closed set and never guessed.
func (r *Registry) Resolve(alias string) (Model, error) {
	m, ok := r.models[alias]
	if !ok {
		return Model{}, faults.NotFound("unknown_model_alias", "model alias is not registered")
	}
	return m, nil
}

// Aliases lists the registered aliases, sorted.
func (r *Registry) Aliases() []string {
	out := make([]string, 0, len(r.models))
	for a := range r.models {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Providers lists the distinct providers behind the alias table,
// sorted. The reconciler sweeps per provider.
func (r *Registry) Providers() []string {
	seen := make(map[string]bool)
	for _, m := range r.models {
		seen[m.Provider] = true
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Cost computes the exact invocation cost from reported token counts.
func (m Model) Cost(inputTokens, outputTokens int64) int64 {
	return inputTokens*m.InputMicroPerToken + outputTokens*m.OutputMicroPerToken
}
