package agentgw

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/guildcore/backend/internal/circuitbreaker"
	"github.com/guildcore/backend/internal/faults"
	"github.com/guildcore/backend/internal/ledger"
)

// Ledger is the credit surface the gateway needs. *ledger.Engine
// implements it; tests use a fake.
type Ledger interface {
	Reserve(ctx context.Context, tenantID, poolID string, amountMicro int64, ttl time.Duration) (*ledger.Reservation, error)
	Finalize(ctx context.Context, tenantID, reservationID, finalizationID string, costMicro int64) (*ledger.FinalizeResult, error)
	Release(ctx context.Context, tenantID, reservationID string) error
	ShadowCharge(ctx context.Context, tenantID, poolID, referenceID string, costMicro int64) error
}

// Sink receives the relayed stream. Relay implements it over HTTP SSE;
// tests collect events in memory.
type Sink interface {
	Send(eventType string, data []byte) error
}

// InvokeParams is one resolved, authorized invocation request.
type InvokeParams struct {
	TenantID string
	UserID   string
	PoolID   string
	Alias    string
	Mode     AccountingMode
	Messages json.RawMessage
}

// InvocationResult is the accounting outcome of one completed stream.
type InvocationResult struct {
	InvocationID  string
	Model         Model
	Mode          AccountingMode
	Usage         Usage
	CostMicro     int64
	ReservedMicro int64
	EventsRelayed uint64
}

// ModelResult converts the outcome for ensemble aggregation.
func (r *InvocationResult) ModelResult(succeeded bool) ModelResult {
	return ModelResult{
		Alias:         r.Model.Alias,
		Provider:      r.Model.Provider,
		Mode:          r.Mode,
		Succeeded:     succeeded,
		CostMicro:     r.CostMicro,
		ReservedMicro: r.ReservedMicro,
	}
}

// Gateway runs the agent invocation pipeline: resolve, reserve, mint,
// stream, relay, finalize.
type Gateway struct {
	registry    *Registry
	broker      *TokenBroker
	upstream    *UpstreamClient
	ledger      Ledger
	breakers    *circuitbreaker.Manager
	invocations InvocationLog
	metrics     *Metrics
	logger      *log.Logger
	now         func() time.Time
}

// NewGateway wires the pipeline.
func NewGateway(registry *Registry, broker *TokenBroker, upstream *UpstreamClient, lgr Ledger, invocations InvocationLog) *Gateway {
	return &Gateway{
		registry:    registry,
		broker:      broker,
		upstream:    upstream,
		ledger:      lgr,
		breakers:    circuitbreaker.NewManager(nil),
		invocations: invocations,
		metrics:     NewMetrics(),
		logger:      log.New(log.Writer(), "[AGENTGW] ", log.LstdFlags),
		now:         time.Now,
	}
}

// Invoke runs one invocation end to end, relaying stream events into
// sink. Caller cancellation (ctx) propagates upstream immediately and
// releases any open reservation.
func (g *Gateway) Invoke(ctx context.Context, params InvokeParams, sink Sink) (*InvocationResult, error) {
	model, err := g.registry.Resolve(params.Alias)
	if err != nil {
		return nil, err
	}

	breaker := g.breakers.GetOrCreate("provider-"+model.Provider, circuitbreaker.ProviderConfig(model.Provider))
	if err := breaker.Allow(); err != nil {
		g.metrics.BreakerRejections.WithLabelValues(model.Provider).Inc()
		f := faults.Wrap(faults.KindTransient, "provider_unavailable",
			"provider circuit open", err)
		f.RetryAfter = 30 * time.Second
		return nil, f
	}

	invocationID := uuid.NewString()
	result := &InvocationResult{
		InvocationID: invocationID,
		Model:        model,
		Mode:         params.Mode,
	}

	// platform budget requires the upper-bound reservation up front;
	// rejection surfaces the shortfall with no upstream call made
	var reservationID string
	if params.Mode == ModePlatformBudget {
		res, err := g.ledger.Reserve(ctx, params.TenantID, params.PoolID, model.MaxCostMicro, ledger.DefaultReservationTTL)
		if err != nil {
			return nil, err
		}
		reservationID = res.ID
		result.ReservedMicro = model.MaxCostMicro
	}

	token, err := g.broker.Mint(params.UserID, Claims{
		TenantID:           params.TenantID,
		PoolID:             params.PoolID,
		ModelAlias:         model.Alias,
		AccountingMode:     params.Mode,
		PoolMappingVersion: 1,
	})
	if err != nil {
		g.releaseQuietly(params.TenantID, reservationID)
		return nil, faults.Wrap(faults.KindFatal, "token_mint", "cannot sign upstream token", err)
	}

	start := g.now()
	events, cancelStream, err := g.upstream.Stream(ctx, token, InvokeRequest{
		Model:    model.ModelID,
		Messages: params.Messages,
	})
	if err != nil {
		breaker.RecordResult(false)
		g.releaseQuietly(params.TenantID, reservationID)
		g.metrics.Invocations.WithLabelValues(model.Provider, string(params.Mode), "upstream_error").Inc()
		return nil, err
	}
	defer cancelStream()

	var usage *Usage
	var streamErr error
relay:
	for ev := range events {
		switch ev.Type {
		case EventUsageReport:
			var u Usage
			if err := json.Unmarshal(ev.Data, &u); err == nil {
				usage = &u
			}
		case EventError:
			streamErr = faults.New(faults.KindTransient, "upstream_stream_error", string(ev.Data))
			break relay
		default:
			if err := sink.Send(ev.Type, ev.Data); err != nil {
				// caller disconnected: stop upstream, release budget
				cancelStream()
				streamErr = faults.Wrap(faults.KindTransient, "caller_disconnected",
					"caller closed the stream", err)
				break relay
			}
			result.EventsRelayed++
		}
	}
	if streamErr == nil && ctx.Err() != nil {
		streamErr = faults.Wrap(faults.KindTransient, "caller_disconnected",
			"caller context cancelled", ctx.Err())
	}

	if streamErr != nil {
		breaker.RecordResult(false)
		g.releaseQuietly(params.TenantID, reservationID)
		g.metrics.Invocations.WithLabelValues(model.Provider, string(params.Mode), "failed").Inc()
		g.recordInvocation(params, result, start, false)
		return result, streamErr
	}

	if usage == nil {
		// stream ended without an exact usage report: never guess a
		// charge; release the hold and flag the provider
		breaker.RecordResult(false)
		g.releaseQuietly(params.TenantID, reservationID)
		g.metrics.Invocations.WithLabelValues(model.Provider, string(params.Mode), "no_usage").Inc()
		g.recordInvocation(params, result, start, false)
		return result, faults.New(faults.KindTransient, "usage_missing",
			"provider stream ended without a usage report")
	}
	result.Usage = *usage
	result.CostMicro = model.Cost(usage.InputTokens, usage.OutputTokens)

	switch params.Mode {
	case ModePlatformBudget:
		if _, err := g.ledger.Finalize(ctx, params.TenantID, reservationID, invocationID, result.CostMicro); err != nil {
			breaker.RecordResult(true) // provider was fine; the fault is ours
			g.metrics.Invocations.WithLabelValues(model.Provider, string(params.Mode), "finalize_error").Inc()
			g.recordInvocation(params, result, start, false)
			return result, err
		}
	case ModeBYOKNoBudget:
		if err := g.ledger.ShadowCharge(ctx, params.TenantID, params.PoolID, invocationID, result.CostMicro); err != nil {
			g.logger.Printf("⚠️ shadow charge failed for %s: %v", invocationID, err)
		}
	}

	breaker.RecordResult(true)
	g.metrics.Invocations.WithLabelValues(model.Provider, string(params.Mode), "success").Inc()
	g.metrics.StreamDuration.WithLabelValues(model.Provider).Observe(g.now().Sub(start).Seconds())
	g.metrics.CostMicro.WithLabelValues(model.Provider, string(params.Mode)).Add(float64(result.CostMicro))
	g.recordInvocation(params, result, start, true)
	g.logger.Printf("💰 Invocation %s cost=%d micro (in=%d out=%d) provider=%s",
		invocationID, result.CostMicro, usage.InputTokens, usage.OutputTokens, model.Provider)
	return result, nil
}

// InvokeEnsemble fans one request out to several aliases and aggregates
// the accounting. Fallback runs the aliases in order until one
// succeeds; best_of_n and consensus run all members concurrently.
func (g *Gateway) InvokeEnsemble(ctx context.Context, strategy Strategy, aliases []string, base InvokeParams, sinkFor func(alias string) Sink) (EnsembleReport, error) {
	var results []ModelResult
	if strategy == StrategyFallback {
		results = g.invokeSequential(ctx, aliases, base, sinkFor)
	} else {
		results = g.invokeParallel(ctx, aliases, base, sinkFor)
	}
	report := Aggregate(strategy, results)
	if report.Succeeded == 0 {
		return report, faults.New(faults.KindTransient, "ensemble_exhausted",
			"no ensemble member produced a result")
	}
	return report, nil
}

func (g *Gateway) invokeSequential(ctx context.Context, aliases []string, base InvokeParams, sinkFor func(alias string) Sink) []ModelResult {
	results := make([]ModelResult, 0, len(aliases))
	for _, alias := range aliases {
		params := base
		params.Alias = alias
		res, err := g.Invoke(ctx, params, sinkFor(alias))
		if res == nil {
			res = &InvocationResult{Model: Model{Alias: alias}, Mode: params.Mode}
		}
		results = append(results, res.ModelResult(err == nil))
		if err == nil {
			break
		}
	}
	return results
}

// invokeParallel runs every member at once. Results land in alias
// order, and one member's failure never cancels the others: the
// accounting needs every result that did complete.
func (g *Gateway) invokeParallel(ctx context.Context, aliases []string, base InvokeParams, sinkFor func(alias string) Sink) []ModelResult {
	results := make([]ModelResult, len(aliases))
	eg := &errgroup.Group{}
	for i, alias := range aliases {
		eg.Go(func() error {
			params := base
			params.Alias = alias
			res, err := g.Invoke(ctx, params, sinkFor(alias))
			if res == nil {
				res = &InvocationResult{Model: Model{Alias: alias}, Mode: params.Mode}
			}
			results[i] = res.ModelResult(err == nil)
			return nil
		})
	}
	eg.Wait()
	return results
}

// releaseQuietly returns a reservation on the failure paths. Release
// failures are logged, not surfaced: the expiry sweep is the backstop.
func (g *Gateway) releaseQuietly(tenantID, reservationID string) {
	if reservationID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.ledger.Release(ctx, tenantID, reservationID); err != nil {
		g.logger.Printf("⚠️ release %s failed (sweep will expire it): %v", reservationID, err)
	}
}

func (g *Gateway) recordInvocation(params InvokeParams, result *InvocationResult, start time.Time, succeeded bool) {
	rec := Invocation{
		ID:           result.InvocationID,
		TenantID:     params.TenantID,
		PoolID:       params.PoolID,
		Alias:        result.Model.Alias,
		Provider:     result.Model.Provider,
		Mode:         result.Mode,
		InputTokens:  result.Usage.InputTokens,
		OutputTokens: result.Usage.OutputTokens,
		CostMicro:    result.CostMicro,
		StartedAt:    start,
		FinishedAt:   g.now(),
		Succeeded:    succeeded,
	}
	if err := g.invocations.Insert(rec); err != nil {
		g.logger.Printf("⚠️ invocation record insert failed for %s: %v", rec.ID, err)
	}
}
