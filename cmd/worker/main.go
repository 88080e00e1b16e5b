// The worker binary consumes the event bus and runs the dispatch
// pipeline: idempotency locks, replay protection, per-tenant rate
// limits, then the command and lifecycle handlers.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/guildcore/backend/internal/agentgw"
	"github.com/guildcore/backend/internal/analytics"
	"github.com/guildcore/backend/internal/bus"
	"github.com/guildcore/backend/internal/chain"
	"github.com/guildcore/backend/internal/config"
	"github.com/guildcore/backend/internal/dispatch"
	"github.com/guildcore/backend/internal/events"
	"github.com/guildcore/backend/internal/handlers"
	"github.com/guildcore/backend/internal/kv"
	"github.com/guildcore/backend/internal/ledger"
	"github.com/guildcore/backend/internal/locks"
	"github.com/guildcore/backend/internal/tenant"
)

const keyPrefix = "core"

func main() {
	log.Println("🚀 Starting worker...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("☠️ config: %v", err)
	}
	if err := cfg.ValidateWorker(); err != nil {
		log.Fatalf("☠️ %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// shared infrastructure
	redis, err := kv.NewRedisClient(cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB)
	if err != nil {
		log.Fatalf("☠️ redis: %v", err)
	}
	defer redis.Close()

	pgStore, err := ledger.NewPostgresStore(cfg.Store.PostgresURL)
	if err != nil {
		log.Fatalf("☠️ postgres: %v", err)
	}
	defer pgStore.Close()

	emitter, err := events.NewPubSubBus(cfg.Bus.ProjectID, "platform-events")
	if err != nil {
		log.Fatalf("☠️ event bus: %v", err)
	}
	defer emitter.Close()

	engine := ledger.NewEngine(pgStore, func(ctx context.Context, ev ledger.Event) {
		data := make(map[string]interface{}, len(ev.Payload))
		for k, v := range ev.Payload {
			data[k] = v
		}
		emitter.Emit(ev.Type, "ledger", ev.TenantID, data)
	})

	// tenant context
	tenants := tenant.NewPostgresStore(pgStore.DB())
	cache := tenant.NewCache(redis, tenants.Loader(), cfg.Tiers)
	if err := cache.Start(ctx); err != nil {
		log.Fatalf("☠️ tenant cache: %v", err)
	}
	defer cache.Stop()
	limiter := tenant.NewLimiter(tenant.NewRedisWindowStore(redis))

	// dispatch pipeline
	lockMgr := locks.New(locks.NewRedisStore(redis), keyPrefix)
	outcomes := dispatch.NewOutcomes(redis, keyPrefix)

	pub, err := bus.NewPubSubPublisher(ctx, cfg.Bus.ProjectID, cfg.Bus.TopicID, cfg.Bus.DLQTopicID)
	if err != nil {
		log.Fatalf("☠️ bus publisher: %v", err)
	}
	defer pub.Close()

	consumer, err := bus.NewPubSubConsumer(ctx, cfg.Bus.ProjectID, cfg.Bus.SubscriptionID, cfg.Bus.DLQTopicID, cfg.Bus.MaxInFlight)
	if err != nil {
		log.Fatalf("☠️ bus consumer: %v", err)
	}
	defer consumer.Close()

	// handlers
	registry := dispatch.NewRegistry()
	handlers.Register(registry,
		buildInteractions(cfg, engine),
		buildMembers(ctx, cfg),
		handlers.NewGuilds(tenants, cache),
	)

	dispatcher := dispatch.New(registry, cache, limiter, lockMgr, outcomes, pub, int64(cfg.Bus.MaxInFlight))

	// reservation expiry sweep
	go expireLoop(ctx, engine)

	ops := &http.Server{Addr: opsAddr(), Handler: opsMux()}
	go func() {
		if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("❌ ops server: %v", err)
		}
	}()

	if err := dispatcher.Run(ctx, consumer); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("❌ dispatcher: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = ops.Shutdown(shutdownCtx)
	log.Println("🔌 Worker stopped")
}

// buildInteractions wires the slash-command handler. Agent and chain
// integrations are optional per deployment; the handler answers
// gracefully when they are absent.
func buildInteractions(cfg *config.Config, engine *ledger.Engine) *handlers.Interactions {
	var agents *agentgw.Gateway
	if cfg.Agent.BaseURL != "" && cfg.Agent.SigningKeyPEM != "" {
		key, err := agentgw.ParsePrivateKey([]byte(cfg.Agent.SigningKeyPEM))
		if err != nil {
			log.Fatalf("☠️ signing key: %v", err)
		}
		broker := agentgw.NewTokenBroker(cfg.Agent.SigningKeyID, key, "", nil, time.Time{})
		agents = agentgw.NewGateway(
			agentgw.NewRegistry(agentgw.DefaultModels()),
			broker,
			agentgw.NewUpstreamClient(cfg.Agent.BaseURL),
			engine,
			agentgw.NewMemoryInvocationLog(0),
		)
	} else {
		log.Println("⚠️ agent gateway not configured; /ask disabled")
	}

	var reader *chain.Reader
	if cfg.Agent.ChainRPCURL != "" {
		r, err := chain.Dial(cfg.Agent.ChainRPCURL)
		if err != nil {
			log.Fatalf("☠️ chain rpc: %v", err)
		}
		reader = r
	} else {
		log.Println("⚠️ chain rpc not configured; /verify disabled")
	}

	responder := handlers.NewDiscordResponder(discordAPIBase())
	return handlers.NewInteractions(engine, agents, reader, responder, poolName())
}

// buildMembers wires the member lifecycle handler to the analytics
// warehouse when configured, or to local memory otherwise.
func buildMembers(ctx context.Context, cfg *config.Config) *handlers.Members {
	scores := handlers.NewMemoryScoreStore()
	if cfg.Store.SpannerDatabase == "" {
		log.Println("⚠️ analytics warehouse not configured; scores stay local")
		return handlers.NewMembers(scores, analytics.NewWriter(noopApplier{}))
	}
	writer, err := analytics.Connect(ctx, cfg.Store.SpannerDatabase)
	if err != nil {
		log.Fatalf("☠️ analytics: %v", err)
	}
	return handlers.NewMembers(scores, writer)
}

// expireLoop releases expired ledger reservations once a minute.
func expireLoop(ctx context.Context, engine *ledger.Engine) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := engine.ExpireSweep(ctx); err != nil {
				log.Printf("❌ expire sweep: %v", err)
			} else if n > 0 {
				log.Printf("🔄 Released %d expired reservations", n)
			}
		}
	}
}

func opsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func opsAddr() string {
	if addr := os.Getenv("OPS_ADDR"); addr != "" {
		return addr
	}
	return ":9092"
}

func poolName() string {
	if p := os.Getenv("CREDIT_POOL_ID"); p != "" {
		return p
	}
	return "pool-main"
}

func discordAPIBase() string {
	if b := os.Getenv("DISCORD_API_BASE"); b != "" {
		return b
	}
	return "https://discord.com/api/v10"
}

// noopApplier satisfies the analytics applier when no warehouse is
// configured.
type noopApplier struct{}

func (noopApplier) Apply(_ context.Context, _ []*spanner.Mutation, _ ...spanner.ApplyOption) (time.Time, error) {
	return time.Time{}, nil
}
