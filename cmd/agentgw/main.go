// The agentgw binary serves the agent invocation API (HTTP/SSE), the
// admin surface and the hourly usage reconciliation sweep.
package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/api/option"

	"github.com/guildcore/backend/internal/admin"
	"github.com/guildcore/backend/internal/agentgw"
	"github.com/guildcore/backend/internal/config"
	"github.com/guildcore/backend/internal/events"
	"github.com/guildcore/backend/internal/kv"
	"github.com/guildcore/backend/internal/ledger"
	"github.com/guildcore/backend/internal/tenant"
	"github.com/guildcore/backend/internal/webhooks"
)

// drainTimeout covers the longest allowed stream (the upstream total
// timeout) so in-flight invocations finish before the process exits.
const drainTimeout = 125 * time.Second

func main() {
	log.Println("🚀 Starting agent gateway...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("☠️ config: %v", err)
	}
	if err := cfg.ValidateAgentGateway(); err != nil {
		log.Fatalf("☠️ %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ledger
	pgStore, err := ledger.NewPostgresStore(cfg.Store.PostgresURL)
	if err != nil {
		log.Fatalf("☠️ postgres: %v", err)
	}
	defer pgStore.Close()
	emitLedger := ledgerEmitter(cfg)
	engine := ledger.NewEngine(pgStore, emitLedger)
	payouts := newPayouts(ctx, cfg, pgStore, emitLedger)

	// token broker, current + previous verify key through the overlap
	signingKey, err := agentgw.ParsePrivateKey([]byte(cfg.Agent.SigningKeyPEM))
	if err != nil {
		log.Fatalf("☠️ signing key: %v", err)
	}
	broker := newBroker(cfg, signingKey)

	// invocation pipeline
	invocations := agentgw.NewMemoryInvocationLog(0)
	registry := agentgw.NewRegistry(agentgw.DefaultModels())
	gateway := agentgw.NewGateway(registry, broker,
		agentgw.NewUpstreamClient(cfg.Agent.BaseURL), engine, invocations)

	// reconciliation sweep
	reconciler := agentgw.NewReconciler(
		registry.Providers(),
		agentgw.NewHTTPUsageSource(cfg.Agent.BaseURL),
		invocations, engine, poolName(), cfg.Ledger.DriftToleranceBPS)
	go reconciler.Run(ctx, time.Hour)

	// admin surface
	redis, err := kv.NewRedisClient(cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB)
	if err != nil {
		log.Fatalf("☠️ redis: %v", err)
	}
	defer redis.Close()

	tenants := tenant.NewPostgresStore(pgStore.DB())
	cache := tenant.NewCache(redis, tenants.Loader(), cfg.Tiers)
	if err := cache.Start(ctx); err != nil {
		log.Fatalf("☠️ tenant cache: %v", err)
	}
	defer cache.Stop()

	emitter, err := events.NewPubSubBus(cfg.Bus.ProjectID, "platform-events")
	if err != nil {
		log.Fatalf("☠️ event bus: %v", err)
	}
	defer emitter.Close()

	// outbound webhooks listen on a local bus teed off the emitter
	localBus := events.NewBus()
	hooks := webhooks.NewRegistry()
	hookDispatcher := webhooks.NewDispatcher(hooks, 4)
	go hookDispatcher.Run(ctx, localBus)
	defer hookDispatcher.Shutdown()

	keys := admin.NewKeys(admin.NewPostgresKeyStore(pgStore.DB()))
	adminSvc := admin.NewService(tenants, cache, teeEmitter{emitter, localBus}, broker, reconciler,
		admin.NewPostgresOverrideAudit(pgStore.DB()))

	// routes
	r := mux.NewRouter()
	agentgw.NewServer(gateway, admin.NewKeyAuthorizer(keys, poolName())).RegisterRoutes(r)
	admin.NewServer(adminSvc, keys, hooks, payouts).RegisterRoutes(r)
	if len(cfg.Store.BillingSecrets) > 0 {
		billing := webhooks.NewReceiver(engine,
			webhooks.NewPostgresPaymentEventStore(pgStore.DB()), cfg.Store.BillingSecrets)
		billing.RegisterRoutes(r)
	} else {
		log.Println("⚠️ billing webhook secrets not configured; deposits require manual processing")
	}
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:    listenAddr(),
		Handler: r,
		// no WriteTimeout: SSE streams stay open up to the upstream
		// total timeout
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("✅ Agent gateway listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("☠️ serve: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("🔄 Draining in-flight streams...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ drain incomplete: %v", err)
	}
	log.Println("🔌 Agent gateway stopped")
}

// newBroker keeps the previous public key verifying through the
// rotation overlap when configured.
func newBroker(cfg *config.Config, key *ecdsa.PrivateKey) *agentgw.TokenBroker {
	if cfg.Agent.PrevSigningKeyID != "" && cfg.Agent.PrevVerifyKeyPEM != "" {
		prev, err := agentgw.ParsePublicKey([]byte(cfg.Agent.PrevVerifyKeyPEM))
		if err != nil {
			log.Fatalf("☠️ previous verify key: %v", err)
		}
		return agentgw.NewTokenBroker(cfg.Agent.SigningKeyID, key,
			cfg.Agent.PrevSigningKeyID, prev, time.Now())
	}
	return agentgw.NewTokenBroker(cfg.Agent.SigningKeyID, key, "", nil, time.Time{})
}

// newPayouts builds the payout processor, with the Cloud Tasks queue
// attached when one is configured.
func newPayouts(ctx context.Context, cfg *config.Config, store ledger.Store, emit ledger.Emitter) *ledger.PayoutProcessor {
	var enqueuer ledger.TaskEnqueuer
	if cfg.Store.TasksQueuePath != "" && cfg.Store.TasksTargetURL != "" {
		var opts []option.ClientOption
		if cfg.Bus.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.Bus.CredentialsFile))
		}
		ct, err := ledger.NewCloudTasksEnqueuer(ctx, cfg.Store.TasksQueuePath, cfg.Store.TasksTargetURL, opts...)
		if err != nil {
			log.Fatalf("☠️ cloud tasks: %v", err)
		}
		enqueuer = ct
	} else {
		log.Println("⚠️ payout queue not configured; approved payouts wait for the sweeper")
	}
	return ledger.NewPayoutProcessor(store, enqueuer, emit, cfg.Ledger.PayoutMarginBPS)
}

// teeEmitter fans platform events out to every sink.
type teeEmitter []events.Emitter

func (t teeEmitter) Emit(eventType, source, subject string, data map[string]interface{}) {
	for _, sink := range t {
		sink.Emit(eventType, source, subject, data)
	}
}

// ledgerEmitter publishes ledger domain events when the bus is
// configured; otherwise events are dropped.
func ledgerEmitter(cfg *config.Config) ledger.Emitter {
	if cfg.Bus.ProjectID == "" {
		return nil
	}
	bus, err := events.NewPubSubBus(cfg.Bus.ProjectID, "ledger-events")
	if err != nil {
		log.Fatalf("☠️ ledger event bus: %v", err)
	}
	return func(ctx context.Context, ev ledger.Event) {
		data := make(map[string]interface{}, len(ev.Payload))
		for k, v := range ev.Payload {
			data[k] = v
		}
		bus.Emit(ev.Type, "ledger", ev.TenantID, data)
	}
}

func listenAddr() string {
	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		return addr
	}
	return ":8080"
}

func poolName() string {
	if p := os.Getenv("CREDIT_POOL_ID"); p != "" {
		return p
	}
	return "pool-main"
}
