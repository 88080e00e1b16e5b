// The gateway binary owns one pool of Discord shard sessions: it
// connects, identifies, heartbeats, normalizes dispatches and publishes
// envelopes to the event bus.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/guildcore/backend/internal/bus"
	"github.com/guildcore/backend/internal/config"
	"github.com/guildcore/backend/internal/gateway"
)

func main() {
	log.Println("🚀 Starting gateway pool...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("☠️ config: %v", err)
	}
	if err := cfg.ValidateGateway(); err != nil {
		log.Fatalf("☠️ %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pub, err := bus.NewPubSubPublisher(ctx, cfg.Bus.ProjectID, cfg.Bus.TopicID, cfg.Bus.DLQTopicID)
	if err != nil {
		log.Fatalf("☠️ bus: %v", err)
	}
	defer pub.Close()

	pool := gateway.NewPool(
		uint32(cfg.Discord.PoolID),
		uint32(cfg.Discord.TotalShards),
		cfg.Discord.Token,
		gateway.DefaultIntents,
		pub,
	)

	ops := opsServer(pool)
	go func() {
		if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("❌ ops server: %v", err)
		}
	}()

	if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("❌ pool: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = ops.Shutdown(shutdownCtx)
	log.Println("🔌 Gateway pool stopped")
}

// opsServer serves /metrics and /healthz. Health means at least one
// shard of the pool is ready.
func opsServer(pool *gateway.Pool) *http.Server {
	addr := os.Getenv("OPS_ADDR")
	if addr == "" {
		addr = ":9091"
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		state := pool.State()
		status := http.StatusOK
		if state.ReadyShards() == 0 {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"pool_id":      state.PoolID(),
			"ready_shards": state.ReadyShards(),
			"total_guilds": state.TotalGuilds(),
		})
	})
	return &http.Server{Addr: addr, Handler: mux}
}
