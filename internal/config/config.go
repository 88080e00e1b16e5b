// Package config loads process configuration from the environment plus an
// optional YAML tier-defaults file. Production refuses to start when a
// required secret is empty or still a placeholder.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config is the full process configuration shared by all three binaries.
// Each binary validates only the sections it uses.
type Config struct {
	Env string // "development", "staging", "production"

	Discord DiscordConfig
	Bus     BusConfig
	Store   StoreConfig
	Cache   CacheConfig
	Agent   AgentConfig
	Ledger  LedgerConfig
	Tiers   TierDefaults
}

type DiscordConfig struct {
	Token       string
	GatewayURL  string
	TotalShards int
	PoolID      int
}

type BusConfig struct {
	ProjectID       string
	TopicID         string
	DLQTopicID      string
	SubscriptionID  string
	MaxInFlight     int
	AckWait         time.Duration
	CredentialsFile string
}

type StoreConfig struct {
	PostgresURL     string
	SpannerDatabase string // projects/<p>/instances/<i>/databases/<d>
	TasksQueuePath  string // projects/<p>/locations/<l>/queues/<q>
	TasksTargetURL  string
	// BillingSecrets maps billing provider name to its webhook HMAC
	// secret, parsed from "provider:secret,provider:secret".
	BillingSecrets map[string]string
}

type CacheConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

type AgentConfig struct {
	BaseURL          string
	ContractVersion  string
	SigningKeyID     string
	SigningKeyPEM    string // ES256 private key, PEM
	PrevSigningKeyID string
	PrevVerifyKeyPEM string // previous public key kept through the 48h overlap
	ChainRPCURL      string
}

type LedgerConfig struct {
	// DriftToleranceBPS is the accepted committed drift between the fast
	// path (cache) and the store, in basis points of the pool limit.
	// Default 10 (= 0.1%).
	DriftToleranceBPS int64
	ReservationTTL    time.Duration
	// PayoutMarginBPS is the treasury share that must stay uncommitted
	// when payouts are requested. Default 2000 (= 20%).
	PayoutMarginBPS int64
}

// TierDefaults maps tier name to its default per-action rate limits.
type TierDefaults struct {
	Tiers map[string]TierLimits `yaml:"tiers"`
}

// TierLimits is the per-action requests-per-window table for a tier.
// A limit of -1 means unlimited (the enterprise sentinel).
type TierLimits struct {
	PerMinute map[string]int `yaml:"per_minute"`
	PerHour   map[string]int `yaml:"per_hour"`
	PerDay    map[string]int `yaml:"per_day"`
}

// placeholders we refuse to boot with in production
var placeholderValues = map[string]bool{
	"":            true,
	"changeme":    true,
	"change-me":   true,
	"placeholder": true,
	"xxx":         true,
}

// Load reads .env (if present) and the environment into a Config.
func Load() (*Config, error) {
	_ = godotenv.Load() // .env is optional outside development

	cfg := &Config{
		Env: getenv("APP_ENV", "development"),
		Discord: DiscordConfig{
			Token:       os.Getenv("DISCORD_TOKEN"),
			GatewayURL:  getenv("DISCORD_GATEWAY_URL", "wss://gateway.discord.gg/?v=10&encoding=json"),
			TotalShards: getint("DISCORD_TOTAL_SHARDS", 1),
			PoolID:      getint("GATEWAY_POOL_ID", 0),
		},
		Bus: BusConfig{
			ProjectID:       os.Getenv("BUS_PROJECT_ID"),
			TopicID:         getenv("BUS_TOPIC_ID", "guild-events"),
			DLQTopicID:      getenv("BUS_DLQ_TOPIC_ID", "guild-events-dlq"),
			SubscriptionID:  getenv("BUS_SUBSCRIPTION_ID", "guild-events-workers"),
			MaxInFlight:     getint("BUS_MAX_IN_FLIGHT", 64),
			AckWait:         getdur("BUS_ACK_WAIT", 30*time.Second),
			CredentialsFile: os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
		},
		Store: StoreConfig{
			PostgresURL:     os.Getenv("LEDGER_POSTGRES_URL"),
			SpannerDatabase: os.Getenv("ANALYTICS_SPANNER_DB"),
			TasksQueuePath:  os.Getenv("PAYOUT_TASKS_QUEUE"),
			TasksTargetURL:  os.Getenv("PAYOUT_TASKS_TARGET_URL"),
			BillingSecrets:  parseSecretMap(os.Getenv("BILLING_WEBHOOK_SECRETS")),
		},
		Cache: CacheConfig{
			RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: os.Getenv("REDIS_PASSWORD"),
			RedisDB:       getint("REDIS_DB", 0),
		},
		Agent: AgentConfig{
			BaseURL:          os.Getenv("AGENT_BASE_URL"),
			ContractVersion:  getenv("AGENT_CONTRACT_VERSION", "2"),
			SigningKeyID:     os.Getenv("AGENT_SIGNING_KEY_ID"),
			SigningKeyPEM:    os.Getenv("AGENT_SIGNING_KEY_PEM"),
			PrevSigningKeyID: os.Getenv("AGENT_PREV_SIGNING_KEY_ID"),
			PrevVerifyKeyPEM: os.Getenv("AGENT_PREV_VERIFY_KEY_PEM"),
			ChainRPCURL:      os.Getenv("CHAIN_RPC_URL"),
		},
		Ledger: LedgerConfig{
			DriftToleranceBPS: int64(getint("LEDGER_DRIFT_TOLERANCE_BPS", 10)),
			ReservationTTL:    getdur("LEDGER_RESERVATION_TTL", 5*time.Minute),
			PayoutMarginBPS:   int64(getint("PAYOUT_MARGIN_BPS", 2000)),
		},
	}

	if path := os.Getenv("TIER_DEFAULTS_FILE"); path != "" {
		td, err := LoadTierDefaults(path)
		if err != nil {
			return nil, fmt.Errorf("tier defaults: %w", err)
		}
		cfg.Tiers = *td
	} else {
		cfg.Tiers = builtinTierDefaults()
	}

	return cfg, nil
}

// LoadTierDefaults parses a tier-limits YAML file.
func LoadTierDefaults(path string) (*TierDefaults, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var td TierDefaults
	if err := yaml.NewDecoder(f).Decode(&td); err != nil {
		return nil, err
	}
	return &td, nil
}

// builtinTierDefaults mirrors the shipped tier-defaults.yaml so binaries
// work without the file mounted.
func builtinTierDefaults() TierDefaults {
	return TierDefaults{Tiers: map[string]TierLimits{
		"free": {
			PerMinute: map[string]int{"commands": 10, "agent_invoke": 2},
			PerHour:   map[string]int{"commands": 200, "agent_invoke": 20},
			PerDay:    map[string]int{"commands": 1000, "agent_invoke": 50},
		},
		"pro": {
			PerMinute: map[string]int{"commands": 60, "agent_invoke": 15},
			PerHour:   map[string]int{"commands": 2000, "agent_invoke": 300},
			PerDay:    map[string]int{"commands": 20000, "agent_invoke": 2000},
		},
		"enterprise": {
			PerMinute: map[string]int{"commands": -1, "agent_invoke": -1},
			PerHour:   map[string]int{"commands": -1, "agent_invoke": -1},
			PerDay:    map[string]int{"commands": -1, "agent_invoke": -1},
		},
	}}
}

// Production reports whether we are running with production semantics.
func (c *Config) Production() bool {
	return c.Env == "production"
}

// ValidateGateway checks the settings cmd/gateway needs.
func (c *Config) ValidateGateway() error {
	return c.requireSecrets(map[string]string{
		"DISCORD_TOKEN":  c.Discord.Token,
		"BUS_PROJECT_ID": c.Bus.ProjectID,
	})
}

// ValidateWorker checks the settings cmd/worker needs.
func (c *Config) ValidateWorker() error {
	return c.requireSecrets(map[string]string{
		"BUS_PROJECT_ID":      c.Bus.ProjectID,
		"LEDGER_POSTGRES_URL": c.Store.PostgresURL,
	})
}

// ValidateAgentGateway checks the settings cmd/agentgw needs.
func (c *Config) ValidateAgentGateway() error {
	return c.requireSecrets(map[string]string{
		"AGENT_BASE_URL":        c.Agent.BaseURL,
		"AGENT_SIGNING_KEY_ID":  c.Agent.SigningKeyID,
		"AGENT_SIGNING_KEY_PEM": c.Agent.SigningKeyPEM,
		"LEDGER_POSTGRES_URL":   c.Store.PostgresURL,
	})
}

// requireSecrets enforces the fail-fast policy. In production a missing or
// placeholder value refuses startup.
func (c *Config) requireSecrets(values map[string]string) error {
	var missing []string
	for name, v := range values {
		if placeholderValues[strings.ToLower(strings.TrimSpace(v))] {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	if c.Production() {
		return fmt.Errorf("refusing to start: required configuration missing or placeholder: %s",
			strings.Join(missing, ", "))
	}
	log.Printf("⚠️ configuration incomplete (ok outside production): %s", strings.Join(missing, ", "))
	return nil
}

// parseSecretMap splits "provider:secret,provider:secret" pairs.
// Malformed pairs are skipped.
func parseSecretMap(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		name, secret, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || name == "" || secret == "" {
			continue
		}
		out[name] = secret
	}
	return out
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getdur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
