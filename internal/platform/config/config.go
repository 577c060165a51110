package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Server captures process-level configuration. All infrastructure is
// optional: with no database, redis, or broker configured the server runs on
// in-memory stores, which is what the tests use.
type Server struct {
	Addr          string
	DatabaseURL   string
	Redis         RedisConfig
	Kafka         KafkaConfig
	JWTSigningKey string

	// MarketplaceFeeBps is the default trade fee in basis points applied when
	// a marketplace is initialized without an explicit rate.
	MarketplaceFeeBps uint16
	// MinCreditAmount is the default minimum trade size for listings and
	// purchases.
	MinCreditAmount uint64
	// VerifiedCacheTTL bounds how long a project's verified status may be
	// served from cache before the verification workflow is consulted again.
	VerifiedCacheTTL time.Duration
	// BridgeRegistryID, when set, routes marketplace retirements through the
	// named ledger registry instead of local bookkeeping.
	BridgeRegistryID string
}

// RedisConfig mirrors the go-redis options we override.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig configures the notification event publisher.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// FromEnv builds a Server config from environment variables so main stays
// lean.
func FromEnv() Server {
	addr := os.Getenv("CARBONLEDGER_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	jwtSigningKey := os.Getenv("JWT_SIGNING_KEY")
	if jwtSigningKey == "" {
		// Development default - must be overridden in production.
		jwtSigningKey = "dev-secret-key-change-in-production"
	}

	topic := os.Getenv("KAFKA_EVENTS_TOPIC")
	if topic == "" {
		topic = "carbonledger.events"
	}

	var brokers []string
	if raw := os.Getenv("KAFKA_BROKERS"); raw != "" {
		brokers = strings.Split(raw, ",")
	}

	return Server{
		Addr:        addr,
		DatabaseURL: os.Getenv("DATABASE_URL"),
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     envInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Kafka: KafkaConfig{
			Brokers: brokers,
			Topic:   topic,
		},
		JWTSigningKey:     jwtSigningKey,
		MarketplaceFeeBps: uint16(envInt("MARKETPLACE_FEE_BPS", 200)),
		MinCreditAmount:   uint64(envInt("MARKETPLACE_MIN_CREDIT_AMOUNT", 1)),
		VerifiedCacheTTL:  envDuration("VERIFIED_CACHE_TTL", 5*time.Minute),
		BridgeRegistryID:  os.Getenv("BRIDGE_REGISTRY_ID"),
	}
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return v
}
