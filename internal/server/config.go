package server

import (
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"
)

type Config struct {
	Port        int
	DatabaseURL string

	PollInterval   time.Duration // bounded wait of one loop pass
	MaxTickLag     time.Duration // beyond this a lobby stops catching up
	IdleTimeout    time.Duration
	AbandonTimeout time.Duration
	SessionTTL     time.Duration
	PersistTimeout time.Duration

	PacketRate    float64
	PacketBurst   int
	OutboundQueue int
	InboundQueue  int
	MaxMessage    int64

	MaxConnections int
	AllowedOrigins []string
}

func DefaultConfig() Config {
	return Config{
		Port:           8080,
		PollInterval:   5 * time.Millisecond,
		MaxTickLag:     time.Second,
		IdleTimeout:    2 * time.Minute,
		AbandonTimeout: time.Minute,
		SessionTTL:     24 * time.Hour,
		PersistTimeout: 5 * time.Second,
		PacketRate:     60,
		PacketBurst:    120,
		OutboundQueue:  64,
		InboundQueue:   1024,
		MaxMessage:     4096,
		MaxConnections: 1000,
		AllowedOrigins: []string{"*"},
	}
}

// FromEnv overlays environment variables (and a .env file, if present) on
// DefaultConfig.
func FromEnv() Config {
	cfg := DefaultConfig()
	cfg.Port = getEnvInt("PORT", cfg.Port)
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.IdleTimeout = getEnvDuration("IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.AbandonTimeout = getEnvDuration("ABANDON_TIMEOUT", cfg.AbandonTimeout)
	cfg.SessionTTL = getEnvDuration("SESSION_TTL", cfg.SessionTTL)
	cfg.PersistTimeout = getEnvDuration("PERSIST_TIMEOUT", cfg.PersistTimeout)
	cfg.PacketRate = float64(getEnvInt("PACKET_RATE", int(cfg.PacketRate)))
	cfg.PacketBurst = getEnvInt("PACKET_BURST", cfg.PacketBurst)
	cfg.OutboundQueue = getEnvInt("OUTBOUND_QUEUE", cfg.OutboundQueue)
	cfg.MaxConnections = getEnvInt("MAX_CONNECTIONS", cfg.MaxConnections)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = strings.Split(origins, ",")
	}
	return cfg
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
