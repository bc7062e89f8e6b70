package config

import (
	"time"

	redisclient "github.com/vietddude/partywatch/internal/infra/redis"
	"github.com/vietddude/partywatch/internal/infra/notify/discord"
	"github.com/vietddude/partywatch/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server    ServerConfig       `yaml:"server"`
	Logging   LoggingConfig      `yaml:"logging"`
	Chain     ChainConfig        `yaml:"chain"`
	Storage   StorageConfig      `yaml:"storage"`
	Redis     redisclient.Config `yaml:"redis"`
	Database  postgres.Config    `yaml:"database"`
	Discord   discord.Config     `yaml:"discord"`
	Reconnect ReconnectConfig    `yaml:"reconnect"`
	Health    HealthConfig       `yaml:"health"`
	Shutdown  ShutdownConfig     `yaml:"shutdown"`
	Restore   RestoreConfig      `yaml:"restore"`
}

// ServerConfig holds HTTP and gRPC server settings.
type ServerConfig struct {
	Port     int `yaml:"port"`
	GRPCPort int `yaml:"grpc_port"` // 0 = disabled
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// ChainConfig holds the websocket endpoint and the watched factory contracts.
type ChainConfig struct {
	WSURL            string        `yaml:"ws_url"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
	ClankerFactory   string        `yaml:"clanker_factory"`   // "" = token launches not watched
	CrowdfundFactory string        `yaml:"crowdfund_factory"`
	BackfillBlocks   uint64        `yaml:"backfill_blocks"` // 0 = disabled
	BufferSize       int           `yaml:"buffer_size"`
}

// StorageConfig selects the state store backend.
type StorageConfig struct {
	Backend string `yaml:"backend"` // redis, postgres, memory
}

// ReconnectConfig bounds the reconnect cycle.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// HealthConfig holds liveness probing intervals.
type HealthConfig struct {
	CheckInterval time.Duration `yaml:"check_interval"`
	PingInterval  time.Duration `yaml:"ping_interval"`
	StaleAfter    time.Duration `yaml:"stale_after"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
}

// ShutdownConfig holds shutdown settings.
type ShutdownConfig struct {
	GracePeriod time.Duration `yaml:"grace_period"`
}

// RestoreConfig controls retries of subscriptions that failed to restore.
type RestoreConfig struct {
	RetryInterval time.Duration `yaml:"retry_interval"`
}
