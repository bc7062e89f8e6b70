package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v2"
)

const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *AppConfig) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendRedis
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "partywatch:"
	}

	if c.Chain.OpenTimeout == 0 {
		c.Chain.OpenTimeout = 15 * time.Second
	}
	if c.Chain.CallTimeout == 0 {
		c.Chain.CallTimeout = 10 * time.Second
	}
	if c.Chain.BufferSize == 0 {
		c.Chain.BufferSize = 128
	}

	if c.Reconnect.InitialDelay == 0 {
		c.Reconnect.InitialDelay = 5 * time.Second
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = 60 * time.Second
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = 8
	}

	if c.Health.CheckInterval == 0 {
		c.Health.CheckInterval = time.Minute
	}
	if c.Health.PingInterval == 0 {
		c.Health.PingInterval = 20 * time.Second
	}
	if c.Health.StaleAfter == 0 {
		c.Health.StaleAfter = 3 * time.Minute
	}
	if c.Health.ProbeTimeout == 0 {
		c.Health.ProbeTimeout = 10 * time.Second
	}

	if c.Shutdown.GracePeriod == 0 {
		c.Shutdown.GracePeriod = 10 * time.Second
	}
	if c.Restore.RetryInterval == 0 {
		c.Restore.RetryInterval = 30 * time.Second
	}
	if c.Discord.ThreadArchiveMinutes == 0 {
		c.Discord.ThreadArchiveMinutes = 1440
	}
}

// Validate checks settings that have no sensible default.
func (c *AppConfig) Validate() error {
	var errs []error

	if c.Chain.WSURL == "" {
		errs = append(errs, errors.New("chain.ws_url is required"))
	}
	if !common.IsHexAddress(c.Chain.CrowdfundFactory) {
		errs = append(errs, fmt.Errorf("chain.crowdfund_factory %q is not an address", c.Chain.CrowdfundFactory))
	}
	if c.Chain.ClankerFactory != "" && !common.IsHexAddress(c.Chain.ClankerFactory) {
		errs = append(errs, fmt.Errorf("chain.clanker_factory %q is not an address", c.Chain.ClankerFactory))
	}

	switch c.Storage.Backend {
	case BackendRedis:
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("redis.url is required for the redis backend"))
		}
	case BackendPostgres:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url is required for the postgres backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown storage.backend %q", c.Storage.Backend))
	}

	if c.Health.PingInterval >= c.Health.CheckInterval {
		errs = append(errs, errors.New("health.ping_interval must be shorter than health.check_interval"))
	}
	if c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		errs = append(errs, errors.New("reconnect.max_delay must not be below reconnect.initial_delay"))
	}
	if c.Reconnect.MaxAttempts < 0 {
		errs = append(errs, errors.New("reconnect.max_attempts must be positive"))
	}

	return errors.Join(errs...)
}

// CrowdfundFactoryAddress returns the parsed crowdfund factory address.
func (c ChainConfig) CrowdfundFactoryAddress() common.Address {
	return common.HexToAddress(c.CrowdfundFactory)
}

// ClankerFactoryAddress returns the parsed token factory address, if configured.
func (c ChainConfig) ClankerFactoryAddress() (common.Address, bool) {
	if c.ClankerFactory == "" {
		return common.Address{}, false
	}
	return common.HexToAddress(c.ClankerFactory), true
}
