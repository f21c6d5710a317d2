package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"treasury-agent/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Store      StoreConfig      `mapstructure:"store"`
	Ethereum   EthereumConfig   `mapstructure:"ethereum"`
	Index      IndexConfig      `mapstructure:"index"`
	Discovery  DiscoveryConfig  `mapstructure:"discovery"`
	Scoring    ScoringConfig    `mapstructure:"scoring"`
	Allocation AllocationConfig `mapstructure:"allocation"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Server     ServerConfig     `mapstructure:"server"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// StoreConfig selects and parameterises the suggestion repository backend.
type StoreConfig struct {
	// Path is the directory holding the suggestion document and run markers.
	Path string `mapstructure:"path"`
	// PostgresDSN, when set, switches persistence to the postgres backend.
	PostgresDSN     string        `mapstructure:"postgres_dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// EthereumConfig covers on-chain data access and proposal submission.
type EthereumConfig struct {
	RPCURL          string        `mapstructure:"rpc_url"`
	GovernorAddress string        `mapstructure:"governor_address"`
	TreasuryAddress string        `mapstructure:"treasury_address"`
	RelayerURL      string        `mapstructure:"relayer_url"`
	RelayerAPIKey   string        `mapstructure:"relayer_api_key"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

// IndexConfig captures proposal index connectivity.
type IndexConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	DAOID          string        `mapstructure:"dao_id"`
	PageSize       int           `mapstructure:"page_size"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// DiscoveryConfig governs trending-asset discovery.
type DiscoveryConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxBatch       int           `mapstructure:"max_batch"`
}

// ScoringConfig wraps the external judgment capability.
type ScoringConfig struct {
	APIKey              string        `mapstructure:"api_key"`
	Model               string        `mapstructure:"model"`
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
}

// AllocationConfig bounds the spend computed per proposal.
type AllocationConfig struct {
	Percent    float64 `mapstructure:"percent"`
	MinETH     float64 `mapstructure:"min_eth"`
	MaxETH     float64 `mapstructure:"max_eth"`
	DefaultETH float64 `mapstructure:"default_eth"`
	Precision  int32   `mapstructure:"precision"`
}

// AgentConfig paces the scheduled orchestrator tick.
type AgentConfig struct {
	Cooldown               time.Duration `mapstructure:"cooldown"`
	DuplicateWindow        time.Duration `mapstructure:"duplicate_window"`
	ReclaimProcessingAfter time.Duration `mapstructure:"reclaim_processing_after"`
}

// ServerConfig parameterises the HTTP API.
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// NotifyConfig routes submission announcements.
type NotifyConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes Telegram notification parameters.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TREASURYAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "treasury-agent")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("store.path", "data")
	v.SetDefault("store.max_open_conns", 10)
	v.SetDefault("store.max_idle_conns", 5)
	v.SetDefault("store.conn_max_lifetime", "30m")
	v.SetDefault("store.advisory_lock_key", int64(0x74726561))

	v.SetDefault("ethereum.request_timeout", "10s")

	v.SetDefault("index.page_size", 50)
	v.SetDefault("index.request_timeout", "10s")
	v.SetDefault("index.user_agent", "treasury-agent/1.0")

	v.SetDefault("discovery.base_url", "https://api.geckoterminal.com/api/v2")
	v.SetDefault("discovery.request_timeout", "10s")
	v.SetDefault("discovery.max_batch", 5)

	v.SetDefault("scoring.model", "gpt-4o")
	v.SetDefault("scoring.confidence_threshold", 0.3)
	v.SetDefault("scoring.request_timeout", "60s")

	v.SetDefault("allocation.percent", 1.0)
	v.SetDefault("allocation.min_eth", 0.01)
	v.SetDefault("allocation.max_eth", 1.0)
	v.SetDefault("allocation.default_eth", 0.1)
	v.SetDefault("allocation.precision", 6)

	v.SetDefault("agent.cooldown", "1h")
	v.SetDefault("agent.duplicate_window", "24h")
	v.SetDefault("agent.reclaim_processing_after", "2h")

	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("notify.telegram.enabled", false)
	v.SetDefault("notify.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 10000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Store.Path == "" && c.Store.PostgresDSN == "" {
		return fmt.Errorf("store.path or store.postgres_dsn must be configured")
	}
	if c.Scoring.ConfidenceThreshold < 0 || c.Scoring.ConfidenceThreshold > 1 {
		return fmt.Errorf("scoring.confidence_threshold must be within [0,1]")
	}
	if c.Allocation.Percent <= 0 || c.Allocation.Percent > 100 {
		return fmt.Errorf("allocation.percent must be within (0,100]")
	}
	if c.Allocation.MinETH < 0 {
		return fmt.Errorf("allocation.min_eth cannot be negative")
	}
	if c.Allocation.MaxETH < c.Allocation.MinETH {
		return fmt.Errorf("allocation.max_eth must be >= allocation.min_eth")
	}
	if c.Allocation.DefaultETH <= 0 {
		return fmt.Errorf("allocation.default_eth must be greater than zero")
	}
	if c.Agent.Cooldown <= 0 {
		return fmt.Errorf("agent.cooldown must be greater than zero")
	}
	if c.Agent.DuplicateWindow <= 0 {
		return fmt.Errorf("agent.duplicate_window must be greater than zero")
	}
	if c.Discovery.MaxBatch <= 0 {
		return fmt.Errorf("discovery.max_batch must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Notify.Telegram.Enabled {
		if c.Notify.Telegram.BotToken == "" {
			return fmt.Errorf("notify.telegram.bot_token is required when telegram is enabled")
		}
		if c.Notify.Telegram.ChatID == "" {
			return fmt.Errorf("notify.telegram.chat_id is required when telegram is enabled")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
