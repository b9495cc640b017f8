package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Advisors   AdvisorsConfig   `mapstructure:"advisors"`
	Scanner    ScannerConfig    `mapstructure:"scanner"`
	Escalation EscalationConfig `mapstructure:"escalation"`
	Account    AccountConfig    `mapstructure:"account"`
	Sizing     SizingConfig     `mapstructure:"position_sizing"`
	Breaker    BreakerConfig    `mapstructure:"circuit_breaker"`
	ExitScan   ExitScanConfig   `mapstructure:"exit_scanner"`
	Confidence ConfidenceConfig `mapstructure:"confidence_thresholds"`
	Exchange   ExchangeConfig   `mapstructure:"exchange"`
	News       NewsConfig       `mapstructure:"news"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Dashboard  DashboardConfig  `mapstructure:"dashboard"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// DatabaseConfig contains PostgreSQL settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RedisConfig contains Redis settings for the candle and news caches
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig contains the live event fan-out settings
type NATSConfig struct {
	URL          string `mapstructure:"url"`
	EventSubject string `mapstructure:"event_subject"`
	Enabled      bool   `mapstructure:"enabled"`
}

// AdvisorsConfig contains the two-tier LLM advisor settings
type AdvisorsConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	APIKey      string  `mapstructure:"api_key"`
	FastModel   string  `mapstructure:"fast_model"`
	DeepModel   string  `mapstructure:"deep_model"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	TimeoutMS   int     `mapstructure:"timeout_ms"`
}

// ScannerConfig contains entry scanner settings
type ScannerConfig struct {
	IntervalMinutes       int              `mapstructure:"interval_minutes"`
	SignalCooldownMinutes int              `mapstructure:"signal_cooldown_minutes"`
	MaxConcurrentFetches  int              `mapstructure:"max_concurrent_fetches"`
	CandleInterval        string           `mapstructure:"candle_interval"`
	CandleLimit           int              `mapstructure:"candle_limit"`
	SnapshotRetentionDays int              `mapstructure:"snapshot_retention_days"`
	Thresholds            ThresholdsConfig `mapstructure:"thresholds"`
}

// ThresholdsConfig contains transition boundaries for the scanner
type ThresholdsConfig struct {
	RSIOversold      float64 `mapstructure:"rsi_oversold"`
	RSIOverbought    float64 `mapstructure:"rsi_overbought"`
	VolumeSpikeRatio float64 `mapstructure:"volume_spike_ratio"`
	BBSqueeze        float64 `mapstructure:"bb_squeeze"`
}

// EscalationConfig contains the fast-to-deep escalation gates
type EscalationConfig struct {
	MinConfidence      float64 `mapstructure:"min_confidence"`
	StrongConfidence   float64 `mapstructure:"strong_confidence"`
	MinTriggers        int     `mapstructure:"min_triggers"`
	SonnetDedupMinutes int     `mapstructure:"sonnet_dedup_minutes"`
}

// AccountConfig contains portfolio-level settings
type AccountConfig struct {
	MaxConcurrentPositions int     `mapstructure:"max_concurrent_positions"`
	TotalCapital           float64 `mapstructure:"total_capital"`
	PaperTrading           bool    `mapstructure:"paper_trading"`
	CooldownHours          int     `mapstructure:"cooldown_hours"` // per-symbol re-entry lockout after close
}

// TierSizing contains position sizing and lifecycle levels for one risk tier
type TierSizing struct {
	BasePositionUSD float64 `mapstructure:"base_position_usd"`
	MaxPositionUSD  float64 `mapstructure:"max_position_usd"`
	StopLossPct     float64 `mapstructure:"stop_loss_pct"`
	TP1Pct          float64 `mapstructure:"tp1_pct"`
	TP2Pct          float64 `mapstructure:"tp2_pct"`
	TP3Pct          float64 `mapstructure:"tp3_pct"`
	MaxDCALevels    int     `mapstructure:"max_dca_levels"`
}

// SizingConfig contains per-tier sizing tables
type SizingConfig struct {
	Tier1 TierSizing `mapstructure:"tier_1"`
	Tier2 TierSizing `mapstructure:"tier_2"`
	Tier3 TierSizing `mapstructure:"tier_3"`
	Tier4 TierSizing `mapstructure:"tier_4"`
}

// Tier returns the sizing table for a tier, falling back to tier 4 for unknown values
func (s *SizingConfig) Tier(tier int) TierSizing {
	switch tier {
	case 1:
		return s.Tier1
	case 2:
		return s.Tier2
	case 3:
		return s.Tier3
	default:
		return s.Tier4
	}
}

// BreakerConfig contains loss-streak circuit breaker settings
type BreakerConfig struct {
	ConsecutiveLossesToActivate int     `mapstructure:"consecutive_losses_to_activate"`
	CooldownHours               int     `mapstructure:"cooldown_hours"`
	MaxDrawdownPercent          float64 `mapstructure:"max_drawdown_percent"`
}

// ExitScanConfig contains exit urgency scanner settings
type ExitScanConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	IntervalCycles    int  `mapstructure:"interval_cycles"`
	UrgencyThreshold  int  `mapstructure:"urgency_threshold"`
	CriticalThreshold int  `mapstructure:"critical_threshold"`
	CooldownMinutes   int  `mapstructure:"cooldown_minutes"`
}

// ConfidenceConfig contains DeepAdvisor confidence floors per action
type ConfidenceConfig struct {
	MinEntry float64 `mapstructure:"sonnet_minimum_for_new_entry"`
	MinExit  float64 `mapstructure:"sonnet_minimum_for_exit"`
	MinDCA   float64 `mapstructure:"sonnet_minimum_for_dca"`
}

// ExchangeConfig contains exchange API settings
type ExchangeConfig struct {
	APIKey    string    `mapstructure:"api_key"`
	SecretKey string    `mapstructure:"secret_key"`
	Testnet   bool      `mapstructure:"testnet"`
	Fees      FeeConfig `mapstructure:"fees"`
}

// FeeConfig contains the paper-exchange cost model
type FeeConfig struct {
	Taker        float64 `mapstructure:"taker"`         // taker fee fraction (0.001 = 0.1%)
	BaseSlippage float64 `mapstructure:"base_slippage"` // simulated slippage fraction
}

// NewsConfig contains news source settings
type NewsConfig struct {
	Endpoint      string `mapstructure:"endpoint"`
	APIKey        string `mapstructure:"api_key"`
	CacheTTLHours int    `mapstructure:"cache_ttl_hours"`
	TimeoutMS     int    `mapstructure:"timeout_ms"`
}

// NotifyConfig contains notifier sink settings
type NotifyConfig struct {
	SMSGatewayURL   string  `mapstructure:"sms_gateway_url"`
	SMSAPIKey       string  `mapstructure:"sms_api_key"`
	SMSTo           string  `mapstructure:"sms_to"`
	TelegramToken   string  `mapstructure:"telegram_token"`
	TelegramChatIDs []int64 `mapstructure:"telegram_chat_ids"`
	PerHourLimit    int     `mapstructure:"per_hour_limit"`
	PollSeconds     int     `mapstructure:"poll_seconds"`
}

// DashboardConfig contains the dashboard API settings
type DashboardConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// MonitoringConfig contains metrics settings
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("TRADEPILOT")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "tradepilot")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "tradepilot")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	// NATS defaults
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.event_subject", "tradepilot.events")
	v.SetDefault("nats.enabled", false)

	// Advisor defaults
	v.SetDefault("advisors.endpoint", "http://localhost:8080/v1/chat/completions")
	v.SetDefault("advisors.fast_model", "claude-haiku-4-5")
	v.SetDefault("advisors.deep_model", "claude-sonnet-4-5")
	v.SetDefault("advisors.temperature", 0.3)
	v.SetDefault("advisors.max_tokens", 2000)
	v.SetDefault("advisors.timeout_ms", 45000)

	// Scanner defaults
	v.SetDefault("scanner.interval_minutes", 5)
	v.SetDefault("scanner.signal_cooldown_minutes", 30)
	v.SetDefault("scanner.max_concurrent_fetches", 3)
	v.SetDefault("scanner.candle_interval", "15m")
	v.SetDefault("scanner.candle_limit", 100)
	v.SetDefault("scanner.snapshot_retention_days", 30)
	v.SetDefault("scanner.thresholds.rsi_oversold", 30.0)
	v.SetDefault("scanner.thresholds.rsi_overbought", 70.0)
	v.SetDefault("scanner.thresholds.volume_spike_ratio", 2.0)
	v.SetDefault("scanner.thresholds.bb_squeeze", 0.04)

	// Escalation defaults
	v.SetDefault("escalation.min_confidence", 0.60)
	v.SetDefault("escalation.strong_confidence", 0.70)
	v.SetDefault("escalation.min_triggers", 2)
	v.SetDefault("escalation.sonnet_dedup_minutes", 60)

	// Account defaults
	v.SetDefault("account.max_concurrent_positions", 3)
	v.SetDefault("account.total_capital", 10000.0)
	v.SetDefault("account.paper_trading", true)
	v.SetDefault("account.cooldown_hours", 24)

	// Position sizing defaults per tier
	v.SetDefault("position_sizing.tier_1.base_position_usd", 600.0)
	v.SetDefault("position_sizing.tier_1.max_position_usd", 1200.0)
	v.SetDefault("position_sizing.tier_1.stop_loss_pct", 0.15)
	v.SetDefault("position_sizing.tier_1.tp1_pct", 0.05)
	v.SetDefault("position_sizing.tier_1.tp2_pct", 0.08)
	v.SetDefault("position_sizing.tier_1.tp3_pct", 0.12)
	v.SetDefault("position_sizing.tier_1.max_dca_levels", 2)

	v.SetDefault("position_sizing.tier_2.base_position_usd", 600.0)
	v.SetDefault("position_sizing.tier_2.max_position_usd", 1000.0)
	v.SetDefault("position_sizing.tier_2.stop_loss_pct", 0.10)
	v.SetDefault("position_sizing.tier_2.tp1_pct", 0.05)
	v.SetDefault("position_sizing.tier_2.tp2_pct", 0.08)
	v.SetDefault("position_sizing.tier_2.tp3_pct", 0.12)
	v.SetDefault("position_sizing.tier_2.max_dca_levels", 2)

	v.SetDefault("position_sizing.tier_3.base_position_usd", 400.0)
	v.SetDefault("position_sizing.tier_3.max_position_usd", 700.0)
	v.SetDefault("position_sizing.tier_3.stop_loss_pct", 0.08)
	v.SetDefault("position_sizing.tier_3.tp1_pct", 0.05)
	v.SetDefault("position_sizing.tier_3.tp2_pct", 0.08)
	v.SetDefault("position_sizing.tier_3.tp3_pct", 0.12)
	v.SetDefault("position_sizing.tier_3.max_dca_levels", 1)

	v.SetDefault("position_sizing.tier_4.base_position_usd", 250.0)
	v.SetDefault("position_sizing.tier_4.max_position_usd", 400.0)
	v.SetDefault("position_sizing.tier_4.stop_loss_pct", 0.07)
	v.SetDefault("position_sizing.tier_4.tp1_pct", 0.05)
	v.SetDefault("position_sizing.tier_4.tp2_pct", 0.08)
	v.SetDefault("position_sizing.tier_4.tp3_pct", 0.12)
	v.SetDefault("position_sizing.tier_4.max_dca_levels", 0)

	// Circuit breaker defaults
	v.SetDefault("circuit_breaker.consecutive_losses_to_activate", 3)
	v.SetDefault("circuit_breaker.cooldown_hours", 12)
	v.SetDefault("circuit_breaker.max_drawdown_percent", 15.0)

	// Exit scanner defaults
	v.SetDefault("exit_scanner.enabled", true)
	v.SetDefault("exit_scanner.interval_cycles", 3)
	v.SetDefault("exit_scanner.urgency_threshold", 40)
	v.SetDefault("exit_scanner.critical_threshold", 70)
	v.SetDefault("exit_scanner.cooldown_minutes", 30)

	// Confidence thresholds
	v.SetDefault("confidence_thresholds.sonnet_minimum_for_new_entry", 0.70)
	v.SetDefault("confidence_thresholds.sonnet_minimum_for_exit", 0.65)
	v.SetDefault("confidence_thresholds.sonnet_minimum_for_dca", 0.65)

	// Exchange defaults
	v.SetDefault("exchange.testnet", false)
	v.SetDefault("exchange.fees.taker", 0.0)
	v.SetDefault("exchange.fees.base_slippage", 0.0)

	// News defaults
	v.SetDefault("news.cache_ttl_hours", 4)
	v.SetDefault("news.timeout_ms", 10000)

	// Notifier defaults
	v.SetDefault("notify.per_hour_limit", 20)
	v.SetDefault("notify.poll_seconds", 15)

	// Dashboard defaults
	v.SetDefault("dashboard.host", "0.0.0.0")
	v.SetDefault("dashboard.port", 8081)

	// Monitoring defaults
	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)
}

// Validate checks the configuration for invalid combinations
func (c *Config) Validate() error {
	if c.Scanner.IntervalMinutes <= 0 {
		return fmt.Errorf("scanner.interval_minutes must be positive, got %d", c.Scanner.IntervalMinutes)
	}
	if c.Scanner.MaxConcurrentFetches <= 0 {
		return fmt.Errorf("scanner.max_concurrent_fetches must be positive, got %d", c.Scanner.MaxConcurrentFetches)
	}
	if c.Scanner.Thresholds.RSIOversold >= c.Scanner.Thresholds.RSIOverbought {
		return fmt.Errorf("scanner.thresholds: rsi_oversold (%.1f) must be below rsi_overbought (%.1f)",
			c.Scanner.Thresholds.RSIOversold, c.Scanner.Thresholds.RSIOverbought)
	}
	if c.Account.MaxConcurrentPositions <= 0 {
		return fmt.Errorf("account.max_concurrent_positions must be positive, got %d", c.Account.MaxConcurrentPositions)
	}
	if c.Account.TotalCapital <= 0 {
		return fmt.Errorf("account.total_capital must be positive, got %.2f", c.Account.TotalCapital)
	}
	if c.Breaker.ConsecutiveLossesToActivate <= 0 {
		return fmt.Errorf("circuit_breaker.consecutive_losses_to_activate must be positive, got %d",
			c.Breaker.ConsecutiveLossesToActivate)
	}
	if c.ExitScan.IntervalCycles <= 0 {
		return fmt.Errorf("exit_scanner.interval_cycles must be positive, got %d", c.ExitScan.IntervalCycles)
	}
	if c.ExitScan.CriticalThreshold < c.ExitScan.UrgencyThreshold {
		return fmt.Errorf("exit_scanner.critical_threshold (%d) must not be below urgency_threshold (%d)",
			c.ExitScan.CriticalThreshold, c.ExitScan.UrgencyThreshold)
	}
	for _, check := range []struct {
		name  string
		value float64
	}{
		{"sonnet_minimum_for_new_entry", c.Confidence.MinEntry},
		{"sonnet_minimum_for_exit", c.Confidence.MinExit},
		{"sonnet_minimum_for_dca", c.Confidence.MinDCA},
	} {
		if check.value < 0 || check.value > 1 {
			return fmt.Errorf("confidence_thresholds.%s must be in [0,1], got %.2f", check.name, check.value)
		}
	}
	if !c.Account.PaperTrading && (c.Exchange.APIKey == "" || c.Exchange.SecretKey == "") {
		return fmt.Errorf("exchange.api_key and exchange.secret_key are required for live trading")
	}
	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ScanInterval returns the scan cadence as a duration
func (c *ScannerConfig) ScanInterval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// SignalCooldown returns the per-(symbol, kind) trigger suppression window
func (c *ScannerConfig) SignalCooldown() time.Duration {
	return time.Duration(c.SignalCooldownMinutes) * time.Minute
}

// DedupWindow returns the DeepAdvisor re-entry suppression window
func (c *EscalationConfig) DedupWindow() time.Duration {
	return time.Duration(c.SonnetDedupMinutes) * time.Minute
}

// Timeout returns the advisor HTTP timeout as a duration
func (c *AdvisorsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// CacheTTL returns the news cache TTL as a duration
func (c *NewsConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLHours) * time.Hour
}

// ExitCooldown returns the per-symbol exit re-evaluation suppression window
func (c *ExitScanConfig) ExitCooldown() time.Duration {
	return time.Duration(c.CooldownMinutes) * time.Minute
}

// EntryCooldown returns the per-symbol re-entry lockout after a close
func (c *AccountConfig) EntryCooldown() time.Duration {
	return time.Duration(c.CooldownHours) * time.Hour
}
