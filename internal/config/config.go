// Package config loads and validates the process configuration from a
// single YAML file. Every tunable the pipeline exposes lives here;
// components receive the sub-struct they need, never the whole file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Controller ControllerConfig `yaml:"controller"`
	Queue      QueueConfig      `yaml:"queue"`
	Profile    ProfileConfig    `yaml:"profile"`
	Circuit    CircuitConfig    `yaml:"circuit"`
	Risk       RiskConfig       `yaml:"risk"`
	Limits     LimitsConfig     `yaml:"limits"`
	Sync       SyncConfig       `yaml:"sync"`
	Audit      AuditConfig      `yaml:"audit"`
	Shadow     ShadowConfig     `yaml:"shadow"`
	Phantom    PhantomConfig    `yaml:"phantom"`
	Trap       TrapConfig       `yaml:"trap"`
	Federation FederationConfig `yaml:"federation"`
	Policy     PolicyConfig     `yaml:"policy"`
	Market     MarketConfig     `yaml:"market"`
	Redis      RedisConfig      `yaml:"redis"`
	Postgres   PostgresConfig   `yaml:"postgres"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type ControllerConfig struct {
	Workers              int     `yaml:"controller_workers"`
	LargeAmountThreshold float64 `yaml:"large_amount_threshold"`
	MonitorIntervalSec   int     `yaml:"monitor_interval_sec"`
	ShutdownGraceSec     int     `yaml:"shutdown_grace_sec"`
}

type QueueConfig struct {
	GeneralCapacity   int `yaml:"general_capacity"`
	EmergencyCapacity int `yaml:"emergency_capacity"`
	PollTimeoutMs     int `yaml:"poll_timeout_ms"`
}

type ProfileConfig struct {
	CacheSize    int      `yaml:"profile_cache_size"`
	CacheTTLSec  int      `yaml:"profile_cache_ttl"`
	ServiceBase  string   `yaml:"service_base"`
	FetchTimeout int      `yaml:"fetch_timeout_sec"`
	FetchRetries int      `yaml:"fetch_retries"`
	FetchBackoff float64  `yaml:"fetch_backoff"`
	WarmupUsers  []string `yaml:"warmup_users"`
	ServiceToken string   `yaml:"service_token"`
}

type CircuitConfig struct {
	FailureThreshold  int `yaml:"failure_threshold"`
	OpenCooldownSec   int `yaml:"open_cooldown"`
	HalfOpenProbes    int `yaml:"half_open_probe_limit"`
	ResetScanInterval int `yaml:"reset_scan_interval_sec"`
}

type RiskConfig struct {
	Weights    map[string]float64 `yaml:"weights"`
	Thresholds ThresholdConfig    `yaml:"thresholds"`
	Hysteresis ThresholdConfig    `yaml:"hysteresis"`
	Adaptive   AdaptiveConfig     `yaml:"adaptive"`
}

type ThresholdConfig struct {
	Critical float64 `yaml:"critical"`
	High     float64 `yaml:"high"`
	Medium   float64 `yaml:"medium"`
}

// AdaptiveConfig exposes the level-scaling coefficients: each factor is
// base + fraudRate*slope, clipped to [0.5, 1.5].
type AdaptiveConfig struct {
	CriticalBase  float64 `yaml:"critical_base"`
	CriticalSlope float64 `yaml:"critical_slope"`
	HighBase      float64 `yaml:"high_base"`
	HighSlope     float64 `yaml:"high_slope"`
	MediumBase    float64 `yaml:"medium_base"`
	MediumSlope   float64 `yaml:"medium_slope"`
	FraudCutoff   float64 `yaml:"fraud_cutoff"`
	WindowSize    int     `yaml:"window_size"`
	IntervalSec   int     `yaml:"interval_sec"`
}

type LimitsConfig struct {
	BaseDaily       float64 `yaml:"base_daily"`
	BaseTransaction float64 `yaml:"base_transaction"`
	BaseWeekly      float64 `yaml:"base_weekly"`
	DecayRate       float64 `yaml:"decay_rate"`
	PolicySlack     float64 `yaml:"policy_slack"`
	HistoryWindow   int     `yaml:"history_window"`
	InactiveDays    int     `yaml:"inactive_days"`
}

type SyncConfig struct {
	Endpoints  []string      `yaml:"endpoints"`
	MaxRetries int           `yaml:"max_retries"`
	Backoff    float64       `yaml:"backoff"`
	StatusDir  string        `yaml:"status_dir"`
	APIToken   string        `yaml:"api_token"`
	SystemID   string        `yaml:"system_id"`
	Timeout    time.Duration `yaml:"timeout"`
}

type AuditConfig struct {
	LogDir        string `yaml:"log_dir"`
	MaxLogSize    int64  `yaml:"max_log_size"`
	RetentionDays int    `yaml:"retention_days"`
	Writers       int    `yaml:"writers"`
	Secret        string `yaml:"secret"`
}

type ShadowConfig struct {
	CleanupIntervalSec int    `yaml:"cleanup_interval"`
	SessionTimeoutSec  int    `yaml:"session_timeout"`
	DecoyStrategy      string `yaml:"decoy_strategy"`
	ArchiveDir         string `yaml:"archive_dir"`
}

type PhantomConfig struct {
	TTLSec        int     `yaml:"phantom_ttl"`
	CacheTTLSec   int     `yaml:"cache_ttl"`
	GeoDispersion float64 `yaml:"geo_dispersion"`
}

type TrapConfig struct {
	Workers    int    `yaml:"workers"`
	QueueSize  int    `yaml:"queue_size"`
	ArchiveDir string `yaml:"archive_dir"`
}

type FederationConfig struct {
	NodeID       string   `yaml:"node_id"`
	Peers        []string `yaml:"peers"`
	Secret       string   `yaml:"secret"`
	Epsilon      float64  `yaml:"epsilon"`
	Delta        float64  `yaml:"delta"`
	RegistryPath string   `yaml:"registry_path"`
	LatentDim    int      `yaml:"latent_dim"`
	ChainURL     string   `yaml:"chain_url"`
	ChainAPIKey  string   `yaml:"chain_api_key"`
}

type PolicyConfig struct {
	RulesPath string `yaml:"rules_path"`
}

type MarketConfig struct {
	UpdateIntervalSec int    `yaml:"update_interval"`
	ServiceURL        string `yaml:"service_url"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// Load reads, defaults and validates the configuration file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg := Default()
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration populated with the documented defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Controller: ControllerConfig{
			Workers:              32,
			LargeAmountThreshold: 10000,
			MonitorIntervalSec:   10,
			ShutdownGraceSec:     5,
		},
		Queue: QueueConfig{
			GeneralCapacity:   100000,
			EmergencyCapacity: 100,
			PollTimeoutMs:     1000,
		},
		Profile: ProfileConfig{
			CacheSize:    1000,
			CacheTTLSec:  300,
			FetchTimeout: 2,
			FetchRetries: 3,
			FetchBackoff: 1.5,
		},
		Circuit: CircuitConfig{
			FailureThreshold:  5,
			OpenCooldownSec:   300,
			HalfOpenProbes:    1,
			ResetScanInterval: 10,
		},
		Risk: RiskConfig{
			Weights: map[string]float64{
				"amount":           0.22,
				"merchant_risk":    0.18,
				"geo_velocity":     0.15,
				"device_trust":     0.12,
				"behavior_anomaly": 0.10,
				"user_history":     0.08,
				"time_of_day":      0.07,
				"network_analysis": 0.05,
				"bin_analysis":     0.03,
			},
			Thresholds: ThresholdConfig{Critical: 0.95, High: 0.85, Medium: 0.65},
			Hysteresis: ThresholdConfig{Critical: 0.02, High: 0.03, Medium: 0.05},
			Adaptive: AdaptiveConfig{
				CriticalBase: 0.95, CriticalSlope: 0.5,
				HighBase: 0.90, HighSlope: 0.4,
				MediumBase: 0.85, MediumSlope: 0.3,
				FraudCutoff: 0.7,
				WindowSize:  100,
				IntervalSec: 300,
			},
		},
		Limits: LimitsConfig{
			BaseDaily:       5000,
			BaseTransaction: 1000,
			BaseWeekly:      35000,
			DecayRate:       0.1,
			PolicySlack:     1.2,
			HistoryWindow:   30,
			InactiveDays:    30,
		},
		Sync: SyncConfig{
			MaxRetries: 3,
			Backoff:    1.5,
			StatusDir:  "/var/fortifi/limit_sync_status",
			SystemID:   "SPEND_CTRL",
			Timeout:    5 * time.Second,
		},
		Audit: AuditConfig{
			LogDir:        "/var/log/limit_changes",
			MaxLogSize:    100 << 20,
			RetentionDays: 90,
			Writers:       4,
		},
		Shadow: ShadowConfig{
			CleanupIntervalSec: 300,
			SessionTimeoutSec:  1800,
			DecoyStrategy:      "default",
			ArchiveDir:         "/var/fortifi/shadow_sessions",
		},
		Phantom: PhantomConfig{
			TTLSec:        86400,
			CacheTTLSec:   3600,
			GeoDispersion: 0.5,
		},
		Trap: TrapConfig{
			Workers:    4,
			QueueSize:  1000,
			ArchiveDir: "/var/fortifi/traps",
		},
		Federation: FederationConfig{
			Epsilon:      0.7,
			Delta:        1e-5,
			RegistryPath: "/var/fortifi/models",
			LatentDim:    16,
		},
		Policy: PolicyConfig{RulesPath: "/etc/fortifi/policy_rules.json"},
		Market: MarketConfig{UpdateIntervalSec: 300},
	}
}

// Validate checks cross-field constraints that would otherwise surface
// as runtime misbehavior.
func (c *Config) Validate() error {
	if c.Controller.Workers <= 0 {
		return errors.New("controller_workers must be positive")
	}
	if c.Queue.GeneralCapacity <= 0 || c.Queue.EmergencyCapacity <= 0 {
		return errors.New("queue capacities must be positive")
	}
	var sum float64
	for _, w := range c.Risk.Weights {
		if w < 0 {
			return errors.New("risk weights must be non-negative")
		}
		sum += w
	}
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("risk weights must sum to 1.0, got %.4f", sum)
	}
	t := c.Risk.Thresholds
	if !(t.Medium < t.High && t.High < t.Critical) {
		return errors.New("risk thresholds must satisfy medium < high < critical")
	}
	if t.Critical > 1 || t.Medium < 0 {
		return errors.New("risk thresholds must lie in [0,1]")
	}
	if c.Limits.DecayRate < 0 || c.Limits.DecayRate > 1 {
		return errors.New("limits.decay_rate must lie in [0,1]")
	}
	if c.Federation.Epsilon <= 0 {
		return errors.New("federation.epsilon must be positive")
	}
	if c.Federation.Delta <= 0 || c.Federation.Delta >= 1 {
		return errors.New("federation.delta must lie in (0,1)")
	}
	if c.Audit.Secret == "" && c.Server.Env == "production" {
		return errors.New("audit.secret is required in production")
	}
	return nil
}
