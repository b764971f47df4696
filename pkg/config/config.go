package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"sectiond/pkg/comm"
	"sectiond/pkg/crypto"
	"sectiond/pkg/liveness"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "SECTIOND"

// Config holds every node option. It is read once at startup.
type Config struct {
	LocalAddr         string   `mapstructure:"local_addr" json:"local_addr"`
	First             bool     `mapstructure:"first" json:"first"`
	GenesisKey        string   `mapstructure:"genesis_key" json:"genesis_key,omitempty"`
	HardCodedContacts []string `mapstructure:"hard_coded_contacts" json:"hard_coded_contacts,omitempty"`
	DataDir           string   `mapstructure:"data_dir" json:"data_dir"`

	// MaxCapacity is parsed from max_capacity, which may be a byte count or a size such as "10GiB".
	MaxCapacity       int64 `mapstructure:"-" json:"max_capacity"`
	EnableCompression bool  `mapstructure:"enable_compression" json:"enable_compression"`

	JoiningTimeout          time.Duration `mapstructure:"joining_timeout" json:"joining_timeout"`
	JoinConcurrency         int           `mapstructure:"join_concurrency" json:"join_concurrency"`
	JoinsAllowed            bool          `mapstructure:"joins_allowed" json:"joins_allowed"`
	ResourceProofDifficulty uint8         `mapstructure:"resource_proof_difficulty" json:"resource_proof_difficulty"`
	ElderCount              int           `mapstructure:"elder_count" json:"elder_count"`

	ResponseThreshold int           `mapstructure:"response_threshold" json:"response_threshold"`
	PendingQueryTTL   time.Duration `mapstructure:"pending_query_ttl" json:"pending_query_ttl"`

	MinPendingOps             int           `mapstructure:"min_pending_ops" json:"min_pending_ops"`
	PendingOpTolerance        float64       `mapstructure:"pending_op_tolerance" json:"pending_op_tolerance"`
	NeighbourCount            int           `mapstructure:"neighbour_count" json:"neighbour_count"`
	UnresponsiveCheckInterval time.Duration `mapstructure:"unresponsive_check_interval" json:"unresponsive_check_interval"`

	MaxSendJobRetries int           `mapstructure:"max_sendjob_retries" json:"max_sendjob_retries"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout" json:"idle_timeout"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout" json:"connect_timeout"`

	ElderChurnEventsToPruneArchive int `mapstructure:"elder_churn_events_to_prune_archive" json:"elder_churn_events_to_prune_archive"`

	AdminAddr   string `mapstructure:"admin_addr" json:"admin_addr,omitempty"`
	MetricsAddr string `mapstructure:"metrics_addr" json:"metrics_addr,omitempty"`
	LogLevel    string `mapstructure:"log_level" json:"log_level"`
}

// Default returns the production configuration.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	lc := liveness.DefaultConfig()
	sc := comm.DefaultSessionConfig()
	return &Config{
		LocalAddr:                      "0.0.0.0:12000",
		DataDir:                        filepath.Join(home, ".sectiond"),
		MaxCapacity:                    DefaultMaxCapacity,
		EnableCompression:              true,
		JoiningTimeout:                 2 * time.Minute,
		JoinConcurrency:                4,
		JoinsAllowed:                   true,
		ResourceProofDifficulty:        8,
		ElderCount:                     7,
		ResponseThreshold:              1,
		PendingQueryTTL:                30 * time.Second,
		MinPendingOps:                  lc.MinPendingOps,
		PendingOpTolerance:             lc.PendingOpTolerance,
		NeighbourCount:                 lc.NeighbourCount,
		UnresponsiveCheckInterval:      15 * time.Second,
		MaxSendJobRetries:              sc.MaxSendJobRetries,
		IdleTimeout:                    30 * time.Second,
		ConnectTimeout:                 sc.ConnectTimeout,
		ElderChurnEventsToPruneArchive: 5,
		AdminAddr:                      "127.0.0.1:12001",
		MetricsAddr:                    "127.0.0.1:12002",
		LogLevel:                       "info",
	}
}

// SetDefaults registers Default as the fallback for every key of v.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("local_addr", d.LocalAddr)
	v.SetDefault("first", d.First)
	v.SetDefault("genesis_key", d.GenesisKey)
	v.SetDefault("hard_coded_contacts", d.HardCodedContacts)
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("max_capacity", d.MaxCapacity)
	v.SetDefault("enable_compression", d.EnableCompression)
	v.SetDefault("joining_timeout", d.JoiningTimeout)
	v.SetDefault("join_concurrency", d.JoinConcurrency)
	v.SetDefault("joins_allowed", d.JoinsAllowed)
	v.SetDefault("resource_proof_difficulty", d.ResourceProofDifficulty)
	v.SetDefault("elder_count", d.ElderCount)
	v.SetDefault("response_threshold", d.ResponseThreshold)
	v.SetDefault("pending_query_ttl", d.PendingQueryTTL)
	v.SetDefault("min_pending_ops", d.MinPendingOps)
	v.SetDefault("pending_op_tolerance", d.PendingOpTolerance)
	v.SetDefault("neighbour_count", d.NeighbourCount)
	v.SetDefault("unresponsive_check_interval", d.UnresponsiveCheckInterval)
	v.SetDefault("max_sendjob_retries", d.MaxSendJobRetries)
	v.SetDefault("idle_timeout", d.IdleTimeout)
	v.SetDefault("connect_timeout", d.ConnectTimeout)
	v.SetDefault("elder_churn_events_to_prune_archive", d.ElderChurnEventsToPruneArchive)
	v.SetDefault("admin_addr", d.AdminAddr)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("log_level", d.LogLevel)
}

// Load reads the configuration from v: its config file when one is set,
// SECTIOND_* environment variables and any flags bound to it. The result
// is validated.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	capacity, err := ParseCapacity(v.Get("max_capacity"))
	if err != nil {
		return nil, err
	}
	cfg.MaxCapacity = capacity

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the options for consistency.
func (c *Config) Validate() error {
	if c.LocalAddr == "" {
		return errors.New("local_addr is required")
	}
	if !c.First {
		if c.GenesisKey == "" {
			return errors.New("genesis_key is required unless first is set")
		}
		if len(c.HardCodedContacts) == 0 {
			return errors.New("at least one hard_coded_contact is required unless first is set")
		}
	}
	if c.GenesisKey != "" {
		if _, err := crypto.ParsePublicKey(c.GenesisKey); err != nil {
			return fmt.Errorf("invalid genesis_key: %w", err)
		}
	}
	positive := map[string]int{
		"join_concurrency":                    c.JoinConcurrency,
		"elder_count":                         c.ElderCount,
		"response_threshold":                  c.ResponseThreshold,
		"min_pending_ops":                     c.MinPendingOps,
		"neighbour_count":                     c.NeighbourCount,
		"max_sendjob_retries":                 c.MaxSendJobRetries,
		"elder_churn_events_to_prune_archive": c.ElderChurnEventsToPruneArchive,
	}
	for name, value := range positive {
		if value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, value)
		}
	}
	if c.PendingOpTolerance <= 0 || c.PendingOpTolerance > 1 {
		return fmt.Errorf("pending_op_tolerance must be in (0,1], got %g", c.PendingOpTolerance)
	}
	if c.MaxCapacity <= 0 {
		return fmt.Errorf("max_capacity must be positive, got %d", c.MaxCapacity)
	}
	if c.JoiningTimeout <= 0 {
		return errors.New("joining_timeout must be positive")
	}
	return nil
}

// GenesisPublicKey parses GenesisKey.
func (c *Config) GenesisPublicKey() (crypto.PublicKey, error) {
	return crypto.ParsePublicKey(c.GenesisKey)
}

// LivenessConfig returns the tracker tuning.
func (c *Config) LivenessConfig() liveness.Config {
	return liveness.Config{
		NeighbourCount:     c.NeighbourCount,
		MinPendingOps:      c.MinPendingOps,
		PendingOpTolerance: c.PendingOpTolerance,
	}
}

// SessionConfig returns the per-peer session tuning.
func (c *Config) SessionConfig() comm.SessionConfig {
	sc := comm.DefaultSessionConfig()
	sc.MaxSendJobRetries = c.MaxSendJobRetries
	if c.ConnectTimeout > 0 {
		sc.ConnectTimeout = c.ConnectTimeout
	}
	return sc
}
