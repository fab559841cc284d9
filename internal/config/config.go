package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/basket/go-foreman/internal/otel"
	"gopkg.in/yaml.v3"
)

type DispatcherConfig struct {
	PollIntervalMS   int  `yaml:"poll_interval_ms"`
	AutonomyParallel bool `yaml:"autonomy_parallel"`
}

type TierLimits struct {
	MaxSteps    int `yaml:"max_steps"`
	MaxMessages int `yaml:"max_messages"`
}

type TiersConfig struct {
	Trivial              TierLimits `yaml:"trivial"`
	Standard             TierLimits `yaml:"standard"`
	Deep                 TierLimits `yaml:"deep"`
	BonusSteps           int        `yaml:"bonus_steps"`
	InvalidOutputRetries int        `yaml:"invalid_output_retries"`
}

type GuardConfig struct {
	LoopRepeatLimit     int            `yaml:"loop_repeat_limit"`
	PatternWindow       int            `yaml:"pattern_window"`
	PatternGroup        int            `yaml:"pattern_group"`
	DefaultCeiling      int            `yaml:"default_ceiling"`
	ResearchCeiling     int            `yaml:"research_ceiling"`
	ToolCeilings        map[string]int `yaml:"tool_ceilings"`
	FailureCeiling      int            `yaml:"failure_ceiling"`
	ForceUpdateSteps    int            `yaml:"force_update_steps"`
	SimilarityThreshold float64        `yaml:"similarity_threshold"`
	SubstantiveLength   int            `yaml:"substantive_length"`
	AckLength           int            `yaml:"ack_length"`
	ResearchTools       []string       `yaml:"research_tools"`
	TrivialTools        []string       `yaml:"trivial_tools"`
	MessageTools        []string       `yaml:"message_tools"`
	SideEffectTools     []string       `yaml:"side_effect_tools"`
}

type RetryConfig struct {
	MaxAttempts     int `yaml:"max_attempts"`
	BaseDelayMS     int `yaml:"base_delay_ms"`
	MaxDelayMS      int `yaml:"max_delay_ms"`
	SweepIntervalMS int `yaml:"sweep_interval_ms"`
}

type RecoveryConfig struct {
	WatchdogSeconds      int    `yaml:"watchdog_seconds"`
	StaleSeconds         int    `yaml:"stale_seconds"`
	WaitingWindowSeconds int    `yaml:"waiting_window_seconds"`
	SweepIntervalMS      int    `yaml:"sweep_interval_ms"`
	LockFile             string `yaml:"lock_file"`
}

type ProducerConfig struct {
	DedupWindowSeconds int `yaml:"dedup_window_seconds"`
}

type AuditConfig struct {
	RecoveryDedupWindowSeconds int      `yaml:"recovery_dedup_window_seconds"`
	UserFacingChannels         []string `yaml:"user_facing_channels"`
}

type OracleConfig struct {
	Provider          string `yaml:"provider"`
	Model             string `yaml:"model"`
	APIKey            string `yaml:"api_key"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	MaxAttempts       int    `yaml:"max_attempts"`
	BaseDelayMS       int    `yaml:"base_delay_ms"`
	TimeoutSeconds    int    `yaml:"timeout_seconds"`
}

type TelegramConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Token          string  `yaml:"token"`
	AllowedChatIDs []int64 `yaml:"allowed_chat_ids"`
}

// RetentionConfig bounds how long settled history is kept. A zero day count
// keeps that category forever.
type RetentionConfig struct {
	EventDays     int `yaml:"event_days"`
	AuditDays     int `yaml:"audit_days"`
	TraceDays     int `yaml:"trace_days"`
	IntervalHours int `yaml:"interval_hours"`
}

type HeartbeatConfig struct {
	TickSeconds    int `yaml:"tick_seconds"`
	MaxIdleSeconds int `yaml:"max_idle_seconds"`
}

type Config struct {
	HomeDir  string `yaml:"-"`
	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Tiers      TiersConfig      `yaml:"tiers"`
	Guard      GuardConfig      `yaml:"guard"`
	Retry      RetryConfig      `yaml:"retry"`
	Recovery   RecoveryConfig   `yaml:"recovery"`
	Producer   ProducerConfig   `yaml:"producer"`
	Audit      AuditConfig      `yaml:"audit"`
	Oracle     OracleConfig     `yaml:"oracle"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Heartbeat  HeartbeatConfig  `yaml:"heartbeat"`
	Retention  RetentionConfig  `yaml:"retention"`
	OTel       otel.Config      `yaml:"otel"`

	// NeedsInit is set when no config.yaml exists yet.
	NeedsInit bool `yaml:"-"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:   "info",
		Dispatcher: DispatcherConfig{PollIntervalMS: 250},
		Tiers: TiersConfig{
			Trivial:              TierLimits{MaxSteps: 2, MaxMessages: 1},
			Standard:             TierLimits{MaxSteps: 12, MaxMessages: 4},
			Deep:                 TierLimits{MaxSteps: 30, MaxMessages: 8},
			BonusSteps:           2,
			InvalidOutputRetries: 3,
		},
		Guard: GuardConfig{
			LoopRepeatLimit:     3,
			PatternWindow:       6,
			PatternGroup:        2,
			DefaultCeiling:      8,
			ResearchCeiling:     20,
			FailureCeiling:      3,
			ForceUpdateSteps:    5,
			SimilarityThreshold: 0.8,
			SubstantiveLength:   280,
			AckLength:           160,
			ResearchTools:       []string{"search", "web_search", "fetch", "web_fetch", "browse", "browser_navigate", "read_url"},
			TrivialTools:        []string{"send_message", "send_file", "think", "note", "set_status", "await_input", "noop"},
			MessageTools:        []string{"send_message"},
			SideEffectTools:     []string{"send_message", "send_file", "deliver_file"},
		},
		Retry: RetryConfig{
			MaxAttempts:     3,
			BaseDelayMS:     2000,
			MaxDelayMS:      60000,
			SweepIntervalMS: 1000,
		},
		Recovery: RecoveryConfig{
			WatchdogSeconds:      900,
			StaleSeconds:         1800,
			WaitingWindowSeconds: 3600,
			SweepIntervalMS:      5000,
			LockFile:             "foreman.lock",
		},
		Producer: ProducerConfig{DedupWindowSeconds: 30},
		Audit: AuditConfig{
			RecoveryDedupWindowSeconds: 600,
			UserFacingChannels:         []string{"telegram"},
		},
		Oracle: OracleConfig{
			Provider:          "google",
			Model:             "gemini-2.5-flash",
			RequestsPerMinute: 60,
			MaxAttempts:       3,
			BaseDelayMS:       500,
			TimeoutSeconds:    60,
		},
		Heartbeat: HeartbeatConfig{TickSeconds: 15, MaxIdleSeconds: 120},
		Retention: RetentionConfig{EventDays: 30, AuditDays: 90, TraceDays: 7, IntervalHours: 6},
		OTel:      otel.Config{Exporter: "none"},
	}
}

// HomeDir resolves FOREMAN_HOME, falling back to ~/.foreman.
func HomeDir() string {
	if v := os.Getenv("FOREMAN_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".foreman")
}

func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the home directory and applies defaults and
// environment overrides.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create foreman home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
		cfg.NeedsInit = true
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

// WriteDefault writes the default configuration to config.yaml unless one
// already exists.
func WriteDefault(homeDir string) (string, error) {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return "", fmt.Errorf("create foreman home: %w", err)
	}
	data, err := yaml.Marshal(defaultConfig())
	if err != nil {
		return "", fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write config.yaml: %w", err)
	}
	return path, nil
}

// Fingerprint identifies the effective configuration in logs.
func (c Config) Fingerprint() string {
	data, _ := yaml.Marshal(c)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

func (c Config) ResolvedDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.HomeDir, "foreman.db")
}

func (c Config) LockPath() string {
	if filepath.IsAbs(c.Recovery.LockFile) {
		return c.Recovery.LockFile
	}
	return filepath.Join(c.HomeDir, c.Recovery.LockFile)
}

func (d DispatcherConfig) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalMS) * time.Millisecond
}

func (r RetryConfig) BaseDelay() time.Duration { return time.Duration(r.BaseDelayMS) * time.Millisecond }
func (r RetryConfig) MaxDelay() time.Duration  { return time.Duration(r.MaxDelayMS) * time.Millisecond }
func (r RetryConfig) SweepInterval() time.Duration {
	return time.Duration(r.SweepIntervalMS) * time.Millisecond
}

func (r RecoveryConfig) Watchdog() time.Duration { return time.Duration(r.WatchdogSeconds) * time.Second }
func (r RecoveryConfig) Stale() time.Duration    { return time.Duration(r.StaleSeconds) * time.Second }
func (r RecoveryConfig) WaitingWindow() time.Duration {
	return time.Duration(r.WaitingWindowSeconds) * time.Second
}
func (r RecoveryConfig) SweepInterval() time.Duration {
	return time.Duration(r.SweepIntervalMS) * time.Millisecond
}

func (p ProducerConfig) DedupWindow() time.Duration {
	return time.Duration(p.DedupWindowSeconds) * time.Second
}

func (a AuditConfig) RecoveryDedupWindow() time.Duration {
	return time.Duration(a.RecoveryDedupWindowSeconds) * time.Second
}

func (o OracleConfig) BaseDelay() time.Duration { return time.Duration(o.BaseDelayMS) * time.Millisecond }
func (o OracleConfig) Timeout() time.Duration   { return time.Duration(o.TimeoutSeconds) * time.Second }

func (h HeartbeatConfig) Tick() time.Duration    { return time.Duration(h.TickSeconds) * time.Second }
func (h HeartbeatConfig) MaxIdle() time.Duration { return time.Duration(h.MaxIdleSeconds) * time.Second }

func (r RetentionConfig) Interval() time.Duration {
	return time.Duration(r.IntervalHours) * time.Hour
}

func normalize(cfg *Config) {
	def := defaultConfig()
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	positive(&cfg.Dispatcher.PollIntervalMS, def.Dispatcher.PollIntervalMS)

	tierDefaults := []struct{ got, def *TierLimits }{
		{&cfg.Tiers.Trivial, &def.Tiers.Trivial},
		{&cfg.Tiers.Standard, &def.Tiers.Standard},
		{&cfg.Tiers.Deep, &def.Tiers.Deep},
	}
	for _, td := range tierDefaults {
		positive(&td.got.MaxSteps, td.def.MaxSteps)
		positive(&td.got.MaxMessages, td.def.MaxMessages)
	}
	if cfg.Tiers.BonusSteps < 0 {
		cfg.Tiers.BonusSteps = 0
	}
	positive(&cfg.Tiers.InvalidOutputRetries, def.Tiers.InvalidOutputRetries)

	g := &cfg.Guard
	positive(&g.LoopRepeatLimit, def.Guard.LoopRepeatLimit)
	positive(&g.PatternGroup, def.Guard.PatternGroup)
	positive(&g.PatternWindow, def.Guard.PatternWindow)
	if g.PatternWindow%g.PatternGroup != 0 || g.PatternWindow/g.PatternGroup < 2 {
		g.PatternWindow, g.PatternGroup = def.Guard.PatternWindow, def.Guard.PatternGroup
	}
	positive(&g.DefaultCeiling, def.Guard.DefaultCeiling)
	positive(&g.ResearchCeiling, def.Guard.ResearchCeiling)
	if g.ResearchCeiling < g.DefaultCeiling {
		g.ResearchCeiling = g.DefaultCeiling
	}
	positive(&g.FailureCeiling, def.Guard.FailureCeiling)
	positive(&g.ForceUpdateSteps, def.Guard.ForceUpdateSteps)
	if g.SimilarityThreshold <= 0 || g.SimilarityThreshold > 1 {
		g.SimilarityThreshold = def.Guard.SimilarityThreshold
	}
	positive(&g.SubstantiveLength, def.Guard.SubstantiveLength)
	positive(&g.AckLength, def.Guard.AckLength)
	if g.ResearchTools == nil {
		g.ResearchTools = def.Guard.ResearchTools
	}
	if g.TrivialTools == nil {
		g.TrivialTools = def.Guard.TrivialTools
	}
	if g.MessageTools == nil {
		g.MessageTools = def.Guard.MessageTools
	}
	if g.SideEffectTools == nil {
		g.SideEffectTools = def.Guard.SideEffectTools
	}

	positive(&cfg.Retry.MaxAttempts, def.Retry.MaxAttempts)
	positive(&cfg.Retry.BaseDelayMS, def.Retry.BaseDelayMS)
	positive(&cfg.Retry.MaxDelayMS, def.Retry.MaxDelayMS)
	positive(&cfg.Retry.SweepIntervalMS, def.Retry.SweepIntervalMS)

	positive(&cfg.Recovery.WatchdogSeconds, def.Recovery.WatchdogSeconds)
	positive(&cfg.Recovery.StaleSeconds, def.Recovery.StaleSeconds)
	positive(&cfg.Recovery.WaitingWindowSeconds, def.Recovery.WaitingWindowSeconds)
	positive(&cfg.Recovery.SweepIntervalMS, def.Recovery.SweepIntervalMS)
	if strings.TrimSpace(cfg.Recovery.LockFile) == "" {
		cfg.Recovery.LockFile = def.Recovery.LockFile
	}

	if cfg.Producer.DedupWindowSeconds < 0 {
		cfg.Producer.DedupWindowSeconds = 0
	}
	positive(&cfg.Audit.RecoveryDedupWindowSeconds, def.Audit.RecoveryDedupWindowSeconds)
	if cfg.Audit.UserFacingChannels == nil {
		cfg.Audit.UserFacingChannels = def.Audit.UserFacingChannels
	}

	cfg.Oracle.Provider = strings.ToLower(strings.TrimSpace(cfg.Oracle.Provider))
	if cfg.Oracle.Provider == "" {
		cfg.Oracle.Provider = def.Oracle.Provider
	}
	if strings.TrimSpace(cfg.Oracle.Model) == "" {
		cfg.Oracle.Model = def.Oracle.Model
	}
	positive(&cfg.Oracle.RequestsPerMinute, def.Oracle.RequestsPerMinute)
	positive(&cfg.Oracle.MaxAttempts, def.Oracle.MaxAttempts)
	positive(&cfg.Oracle.BaseDelayMS, def.Oracle.BaseDelayMS)
	positive(&cfg.Oracle.TimeoutSeconds, def.Oracle.TimeoutSeconds)

	positive(&cfg.Heartbeat.TickSeconds, def.Heartbeat.TickSeconds)
	positive(&cfg.Heartbeat.MaxIdleSeconds, def.Heartbeat.MaxIdleSeconds)
	if cfg.Heartbeat.MaxIdleSeconds < cfg.Heartbeat.TickSeconds {
		cfg.Heartbeat.MaxIdleSeconds = cfg.Heartbeat.TickSeconds
	}

	for _, days := range []*int{&cfg.Retention.EventDays, &cfg.Retention.AuditDays, &cfg.Retention.TraceDays} {
		if *days < 0 {
			*days = 0
		}
	}
	positive(&cfg.Retention.IntervalHours, def.Retention.IntervalHours)
}

func positive(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("FOREMAN_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("FOREMAN_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("FOREMAN_POLL_INTERVAL_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Dispatcher.PollIntervalMS = v
		}
	}
	if raw := os.Getenv("FOREMAN_AUTONOMY_PARALLEL"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Dispatcher.AutonomyParallel = v
		}
	}
	if raw := os.Getenv("FOREMAN_WATCHDOG_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Recovery.WatchdogSeconds = v
		}
	}
	if raw := os.Getenv("FOREMAN_ORACLE_MODEL"); raw != "" {
		cfg.Oracle.Model = raw
	}
	if raw := os.Getenv("GEMINI_API_KEY"); raw != "" {
		cfg.Oracle.APIKey = raw
	}
	if raw := os.Getenv("TELEGRAM_BOT_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
		cfg.Telegram.Enabled = true
	}
	if raw := os.Getenv("FOREMAN_OTEL_EXPORTER"); raw != "" {
		cfg.OTel.Enabled = raw != "none"
		cfg.OTel.Exporter = raw
	}
}
