package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures every setting required to run the release gate.
type Config struct {
	Server       ServerConfig               `yaml:"server"`
	Logging      LoggingConfig              `yaml:"logging"`
	Correlation  CorrelationConfig          `yaml:"correlation"`
	Recovery     RecoveryConfig             `yaml:"recovery"`
	Orchestrator OrchestratorConfig         `yaml:"orchestrator"`
	Subsystems   map[string]SubsystemConfig `yaml:"subsystems"`
	Reporting    ReportingConfig            `yaml:"reporting"`
	History      HistoryConfig              `yaml:"history"`
	Cache        CacheConfig                `yaml:"cache"`
	Telemetry    TelemetryConfig            `yaml:"telemetry"`
	Monitor      MonitorConfig              `yaml:"monitor"`
}

// ServerConfig controls the gRPC ingestion listener and the metrics endpoint.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// CorrelationConfig controls pattern matching and the learning loop.
type CorrelationConfig struct {
	Threshold         float64 `yaml:"threshold"`
	PatternsPath      string  `yaml:"patternsPath"`
	StatsPath         string  `yaml:"statsPath"`
	MatrixPath        string  `yaml:"matrixPath"`
	LearningQueuePath string  `yaml:"learningQueuePath"`
	RulesPath         string  `yaml:"rulesPath"`
	WatchPatterns     bool    `yaml:"watchPatterns"`
}

// RetryConfig is the reusable retry policy shape shared by recovery and phases.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"maxAttempts"`
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
	Multiplier      float64       `yaml:"multiplier"`
	Linear          bool          `yaml:"linear"`
}

// ProcedureConfig declares one external recovery procedure.
type ProcedureConfig struct {
	Command []string          `yaml:"command"`
	Dir     string            `yaml:"dir"`
	Env     map[string]string `yaml:"env"`
	Timeout time.Duration     `yaml:"timeout"`
}

// RecoveryConfig controls automated remediation.
type RecoveryConfig struct {
	Enabled       bool                       `yaml:"enabled"`
	Timeout       time.Duration              `yaml:"timeout"`
	MaxAttempts   int                        `yaml:"maxAttempts"`
	RatePerSecond float64                    `yaml:"ratePerSecond"`
	Burst         int                        `yaml:"burst"`
	Retry         RetryConfig                `yaml:"retry"`
	Procedures    map[string]ProcedureConfig `yaml:"procedures"`
}

// OrchestratorConfig controls plan execution.
type OrchestratorConfig struct {
	SuccessThreshold float64       `yaml:"successThreshold"`
	RunTimeout       time.Duration `yaml:"runTimeout"`
	DefaultTimeout   time.Duration `yaml:"defaultTimeout"`
	PlansPath        string        `yaml:"plansPath"`
	AnalysisWorkers  int           `yaml:"analysisWorkers"`
	AnalysisQueue    int           `yaml:"analysisQueue"`
	AnalyzeWarnings  bool          `yaml:"analyzeWarnings"`
	OutputTail       int           `yaml:"outputTail"`
	Retry            RetryConfig   `yaml:"retry"`
}

// SubsystemConfig declares one external validation tool.
type SubsystemConfig struct {
	Command     []string          `yaml:"command"`
	Dir         string            `yaml:"dir"`
	Env         map[string]string `yaml:"env"`
	Timeout     time.Duration     `yaml:"timeout"`
	Critical    bool              `yaml:"critical"`
	VersionArgs []string          `yaml:"versionArgs"`
	Scorer      string            `yaml:"scorer"`
}

// ReportingConfig controls run artifacts and analytics.
type ReportingConfig struct {
	OutputDir            string        `yaml:"outputDir"`
	TrendWindow          int           `yaml:"trendWindow"`
	BottleneckThreshold  time.Duration `yaml:"bottleneckThreshold"`
	RunBudget            time.Duration `yaml:"runBudget"`
	FailureRateThreshold float64       `yaml:"failureRateThreshold"`
}

// HistoryConfig selects the run history backend.
type HistoryConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// CacheConfig controls the redis-backed ingestion dedupe cache.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	DedupeTTL    time.Duration `yaml:"dedupeTTL"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	TracingEnabled bool   `yaml:"tracingEnabled"`
	ServiceName    string `yaml:"serviceName"`
	TracesPath     string `yaml:"tracesPath"`
}

// MonitorConfig controls the repeating monitor loop.
type MonitorConfig struct {
	Interval time.Duration `yaml:"interval"`
	Plan     string        `yaml:"plan"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("RELEASE_GATE_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration without reading files or the environment.
func Default() *Config {
	cfg := defaultConfig()
	return &cfg
}

// Validate rejects settings that would break scoring invariants.
func (c *Config) Validate() error {
	if c.Correlation.Threshold < 0 || c.Correlation.Threshold > 1 {
		return fmt.Errorf("correlation.threshold must be within [0,1], got %v", c.Correlation.Threshold)
	}
	if c.Orchestrator.SuccessThreshold < 0 || c.Orchestrator.SuccessThreshold > 1 {
		return fmt.Errorf("orchestrator.successThreshold must be within [0,1], got %v", c.Orchestrator.SuccessThreshold)
	}
	if c.Recovery.MaxAttempts < 0 {
		return fmt.Errorf("recovery.maxAttempts must not be negative")
	}
	for name, sub := range c.Subsystems {
		if len(sub.Command) == 0 {
			return fmt.Errorf("subsystem %q has no command", name)
		}
	}
	for ref, proc := range c.Recovery.Procedures {
		if len(proc.Command) == 0 {
			return fmt.Errorf("recovery procedure %q has no command", ref)
		}
	}
	switch c.History.Backend {
	case "", "file", "badger":
	default:
		return fmt.Errorf("history.backend must be file or badger, got %q", c.History.Backend)
	}
	return nil
}

const dataDir = ".release-gate"

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50061",
			MetricsAddress:  ":2113",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Correlation: CorrelationConfig{
			Threshold:         0.7,
			PatternsPath:      filepath.Join(dataDir, "patterns.json"),
			StatsPath:         filepath.Join(dataDir, "pattern-stats.json"),
			MatrixPath:        filepath.Join(dataDir, "correlation-matrix.json"),
			LearningQueuePath: filepath.Join(dataDir, "learning-queue.json"),
			RulesPath:         "configs/rules/preventive.yaml",
		},
		Recovery: RecoveryConfig{
			Enabled:       true,
			Timeout:       30 * time.Second,
			MaxAttempts:   5,
			RatePerSecond: 2,
			Burst:         5,
			Retry:         RetryConfig{MaxAttempts: 1, InitialInterval: time.Second, MaxInterval: 10 * time.Second, Linear: true},
			Procedures:    map[string]ProcedureConfig{},
		},
		Orchestrator: OrchestratorConfig{
			SuccessThreshold: 0.85,
			DefaultTimeout:   10 * time.Minute,
			AnalysisWorkers:  2,
			AnalysisQueue:    256,
			OutputTail:       4096,
			Retry:            RetryConfig{MaxAttempts: 1, InitialInterval: 2 * time.Second, MaxInterval: 30 * time.Second, Multiplier: 2},
		},
		Subsystems: defaultSubsystems(),
		Reporting: ReportingConfig{
			OutputDir:            filepath.Join(dataDir, "reports"),
			TrendWindow:          5,
			BottleneckThreshold:  5 * time.Minute,
			RunBudget:            30 * time.Minute,
			FailureRateThreshold: 0.2,
		},
		History: HistoryConfig{Backend: "file", Path: filepath.Join(dataDir, "history")},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
			DedupeTTL:    5 * time.Minute,
		},
		Telemetry: TelemetryConfig{ServiceName: "release-gate"},
		Monitor:   MonitorConfig{Interval: 15 * time.Minute, Plan: "monitor"},
	}
}

func defaultSubsystems() map[string]SubsystemConfig {
	return map[string]SubsystemConfig{
		"build": {
			Command:     []string{"npm", "run", "build"},
			Timeout:     10 * time.Minute,
			Critical:    true,
			VersionArgs: []string{"--version"},
			Scorer:      "exit",
		},
		"unit": {
			Command:     []string{"npx", "vitest", "run", "--reporter=json"},
			Timeout:     10 * time.Minute,
			VersionArgs: []string{"--version"},
			Scorer:      "auto",
		},
		"integration": {
			Command:     []string{"npm", "run", "test:integration"},
			Timeout:     15 * time.Minute,
			VersionArgs: []string{"--version"},
			Scorer:      "auto",
		},
		"e2e": {
			Command:     []string{"npx", "playwright", "test", "--reporter=json"},
			Timeout:     20 * time.Minute,
			VersionArgs: []string{"--version"},
			Scorer:      "auto",
		},
		"lighthouse": {
			Command:     []string{"npx", "lighthouse", "http://localhost:3000", "--output=json", "--quiet", "--chrome-flags=--headless"},
			Timeout:     5 * time.Minute,
			VersionArgs: []string{"--version"},
			Scorer:      "auto",
		},
		"a11y": {
			Command:     []string{"npx", "pa11y-ci", "--json"},
			Timeout:     5 * time.Minute,
			VersionArgs: []string{"--version"},
			Scorer:      "auto",
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RELEASE_GATE_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("RELEASE_GATE_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("RELEASE_GATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("RELEASE_GATE_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("RELEASE_GATE_CONFIDENCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Correlation.Threshold = f
		}
	}
	if v := os.Getenv("RELEASE_GATE_PATTERNS_PATH"); v != "" {
		cfg.Correlation.PatternsPath = v
	}
	if v := os.Getenv("RELEASE_GATE_LEARNING_QUEUE_PATH"); v != "" {
		cfg.Correlation.LearningQueuePath = v
	}
	if v := os.Getenv("RELEASE_GATE_RULES_PATH"); v != "" {
		cfg.Correlation.RulesPath = v
	}
	if v := os.Getenv("RELEASE_GATE_SUCCESS_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Orchestrator.SuccessThreshold = f
		}
	}
	if v := os.Getenv("RELEASE_GATE_RUN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Orchestrator.RunTimeout = d
		}
	}
	if v := os.Getenv("RELEASE_GATE_PLANS_PATH"); v != "" {
		cfg.Orchestrator.PlansPath = v
	}
	if v := os.Getenv("RELEASE_GATE_RECOVERY_ENABLED"); v != "" {
		cfg.Recovery.Enabled = parseBool(v)
	}
	if v := os.Getenv("RELEASE_GATE_RECOVERY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Recovery.Timeout = d
		}
	}
	if v := os.Getenv("RELEASE_GATE_OUTPUT_DIR"); v != "" {
		cfg.Reporting.OutputDir = v
	}
	if v := os.Getenv("RELEASE_GATE_HISTORY_BACKEND"); v != "" {
		cfg.History.Backend = v
	}
	if v := os.Getenv("RELEASE_GATE_HISTORY_PATH"); v != "" {
		cfg.History.Path = v
	}
	if v := os.Getenv("RELEASE_GATE_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = parseBool(v)
	}
	if v := os.Getenv("RELEASE_GATE_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("RELEASE_GATE_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("RELEASE_GATE_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("RELEASE_GATE_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("RELEASE_GATE_CACHE_TLS"); parseBool(v) {
		cfg.Cache.TLS = true
	}
	if v := os.Getenv("RELEASE_GATE_CACHE_DEDUPE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.DedupeTTL = d
		}
	}
	if v := os.Getenv("RELEASE_GATE_TRACING_ENABLED"); v != "" {
		cfg.Telemetry.TracingEnabled = parseBool(v)
	}
	if v := os.Getenv("RELEASE_GATE_MONITOR_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Monitor.Interval = d
		}
	}
}

func parseBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}
