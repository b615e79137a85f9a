package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr  string
	DataDir   string
	DBPath    string
	LogLevel  string
	RunnerURL string

	PoolSize        int
	MaxSessionAge   time.Duration
	CleanupInterval time.Duration
	WarmupTimeout   time.Duration
	WarmupCommand   string

	ContextMaxTokens int
}

// DefaultWarmupCommand is the lightweight round trip used to confirm a new
// session is live before marking it ready.
const DefaultWarmupCommand = "Respond with the single word READY."

// fileConfig mirrors Config for the optional YAML config file. Durations are
// milliseconds to match the service's historical configuration surface.
type fileConfig struct {
	HTTPAddr          string `yaml:"http_addr"`
	RunnerURL         string `yaml:"runner_url"`
	DataDir           string `yaml:"data_dir"`
	DBPath            string `yaml:"db_path"`
	LogLevel          string `yaml:"log_level"`
	PoolSize          *int   `yaml:"pool_size"`
	MaxSessionAgeMS   *int   `yaml:"max_session_age_ms"`
	CleanupIntervalMS *int   `yaml:"cleanup_interval_ms"`
	WarmupTimeoutMS   *int   `yaml:"warmup_timeout_ms"`
	WarmupCommand     string `yaml:"warmup_command"`
	ContextMaxTokens  *int   `yaml:"context_max_tokens"`
}

// Load builds the configuration from defaults, then the YAML file named by
// AGENT_BROKER_CONFIG (if any), then environment variables. Later sources win.
func Load() (Config, error) {
	loadDotEnv(".env")

	cfg := Config{
		HTTPAddr:         ":8080",
		DataDir:          "data",
		LogLevel:         "info",
		RunnerURL:        "http://127.0.0.1:8791",
		PoolSize:         1,
		MaxSessionAge:    300000 * time.Millisecond,
		CleanupInterval:  60000 * time.Millisecond,
		WarmupTimeout:    30000 * time.Millisecond,
		WarmupCommand:    DefaultWarmupCommand,
		ContextMaxTokens: 8000,
	}

	if path := os.Getenv("AGENT_BROKER_CONFIG"); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "agent-broker.db")
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	if fc.HTTPAddr != "" {
		cfg.HTTPAddr = fc.HTTPAddr
	}
	if fc.RunnerURL != "" {
		cfg.RunnerURL = fc.RunnerURL
	}
	if fc.DataDir != "" {
		cfg.DataDir = fc.DataDir
	}
	if fc.DBPath != "" {
		cfg.DBPath = fc.DBPath
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if fc.PoolSize != nil {
		cfg.PoolSize = *fc.PoolSize
	}
	if fc.MaxSessionAgeMS != nil {
		cfg.MaxSessionAge = time.Duration(*fc.MaxSessionAgeMS) * time.Millisecond
	}
	if fc.CleanupIntervalMS != nil {
		cfg.CleanupInterval = time.Duration(*fc.CleanupIntervalMS) * time.Millisecond
	}
	if fc.WarmupTimeoutMS != nil {
		cfg.WarmupTimeout = time.Duration(*fc.WarmupTimeoutMS) * time.Millisecond
	}
	if fc.WarmupCommand != "" {
		cfg.WarmupCommand = fc.WarmupCommand
	}
	if fc.ContextMaxTokens != nil {
		cfg.ContextMaxTokens = *fc.ContextMaxTokens
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.HTTPAddr = getEnv("AGENT_BROKER_HTTP_ADDR", cfg.HTTPAddr)
	cfg.RunnerURL = getEnv("AGENT_BROKER_RUNNER_URL", cfg.RunnerURL)
	cfg.DataDir = getEnv("AGENT_BROKER_DATA_DIR", cfg.DataDir)
	cfg.DBPath = getEnv("AGENT_BROKER_DB_PATH", cfg.DBPath)
	cfg.LogLevel = getEnv("AGENT_BROKER_LOG_LEVEL", cfg.LogLevel)
	cfg.WarmupCommand = getEnv("AGENT_BROKER_WARMUP_COMMAND", cfg.WarmupCommand)

	var err error
	if cfg.PoolSize, err = getEnvInt("AGENT_BROKER_POOL_SIZE", cfg.PoolSize); err != nil {
		return err
	}
	if cfg.ContextMaxTokens, err = getEnvInt("AGENT_BROKER_CONTEXT_MAX_TOKENS", cfg.ContextMaxTokens); err != nil {
		return err
	}
	if cfg.MaxSessionAge, err = getEnvMillis("AGENT_BROKER_MAX_SESSION_AGE_MS", cfg.MaxSessionAge); err != nil {
		return err
	}
	if cfg.CleanupInterval, err = getEnvMillis("AGENT_BROKER_CLEANUP_INTERVAL_MS", cfg.CleanupInterval); err != nil {
		return err
	}
	if cfg.WarmupTimeout, err = getEnvMillis("AGENT_BROKER_WARMUP_TIMEOUT_MS", cfg.WarmupTimeout); err != nil {
		return err
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return parsed, nil
}

func getEnvMillis(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return time.Duration(parsed) * time.Millisecond, nil
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
