package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr    string `yaml:"http_addr"`
	DataDir     string `yaml:"data_dir"`
	Backend     string `yaml:"backend"`
	DBPath      string `yaml:"db_path"`
	SessionsDir string `yaml:"sessions_dir"`

	MaxSteps         int `yaml:"max_steps"`
	HeartbeatSeconds int `yaml:"heartbeat_seconds"`
	ToolOutputLimit  int `yaml:"tool_output_limit"`
	PageSize         int `yaml:"page_size"`
}

// Load builds the configuration in three layers: defaults, an optional
// YAML file (GO_CONVO_CONFIG, default convo.yaml), then environment
// variables. Later layers win.
func Load() (Config, error) {
	loadDotEnv(".env")
	cfg := Config{
		HTTPAddr:         ":8080",
		DataDir:          "data",
		Backend:          "file",
		MaxSteps:         12,
		HeartbeatSeconds: 15,
		ToolOutputLimit:  4000,
		PageSize:         20,
	}

	path := getEnv("GO_CONVO_CONFIG", "convo.yaml")
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	} else if os.Getenv("GO_CONVO_CONFIG") != "" {
		return Config{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	cfg.HTTPAddr = getEnv("GO_CONVO_HTTP_ADDR", cfg.HTTPAddr)
	cfg.DataDir = getEnv("GO_CONVO_DATA_DIR", cfg.DataDir)
	cfg.Backend = getEnv("GO_CONVO_BACKEND", cfg.Backend)
	cfg.DBPath = getEnv("GO_CONVO_DB_PATH", cfg.DBPath)
	cfg.SessionsDir = getEnv("GO_CONVO_SESSIONS_DIR", cfg.SessionsDir)
	cfg.MaxSteps = getEnvInt("GO_CONVO_MAX_STEPS", cfg.MaxSteps)
	cfg.HeartbeatSeconds = getEnvInt("GO_CONVO_HEARTBEAT_SECONDS", cfg.HeartbeatSeconds)
	cfg.ToolOutputLimit = getEnvInt("GO_CONVO_TOOL_OUTPUT_LIMIT", cfg.ToolOutputLimit)
	cfg.PageSize = getEnvInt("GO_CONVO_PAGE_SIZE", cfg.PageSize)

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "convo.db")
	}
	if cfg.SessionsDir == "" {
		cfg.SessionsDir = filepath.Join(cfg.DataDir, "sessions")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
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
