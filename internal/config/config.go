package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Backend kinds.
const (
	BackendHTTP   = "http"
	BackendMemory = "memory"
)

// Ledger store kinds.
const (
	LedgerSQLite = "sqlite"
	LedgerMongo  = "mongo"
)

// Config holds application configuration.
type Config struct {
	// Model is the completion model name (e.g. "gemini-2.5-flash").
	Model string `json:"model"`

	// APIKey is the completion service key. Usually supplied via GEMINI_API_KEY.
	APIKey string `json:"api_key,omitempty"`

	// CompletionTimeoutSeconds bounds a single completion call. 0 disables the bound.
	CompletionTimeoutSeconds int `json:"completion_timeout_seconds,omitempty"`

	// Backend selects the notes backend: "http" talks to BackendURL,
	// "memory" uses an in-process store (local development and demos).
	Backend string `json:"backend,omitempty"`

	// BackendURL is the base URL of the notes REST API, including port.
	BackendURL string `json:"backend_url,omitempty"`

	// BackendToken is used by the CLI and MCP surfaces when no token is passed explicitly.
	BackendToken string `json:"backend_token,omitempty"`

	// LedgerStore selects the action ledger backing store: "sqlite" or "mongo".
	LedgerStore string `json:"ledger_store,omitempty"`

	// MongoURI and MongoDatabase configure the mongo ledger store.
	MongoURI      string `json:"mongo_uri,omitempty"`
	MongoDatabase string `json:"mongo_database,omitempty"`

	// RetentionMinutes is how long ledger records and conversation memory live
	// after creation, regardless of status.
	RetentionMinutes int `json:"retention_minutes,omitempty"`

	// SweepIntervalSeconds is how often the sqlite ledger purges expired records.
	SweepIntervalSeconds int `json:"sweep_interval_seconds,omitempty"`

	// MaxIterations caps completion round trips per request.
	MaxIterations int `json:"max_iterations,omitempty"`

	// MaxHistoryMessages is the number of user/model pairs kept per user.
	MaxHistoryMessages int `json:"max_history_messages,omitempty"`

	// PromptPath overrides the embedded system instruction.
	PromptPath string `json:"prompt_path,omitempty"`

	// Bind and Port configure the HTTP server.
	Bind string `json:"bind,omitempty"`
	Port int    `json:"port,omitempty"`

	// LogLevel is one of debug, info, warn, error. LogJSON switches to JSON output.
	LogLevel string `json:"log_level,omitempty"`
	LogJSON  bool   `json:"log_json,omitempty"`

	// TraceExporter is "none" (default) or "stdout".
	TraceExporter string `json:"trace_exporter,omitempty"`

	// DBMaxOpenConns limits the maximum number of open database connections.
	// 0 means use sql.DB default (unlimited). Only set if you experience contention.
	DBMaxOpenConns int `json:"db_max_open_conns,omitempty"`

	// DBMaxIdleConns limits the maximum number of idle database connections.
	DBMaxIdleConns int `json:"db_max_idle_conns,omitempty"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	DisabledTools []string `json:"disabled_tools,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Model:                    "gemini-2.5-flash",
		CompletionTimeoutSeconds: 60,
		Backend:                  BackendHTTP,
		BackendURL:               "http://localhost:5000",
		LedgerStore:              LedgerSQLite,
		MongoDatabase:            "assist",
		RetentionMinutes:         30,
		SweepIntervalSeconds:     60,
		MaxIterations:            10,
		MaxHistoryMessages:       5,
		Bind:                     "127.0.0.1",
		Port:                     3000,
		LogLevel:                 "info",
	}
}

// Retention returns RetentionMinutes as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionMinutes) * time.Minute
}

// SweepInterval returns SweepIntervalSeconds as a duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// CompletionTimeout returns CompletionTimeoutSeconds as a duration.
func (c *Config) CompletionTimeout() time.Duration {
	return time.Duration(c.CompletionTimeoutSeconds) * time.Second
}

// Load loads configuration from baseDir/config.json.
// Returns default config if the file doesn't exist.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.assist.
func Load(baseDir string) (*Config, error) {
	return loadFile(filepath.Join(baseDir, "config.json"))
}

// loadFileRaw loads configuration from a specific file path.
// Returns zero-valued config if the file doesn't exist (not defaults).
func loadFileRaw(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFile loads configuration from a specific file path.
// Returns default config if the file doesn't exist.
func loadFile(configPath string) (*Config, error) {
	cfg, err := loadFileRaw(configPath)
	if err != nil {
		return nil, err
	}
	return Merge(DefaultConfig(), cfg), nil
}

// ApplyEnv overlays environment variables onto cfg. getenv is usually os.Getenv.
// BACKEND_PORT is appended to BACKEND_URL when both are set.
func ApplyEnv(cfg *Config, getenv func(string) string) (*Config, error) {
	overlay := &Config{
		Model:         strings.TrimSpace(getenv("MODEL")),
		APIKey:        strings.TrimSpace(getenv("GEMINI_API_KEY")),
		MongoURI:      strings.TrimSpace(getenv("MONGODB_URI")),
		LogLevel:      strings.TrimSpace(getenv("ASSIST_LOG_LEVEL")),
		TraceExporter: strings.TrimSpace(getenv("ASSIST_OTEL_EXPORTER")),
		BackendURL:    strings.TrimSpace(getenv("BACKEND_URL")),
	}

	if port := strings.TrimSpace(getenv("BACKEND_PORT")); port != "" && overlay.BackendURL != "" {
		overlay.BackendURL = strings.TrimRight(overlay.BackendURL, "/") + ":" + port
	}
	if overlay.MongoURI != "" {
		overlay.LedgerStore = LedgerMongo
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"PORT", &overlay.Port},
		{"MAX_HISTORY_MESSAGES", &overlay.MaxHistoryMessages},
	}
	for _, e := range ints {
		raw := strings.TrimSpace(getenv(e.key))
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %q", e.key, raw)
		}
		*e.dst = n
	}

	return Merge(cfg, overlay), nil
}

// Validate checks the settings needed at startup.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendHTTP:
		if c.BackendURL == "" {
			return errors.New("backend_url is required for the http backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown backend %q (want http or memory)", c.Backend)
	}

	switch c.LedgerStore {
	case LedgerSQLite:
	case LedgerMongo:
		if c.MongoURI == "" {
			return errors.New("mongo_uri is required for the mongo ledger store")
		}
	default:
		return fmt.Errorf("unknown ledger_store %q (want sqlite or mongo)", c.LedgerStore)
	}

	if c.MaxIterations <= 0 {
		return errors.New("max_iterations must be positive")
	}
	if c.RetentionMinutes <= 0 {
		return errors.New("retention_minutes must be positive")
	}
	return nil
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars; arrays are merged and deduplicated.
func Merge(base, overlay *Config) *Config {
	result := &Config{}

	result.Model = mergeString(base.Model, overlay.Model)
	result.APIKey = mergeString(base.APIKey, overlay.APIKey)
	result.Backend = mergeString(base.Backend, overlay.Backend)
	result.BackendURL = mergeString(base.BackendURL, overlay.BackendURL)
	result.BackendToken = mergeString(base.BackendToken, overlay.BackendToken)
	result.LedgerStore = mergeString(base.LedgerStore, overlay.LedgerStore)
	result.MongoURI = mergeString(base.MongoURI, overlay.MongoURI)
	result.MongoDatabase = mergeString(base.MongoDatabase, overlay.MongoDatabase)
	result.PromptPath = mergeString(base.PromptPath, overlay.PromptPath)
	result.Bind = mergeString(base.Bind, overlay.Bind)
	result.LogLevel = mergeString(base.LogLevel, overlay.LogLevel)
	result.TraceExporter = mergeString(base.TraceExporter, overlay.TraceExporter)

	result.CompletionTimeoutSeconds = mergeInt(base.CompletionTimeoutSeconds, overlay.CompletionTimeoutSeconds)
	result.RetentionMinutes = mergeInt(base.RetentionMinutes, overlay.RetentionMinutes)
	result.SweepIntervalSeconds = mergeInt(base.SweepIntervalSeconds, overlay.SweepIntervalSeconds)
	result.MaxIterations = mergeInt(base.MaxIterations, overlay.MaxIterations)
	result.MaxHistoryMessages = mergeInt(base.MaxHistoryMessages, overlay.MaxHistoryMessages)
	result.Port = mergeInt(base.Port, overlay.Port)
	result.DBMaxOpenConns = mergeInt(base.DBMaxOpenConns, overlay.DBMaxOpenConns)
	result.DBMaxIdleConns = mergeInt(base.DBMaxIdleConns, overlay.DBMaxIdleConns)

	// Booleans: overlay wins if true, else base
	result.LogJSON = base.LogJSON || overlay.LogJSON

	result.DisabledTools = mergeStringSlice(base.DisabledTools, overlay.DisabledTools)

	return result
}

func mergeString(base, overlay string) string {
	if overlay != "" {
		return overlay
	}
	return base
}

func mergeInt(base, overlay int) int {
	if overlay != 0 {
		return overlay
	}
	return base
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, s := range append(append([]string{}, a...), b...) {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}
