package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds configuration for the attribution controller.
type Config struct {
	// CDP connection settings
	CDPAddress    string
	CDPPort       int
	TabURLFilter  string
	EvalTimeoutMS int

	// HTTP API
	BindAddr         string
	PortCandidates   []int
	PortAutoFallback bool

	// Logging
	LogLevel string
	LogFile  string

	// Catalog
	CatalogFile  string
	WatchCatalog bool

	// Page integration
	EngineExpr  string
	BindingName string
	Teardown    bool
	AutoAttach  bool

	// Storage
	JournalDir       string
	JournalMaxMB     int
	JournalBufferLen int
	CaptureDir       string
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		CDPAddress:       getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:          getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9220),
		TabURLFilter:     getEnvOrDefault("ATTRIB_TAB_URL_FILTER", ""),
		EvalTimeoutMS:    getEnvIntOrDefault("ATTRIB_EVAL_TIMEOUT_MS", 5000),
		BindAddr:         getEnvOrDefault("ATTRIB_BIND_ADDR", "127.0.0.1:8190"),
		PortAutoFallback: getEnvBoolOrDefault("ATTRIB_PORT_AUTO_FALLBACK", true),
		LogLevel:         strings.ToLower(getEnvOrDefault("ATTRIB_LOG_LEVEL", "info")),
		LogFile:          getEnvOrDefault("ATTRIB_LOG_FILE", "logs/attrib_controller.log"),
		CatalogFile:      getEnvOrDefault("ATTRIB_CATALOG_FILE", ""),
		WatchCatalog:     getEnvBoolOrDefault("ATTRIB_WATCH_CATALOG", true),
		EngineExpr:       getEnvOrDefault("ATTRIB_ENGINE_EXPR", "window.stxx"),
		BindingName:      getEnvOrDefault("ATTRIB_BINDING_NAME", "__tvAttribDataset"),
		Teardown:         getEnvBoolOrDefault("ATTRIB_TEARDOWN", false),
		AutoAttach:       getEnvBoolOrDefault("ATTRIB_AUTO_ATTACH", true),
		JournalDir:       getEnvOrDefault("ATTRIB_JOURNAL_DIR", "./attrib_journal"),
		JournalMaxMB:     getEnvIntOrDefault("ATTRIB_JOURNAL_MAX_MB", 50),
		JournalBufferLen: getEnvIntOrDefault("ATTRIB_JOURNAL_BUFFER", 1024),
		CaptureDir:       getEnvOrDefault("ATTRIB_CAPTURE_DIR", "./attrib_captures"),
	}

	ports, err := parsePorts(getEnvOrDefault("ATTRIB_PORT_CANDIDATES", "8190,8191,8192,8193"))
	if err != nil {
		return nil, fmt.Errorf("ATTRIB_PORT_CANDIDATES: %w", err)
	}
	cfg.PortCandidates = ports

	if cfg.EvalTimeoutMS < 1000 {
		cfg.EvalTimeoutMS = 1000
	}
	if cfg.JournalMaxMB < 1 {
		cfg.JournalMaxMB = 1
	}
	if strings.TrimSpace(cfg.EngineExpr) == "" {
		return nil, fmt.Errorf("ATTRIB_ENGINE_EXPR must not be empty")
	}
	return cfg, nil
}

// CDPURL returns the CDP HTTP endpoint.
func (c *Config) CDPURL() string {
	return "http://" + c.CDPAddress + ":" + strconv.Itoa(c.CDPPort)
}

// BindHost is the host part of BindAddr, used for the fallback candidates.
func (c *Config) BindHost() string {
	if i := strings.LastIndex(c.BindAddr, ":"); i >= 0 {
		return c.BindAddr[:i]
	}
	return c.BindAddr
}

func parsePorts(raw string) ([]int, error) {
	var ports []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		p, err := strconv.Atoi(part)
		if err != nil || p < 1 || p > 65535 {
			return nil, fmt.Errorf("invalid port %q", part)
		}
		ports = append(ports, p)
	}
	return ports, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
