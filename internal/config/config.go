package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
)

// Config holds all configuration for the sandbox daemon.
type Config struct {
	// Server settings
	Port        int
	CORSOrigins []string

	// Logging
	LogLevel  string // debug, info, warn, error
	LogFormat string // console or json
	LogFile   string // empty = stdout

	// Database
	DatabasePath string

	// Podman machine settings
	PodmanBinary    string
	MachineName     string
	HelperBinaryDir string // passed via CONTAINERS_HELPER_BINARY_DIR
	MachineSocket   string // override; empty = resolved via machine inspect

	// Container settings
	ContainerImage     string        // default image for MCP server containers
	HealthPollInterval time.Duration // poll interval for wait condition=healthy
	StartTimeout       time.Duration // overall budget for bringing a container up
	RequestTimeout     time.Duration // per JSON-RPC request over the attach socket
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Port = getEnvInt("PORT", 54587)
	cfg.CORSOrigins = getEnvList("CORS_ORIGINS", []string{"http://localhost:1420"})

	cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	cfg.LogFormat = getEnv("LOG_FORMAT", "console")
	cfg.LogFile = getEnv("LOG_FILE", "")

	cfg.DatabasePath = getEnv("DATABASE_PATH", defaultDatabasePath())

	cfg.PodmanBinary = getEnv("PODMAN_BINARY", "podman")
	cfg.MachineName = getEnv("MACHINE_NAME", "archestra-machine")
	cfg.HelperBinaryDir = getEnv("HELPER_BINARY_DIR", "")
	cfg.MachineSocket = getEnv("MACHINE_SOCKET", "")

	cfg.ContainerImage = getEnv("CONTAINER_IMAGE", "ghcr.io/archestra-ai/mcp-base:latest")
	cfg.HealthPollInterval = getEnvDuration("HEALTH_POLL_INTERVAL", 2*time.Second)
	cfg.StartTimeout = getEnvDuration("START_TIMEOUT", 5*time.Minute)
	cfg.RequestTimeout = getEnvDuration("REQUEST_TIMEOUT", 30*time.Second)

	return cfg, nil
}

func defaultDatabasePath() string {
	return filepath.Join(xdg.DataHome, "archestra", "sandboxd.db")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
