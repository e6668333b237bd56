// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all meshview server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Scene
	SceneDir   string
	Extensions []string

	// Sync tuning
	QuietPeriod time.Duration
	QueueSize   int
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:  envOr("MESHVIEW_LISTEN_ADDR", "127.0.0.1:8080"),
		MetricsAddr: envOr("MESHVIEW_METRICS_ADDR", ""),
		LogLevel:    envOr("MESHVIEW_LOG_LEVEL", "info"),
		LogFormat:   envOr("MESHVIEW_LOG_FORMAT", "console"),
		SceneDir:    envOr("MESHVIEW_SCENE_DIR", "scene"),
		Extensions:  envList("MESHVIEW_EXTENSIONS", []string{".obj"}),
		QuietPeriod: time.Duration(envInt("MESHVIEW_DEBOUNCE_MS", 100)) * time.Millisecond,
		QueueSize:   envInt("MESHVIEW_QUEUE_SIZE", 64),
	}

	if cfg.SceneDir == "" {
		return nil, fmt.Errorf("MESHVIEW_SCENE_DIR must not be empty")
	}
	if cfg.QueueSize < 1 {
		return nil, fmt.Errorf("MESHVIEW_QUEUE_SIZE must be at least 1")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !strings.HasPrefix(part, ".") {
			part = "." + part
		}
		out = append(out, part)
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
