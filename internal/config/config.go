package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/chatsync/internal/logger"
)

// Config holds settings for both the client engine and the dev relay.
// Precedence: environment variables > YAML file > defaults.
type Config struct {
	// Relay server
	ServerAddr         string        `yaml:"server_addr"`
	ReadTimeout        time.Duration `yaml:"-"`
	WriteTimeout       time.Duration `yaml:"-"`
	IdleTimeout        time.Duration `yaml:"-"`
	CORSAllowedOrigins string        `yaml:"cors_allowed_origins"`
	MaxWSConnections   int           `yaml:"max_ws_connections"`
	EventRatePerSec    int           `yaml:"event_rate_per_sec"`
	EventRateBurst     int           `yaml:"event_rate_burst"`

	// Client engine
	APIBaseURL         string `yaml:"api_base_url"`
	FeedURL            string `yaml:"feed_url"`
	HistoryLimit       int    `yaml:"history_limit"`
	TypingWindowSec    int    `yaml:"typing_window_sec"`
	ResubscribeMax     int    `yaml:"resubscribe_max"`
	ResubscribeBaseMS  int    `yaml:"resubscribe_base_ms"`

	// Logging
	LogLevel string `yaml:"log_level"`
}

// TypingWindow returns the typing-entry lifetime.
func (c *Config) TypingWindow() time.Duration {
	if c.TypingWindowSec <= 0 {
		return 3 * time.Second
	}
	return time.Duration(c.TypingWindowSec) * time.Second
}

// ResubscribeBase returns the initial reconnect backoff delay.
func (c *Config) ResubscribeBase() time.Duration {
	if c.ResubscribeBaseMS <= 0 {
		return 250 * time.Millisecond
	}
	return time.Duration(c.ResubscribeBaseMS) * time.Millisecond
}

// yamlConfig is the intermediate YAML shape (durations as plain seconds).
type yamlConfig struct {
	ServerAddr         string `yaml:"server_addr"`
	ReadTimeout        int    `yaml:"read_timeout"`
	WriteTimeout       int    `yaml:"write_timeout"`
	IdleTimeout        int    `yaml:"idle_timeout"`
	CORSAllowedOrigins string `yaml:"cors_allowed_origins"`
	MaxWSConnections   int    `yaml:"max_ws_connections"`
	EventRatePerSec    int    `yaml:"event_rate_per_sec"`
	EventRateBurst     int    `yaml:"event_rate_burst"`
	APIBaseURL         string `yaml:"api_base_url"`
	FeedURL            string `yaml:"feed_url"`
	HistoryLimit       int    `yaml:"history_limit"`
	TypingWindowSec    int    `yaml:"typing_window_sec"`
	ResubscribeMax     int    `yaml:"resubscribe_max"`
	ResubscribeBaseMS  int    `yaml:"resubscribe_base_ms"`
	LogLevel           string `yaml:"log_level"`
}

// Load reads configuration. A .env file is applied first (existing env wins),
// then CONFIG_PATH / config/chatsync.yaml, then env overrides on top.
func Load() *Config {
	if os.Getenv("APP_ENV") != "production" {
		// Missing .env is the normal case; godotenv errors are not.
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Errorf("config: load .env: %v", err)
		}
	}

	yc := yamlConfig{
		ServerAddr:         ":8090",
		ReadTimeout:        15,
		WriteTimeout:       15,
		IdleTimeout:        60,
		CORSAllowedOrigins: "*",
		MaxWSConnections:   10000,
		EventRatePerSec:    20,
		EventRateBurst:     40,
		APIBaseURL:         "http://localhost:8090",
		FeedURL:            "ws://localhost:8090/ws",
		HistoryLimit:       50,
		TypingWindowSec:    3,
		ResubscribeMax:     5,
		ResubscribeBaseMS:  250,
		LogLevel:           "info",
	}

	paths := []string{os.Getenv("CONFIG_PATH"), "config/chatsync.yaml"}
	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, &yc); err != nil {
			logger.Errorf("config: parse %s: %v (using defaults)", path, err)
		} else {
			logger.Infof("config: loaded %s", path)
		}
		break
	}

	return &Config{
		ServerAddr:         envStr("SERVER_ADDR", yc.ServerAddr),
		ReadTimeout:        time.Duration(envInt("READ_TIMEOUT", yc.ReadTimeout)) * time.Second,
		WriteTimeout:       time.Duration(envInt("WRITE_TIMEOUT", yc.WriteTimeout)) * time.Second,
		IdleTimeout:        time.Duration(envInt("IDLE_TIMEOUT", yc.IdleTimeout)) * time.Second,
		CORSAllowedOrigins: envStr("CORS_ALLOWED_ORIGINS", yc.CORSAllowedOrigins),
		MaxWSConnections:   envInt("MAX_WS_CONNECTIONS", yc.MaxWSConnections),
		EventRatePerSec:    envInt("EVENT_RATE_PER_SEC", yc.EventRatePerSec),
		EventRateBurst:     envInt("EVENT_RATE_BURST", yc.EventRateBurst),
		APIBaseURL:         envStr("API_BASE_URL", yc.APIBaseURL),
		FeedURL:            envStr("FEED_URL", yc.FeedURL),
		HistoryLimit:       envInt("HISTORY_LIMIT", yc.HistoryLimit),
		TypingWindowSec:    envInt("TYPING_WINDOW_SEC", yc.TypingWindowSec),
		ResubscribeMax:     envInt("RESUBSCRIBE_MAX", yc.ResubscribeMax),
		ResubscribeBaseMS:  envInt("RESUBSCRIBE_BASE_MS", yc.ResubscribeBaseMS),
		LogLevel:           envStr("LOG_LEVEL", yc.LogLevel),
	}
}

func envStr(key, fallback string) string {
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
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
