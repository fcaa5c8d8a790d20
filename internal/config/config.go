package config

import (
	"errors"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port           string   `yaml:"port"`
		AllowedOrigins []string `yaml:"allowedOrigins"`
		PingInterval   string   `yaml:"pingInterval"`
	} `yaml:"server"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	QuestionSets struct {
		Dir string `yaml:"dir"`
		TTL string `yaml:"ttl"`
	} `yaml:"questionSets"`
	Transport struct {
		// Kind is one of memory, redis, nats or relay.
		Kind        string `yaml:"kind"`
		NatsURL     string `yaml:"natsUrl"`
		RelayURL    string `yaml:"relayUrl"`
		Heartbeat   string `yaml:"heartbeat"`
		PresenceTTL string `yaml:"presenceTtl"`
	} `yaml:"transport"`
	Session struct {
		RoundIntro        string `yaml:"roundIntro"`
		Feedback          string `yaml:"feedback"`
		SyncGrace         string `yaml:"syncGrace"`
		ReconnectAttempts int    `yaml:"reconnectAttempts"`
		ReconnectInterval string `yaml:"reconnectInterval"`
	} `yaml:"session"`
	Scoring struct {
		AidedPercent int `yaml:"aidedPercent"`
		HintPenalty  int `yaml:"hintPenalty"`
	} `yaml:"scoring"`
	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`
}

// Load reads YAML config from path. A missing file yields the zero config so
// every setting falls back to its default.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Duration parses a duration string or returns the fallback if empty or invalid.
func Duration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
