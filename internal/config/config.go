// Package config loads the demo binaries' settings: a JSON file (or a
// built-in default) with environment variable overrides layered on top,
// adapted from the teacher's internal/types.Config plus cmd/main.go's
// loadConfig/applyEnvOverrides. Extended with the multiplexer's own
// heartbeat and init-timeout knobs, which the teacher's price feed never
// needed since it had no SharedObject-style init handshake.
package config

import (
	"encoding/json"
	"os"
	"strconv"
)

type Config struct {
	Server struct {
		Host            string `json:"host"`
		Port            int    `json:"port"`
		ReadTimeoutSec  int    `json:"readTimeoutSec"`
		WriteTimeoutSec int    `json:"writeTimeoutSec"`
	} `json:"server"`

	WebSocket struct {
		HandshakeTimeoutSec int `json:"handshakeTimeoutSec"`
		ReadBufferSize      int `json:"readBufferSize"`
		WriteBufferSize     int `json:"writeBufferSize"`
	} `json:"websocket"`

	Multiplex struct {
		HeartbeatMs   int64 `json:"heartbeatMs"`
		InitTimeoutMs int64 `json:"initTimeoutMs"`
		RPCTimeoutMs  int64 `json:"rpcTimeoutMs"`
	} `json:"multiplex"`

	NATS struct {
		Enabled           bool   `json:"enabled"`
		URL               string `json:"url"`
		MaxReconnects     int    `json:"maxReconnects"`
		ReconnectWaitMs   int    `json:"reconnectWaitMs"`
		ReconnectJitterMs int    `json:"reconnectJitterMs"`
		MaxPingsOut       int    `json:"maxPingsOut"`
		PingIntervalMs    int    `json:"pingIntervalMs"`
	} `json:"nats"`

	Auth struct {
		JWTSecret          string `json:"jwtSecret"`
		TokenExpirationSec int    `json:"tokenExpirationSec"`
		RequireAuth        bool   `json:"requireAuth"`
	} `json:"auth"`

	Metrics struct {
		EnablePrometheus bool   `json:"enablePrometheus"`
		MetricsPath      string `json:"metricsPath"`
	} `json:"metrics"`
}

const defaultConfigJSON = `{
  "server": {
    "host": "0.0.0.0",
    "port": 3002,
    "readTimeoutSec": 10,
    "writeTimeoutSec": 10
  },
  "websocket": {
    "handshakeTimeoutSec": 10,
    "readBufferSize": 4096,
    "writeBufferSize": 4096
  },
  "multiplex": {
    "heartbeatMs": 5000,
    "initTimeoutMs": 5000,
    "rpcTimeoutMs": 5000
  },
  "nats": {
    "enabled": false,
    "url": "nats://localhost:4222",
    "maxReconnects": -1,
    "reconnectWaitMs": 2000,
    "reconnectJitterMs": 500,
    "maxPingsOut": 3,
    "pingIntervalMs": 20000
  },
  "auth": {
    "jwtSecret": "change-me-in-production",
    "tokenExpirationSec": 3600,
    "requireAuth": false
  },
  "metrics": {
    "enablePrometheus": true,
    "metricsPath": "/metrics"
  }
}`

// Load reads configPath if given, else the built-in default, expands
// ${VAR} references in the raw JSON, then applies discrete env overrides
// on top for the settings most likely to differ per deployment.
func Load(configPath string) (*Config, error) {
	var raw []byte
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}
		raw = data
	} else {
		raw = []byte(defaultConfigJSON)
	}
	raw = []byte(os.ExpandEnv(string(raw)))

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port, ok := getenvInt("SERVER_PORT"); ok {
		cfg.Server.Port = port
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		cfg.NATS.URL = url
		cfg.NATS.Enabled = true
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if b, ok := getenvBool("REQUIRE_AUTH"); ok {
		cfg.Auth.RequireAuth = b
	}
	if b, ok := getenvBool("ENABLE_PROMETHEUS"); ok {
		cfg.Metrics.EnablePrometheus = b
	}
	if ms, ok := getenvInt64("HEARTBEAT_MS"); ok {
		cfg.Multiplex.HeartbeatMs = ms
	}
	if ms, ok := getenvInt64("INIT_TIMEOUT_MS"); ok {
		cfg.Multiplex.InitTimeoutMs = ms
	}
}

func getenvInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}

func getenvInt64(key string) (int64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	return n, err == nil
}

func getenvBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	return b, err == nil
}
