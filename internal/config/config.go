package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds configuration for the gridserve server.
type ServerConfig struct {
	Port           int           `yaml:"port"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	LogLevel       string        `yaml:"log_level"`
	ConfigFile     string        `yaml:"-"`
	RedisAddr      string        `yaml:"redis_addr"`
	APIKeys        APIKeyMap     `yaml:"api_keys"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`

	// Simulated fleet.
	InitialWorkers    int           `yaml:"initial_workers"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	TaskRetention     int           `yaml:"task_retention"`
	SimMinLatency     time.Duration `yaml:"sim_min_latency"`
	SimMaxLatency     time.Duration `yaml:"sim_max_latency"`
	SimFailureRate    float64       `yaml:"sim_failure_rate"`
	StateInterval     time.Duration `yaml:"state_interval"`
}

// APIKeyMap maps an API key id to its secret value.
type APIKeyMap map[string]string

// SetDefaults initializes c with built-in defaults.
func (c *ServerConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 120 * time.Second
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.InitialWorkers == 0 {
		c.InitialWorkers = 4
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.TaskRetention == 0 {
		c.TaskRetention = 10000
	}
	if c.SimMinLatency == 0 {
		c.SimMinLatency = 100 * time.Millisecond
	}
	if c.SimMaxLatency == 0 {
		c.SimMaxLatency = 2 * time.Second
	}
	if c.StateInterval == 0 {
		c.StateInterval = 2 * time.Second
	}
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *ServerConfig) ApplyEnv() {
	if v := getEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := getEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := getEnv("PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := getEnv("METRICS_PORT", ""); v != "" {
		if strings.Contains(v, ":") {
			c.MetricsAddr = v
		} else {
			c.MetricsAddr = ":" + v
		}
	} else if c.MetricsAddr == "" {
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	}
	if v := getEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
	if v := getEnv("API_KEYS", ""); v != "" {
		c.APIKeys = parseKeyList(v)
	}
	if v := getEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
	if v := getEnv("REQUEST_TIMEOUT", ""); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.RequestTimeout = time.Duration(f * float64(time.Second))
		}
	}
	if v := getEnv("DRAIN_TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.DrainTimeout = d
		}
	}
	if v := getEnv("INITIAL_WORKERS", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.InitialWorkers = n
		}
	}
	if v := getEnv("HEARTBEAT_INTERVAL", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.HeartbeatInterval = d
		}
	}
	if v := getEnv("SIM_FAILURE_RATE", ""); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.SimFailureRate = f
		}
	}
}

// BindFlagsFromCurrent binds command line flags using the current config values as defaults.
func (c *ServerConfig) BindFlagsFromCurrent() {
	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "server config file path")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	flag.IntVar(&c.Port, "port", c.Port, "HTTP listen port for the public API")
	flag.StringVar(&c.MetricsAddr, "metrics-port", c.MetricsAddr, "Prometheus metrics listen address or port; defaults to the value of --port")
	flag.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for the API key store; leave empty for in-memory keys")
	flag.Func("api-keys", "comma separated list of id=key pairs accepted for client auth", func(v string) error {
		c.APIKeys = parseKeyList(v)
		return nil
	})
	flag.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
	flag.Func("request-timeout", "seconds a client waits for an inference result before timing out", func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		c.RequestTimeout = time.Duration(f * float64(time.Second))
		return nil
	})
	flag.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to wait for in-flight requests on shutdown")
	flag.IntVar(&c.InitialWorkers, "workers", c.InitialWorkers, "number of simulated GPU workers to start with")
	flag.DurationVar(&c.HeartbeatInterval, "heartbeat-interval", c.HeartbeatInterval, "interval between simulated worker heartbeats")
	flag.IntVar(&c.TaskRetention, "task-retention", c.TaskRetention, "maximum number of terminal tasks kept in memory")
	flag.Float64Var(&c.SimFailureRate, "sim-failure-rate", c.SimFailureRate, "probability in [0,1] that a simulated inference fails")
}

// LoadFile populates the config from a YAML file.
func (c *ServerConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

// parseKeyList parses "id=key,id2=key2" into an APIKeyMap. Entries without
// an '=' use the key as its own id.
func parseKeyList(v string) APIKeyMap {
	m := APIKeyMap{}
	for _, part := range splitComma(v) {
		if part == "" {
			continue
		}
		if id, key, ok := strings.Cut(part, "="); ok {
			m[strings.TrimSpace(id)] = strings.TrimSpace(key)
		} else {
			m[part] = part
		}
	}
	if len(m) == 0 {
		return nil
	}
	return m
}
