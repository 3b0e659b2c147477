package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"voxrelay/pkg/validation"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		Path              string        `yaml:"path"`
		PingInterval      time.Duration `yaml:"ping_interval"`
		PongTimeout       time.Duration `yaml:"pong_timeout"`
		WriteTimeout      time.Duration `yaml:"write_timeout"`
		MaxProtocolErrors int           `yaml:"max_protocol_errors"`
		AllowedOrigins    []string      `yaml:"allowed_origins"`
		OperationTimeout  time.Duration `yaml:"operation_timeout"`
	} `yaml:"signal"`

	Presence struct {
		CacheTTL            time.Duration `yaml:"cache_ttl"`
		HealthCheckInterval time.Duration `yaml:"health_check_interval"`
		ProbeTimeout        time.Duration `yaml:"probe_timeout"`
		ReconnectAttempts   int           `yaml:"reconnect_attempts"`
		ReconnectBaseDelay  time.Duration `yaml:"reconnect_base_delay"`
		ReconnectMaxDelay   time.Duration `yaml:"reconnect_max_delay"`
		// CacheWriteRetries follow the first cache write; retry n waits
		// n*CacheRetryStep.
		CacheWriteRetries int           `yaml:"cache_write_retries"`
		CacheRetryStep    time.Duration `yaml:"cache_retry_step"`
		RepopulateTimeout time.Duration `yaml:"repopulate_timeout"`
		// StaleAfter bounds how long presence without a live session
		// survives.
		StaleAfter time.Duration `yaml:"stale_after"`
	} `yaml:"presence"`

	Store struct {
		Driver string `yaml:"driver"` // sqlite | memory
		Path   string `yaml:"path"`
	} `yaml:"store"`

	Redis struct {
		Enabled   bool   `yaml:"enabled"`
		Address   string `yaml:"address"`
		Password  string `yaml:"password"`
		DB        int    `yaml:"db"`
		PoolSize  int    `yaml:"pool_size"`
		KeyPrefix string `yaml:"key_prefix"`
	} `yaml:"redis"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
	} `yaml:"webrtc"`

	Client struct {
		SignalURL           string        `yaml:"signal_url"`
		MaxRetries          int           `yaml:"max_retries"`
		MaxConnectionErrors int           `yaml:"max_connection_errors"`
		BackoffBase         time.Duration `yaml:"backoff_base"`
		BackoffMax          time.Duration `yaml:"backoff_max"`
		JoinTimeout         time.Duration `yaml:"join_timeout"`
	} `yaml:"client"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if c.Signal.Path == "" {
		return fmt.Errorf("signal.path must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be greater than signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.MaxProtocolErrors <= 0 {
		return fmt.Errorf("signal.max_protocol_errors must be > 0")
	}
	if c.Signal.OperationTimeout <= 0 {
		return fmt.Errorf("signal.operation_timeout must be > 0")
	}

	// Presence
	if c.Presence.CacheTTL <= 0 {
		return fmt.Errorf("presence.cache_ttl must be > 0")
	}
	if c.Presence.HealthCheckInterval <= 0 {
		return fmt.Errorf("presence.health_check_interval must be > 0")
	}
	if c.Presence.ProbeTimeout <= 0 {
		return fmt.Errorf("presence.probe_timeout must be > 0")
	}
	if c.Presence.ReconnectAttempts <= 0 {
		return fmt.Errorf("presence.reconnect_attempts must be > 0")
	}
	if c.Presence.ReconnectBaseDelay <= 0 || c.Presence.ReconnectMaxDelay < c.Presence.ReconnectBaseDelay {
		return fmt.Errorf("presence.reconnect_base_delay must be > 0 and <= reconnect_max_delay")
	}
	if c.Presence.CacheWriteRetries < 0 {
		return fmt.Errorf("presence.cache_write_retries must be >= 0")
	}
	if c.Presence.StaleAfter < 0 {
		return fmt.Errorf("presence.stale_after must be >= 0")
	}
	if c.Presence.CacheRetryStep < 0 {
		return fmt.Errorf("presence.cache_retry_step must be >= 0")
	}

	// Store
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path must not be empty when store.driver=sqlite")
		}
	case "memory":
	default:
		return fmt.Errorf("store.driver must be one of sqlite, memory (got %q)", c.Store.Driver)
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Client
	if err := validation.ValidateURL("client.signal_url", c.Client.SignalURL); err != nil {
		return err
	}
	if c.Client.MaxRetries <= 0 {
		return fmt.Errorf("client.max_retries must be > 0")
	}
	if c.Client.MaxConnectionErrors <= 0 {
		return fmt.Errorf("client.max_connection_errors must be > 0")
	}
	if c.Client.BackoffBase <= 0 || c.Client.BackoffMax < c.Client.BackoffBase {
		return fmt.Errorf("client.backoff_base must be > 0 and <= client.backoff_max")
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be > 0")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
	}
	if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
		return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Tracing
	if c.Tracing.Enabled {
		if err := validation.ValidateURL("tracing.jaeger_url", c.Tracing.JaegerURL); err != nil {
			return err
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFirst tries each path in order and falls back to defaults (with env
// overrides) when none of them exists. The returned path is empty in the
// fallback case.
func LoadFirst(paths ...string) (*Config, string, error) {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := Load(path)
		if err != nil {
			return nil, path, err
		}
		return cfg, path, nil
	}

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, "", nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.Path = "/ws"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.MaxProtocolErrors = 3
	cfg.Signal.AllowedOrigins = []string{"*"}
	cfg.Signal.OperationTimeout = 10 * time.Second

	cfg.Presence.CacheTTL = time.Hour
	cfg.Presence.HealthCheckInterval = 30 * time.Second
	cfg.Presence.ProbeTimeout = 5 * time.Second
	cfg.Presence.ReconnectAttempts = 10
	cfg.Presence.ReconnectBaseDelay = time.Second
	cfg.Presence.ReconnectMaxDelay = 30 * time.Second
	cfg.Presence.CacheWriteRetries = 3
	cfg.Presence.CacheRetryStep = time.Second
	cfg.Presence.RepopulateTimeout = 5 * time.Second
	cfg.Presence.StaleAfter = time.Hour

	cfg.Store.Driver = "sqlite"
	cfg.Store.Path = "./data/voxrelay.db"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.KeyPrefix = "voxrelay"

	cfg.WebRTC.ICEServers = []ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	}

	cfg.Client.SignalURL = "ws://localhost:8080/ws"
	cfg.Client.MaxRetries = 3
	cfg.Client.MaxConnectionErrors = 3
	cfg.Client.BackoffBase = time.Second
	cfg.Client.BackoffMax = 5 * time.Second
	cfg.Client.JoinTimeout = 15 * time.Second

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 15 * time.Minute

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 20
	cfg.RateLimiting.HTTP.Burst = 40
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	cfg.Logging.Level = "info"

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("VOXRELAY_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("VOXRELAY_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("VOXRELAY_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if path := os.Getenv("VOXRELAY_STORE_PATH"); path != "" {
		c.Store.Path = path
	}
	if addr := os.Getenv("VOXRELAY_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if pw := os.Getenv("VOXRELAY_REDIS_PASSWORD"); pw != "" {
		c.Redis.Password = pw
	}
	if enabled := os.Getenv("VOXRELAY_REDIS_ENABLED"); enabled != "" {
		if v, err := strconv.ParseBool(enabled); err == nil {
			c.Redis.Enabled = v
		}
	}
	if url := os.Getenv("VOXRELAY_SIGNAL_URL"); url != "" {
		c.Client.SignalURL = url
	}
}
