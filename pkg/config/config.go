package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type CodecConfig struct {
	MimeType  string `yaml:"mime_type"`
	ClockRate uint32 `yaml:"clock_rate"`
	Channels  uint16 `yaml:"channels,omitempty"`
	FmtpLine  string `yaml:"fmtp_line,omitempty"`
}

type Config struct {
	Server struct {
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Node struct {
		ID       string `yaml:"id"`
		Address  string `yaml:"address"`
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Capacity int    `yaml:"capacity"`
	} `yaml:"node"`

	Coordinator struct {
		Address           string        `yaml:"address"`
		URL               string        `yaml:"url"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		RetryInterval     time.Duration `yaml:"retry_interval"`
		NodeTimeout       time.Duration `yaml:"node_timeout"`
		NodeExpiry        time.Duration `yaml:"node_expiry"`
		SweepInterval     time.Duration `yaml:"sweep_interval"`
	} `yaml:"coordinator"`

	Balancer struct {
		Address               string        `yaml:"address"`
		HealthCheckInterval   time.Duration `yaml:"health_check_interval"`
		HealthTimeout         time.Duration `yaml:"health_timeout"`
		DiscoveryInterval     time.Duration `yaml:"discovery_interval"`
		MaxConnectionsPerNode int           `yaml:"max_connections_per_node"`
		SessionCookie         string        `yaml:"session_cookie"`
		SessionMaxAge         int           `yaml:"session_max_age"`
	} `yaml:"balancer"`

	Media struct {
		ListenIP                        string        `yaml:"listen_ip"`
		AnnouncedIP                     string        `yaml:"announced_ip"`
		MaxIncomingBitrate              int           `yaml:"max_incoming_bitrate"`
		InitialAvailableOutgoingBitrate int           `yaml:"initial_available_outgoing_bitrate"`
		Codecs                          []CodecConfig `yaml:"codecs"`
		RelayPortRange                  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"relay_port_range"`
	} `yaml:"media"`

	Mesh struct {
		FanOutConcurrency int           `yaml:"fanout_concurrency"`
		PeerTimeout       time.Duration `yaml:"peer_timeout"`
		LinkCheckInterval time.Duration `yaml:"link_check_interval"`
		PeerCacheTTL      time.Duration `yaml:"peer_cache_ttl"`
		LockTTL           time.Duration `yaml:"lock_ttl"`
		SyncOnStartup     bool          `yaml:"sync_on_startup"`
	} `yaml:"mesh"`

	Signal struct {
		PingInterval        time.Duration `yaml:"ping_interval"`
		PongTimeout         time.Duration `yaml:"pong_timeout"`
		WriteTimeout        time.Duration `yaml:"write_timeout"`
		MaxMessageSizeBytes int64         `yaml:"max_message_size_bytes"`
	} `yaml:"signal"`

	Monitoring struct {
		PrometheusEnabled bool          `yaml:"prometheus_enabled"`
		StatsInterval     time.Duration `yaml:"stats_interval"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled   bool   `yaml:"enabled"`
		Address   string `yaml:"address"`
		Password  string `yaml:"password"`
		DB        int    `yaml:"db"`
		PoolSize  int    `yaml:"pool_size"`
		KeyPrefix string `yaml:"key_prefix"`
	} `yaml:"redis"`

	Auth struct {
		Enabled      bool          `yaml:"enabled"`
		TicketSecret string        `yaml:"ticket_secret"`
		TicketTTL    time.Duration `yaml:"ticket_ttl"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`
	} `yaml:"rate_limiting"`

	Reliability struct {
		Retry struct {
			Enabled      bool          `yaml:"enabled"`
			MaxAttempts  int           `yaml:"max_attempts"`
			InitialDelay time.Duration `yaml:"initial_delay"`
			MaxDelay     time.Duration `yaml:"max_delay"`
		} `yaml:"retry"`
		Breaker struct {
			FailureThreshold int           `yaml:"failure_threshold"`
			SuccessThreshold int           `yaml:"success_threshold"`
			Timeout          time.Duration `yaml:"timeout"`
		} `yaml:"breaker"`
	} `yaml:"reliability"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Node
	if c.Node.ID == "" {
		return fmt.Errorf("node.id must not be empty")
	}
	if c.Node.Address == "" {
		return fmt.Errorf("node.address must not be empty")
	}
	if c.Node.Port <= 0 || c.Node.Port > 65535 {
		return fmt.Errorf("node.port must be in 1..65535")
	}
	if c.Node.Capacity <= 0 {
		return fmt.Errorf("node.capacity must be > 0")
	}

	// Coordinator
	if c.Coordinator.URL == "" {
		return fmt.Errorf("coordinator.url must not be empty")
	}
	if c.Coordinator.HeartbeatInterval <= 0 {
		return fmt.Errorf("coordinator.heartbeat_interval must be > 0")
	}
	if c.Coordinator.RetryInterval <= 0 {
		return fmt.Errorf("coordinator.retry_interval must be > 0")
	}
	if c.Coordinator.NodeTimeout <= 0 || c.Coordinator.NodeExpiry < c.Coordinator.NodeTimeout {
		return fmt.Errorf("coordinator.node_expiry must be >= node_timeout > 0")
	}

	// Balancer
	if c.Balancer.HealthCheckInterval <= 0 {
		return fmt.Errorf("balancer.health_check_interval must be > 0")
	}
	if c.Balancer.HealthTimeout <= 0 {
		return fmt.Errorf("balancer.health_timeout must be > 0")
	}
	if c.Balancer.MaxConnectionsPerNode <= 0 {
		return fmt.Errorf("balancer.max_connections_per_node must be > 0")
	}

	// Media
	if c.Media.RelayPortRange.Min > 0 || c.Media.RelayPortRange.Max > 0 {
		if c.Media.RelayPortRange.Min == 0 || c.Media.RelayPortRange.Max == 0 {
			return fmt.Errorf("media.relay_port_range.min and max must both be set when one is set")
		}
		if c.Media.RelayPortRange.Min >= c.Media.RelayPortRange.Max {
			return fmt.Errorf("media.relay_port_range.min must be < max")
		}
	}
	if len(c.Media.Codecs) == 0 {
		return fmt.Errorf("media.codecs must list at least one codec")
	}

	// Mesh
	if c.Mesh.FanOutConcurrency <= 0 {
		return fmt.Errorf("mesh.fanout_concurrency must be > 0")
	}
	if c.Mesh.PeerTimeout <= 0 {
		return fmt.Errorf("mesh.peer_timeout must be > 0")
	}
	if c.Mesh.LockTTL <= 0 {
		return fmt.Errorf("mesh.lock_ttl must be > 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
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

	// Auth
	if c.Auth.Enabled {
		if c.Auth.TicketSecret == "" {
			return fmt.Errorf("auth.ticket_secret must not be empty when auth.enabled=true")
		}
		if c.Auth.TicketTTL <= 0 {
			return fmt.Errorf("auth.ticket_ttl must be > 0 when auth.enabled=true")
		}
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
	}

	if c.Reliability.Retry.MaxAttempts < 0 {
		return fmt.Errorf("reliability.retry.max_attempts must be >= 0")
	}
	if c.Reliability.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("reliability.breaker.failure_threshold must be > 0")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

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

// LoadFirst tries each path in order and returns the first configuration that
// loads. Defaults (with env overrides) are returned when none does.
func LoadFirst(paths ...string) *Config {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if cfg, err := Load(path); err == nil {
			return cfg
		}
	}
	cfg := DefaultConfig()
	cfg.applyEnvOverrides()
	return cfg
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second

	cfg.Node.ID = "sfu1"
	cfg.Node.Address = ":3001"
	cfg.Node.Host = "localhost"
	cfg.Node.Port = 3001
	cfg.Node.Capacity = 100

	cfg.Coordinator.Address = ":4000"
	cfg.Coordinator.URL = "http://localhost:4000"
	cfg.Coordinator.HeartbeatInterval = 10 * time.Second
	cfg.Coordinator.RetryInterval = 5 * time.Second
	cfg.Coordinator.NodeTimeout = 30 * time.Second
	cfg.Coordinator.NodeExpiry = 60 * time.Second
	cfg.Coordinator.SweepInterval = 10 * time.Second

	cfg.Balancer.Address = ":2020"
	cfg.Balancer.HealthCheckInterval = 30 * time.Second
	cfg.Balancer.HealthTimeout = 5 * time.Second
	cfg.Balancer.DiscoveryInterval = 15 * time.Second
	cfg.Balancer.MaxConnectionsPerNode = 10000
	cfg.Balancer.SessionCookie = "meshsfu_session"
	cfg.Balancer.SessionMaxAge = 3600

	cfg.Media.ListenIP = "0.0.0.0"
	cfg.Media.AnnouncedIP = "127.0.0.1"
	cfg.Media.MaxIncomingBitrate = 1500000
	cfg.Media.InitialAvailableOutgoingBitrate = 1000000
	cfg.Media.RelayPortRange.Min = 40000
	cfg.Media.RelayPortRange.Max = 49999
	cfg.Media.Codecs = []CodecConfig{
		{MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
		{MimeType: "video/VP8", ClockRate: 90000},
		{MimeType: "video/VP9", ClockRate: 90000, FmtpLine: "profile-id=2"},
		{MimeType: "video/H264", ClockRate: 90000, FmtpLine: "packetization-mode=1;profile-level-id=4d0032;level-asymmetry-allowed=1"},
	}

	cfg.Mesh.FanOutConcurrency = 8
	cfg.Mesh.PeerTimeout = 5 * time.Second
	cfg.Mesh.LinkCheckInterval = 30 * time.Second
	cfg.Mesh.PeerCacheTTL = 2 * time.Second
	cfg.Mesh.LockTTL = 10 * time.Second
	cfg.Mesh.SyncOnStartup = true

	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.MaxMessageSizeBytes = 64 * 1024

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.StatsInterval = 5 * time.Second

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.KeyPrefix = "meshsfu:"

	cfg.Auth.Enabled = false
	cfg.Auth.TicketSecret = "change-me-in-production"
	cfg.Auth.TicketTTL = 2 * time.Minute

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0

	cfg.Reliability.Retry.Enabled = true
	cfg.Reliability.Retry.MaxAttempts = 2
	cfg.Reliability.Retry.InitialDelay = 100 * time.Millisecond
	cfg.Reliability.Retry.MaxDelay = 2 * time.Second
	cfg.Reliability.Breaker.FailureThreshold = 5
	cfg.Reliability.Breaker.SuccessThreshold = 2
	cfg.Reliability.Breaker.Timeout = 30 * time.Second

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if id := os.Getenv("MESHSFU_NODE_ID"); id != "" {
		c.Node.ID = id
	}
	if host := os.Getenv("MESHSFU_NODE_HOST"); host != "" {
		c.Node.Host = host
	}
	if port := os.Getenv("MESHSFU_NODE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Node.Port = p
			c.Node.Address = ":" + port
		}
	}
	if url := os.Getenv("MESHSFU_COORDINATOR_URL"); url != "" {
		c.Coordinator.URL = url
	}
	if addr := os.Getenv("MESHSFU_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if ip := os.Getenv("MESHSFU_ANNOUNCED_IP"); ip != "" {
		c.Media.AnnouncedIP = ip
	}
	if level := os.Getenv("MESHSFU_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("MESHSFU_TICKET_SECRET"); secret != "" {
		c.Auth.TicketSecret = secret
	}
}
