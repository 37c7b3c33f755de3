package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"agentstream/pkg/validation"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	API struct {
		BaseURL           string        `yaml:"base_url"`
		AuthToken         string        `yaml:"auth_token"`
		Timeout           time.Duration `yaml:"timeout"`
		RequestsPerSecond float64       `yaml:"requests_per_second"`
		Burst             int           `yaml:"burst"`
	} `yaml:"api"`

	Socket struct {
		URL             string        `yaml:"url"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		ConnectAttempts int           `yaml:"connect_attempts"`
	} `yaml:"socket"`

	Agent struct {
		ID            string `yaml:"id"`
		PresenterType string `yaml:"presenter_type"`
	} `yaml:"agent"`

	Session struct {
		Warmup        bool          `yaml:"warmup"`
		Fluent        bool          `yaml:"fluent"`
		Compatibility string        `yaml:"compatibility_mode"`
		PersistChat   bool          `yaml:"persist_chat"`
		InitTimeout   time.Duration `yaml:"init_timeout"`
		InitRetries   int           `yaml:"init_retries"`
		ChatRetries   int           `yaml:"chat_retries"`
		RejoinTimeout time.Duration `yaml:"rejoin_timeout"`
	} `yaml:"session"`

	Monitor struct {
		Interval          time.Duration `yaml:"interval"`
		StopTicks         int           `yaml:"stop_ticks"`
		LowFPS            float64       `yaml:"low_fps"`
		StrongJitterDelay float64       `yaml:"strong_jitter_delay"`
		WeakJitterDelay   float64       `yaml:"weak_jitter_delay"`
	} `yaml:"monitor"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Breaker struct {
		Enabled          bool          `yaml:"enabled"`
		FailureThreshold int           `yaml:"failure_threshold"`
		SuccessThreshold int           `yaml:"success_threshold"`
		OpenTimeout      time.Duration `yaml:"open_timeout"`
	} `yaml:"breaker"`

	Recording struct {
		Enabled         bool          `yaml:"enabled"`
		Dir             string        `yaml:"dir"`
		SegmentDuration time.Duration `yaml:"segment_duration"`
		MaxSegments     int           `yaml:"max_segments"`
	} `yaml:"recording"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		Address           string `yaml:"address"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// API
	if err := validation.ValidateURL(c.API.BaseURL, "http", "https"); err != nil {
		return fmt.Errorf("api.base_url: %w", err)
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be > 0")
	}
	if c.API.RequestsPerSecond < 0 {
		return fmt.Errorf("api.requests_per_second must be >= 0")
	}
	if c.API.RequestsPerSecond > 0 && c.API.Burst <= 0 {
		return fmt.Errorf("api.burst must be > 0 when requests_per_second is set")
	}

	// Socket
	if err := validation.ValidateURL(c.Socket.URL, "ws", "wss"); err != nil {
		return fmt.Errorf("socket.url: %w", err)
	}
	if c.Socket.PingInterval <= 0 {
		return fmt.Errorf("socket.ping_interval must be > 0")
	}
	if c.Socket.PongTimeout <= c.Socket.PingInterval {
		return fmt.Errorf("socket.pong_timeout must be > socket.ping_interval")
	}
	if c.Socket.ConnectAttempts < 1 {
		return fmt.Errorf("socket.connect_attempts must be >= 1")
	}

	// Agent
	if err := validation.ValidateID(c.Agent.ID, "agent.id"); err != nil {
		return err
	}

	// Session
	if c.Session.InitTimeout <= 0 {
		return fmt.Errorf("session.init_timeout must be > 0")
	}
	if c.Session.InitRetries < 0 || c.Session.ChatRetries < 0 {
		return fmt.Errorf("session retries must be >= 0")
	}
	if c.Session.RejoinTimeout <= 0 {
		return fmt.Errorf("session.rejoin_timeout must be > 0")
	}

	// Monitor
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be > 0")
	}
	if c.Monitor.StopTicks <= 0 {
		return fmt.Errorf("monitor.stop_ticks must be > 0")
	}
	if c.Monitor.StrongJitterDelay > c.Monitor.WeakJitterDelay {
		return fmt.Errorf("monitor.strong_jitter_delay must be <= monitor.weak_jitter_delay")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	// Breaker
	if c.Breaker.Enabled {
		if c.Breaker.FailureThreshold <= 0 || c.Breaker.SuccessThreshold <= 0 {
			return fmt.Errorf("breaker thresholds must be > 0")
		}
		if c.Breaker.OpenTimeout <= 0 {
			return fmt.Errorf("breaker.open_timeout must be > 0")
		}
	}

	// Recording
	if c.Recording.Enabled {
		if c.Recording.Dir == "" {
			return fmt.Errorf("recording.dir must not be empty when recording is enabled")
		}
		if c.Recording.SegmentDuration <= 0 {
			return fmt.Errorf("recording.segment_duration must be > 0")
		}
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.Address == "" {
		return fmt.Errorf("monitoring.address must not be empty when prometheus_enabled=true")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Tracing
	if c.Tracing.Enabled && c.Tracing.JaegerURL == "" {
		return fmt.Errorf("tracing.jaeger_url must not be empty when tracing is enabled")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := cfg.applyEnvOverrides(); err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults. The agent id and
// auth token have no default.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.API.BaseURL = "https://api.d-id.com"
	cfg.API.Timeout = 30 * time.Second
	cfg.API.RequestsPerSecond = 10
	cfg.API.Burst = 20

	cfg.Socket.URL = "wss://notifications.d-id.com"
	cfg.Socket.PingInterval = 30 * time.Second
	cfg.Socket.PongTimeout = 60 * time.Second
	cfg.Socket.ConnectAttempts = 3

	cfg.Session.InitTimeout = 30 * time.Second
	cfg.Session.InitRetries = 2
	cfg.Session.ChatRetries = 1
	cfg.Session.RejoinTimeout = 5 * time.Second

	cfg.Monitor.Interval = 100 * time.Millisecond
	cfg.Monitor.StopTicks = 4
	cfg.Monitor.LowFPS = 21
	cfg.Monitor.StrongJitterDelay = 0.25
	cfg.Monitor.WeakJitterDelay = 0.28

	cfg.Breaker.Enabled = true
	cfg.Breaker.FailureThreshold = 5
	cfg.Breaker.SuccessThreshold = 1
	cfg.Breaker.OpenTimeout = 30 * time.Second

	cfg.Recording.Dir = "recordings"
	cfg.Recording.SegmentDuration = 4 * time.Second
	cfg.Recording.MaxSegments = 450

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.Address = "127.0.0.1:9090"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	return cfg
}

func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("AGENTSTREAM_API_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv("AGENTSTREAM_AUTH_TOKEN"); v != "" {
		c.API.AuthToken = v
	}
	if v := os.Getenv("AGENTSTREAM_SOCKET_URL"); v != "" {
		c.Socket.URL = v
	}
	if v := os.Getenv("AGENTSTREAM_AGENT_ID"); v != "" {
		c.Agent.ID = v
	}
	if v := os.Getenv("AGENTSTREAM_PRESENTER_TYPE"); v != "" {
		c.Agent.PresenterType = v
	}
	if v := os.Getenv("AGENTSTREAM_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("AGENTSTREAM_METRICS_ADDRESS"); v != "" {
		c.Monitoring.Address = v
	}
	if v := os.Getenv("AGENTSTREAM_RECORDING_DIR"); v != "" {
		c.Recording.Enabled = true
		c.Recording.Dir = v
	}
	if v := os.Getenv("AGENTSTREAM_WARMUP"); v != "" {
		warmup, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("AGENTSTREAM_WARMUP: %w", err)
		}
		c.Session.Warmup = warmup
	}
	return nil
}
