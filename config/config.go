package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Cluster    ClusterConfig    `yaml:"cluster"`
	RPC        RPCConfig        `yaml:"rpc"`
	Processing ProcConfig       `yaml:"processing"`
	Health     HealthConfig     `yaml:"health"`
	Membership MembershipConfig `yaml:"membership"`
	Logging    LogConfig        `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ClusterConfig is the static, ordered broker list and this node's index into it.
type ClusterConfig struct {
	Addrs  []string `yaml:"addrs"`
	NodeID int      `yaml:"nodeId"`
}

type RPCConfig struct {
	ListenAddress  string            `yaml:"listenAddress"` // defaults to cluster.addrs[nodeId]
	DialTimeout    time.Duration     `yaml:"dialTimeout"`
	CallTimeout    time.Duration     `yaml:"callTimeout"`
	MaxMessageSize datasize.ByteSize `yaml:"maxMessageSize"`
}

type ProcConfig struct {
	DrainPolicy       string        `yaml:"drainPolicy"` // fifo or lifo
	PollInterval      time.Duration `yaml:"pollInterval"`
	FanoutConcurrency int           `yaml:"fanoutConcurrency"`
	ForwardBestEffort bool          `yaml:"forwardBestEffort"`
	SweepInterval     time.Duration `yaml:"sweepInterval"` // 0 disables sweep hooks
}

// HealthConfig controls backoff and eviction of cached subscriber and peer connections.
type HealthConfig struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	BaseBackoff time.Duration `yaml:"baseBackoff"`
	MaxBackoff  time.Duration `yaml:"maxBackoff"`
}

type MembershipConfig struct {
	Backend           string        `yaml:"backend"` // static, nats or mqtt
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	TTL               time.Duration `yaml:"ttl"`
	NATS              NATSConfig    `yaml:"nats"`
	MQTT              MQTTConfig    `yaml:"mqtt"`
}

type NATSConfig struct {
	URLs     []string  `yaml:"urls"`
	Subject  string    `yaml:"subject"`
	ClientID string    `yaml:"clientId"`
	Username string    `yaml:"username"`
	Password string    `yaml:"password"`
	TLS      TLSConfig `yaml:"tls"`
}

type MQTTConfig struct {
	Broker      string    `yaml:"broker"`
	TopicPrefix string    `yaml:"topicPrefix"`
	ClientID    string    `yaml:"clientId"`
	Username    string    `yaml:"username"`
	Password    string    `yaml:"password"`
	TLS         TLSConfig `yaml:"tls"`
}

type TLSConfig struct {
	Enable   bool   `yaml:"enable"`
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
	CAFile   string `yaml:"caFile"`
}

type LogConfig struct {
	Level      string `yaml:"level"`      // debug, info, warn, error
	OutputPath string `yaml:"outputPath"` // file path or "stdout"
	Encoding   string `yaml:"encoding"`   // json or console
}

type MetricsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"`
	Path           string        `yaml:"path"`
	UpdateInterval time.Duration `yaml:"updateInterval"`
}

const (
	DrainFIFO = "fifo"
	DrainLIFO = "lifo"

	MembershipStatic = "static"
	MembershipNATS   = "nats"
	MembershipMQTT   = "mqtt"
)

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML configuration, fills defaults and validates the result
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.SetDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks the configuration, wrapping the first problem found
func (c *Config) Validate() error {
	if err := validateConfig(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// SetDefaults fills every unset field with its default value
func (c *Config) SetDefaults() {
	if c.RPC.ListenAddress == "" && c.Cluster.NodeID >= 0 && c.Cluster.NodeID < len(c.Cluster.Addrs) {
		c.RPC.ListenAddress = c.Cluster.Addrs[c.Cluster.NodeID]
	}
	if c.RPC.DialTimeout <= 0 {
		c.RPC.DialTimeout = 3 * time.Second
	}
	if c.RPC.CallTimeout <= 0 {
		c.RPC.CallTimeout = 2 * time.Second
	}
	if c.RPC.MaxMessageSize == 0 {
		c.RPC.MaxMessageSize = 4 * datasize.MB
	}

	if c.Processing.DrainPolicy == "" {
		c.Processing.DrainPolicy = DrainFIFO
	}
	if c.Processing.PollInterval <= 0 {
		c.Processing.PollInterval = 100 * time.Millisecond
	}
	if c.Processing.FanoutConcurrency <= 0 {
		c.Processing.FanoutConcurrency = 8
	}

	if c.Health.MaxAttempts <= 0 {
		c.Health.MaxAttempts = 5
	}
	if c.Health.BaseBackoff <= 0 {
		c.Health.BaseBackoff = 200 * time.Millisecond
	}
	if c.Health.MaxBackoff <= 0 {
		c.Health.MaxBackoff = 30 * time.Second
	}

	if c.Membership.Backend == "" {
		c.Membership.Backend = MembershipStatic
	}
	if c.Membership.HeartbeatInterval <= 0 {
		c.Membership.HeartbeatInterval = 2 * time.Second
	}
	if c.Membership.TTL <= 0 {
		c.Membership.TTL = 3 * c.Membership.HeartbeatInterval
	}
	if c.Membership.NATS.Subject == "" {
		c.Membership.NATS.Subject = "jasmine.brokers"
	}
	if c.Membership.MQTT.TopicPrefix == "" {
		c.Membership.MQTT.TopicPrefix = "jasmine/brokers"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.OutputPath == "" {
		c.Logging.OutputPath = "stdout"
	}
	if c.Logging.Encoding == "" {
		c.Logging.Encoding = "json"
	}

	if c.Metrics.Address == "" {
		c.Metrics.Address = ":2112"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.UpdateInterval <= 0 {
		c.Metrics.UpdateInterval = 15 * time.Second
	}
}

// SelfAddress returns this node's entry in the cluster address list
func (c *Config) SelfAddress() string {
	return c.Cluster.Addrs[c.Cluster.NodeID]
}

// validateConfig performs validation of all configuration values
func validateConfig(cfg *Config) error {
	if len(cfg.Cluster.Addrs) == 0 {
		return fmt.Errorf("cluster addrs must not be empty")
	}
	if cfg.Cluster.NodeID < 0 || cfg.Cluster.NodeID >= len(cfg.Cluster.Addrs) {
		return fmt.Errorf("node id %d out of range [0, %d)", cfg.Cluster.NodeID, len(cfg.Cluster.Addrs))
	}
	seen := make(map[string]struct{}, len(cfg.Cluster.Addrs))
	for i, addr := range cfg.Cluster.Addrs {
		if addr == "" {
			return fmt.Errorf("cluster addr %d is empty", i)
		}
		if _, dup := seen[addr]; dup {
			return fmt.Errorf("duplicate cluster addr: %s", addr)
		}
		seen[addr] = struct{}{}
	}

	// grpc takes the limit as an int and its frames cap out at 2GB
	if cfg.RPC.MaxMessageSize.Bytes() > math.MaxInt32 {
		return fmt.Errorf("rpc maxMessageSize %s exceeds %d bytes", cfg.RPC.MaxMessageSize.HR(), math.MaxInt32)
	}

	switch cfg.Processing.DrainPolicy {
	case DrainFIFO, DrainLIFO:
	default:
		return fmt.Errorf("invalid drain policy: %s", cfg.Processing.DrainPolicy)
	}

	if cfg.Health.BaseBackoff > cfg.Health.MaxBackoff {
		return fmt.Errorf("health base backoff %s exceeds max backoff %s", cfg.Health.BaseBackoff, cfg.Health.MaxBackoff)
	}

	switch cfg.Membership.Backend {
	case MembershipStatic:
	case MembershipNATS:
		if len(cfg.Membership.NATS.URLs) == 0 {
			return fmt.Errorf("nats urls are required for nats membership")
		}
		if err := validateTLS(cfg.Membership.NATS.TLS); err != nil {
			return fmt.Errorf("nats: %w", err)
		}
	case MembershipMQTT:
		if cfg.Membership.MQTT.Broker == "" {
			return fmt.Errorf("mqtt broker address is required for mqtt membership")
		}
		if err := validateTLS(cfg.Membership.MQTT.TLS); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	default:
		return fmt.Errorf("invalid membership backend: %s", cfg.Membership.Backend)
	}
	if cfg.Membership.TTL <= cfg.Membership.HeartbeatInterval {
		return fmt.Errorf("membership ttl %s must exceed heartbeat interval %s",
			cfg.Membership.TTL, cfg.Membership.HeartbeatInterval)
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", cfg.Logging.Level)
	}

	switch cfg.Logging.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log encoding: %s", cfg.Logging.Encoding)
	}

	return nil
}

func validateTLS(tls TLSConfig) error {
	if !tls.Enable {
		return nil
	}
	if tls.CertFile == "" {
		return fmt.Errorf("tls cert file is required when tls is enabled")
	}
	if tls.KeyFile == "" {
		return fmt.Errorf("tls key file is required when tls is enabled")
	}
	if tls.CAFile == "" {
		return fmt.Errorf("tls ca file is required when tls is enabled")
	}
	return nil
}

// ApplyOverrides applies command line flag overrides to the configuration
func (c *Config) ApplyOverrides(nodeID int, listenAddr, logLevel, metricsAddr string, metricsEnabled bool) {
	if nodeID >= 0 && nodeID < len(c.Cluster.Addrs) {
		c.Cluster.NodeID = nodeID
		if listenAddr == "" {
			c.RPC.ListenAddress = c.Cluster.Addrs[nodeID]
		}
	}
	if listenAddr != "" {
		c.RPC.ListenAddress = listenAddr
	}
	if logLevel != "" {
		c.Logging.Level = logLevel
	}
	if metricsAddr != "" {
		c.Metrics.Address = metricsAddr
	}
	if metricsEnabled {
		c.Metrics.Enabled = true
	}
}
