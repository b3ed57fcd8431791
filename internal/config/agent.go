package config

import (
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// AgentConfig holds configuration for fleetwatch-agent.
type AgentConfig struct {
	ServerURL         string        `yaml:"server_url"`
	ClientKey         string        `yaml:"client_key"`
	NodeName          string        `yaml:"node_name"`
	Address           string        `yaml:"address"`
	Role              string        `yaml:"role"`
	Priority          int           `yaml:"priority"`
	OllamaHost        string        `yaml:"ollama_host"`
	CapabilityFile    string        `yaml:"capability_file"`
	ProbeInterval     time.Duration `yaml:"probe_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StatusAddr        string        `yaml:"status_addr"`
	Reconnect         bool          `yaml:"reconnect"`
	LogLevel          string        `yaml:"log_level"`
	ConfigFile        string        `yaml:"-"`
}

// SetDefaults initializes c with built-in defaults.
func (c *AgentConfig) SetDefaults() {
	if c.ServerURL == "" {
		c.ServerURL = "ws://localhost:8080/api/fleet/connect"
	}
	if c.NodeName == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "node-" + uuid.NewString()[:8]
		}
		c.NodeName = host
	}
	if c.Role == "" {
		c.Role = "worker"
	}
	if c.OllamaHost == "" {
		c.OllamaHost = "http://127.0.0.1:11434"
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = time.Minute
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.StatusAddr == "" {
		c.StatusAddr = ":3284"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ConfigFile == "" {
		c.ConfigFile = DefaultConfigPath("agent.yaml")
	}
}

// ApplyEnv overlays environment variables onto the current values.
func (c *AgentConfig) ApplyEnv() {
	if v := GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := GetEnv("SERVER_URL", ""); v != "" {
		c.ServerURL = v
	}
	if v := GetEnv("CLIENT_KEY", ""); v != "" {
		c.ClientKey = v
	}
	if v := GetEnv("NODE_NAME", ""); v != "" {
		c.NodeName = v
	}
	if v := GetEnv("NODE_ADDRESS", ""); v != "" {
		c.Address = v
	}
	if v := GetEnv("NODE_ROLE", ""); v != "" {
		c.Role = v
	}
	if v := GetEnv("OLLAMA_HOST", ""); v != "" {
		c.OllamaHost = v
	}
	if v := GetEnv("CAPABILITY_FILE", ""); v != "" {
		c.CapabilityFile = v
	}
	if v := GetEnv("PROBE_INTERVAL", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.ProbeInterval = d
		}
	}
	if v := GetEnv("STATUS_ADDR", ""); v != "" {
		c.StatusAddr = v
	}
	if v := GetEnv("RECONNECT", ""); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Reconnect = b
		}
	}
}

// BindFlags binds command line flags to fs using the current values as
// defaults.
func (c *AgentConfig) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "agent config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.StringVar(&c.ServerURL, "server-url", c.ServerURL, "fleetwatch WebSocket URL (e.g. ws://orchestrator:8080/api/fleet/connect)")
	fs.StringVar(&c.ClientKey, "client-key", c.ClientKey, "shared secret for authenticating with fleetwatch")
	fs.StringVar(&c.NodeName, "node-name", c.NodeName, "name this node registers under")
	fs.StringVar(&c.Address, "address", c.Address, "address fleetwatch probes for liveness; defaults to the node name")
	fs.StringVar(&c.Role, "role", c.Role, "node role (orchestrator, worker, inference, human-workstation)")
	fs.IntVar(&c.Priority, "priority", c.Priority, "declared node priority, higher preferred")
	fs.StringVar(&c.OllamaHost, "ollama-host", c.OllamaHost, "Ollama URL advertised to the fleet; a non-loopback host serves the LAN")
	fs.StringVar(&c.CapabilityFile, "capability-file", c.CapabilityFile, "optional JSONC capability document merged into each report (e.g. openclaw.json)")
	fs.DurationVar(&c.ProbeInterval, "probe-interval", c.ProbeInterval, "interval between local GPU probes")
	fs.DurationVar(&c.HeartbeatInterval, "heartbeat-interval", c.HeartbeatInterval, "interval between heartbeats")
	fs.StringVar(&c.StatusAddr, "status-addr", c.StatusAddr, "listen address of the status endpoint fleetwatch probes; empty disables it")
	fs.BoolVarP(&c.Reconnect, "reconnect", "r", c.Reconnect, "reconnect to fleetwatch on failure")
}

// LoadFile populates the config from a YAML file.
func (c *AgentConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}
