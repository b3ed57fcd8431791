package config

import (
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/gaspardpetit/fleetwatch/internal/fleet"
	"github.com/gaspardpetit/fleetwatch/internal/tier"
)

// ProbeConfig tunes the health aggregator and the prober.
type ProbeConfig struct {
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	CycleDeadline    time.Duration `yaml:"cycle_deadline"`
	MaxInFlight      int           `yaml:"max_in_flight"`
	FailureThreshold int           `yaml:"failure_threshold"`
	StatusPath       string        `yaml:"status_path"`
	StatusPort       int           `yaml:"status_port"`
}

// LANConfig lists what counts as the same private network.
type LANConfig struct {
	CIDRs   []string `yaml:"cidrs"`
	Domains []string `yaml:"domains"`
}

// NodeConfig declares a fleet machine.
type NodeConfig struct {
	Name          string             `yaml:"name"`
	Address       string             `yaml:"address"`
	Role          string             `yaml:"role"`
	Priority      int                `yaml:"priority"`
	LANServer     bool               `yaml:"lan_server"`
	CapabilityURL string             `yaml:"capability_url"`
	Capabilities  fleet.Capabilities `yaml:"capabilities"`
}

// BackendConfig declares a static model backend.
type BackendConfig struct {
	ID           string  `yaml:"id"`
	Kind         string  `yaml:"kind"`
	Node         string  `yaml:"node"`
	Model        string  `yaml:"model"`
	Tier         string  `yaml:"tier"`
	VRAMGB       float64 `yaml:"vram_gb"`
	TokensPerSec float64 `yaml:"tokens_per_sec"`
	Cost         string  `yaml:"cost"`
	Priority     int     `yaml:"priority"`
}

// ServerConfig holds the configuration of the fleetwatch daemon and of
// fleetctl in standalone mode.
type ServerConfig struct {
	Port           int             `yaml:"port"`
	MetricsAddr    string          `yaml:"metrics_port"`
	APIKey         string          `yaml:"api_key"`
	ClientKey      string          `yaml:"client_key"`
	RedisAddr      string          `yaml:"redis_addr"`
	LogLevel       string          `yaml:"log_level"`
	AllowedOrigins []string        `yaml:"allowed_origins"`
	LocalNode      string          `yaml:"local_node"`
	DefaultBudget  string          `yaml:"default_budget"`
	FallbackModel  string          `yaml:"fallback_model"`
	DrainTimeout   time.Duration   `yaml:"drain_timeout"`
	Probe          ProbeConfig     `yaml:"probe"`
	LAN            LANConfig       `yaml:"lan"`
	Tiers          []tier.Tier     `yaml:"tiers"`
	Nodes          []NodeConfig    `yaml:"nodes"`
	Backends       []BackendConfig `yaml:"backends"`
	ConfigFile     string          `yaml:"-"`
}

// SetDefaults initializes c with built-in defaults.
func (c *ServerConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.DefaultBudget == "" {
		c.DefaultBudget = "free"
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 10 * time.Second
	}
	if c.Probe.Interval == 0 {
		c.Probe.Interval = 30 * time.Second
	}
	if c.Probe.Timeout == 0 {
		c.Probe.Timeout = 3 * time.Second
	}
	if c.Probe.MaxInFlight == 0 {
		c.Probe.MaxInFlight = 10
	}
	if c.Probe.FailureThreshold == 0 {
		c.Probe.FailureThreshold = 3
	}
	if c.Probe.StatusPath == "" {
		c.Probe.StatusPath = "/status"
	}
	if c.Probe.StatusPort == 0 {
		c.Probe.StatusPort = 3284
	}
	if c.LAN.CIDRs == nil && c.LAN.Domains == nil {
		c.LAN.CIDRs = []string{"100.64.0.0/10", "fd7a:115c:a1e0::/48"}
		c.LAN.Domains = []string{".ts.net"}
	}
	if c.ConfigFile == "" {
		c.ConfigFile = DefaultConfigPath("fleetwatch.yaml")
	}
}

// ApplyEnv overlays environment variables onto the current values.
func (c *ServerConfig) ApplyEnv() {
	if v := GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := GetEnv("PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := GetEnv("METRICS_PORT", ""); v != "" {
		c.MetricsAddr = normalizeAddr(v)
	}
	if v := GetEnv("API_KEY", ""); v != "" {
		c.APIKey = v
	}
	if v := GetEnv("CLIENT_KEY", ""); v != "" {
		c.ClientKey = v
	}
	if v := GetEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
	if v := GetEnv("LOCAL_NODE", ""); v != "" {
		c.LocalNode = v
	}
	if v := GetEnv("DEFAULT_BUDGET", ""); v != "" {
		c.DefaultBudget = v
	}
	if v := GetEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
	if v := GetEnv("PROBE_INTERVAL", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Probe.Interval = d
		}
	}
	if v := GetEnv("PROBE_TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Probe.Timeout = d
		}
	}
	if v := GetEnv("MAX_IN_FLIGHT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Probe.MaxInFlight = n
		}
	}
	if v := GetEnv("FAILURE_THRESHOLD", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Probe.FailureThreshold = n
		}
	}
}

// BindFlags binds command line flags to fs using the current values as
// defaults.
func (c *ServerConfig) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.IntVar(&c.Port, "port", c.Port, "HTTP listen port for the reporting API")
	fs.StringVar(&c.MetricsAddr, "metrics-port", c.MetricsAddr, "Prometheus metrics listen address or port; served on --port when empty")
	fs.StringVar(&c.APIKey, "api-key", c.APIKey, "API key required for reporting requests; leave empty to disable auth")
	fs.StringVar(&c.ClientKey, "client-key", c.ClientKey, "shared key nodes must present when reporting capabilities")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for state and snapshot persistence")
	fs.StringSliceVar(&c.AllowedOrigins, "allowed-origins", c.AllowedOrigins, "comma separated list of allowed CORS origins")
	fs.StringVar(&c.LocalNode, "local-node", c.LocalNode, "name of the node this process runs on; its GPU is measured locally")
	fs.StringVar(&c.DefaultBudget, "default-budget", c.DefaultBudget, "budget applied when a hint states none (free or metered)")
	fs.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to wait for HTTP shutdown")
	fs.DurationVar(&c.Probe.Interval, "probe-interval", c.Probe.Interval, "interval between probe cycles")
	fs.DurationVar(&c.Probe.Timeout, "probe-timeout", c.Probe.Timeout, "timeout of each individual probe")
	fs.DurationVar(&c.Probe.CycleDeadline, "cycle-deadline", c.Probe.CycleDeadline, "deadline of a whole probe cycle (0 for twice the interval)")
	fs.IntVar(&c.Probe.MaxInFlight, "max-in-flight", c.Probe.MaxInFlight, "maximum concurrent probes")
	fs.IntVar(&c.Probe.FailureThreshold, "failure-threshold", c.Probe.FailureThreshold, "consecutive failed probes before a node is marked down")
}

// LoadFile populates the config from a YAML file.
func (c *ServerConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return &fleet.ConfigError{Entry: path, Reason: err.Error()}
	}
	return nil
}

// Validate checks the configuration. The returned error is a
// *fleet.ConfigError naming the offending entry.
func (c *ServerConfig) Validate() error {
	bad := func(entry, format string, args ...any) error {
		return &fleet.ConfigError{Entry: entry, Reason: fmt.Sprintf(format, args...)}
	}
	if c.Port <= 0 || c.Port > 65535 {
		return bad("port", "must be between 1 and 65535, got %d", c.Port)
	}
	if c.Probe.Interval <= 0 {
		return bad("probe.interval", "must be positive")
	}
	if c.Probe.Timeout <= 0 {
		return bad("probe.timeout", "must be positive")
	}
	if c.Probe.CycleDeadline < 0 {
		return bad("probe.cycle_deadline", "must not be negative")
	}
	if c.Probe.MaxInFlight < 1 {
		return bad("probe.max_in_flight", "must be at least 1")
	}
	if c.Probe.FailureThreshold < 1 {
		return bad("probe.failure_threshold", "must be at least 1")
	}
	switch strings.ToLower(c.DefaultBudget) {
	case "free", "metered":
	default:
		return bad("default_budget", "must be free or metered, got %q", c.DefaultBudget)
	}
	for i, cidr := range c.LAN.CIDRs {
		if _, err := netip.ParsePrefix(strings.TrimSpace(cidr)); err != nil {
			return bad(fmt.Sprintf("lan.cidrs[%d]", i), "%v", err)
		}
	}
	if len(c.Tiers) > 0 {
		if err := tier.Table(c.Tiers).Validate(); err != nil {
			return bad("tiers", "%v", err)
		}
	}

	names := make(map[string]bool, len(c.Nodes))
	for i, n := range c.Nodes {
		entry := fmt.Sprintf("nodes[%d]", i)
		if n.Name == "" {
			return bad(entry, "missing name")
		}
		entry = fmt.Sprintf("nodes[%d] (%s)", i, n.Name)
		if names[n.Name] {
			return bad(entry, "duplicate name")
		}
		names[n.Name] = true
		if strings.TrimSpace(n.Address) == "" {
			return bad(entry, "missing address")
		}
		if n.Role != "" && !fleet.Role(n.Role).Valid() {
			return bad(entry, "unknown role %q", n.Role)
		}
		if n.CapabilityURL != "" {
			u, err := url.Parse(n.CapabilityURL)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return bad(entry, "capability_url must be an http(s) URL")
			}
		}
		if n.Capabilities.VRAMGB < 0 {
			return bad(entry, "capabilities.vram_gb must not be negative")
		}
	}
	if c.LocalNode != "" && !names[c.LocalNode] {
		return bad("local_node", "%q is not a configured node", c.LocalNode)
	}

	ids := make(map[string]bool, len(c.Backends))
	for i, b := range c.Backends {
		entry := fmt.Sprintf("backends[%d]", i)
		if b.ID != "" {
			entry = fmt.Sprintf("backends[%d] (%s)", i, b.ID)
		}
		kind := fleet.BackendKind(b.Kind)
		if !kind.Valid() {
			return bad(entry, "unknown kind %q", b.Kind)
		}
		if b.Model == "" {
			return bad(entry, "missing model")
		}
		if kind == fleet.KindRemoteAPI && b.Node != "" {
			return bad(entry, "RemoteApi backends are not bound to a node")
		}
		if kind != fleet.KindRemoteAPI && !names[b.Node] {
			return bad(entry, "node %q is not a configured node", b.Node)
		}
		if b.Cost != "" && !fleet.CostTier(b.Cost).Valid() {
			return bad(entry, "cost must be Free or Metered, got %q", b.Cost)
		}
		if b.ID != "" {
			if ids[b.ID] {
				return bad(entry, "duplicate id")
			}
			ids[b.ID] = true
		}
	}
	return nil
}

// FleetNodes converts the configured nodes into registry records.
func (c *ServerConfig) FleetNodes() []fleet.Node {
	out := make([]fleet.Node, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		caps := n.Capabilities
		caps.GPUVendor = fleet.ParseGPUVendor(string(caps.GPUVendor))
		if caps.VRAMGB > 0 {
			caps.HasGPU = true
		}
		role := fleet.Role(n.Role)
		if role == "" {
			role = fleet.RoleWorker
		}
		out = append(out, fleet.Node{
			Name:          n.Name,
			Address:       n.Address,
			Role:          role,
			Priority:      n.Priority,
			LANServer:     n.LANServer,
			CapabilityURL: n.CapabilityURL,
			Capabilities:  caps,
			Health:        fleet.HealthUnknown,
			Source:        fleet.SourceConfig,
		})
	}
	return out
}

// StaticBackends converts the configured backends.
func (c *ServerConfig) StaticBackends() []fleet.ModelBackend {
	out := make([]fleet.ModelBackend, 0, len(c.Backends))
	for _, b := range c.Backends {
		out = append(out, fleet.ModelBackend{
			ID:           b.ID,
			Kind:         fleet.BackendKind(b.Kind),
			Node:         b.Node,
			Model:        b.Model,
			Tier:         b.Tier,
			VRAMGB:       b.VRAMGB,
			TokensPerSec: b.TokensPerSec,
			Cost:         fleet.CostTier(b.Cost),
			Priority:     b.Priority,
		})
	}
	return out
}

// TierTable returns the configured tier table or the default one.
func (c *ServerConfig) TierTable() tier.Table {
	if len(c.Tiers) == 0 {
		return tier.Default
	}
	return tier.Table(c.Tiers)
}

// Budget returns the default budget as a cost tier.
func (c *ServerConfig) Budget() fleet.CostTier {
	if strings.EqualFold(c.DefaultBudget, "metered") {
		return fleet.CostMetered
	}
	return fleet.CostFree
}

// Finalize normalizes values that flags may have set in a short form.
func (c *ServerConfig) Finalize() {
	c.MetricsAddr = normalizeAddr(c.MetricsAddr)
	if c.MetricsAddr == "" {
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	}
	c.DefaultBudget = strings.ToLower(strings.TrimSpace(c.DefaultBudget))
}

func normalizeAddr(v string) string {
	if v == "" || strings.Contains(v, ":") {
		return v
	}
	return ":" + v
}
