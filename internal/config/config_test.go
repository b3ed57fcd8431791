package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/gaspardpetit/fleetwatch/internal/fleet"
)

func TestResolveConfigPath(t *testing.T) {
	tests := []struct {
		name        string
		goos        string
		home        string
		programData string
		want        string
	}{
		{"linux", "linux", "/home/user", "", "/etc/fleetwatch/fleetwatch.yaml"},
		{"darwin", "darwin", "/Users/test", "", "/Users/test/Library/Application Support/fleetwatch/fleetwatch.yaml"},
		{"windows", "windows", "", "C:\\ProgramData", "C:/ProgramData/fleetwatch/fleetwatch.yaml"},
		{"windows default ProgramData", "windows", "", "", "C:/ProgramData/fleetwatch/fleetwatch.yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := strings.ReplaceAll(ResolveConfigPath(tt.goos, tt.home, tt.programData, "fleetwatch.yaml"), "\\", "/")
			if got != tt.want {
				t.Errorf("got %q want %q", got, tt.want)
			}
		})
	}
}

func TestConfigFileFromArgs(t *testing.T) {
	if v, ok := ConfigFileFromArgs([]string{"--port", "1", "--config", "a.yaml"}); !ok || v != "a.yaml" {
		t.Fatalf("got %q %v", v, ok)
	}
	if v, ok := ConfigFileFromArgs([]string{"--config=b.yaml"}); !ok || v != "b.yaml" {
		t.Fatalf("got %q %v", v, ok)
	}
	if _, ok := ConfigFileFromArgs([]string{"status"}); ok {
		t.Fatal("unexpected config flag")
	}
}

const sampleYAML = `
port: 9000
local_node: nodeA
default_budget: metered
probe:
  interval: 15s
  timeout: 2s
  max_in_flight: 4
lan:
  cidrs: ["192.168.1.0/24"]
  domains: [".lan"]
nodes:
  - name: nodeA
    address: 192.168.1.10
    role: orchestrator
    priority: 2
    capabilities:
      vram_gb: 16
      gpu_vendor: nvidia
  - name: nodeB
    address: nodeb.lan:3284
    role: inference
    capability_url: http://nodeb.lan:8000/openclaw.json
backends:
  - kind: RemoteApi
    model: claude-sonnet
    cost: Metered
`

func TestLoadFileAndPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetwatch.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PROBE_INTERVAL", "20s")
	t.Setenv("PORT", "9100")

	var c ServerConfig
	c.SetDefaults()
	if err := c.LoadFile(path); err != nil {
		t.Fatal(err)
	}
	c.ApplyEnv()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	c.BindFlags(fs)
	if err := fs.Parse([]string{"--port", "9200", "--metrics-port", "9300"}); err != nil {
		t.Fatal(err)
	}
	c.Finalize()

	if c.Port != 9200 || c.MetricsAddr != ":9300" {
		t.Fatalf("flags must win: port=%d metrics=%q", c.Port, c.MetricsAddr)
	}
	if c.Probe.Interval != 20*time.Second || c.Probe.Timeout != 2*time.Second || c.Probe.MaxInFlight != 4 {
		t.Fatalf("probe config = %+v", c.Probe)
	}
	if c.Probe.FailureThreshold != 3 || c.Probe.StatusPort != 3284 {
		t.Fatalf("defaults lost: %+v", c.Probe)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	nodes := c.FleetNodes()
	if len(nodes) != 2 || nodes[0].Capabilities.GPUVendor != fleet.VendorNVIDIA || !nodes[0].Capabilities.HasGPU {
		t.Fatalf("nodes = %+v", nodes)
	}
	if nodes[1].Role != fleet.RoleInference || nodes[1].Source != fleet.SourceConfig {
		t.Fatalf("nodeB = %+v", nodes[1])
	}
	if c.Budget() != fleet.CostMetered || len(c.StaticBackends()) != 1 || len(c.TierTable()) != 4 {
		t.Fatalf("derived config wrong")
	}
}

func TestValidateNamesEntry(t *testing.T) {
	base := func() ServerConfig {
		var c ServerConfig
		c.SetDefaults()
		c.Nodes = []NodeConfig{{Name: "a", Address: "a"}}
		return c
	}
	tests := []struct {
		name  string
		mut   func(*ServerConfig)
		entry string
	}{
		{"missing address", func(c *ServerConfig) { c.Nodes = append(c.Nodes, NodeConfig{Name: "b"}) }, "nodes[1] (b)"},
		{"duplicate", func(c *ServerConfig) { c.Nodes = append(c.Nodes, NodeConfig{Name: "a", Address: "x"}) }, "nodes[1] (a)"},
		{"role", func(c *ServerConfig) { c.Nodes[0].Role = "gamer" }, "nodes[0] (a)"},
		{"capability url", func(c *ServerConfig) { c.Nodes[0].CapabilityURL = "ftp://x" }, "nodes[0] (a)"},
		{"budget", func(c *ServerConfig) { c.DefaultBudget = "cheap" }, "default_budget"},
		{"cidr", func(c *ServerConfig) { c.LAN.CIDRs = []string{"nope"} }, "lan.cidrs[0]"},
		{"local node", func(c *ServerConfig) { c.LocalNode = "ghost" }, "local_node"},
		{"interval", func(c *ServerConfig) { c.Probe.Interval = 0 }, "probe.interval"},
		{"backend node", func(c *ServerConfig) {
			c.Backends = []BackendConfig{{Kind: "LanServer", Node: "ghost", Model: "m"}}
		}, "backends[0]"},
		{"backend kind", func(c *ServerConfig) { c.Backends = []BackendConfig{{ID: "x", Kind: "Cloud", Model: "m"}} }, "backends[0] (x)"},
		{"remote with node", func(c *ServerConfig) {
			c.Backends = []BackendConfig{{Kind: "RemoteApi", Node: "a", Model: "m"}}
		}, "backends[0]"},
		{"tiers", func(c *ServerConfig) {
			c.Tiers = append(c.TierTable(), c.TierTable()[0])
		}, "tiers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mut(&c)
			err := c.Validate()
			var ce *fleet.ConfigError
			if !errors.As(err, &ce) || !errors.Is(err, fleet.ErrConfigInvalid) {
				t.Fatalf("err = %v; want ConfigError", err)
			}
			if ce.Entry != tt.entry {
				t.Fatalf("entry = %q; want %q", ce.Entry, tt.entry)
			}
		})
	}
}

func TestLoadFileMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("nodes: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}
	var c ServerConfig
	err := c.LoadFile(path)
	if !errors.Is(err, fleet.ErrConfigInvalid) {
		t.Fatalf("err = %v", err)
	}
	if err := c.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("missing file err = %v", err)
	}
}

func TestAgentConfig(t *testing.T) {
	t.Setenv("NODE_NAME", "nodeZ")
	var c AgentConfig
	c.SetDefaults()
	c.ApplyEnv()
	fs := pflag.NewFlagSet("agent", pflag.ContinueOnError)
	c.BindFlags(fs)
	if err := fs.Parse([]string{"-r", "--role", "inference"}); err != nil {
		t.Fatal(err)
	}
	if c.NodeName != "nodeZ" || !c.Reconnect || c.Role != "inference" || c.HeartbeatInterval != 10*time.Second {
		t.Fatalf("agent config = %+v", c)
	}
}
