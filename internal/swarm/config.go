// Package swarm wires the subsystem together: one Node owns the transport,
// the peer table, delegation, monitoring, and the security layer.
package swarm

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/discovery"
	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/distribute"
	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/mesh"
	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/monitor"
	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/optimize"
	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/security"
	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/trigger"
)

// Config is the full swarm configuration.
type Config struct {
	Enabled      bool     `json:"enabled"`
	NodeName     string   `json:"node_name"`
	ListenAddr   string   `json:"listen_addr"`
	AdvertiseURL string   `json:"advertise_url,omitempty"`
	Capabilities []string `json:"capabilities"`
	DataDir      string   `json:"data_dir"`
	Secret       string   `json:"secret"`
	NATSUrl      string   `json:"nats_url,omitempty"`
	Version      string   `json:"version"`

	Discovery  discovery.Config            `json:"discovery"`
	Mesh       mesh.Config                 `json:"mesh"`
	Monitor    monitor.Config              `json:"monitor"`
	Optimize   optimize.Config             `json:"optimize"`
	Distribute distribute.Config           `json:"distribute"`
	Trigger    trigger.Config              `json:"trigger"`
	Tokens     security.TokenManagerConfig `json:"tokens"`
}

// DefaultConfig returns a complete configuration with the standard knobs.
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		NodeName:     "swarm-node",
		ListenAddr:   "127.0.0.1:0",
		Capabilities: []string{"general"},
		DataDir:      "swarm-data",
		Version:      "1.0.0",
		Discovery:    discovery.DefaultConfig(),
		Mesh:         mesh.DefaultConfig(),
		Monitor:      monitor.DefaultConfig(),
		Optimize:     optimize.DefaultConfig(),
		Distribute:   distribute.DefaultConfig(),
		Trigger:      trigger.DefaultConfig(),
		Tokens:       security.DefaultTokenManagerConfig(),
	}
}

// FromEnv overlays SWARM_* environment variables onto the defaults. Callers
// load a .env file first when one is present.
func FromEnv() Config {
	cfg := DefaultConfig()
	if v := os.Getenv("SWARM_ENABLED"); v != "" {
		cfg.Enabled = envBool(v)
	}
	if v := os.Getenv("SWARM_NODE_NAME"); v != "" {
		cfg.NodeName = v
	}
	if v := os.Getenv("SWARM_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SWARM_ADVERTISE_URL"); v != "" {
		cfg.AdvertiseURL = v
	}
	if v := os.Getenv("SWARM_CAPABILITIES"); v != "" {
		cfg.Capabilities = splitList(v)
	}
	if v := os.Getenv("SWARM_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("SWARM_SECRET"); v != "" {
		cfg.Secret = v
	}
	if v := os.Getenv("SWARM_NATS_URL"); v != "" {
		cfg.NATSUrl = v
	}
	if v := os.Getenv("SWARM_SEEDS"); v != "" {
		cfg.Discovery.Seeds = splitList(v)
	}
	if v := os.Getenv("SWARM_MULTICAST"); v != "" {
		cfg.Discovery.MulticastEnabled = envBool(v)
	}
	if v := os.Getenv("SWARM_STRATEGY"); v != "" {
		cfg.Distribute.Strategy = v
	}
	if v, err := strconv.ParseInt(os.Getenv("SWARM_DELEGATION_TIMEOUT_MS"), 10, 64); err == nil && v > 0 {
		cfg.Distribute.DelegationTimeoutMs = v
	}
	if v, err := strconv.Atoi(os.Getenv("SWARM_MAX_RETRIES")); err == nil && v >= 0 {
		cfg.Distribute.MaxRetries = v
	}
	if v, err := strconv.ParseFloat(os.Getenv("SWARM_DRIFT_THRESHOLD"), 64); err == nil && v > 0 {
		cfg.Optimize.DriftThreshold = v
	}
	if v, err := strconv.ParseFloat(os.Getenv("SWARM_BUDGET_ALERT_THRESHOLD"), 64); err == nil && v > 0 {
		cfg.Trigger.BudgetAlertThreshold = v
	}
	return cfg
}

func envBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// paths inside DataDir.

func (c *Config) reputationPath() string {
	return filepath.Join(c.DataDir, "reputation.jsonl")
}

func (c *Config) journalPath() string {
	return filepath.Join(c.DataDir, "journal.jsonl")
}

func (c *Config) contractsPath() string {
	return filepath.Join(c.DataDir, "contracts")
}
