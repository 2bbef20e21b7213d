// Package config loads the shell configuration: a JSON file with the
// shell/security/performance sections, overridden by NEXUS_* environment
// variables. Unknown keys are ignored; missing keys take the documented
// defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// ShellConfig holds core engine settings.
type ShellConfig struct {
	MaxMemory      string `json:"maxMemory"`      // byte spec, default "50MB"
	EnableJIT      bool   `json:"enableJIT"`      // advertised, not implemented
	EnableSandbox  bool   `json:"enableSandbox"`  // default: false
	EnableDebug    bool   `json:"enableDebug"`    // default: false
	ThreadPoolSize int    `json:"threadPoolSize"` // default: hardware concurrency
}

// SecurityConfig holds the permission defaults.
type SecurityConfig struct {
	DefaultPolicy string   `json:"defaultPolicy"` // sandbox, developer, production
	AuditLogging  bool     `json:"auditLogging"`  // default: false
	AuditSink     string   `json:"auditSink"`     // optional redis:// URL
	Capabilities  []string `json:"capabilities"`  // "action:resource" grants applied at init
}

// Thresholds holds the performance warning levels.
type Thresholds struct {
	MemoryWarning  string `json:"memoryWarning"`  // byte spec
	LatencyWarning int64  `json:"latencyWarning"` // ms
}

// PerformanceConfig holds monitoring settings.
type PerformanceConfig struct {
	Monitoring bool       `json:"monitoring"`
	Thresholds Thresholds `json:"thresholds"`
}

// Config is the full shell configuration.
type Config struct {
	Shell       ShellConfig       `json:"shell"`
	Security    SecurityConfig    `json:"security"`
	Performance PerformanceConfig `json:"performance"`

	// Resolved byte values, populated by Load.
	MaxMemoryBytes     int64 `json:"-"`
	MemoryWarningBytes int64 `json:"-"`

	// Environment-derived paths.
	PluginPath string `json:"-"`
	JSPath     string `json:"-"`
}

// DefaultMaxMemory caps the bridge's live Value payloads at 50 MiB.
const DefaultMaxMemory = 50 << 20

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads the JSON config at path (empty path means defaults only)
// and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.resolveBytes(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Shell.MaxMemory == "" {
		c.Shell.MaxMemory = "50MB"
	}
	if c.Shell.ThreadPoolSize <= 0 {
		c.Shell.ThreadPoolSize = runtime.NumCPU()
	}
	if c.Security.DefaultPolicy == "" {
		c.Security.DefaultPolicy = "sandbox"
	}
	if c.Performance.Thresholds.MemoryWarning == "" {
		c.Performance.Thresholds.MemoryWarning = "40MB"
	}
	if c.Performance.Thresholds.LatencyWarning <= 0 {
		c.Performance.Thresholds.LatencyWarning = 1000
	}
	c.MaxMemoryBytes = DefaultMaxMemory
}

func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("NEXUS_DEBUG"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("NEXUS_DEBUG: %w", err)
		}
		c.Shell.EnableDebug = b
	}
	if v := os.Getenv("NEXUS_MAX_MEMORY"); v != "" {
		c.Shell.MaxMemory = v
	}
	if v := os.Getenv("NEXUS_PLUGIN_PATH"); v != "" {
		c.PluginPath = v
	}
	if v := os.Getenv("NEXUS_JS_PATH"); v != "" {
		c.JSPath = v
	}
	return nil
}

func (c *Config) resolveBytes() error {
	n, err := ParseByteSpec(c.Shell.MaxMemory)
	if err != nil {
		return fmt.Errorf("shell.maxMemory: %w", err)
	}
	c.MaxMemoryBytes = n

	n, err = ParseByteSpec(c.Performance.Thresholds.MemoryWarning)
	if err != nil {
		return fmt.Errorf("performance.thresholds.memoryWarning: %w", err)
	}
	c.MemoryWarningBytes = n
	return nil
}

// ParseByteSpec parses "1048576", "64MB", "1GiB" style byte counts.
func ParseByteSpec(spec string) (int64, error) {
	s := strings.TrimSpace(spec)
	if s == "" {
		return 0, fmt.Errorf("empty byte spec")
	}
	mult := int64(1)
	upper := strings.ToUpper(s)
	for _, unit := range []struct {
		suffix string
		mult   int64
	}{
		{"GIB", 1 << 30}, {"GB", 1 << 30},
		{"MIB", 1 << 20}, {"MB", 1 << 20},
		{"KIB", 1 << 10}, {"KB", 1 << 10},
		{"B", 1},
	} {
		if strings.HasSuffix(upper, unit.suffix) {
			mult = unit.mult
			s = strings.TrimSpace(s[:len(s)-len(unit.suffix)])
			break
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte spec %q", spec)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative byte spec %q", spec)
	}
	return n * mult, nil
}
