package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v2"

	"github.com/kubescape/pidtrap/pkg/hashtable"
)

// Config holds the sizing and runtime settings of the daemon.
type Config struct {
	NodeName string `yaml:"nodeName"`

	TracepointTableSize int           `yaml:"tracepointTableSize"`
	ProviderTableSize   int           `yaml:"providerTableSize"`
	ProcessTableSize    int           `yaml:"processTableSize"`
	MaxTracepoints      uint32        `yaml:"maxTracepoints"`
	CleanupInterval     time.Duration `yaml:"cleanupInterval"`
	BarrierContexts     int           `yaml:"barrierContexts"`
	PollInterval        time.Duration `yaml:"pollInterval"`

	ProcRoot    string `yaml:"procRoot"`
	JournalPath string `yaml:"journalPath"`
	MetricsAddr string `yaml:"metricsAddr"`
	LogLevel    string `yaml:"logLevel"`
	LogFormat   string `yaml:"logFormat"`

	// EnableController turns on the TracingProbe custom resource watch.
	EnableController bool `yaml:"enableController"`
}

func Default() Config {
	return Config{
		TracepointTableSize: 0x4000,
		ProviderTableSize:   0x100,
		ProcessTableSize:    0x100,
		MaxTracepoints:      250000,
		CleanupInterval:     time.Second,
		BarrierContexts:     4,
		PollInterval:        time.Second,
		ProcRoot:            "/proc",
		JournalPath:         "/var/run/pidtrap/journal.db",
		MetricsAddr:         ":9090",
		LogLevel:            "info",
		LogFormat:           "text",
	}
}

// Load reads a YAML file on top of the defaults. An empty path yields the
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides settings from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("NODE_NAME"); v != "" {
		c.NodeName = v
	}
	if v := getenv("PIDTRAP_PROC_ROOT"); v != "" {
		c.ProcRoot = v
	}
	if v := getenv("PIDTRAP_JOURNAL"); v != "" {
		c.JournalPath = v
	}
	if v := getenv("PIDTRAP_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := getenv("PIDTRAP_MAX_TRACEPOINTS"); v != "" {
		n, err := strconv.ParseUint(v, 0, 32)
		if err != nil {
			return fmt.Errorf("PIDTRAP_MAX_TRACEPOINTS: %w", err)
		}
		c.MaxTracepoints = uint32(n)
	}
	if v := getenv("PIDTRAP_CLEANUP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("PIDTRAP_CLEANUP_INTERVAL: %w", err)
		}
		c.CleanupInterval = d
	}
	return nil
}

func (c *Config) Validate() error {
	var err error
	for name, size := range map[string]int{
		"tracepointTableSize": c.TracepointTableSize,
		"providerTableSize":   c.ProviderTableSize,
		"processTableSize":    c.ProcessTableSize,
	} {
		if size <= 0 || size > hashtable.MaxSize {
			err = multierr.Append(err, fmt.Errorf("%s must be in (0, %d], got %d", name, hashtable.MaxSize, size))
		}
	}
	if c.MaxTracepoints == 0 {
		err = multierr.Append(err, errors.New("maxTracepoints must be positive"))
	}
	if c.CleanupInterval <= 0 {
		err = multierr.Append(err, errors.New("cleanupInterval must be positive"))
	}
	if c.PollInterval <= 0 {
		err = multierr.Append(err, errors.New("pollInterval must be positive"))
	}
	if c.BarrierContexts <= 0 {
		err = multierr.Append(err, errors.New("barrierContexts must be positive"))
	}
	if c.EnableController && c.NodeName == "" {
		err = multierr.Append(err, errors.New("the controller needs NODE_NAME"))
	}
	return err
}
