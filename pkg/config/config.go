// Package config holds the tunables of a node: protocol timing, pool
// capacity, group behavior and local node identity settings.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Duration is a time.Duration that reads and writes as a string like "3s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	// Node identity and wiring.
	Username     string   `json:"username"`
	Name         string   `json:"name"`
	DeviceKey    string   `json:"deviceKey"`
	DataDir      string   `json:"dataDir"`
	ListenPort   int      `json:"listenPort"`
	DirectoryURL string   `json:"directoryUrl,omitempty"`
	LogLevel     string   `json:"logLevel"`
	Bootstrap    []string `json:"bootstrap,omitempty"`

	// Messaging.
	MessageRetryInterval   Duration `json:"messageRetryInterval"`
	MaxRetries             int      `json:"maxRetries"`
	MessageTimeoutDuration Duration `json:"messageTimeoutDuration"`

	// Connection pool.
	MaxPeerConnections         int      `json:"maxPeerConnections"`
	MaxErrorsBeforeTermination int      `json:"maxErrorsBeforeTermination"`
	ConnectTimeout             Duration `json:"connectTimeout"`

	// Groups.
	BlockInterval                    Duration `json:"blockInterval"`
	MaxBlocksPerCreator              int      `json:"maxBlocksPerCreator"`
	MaxBlockCreatorConnectionRetries int      `json:"maxBlockCreatorConnectionRetries"`
	EmptyBlockHeartbeat              bool     `json:"emptyBlockHeartbeat"`
	ShiftOnLeaderFailure             bool     `json:"shiftOnLeaderFailure"`
}

// MinBlockInterval is the shortest accepted blockInterval. Followers check
// on their creator every half interval.
const MinBlockInterval = 10 * time.Millisecond

// FileName is the config file looked up inside the data directory.
const FileName = "config.json"

func Default() *Config {
	return &Config{
		DataDir:  DefaultDataDir(),
		LogLevel: "info",

		MessageRetryInterval:   Duration(3 * time.Second),
		MaxRetries:             3,
		MessageTimeoutDuration: Duration(2500 * time.Millisecond),

		MaxPeerConnections:         50,
		MaxErrorsBeforeTermination: 3,
		ConnectTimeout:             Duration(10 * time.Second),

		BlockInterval:                    Duration(5 * time.Second),
		MaxBlocksPerCreator:              0,
		MaxBlockCreatorConnectionRetries: 3,
		EmptyBlockHeartbeat:              true,
		ShiftOnLeaderFailure:             false,
	}
}

// DefaultDataDir is ~/.hushchain, or a relative .hushchain when there is
// no home directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hushchain"
	}
	return filepath.Join(home, ".hushchain")
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	invalid := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}
	for name, d := range map[string]Duration{
		"messageRetryInterval":   c.MessageRetryInterval,
		"messageTimeoutDuration": c.MessageTimeoutDuration,
		"connectTimeout":         c.ConnectTimeout,
		"blockInterval":          c.BlockInterval,
	} {
		if d <= 0 {
			invalid("%s must be positive, got %s", name, d.Std())
		}
	}
	for name, n := range map[string]int{
		"maxPeerConnections":               c.MaxPeerConnections,
		"maxRetries":                       c.MaxRetries,
		"maxErrorsBeforeTermination":       c.MaxErrorsBeforeTermination,
		"maxBlockCreatorConnectionRetries": c.MaxBlockCreatorConnectionRetries,
	} {
		if n <= 0 {
			invalid("%s must be positive, got %d", name, n)
		}
	}
	if c.BlockInterval > 0 && c.BlockInterval.Std() < MinBlockInterval {
		invalid("blockInterval must be at least %s, got %s", MinBlockInterval, c.BlockInterval.Std())
	}
	if c.MaxBlocksPerCreator < 0 {
		invalid("maxBlocksPerCreator must not be negative")
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		invalid("listenPort %d out of range", c.ListenPort)
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
