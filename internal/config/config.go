package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/KaramelBytes/datadash-cli/internal/store"
	"github.com/KaramelBytes/datadash-cli/internal/utils"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Global configuration structure.
type Global struct {
	APIBaseURL     string `mapstructure:"api_base_url" yaml:"api_base_url"`
	HTTPTimeoutSec int    `mapstructure:"http_timeout_sec" yaml:"http_timeout_sec"`

	// Local session storage
	StoreDriver string `mapstructure:"store_driver" yaml:"store_driver"`
	StateDir    string `mapstructure:"state_dir" yaml:"state_dir"`

	LogLevel     string `mapstructure:"log_level" yaml:"log_level"`
	StatsWaitSec int    `mapstructure:"stats_wait_sec" yaml:"stats_wait_sec"`
}

// Keys lists the settable keys in display order.
var Keys = []string{"api_base_url", "http_timeout_sec", "store_driver", "state_dir", "log_level", "stats_wait_sec"}

// Dir returns ~/.datadash.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".datadash"), nil
}

// Save writes the given configuration to the cfgFile path. If cfgFile is empty,
// it writes to ~/.datadash/config.yaml, creating the directory if necessary.
func Save(c *Global, cfgFile string) error {
	var path string
	if cfgFile != "" {
		path = cfgFile
	} else {
		dir, err := Dir()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir config dir: %w", err)
		}
		path = filepath.Join(dir, "config.yaml")
	}
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Load loads configuration from file, env, and defaults.
// Precedence: flags (cfgFile) > env > config file > defaults.
func Load(cfgFile string) (*Global, error) {
	v, err := newViper(cfgFile)
	if err != nil {
		return nil, err
	}
	v.SetEnvPrefix("DATADASH")
	v.AutomaticEnv()
	// optional read
	_ = v.ReadInConfig()

	var c Global
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	// Resolve state_dir default: ~/.datadash/state
	if c.StateDir == "" {
		dir, err := Dir()
		if err != nil {
			return nil, err
		}
		c.StateDir = filepath.Join(dir, "state")
	} else {
		expanded, err := utils.ExpandHome(c.StateDir)
		if err != nil {
			return nil, err
		}
		c.StateDir = expanded
	}
	return &c, nil
}

// LoadFile reads the config file over the defaults only. Environment
// variables are ignored and state_dir is left as written, so the result is
// safe to Save back.
func LoadFile(cfgFile string) (*Global, error) {
	v, err := newViper(cfgFile)
	if err != nil {
		return nil, err
	}
	_ = v.ReadInConfig()
	var c Global
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &c, nil
}

func newViper(cfgFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetDefault("api_base_url", "http://localhost:8000/api")
	v.SetDefault("http_timeout_sec", 120)
	v.SetDefault("store_driver", store.DriverFile)
	v.SetDefault("state_dir", "")
	v.SetDefault("log_level", "warn")
	v.SetDefault("stats_wait_sec", 30)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		return v, nil
	}
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	_ = os.MkdirAll(dir, 0o755)
	v.AddConfigPath(dir)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	return v, nil
}

// Get returns the string form of key.
func (c *Global) Get(key string) (string, error) {
	switch key {
	case "api_base_url":
		return c.APIBaseURL, nil
	case "http_timeout_sec":
		return strconv.Itoa(c.HTTPTimeoutSec), nil
	case "store_driver":
		return c.StoreDriver, nil
	case "state_dir":
		return c.StateDir, nil
	case "log_level":
		return c.LogLevel, nil
	case "stats_wait_sec":
		return strconv.Itoa(c.StatsWaitSec), nil
	}
	return "", fmt.Errorf("unknown key: %s", key)
}

// Set parses val and assigns it to key.
func (c *Global) Set(key, val string) error {
	switch key {
	case "api_base_url":
		if !strings.HasPrefix(val, "http://") && !strings.HasPrefix(val, "https://") {
			return fmt.Errorf("invalid api_base_url: %s (must start with http:// or https://)", val)
		}
		c.APIBaseURL = strings.TrimRight(val, "/")
	case "http_timeout_sec":
		i, err := strconv.Atoi(val)
		if err != nil || i < 0 {
			return fmt.Errorf("invalid int for http_timeout_sec: %v", val)
		}
		c.HTTPTimeoutSec = i
	case "store_driver":
		switch strings.ToLower(val) {
		case store.DriverFile, store.DriverSQLite, store.DriverMemory:
			c.StoreDriver = strings.ToLower(val)
		default:
			return fmt.Errorf("invalid store_driver: %s (use file, sqlite or memory)", val)
		}
	case "state_dir":
		c.StateDir = val
	case "log_level":
		if _, err := zapcore.ParseLevel(val); err != nil {
			return fmt.Errorf("invalid log_level: %s", val)
		}
		c.LogLevel = strings.ToLower(val)
	case "stats_wait_sec":
		i, err := strconv.Atoi(val)
		if err != nil || i < 0 {
			return fmt.Errorf("invalid int for stats_wait_sec: %v", val)
		}
		c.StatsWaitSec = i
	default:
		return fmt.Errorf("unknown key: %s", key)
	}
	return nil
}
