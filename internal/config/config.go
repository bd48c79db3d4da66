package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// DatabaseConfig holds the key store connection information.
type DatabaseConfig struct {
	Type string `yaml:"type"`
	DSN  string `yaml:"dsn"`
}

// BackendConfig holds the inference backend connection information. The API
// key is the operator-held credential and must never reach a client surface.
type BackendConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// AdminConfig holds configuration for the admin key-management surface.
type AdminConfig struct {
	Password string `yaml:"password"`
}

// RetentionConfig holds configuration for the usage-log pruning job.
type RetentionConfig struct {
	UsageLogDays int `yaml:"usage_log_days"`
}

// GatewayConfig is the configuration for one gateway instance.
type GatewayConfig struct {
	Port      int             `yaml:"port"`
	Database  DatabaseConfig  `yaml:"database"`
	Backend   BackendConfig   `yaml:"backend"`
	Admin     AdminConfig     `yaml:"admin"`
	Retention RetentionConfig `yaml:"retention"`
	Debug     bool            `yaml:"debug"`
}

// ProbeConfig holds health-probe tuning for the balancer. Durations are
// written as Go duration strings ("30s", "1m") and parsed at load time.
type ProbeConfig struct {
	RawInterval      string `yaml:"interval"`
	RawTimeout       string `yaml:"timeout"`
	FailureThreshold int    `yaml:"failure_threshold"`

	Interval time.Duration `yaml:"-"`
	Timeout  time.Duration `yaml:"-"`
}

// BalancerConfig is the configuration for the routing tier.
type BalancerConfig struct {
	Port      int         `yaml:"port"`
	Instances []string    `yaml:"instances"`
	Probe     ProbeConfig `yaml:"probe"`
	Debug     bool        `yaml:"debug"`
}

// LoadGatewayConfig reads and parses the gateway configuration file. It
// returns the config and a potential warning message about applied defaults.
var LoadGatewayConfig = func(path string) (*GatewayConfig, string, error) {
	var config GatewayConfig
	var warnings []string

	if err := readYAML(path, &config); err != nil {
		return nil, "", err
	}

	if config.Port == 0 {
		config.Port = 8001
	}
	if config.Backend.URL == "" {
		config.Backend.URL = "http://localhost:8000/v1"
		warnings = append(warnings, "backend.url not set, using default http://localhost:8000/v1")
	}
	if config.Retention.UsageLogDays == 0 {
		config.Retention.UsageLogDays = 30
	}

	// Environment overrides take precedence over the file.
	if url := os.Getenv("LLMGATE_BACKEND_URL"); url != "" {
		config.Backend.URL = url
	}
	if key := os.Getenv("LLMGATE_BACKEND_API_KEY"); key != "" {
		config.Backend.APIKey = key
	}
	if dsn := os.Getenv("LLMGATE_DATABASE_DSN"); dsn != "" {
		config.Database.DSN = dsn
	}
	if dbType := os.Getenv("LLMGATE_DATABASE_TYPE"); dbType != "" {
		config.Database.Type = dbType
	}
	if port := os.Getenv("LLMGATE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Port = p
		}
	}
	if password := os.Getenv("LLMGATE_ADMIN_PASSWORD"); password != "" {
		config.Admin.Password = password
	}
	if debug := os.Getenv("LLMGATE_DEBUG"); debug != "" {
		config.Debug = (debug == "true")
	}

	if config.Database.Type == "" || config.Database.DSN == "" {
		return nil, "", fmt.Errorf("database type and dsn must be configured in %s or via environment variables", path)
	}
	if config.Backend.APIKey == "" {
		return nil, "", fmt.Errorf("backend api_key must be configured in %s or via LLMGATE_BACKEND_API_KEY", path)
	}

	return &config, strings.Join(warnings, "; "), nil
}

// LoadBalancerConfig reads and parses the balancer configuration file.
var LoadBalancerConfig = func(path string) (*BalancerConfig, string, error) {
	var config BalancerConfig
	var warnings []string

	if err := readYAML(path, &config); err != nil {
		return nil, "", err
	}

	if config.Port == 0 {
		config.Port = 8080
	}
	if config.Probe.RawInterval == "" {
		config.Probe.Interval = 30 * time.Second
		warnings = append(warnings, "probe.interval not set, using default of 30s")
	} else {
		interval, err := time.ParseDuration(config.Probe.RawInterval)
		if err != nil {
			return nil, "", fmt.Errorf("invalid probe.interval: %w", err)
		}
		config.Probe.Interval = interval
	}
	if config.Probe.RawTimeout == "" {
		config.Probe.Timeout = 5 * time.Second
	} else {
		timeout, err := time.ParseDuration(config.Probe.RawTimeout)
		if err != nil {
			return nil, "", fmt.Errorf("invalid probe.timeout: %w", err)
		}
		config.Probe.Timeout = timeout
	}
	if config.Probe.FailureThreshold == 0 {
		config.Probe.FailureThreshold = 3
		warnings = append(warnings, "probe.failure_threshold not set, using default value of 3")
	}

	if port := os.Getenv("LLMGATE_BALANCER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Port = p
		}
	}
	if instances := os.Getenv("LLMGATE_INSTANCES"); instances != "" {
		config.Instances = strings.Split(instances, ",")
	}
	if debug := os.Getenv("LLMGATE_DEBUG"); debug != "" {
		config.Debug = (debug == "true")
	}

	if len(config.Instances) == 0 {
		return nil, "", fmt.Errorf("at least one gateway instance must be configured in %s or via LLMGATE_INSTANCES", path)
	}

	return &config, strings.Join(warnings, "; "), nil
}

// readYAML unmarshals the file at path into out. A missing file is not an
// error; callers fall back to environment variables and defaults.
func readYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}
