package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// WorkerConfig contains all configuration for the worker.
type WorkerConfig struct {
	Login       LoginConfig           `mapstructure:"login"`
	Coordinator CoordinatorConnConfig `mapstructure:"coordinator"`
	Quota       QuotaConfig           `mapstructure:"quota"`
	Worker      ResourcesConfig       `mapstructure:"worker"`
	Executor    CommandConfig         `mapstructure:"executor"`
	Updater     CommandConfig         `mapstructure:"updater"`
	Backoff     BackoffConfig         `mapstructure:"backoff"`
	Heartbeat   HeartbeatConfig       `mapstructure:"heartbeat"`
	Artifacts   ArtifactsConfig       `mapstructure:"artifacts"`
	Metrics     MetricsConfig         `mapstructure:"metrics"`
	Logging     LoggingConfig         `mapstructure:"logging"`
}

// LoginConfig contains the worker's coordinator credentials.
type LoginConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// CoordinatorConnConfig contains coordinator connection configuration.
type CoordinatorConnConfig struct {
	Protocol    string        `mapstructure:"protocol"`
	Host        string        `mapstructure:"host"`
	Port        string        `mapstructure:"port"`
	Timeout     time.Duration `mapstructure:"timeout"`
	RetryWindow time.Duration `mapstructure:"retry_window"`
}

// QuotaConfig points at the shared rate-limit service.
type QuotaConfig struct {
	URL string `mapstructure:"url"`
}

// ResourcesConfig describes what the worker offers and where it keeps files.
type ResourcesConfig struct {
	Concurrency  int    `mapstructure:"concurrency"`
	MaxMemory    int    `mapstructure:"max_memory"`
	MinThreads   int    `mapstructure:"min_threads"`
	WorkDir      string `mapstructure:"work_dir"`
	ShutdownFile string `mapstructure:"shutdown_file"`
}

// CommandConfig is an external program invocation.
type CommandConfig struct {
	Command []string `mapstructure:"command"`
}

// BackoffConfig contains the randomized wait ranges of the task cycle.
type BackoffConfig struct {
	RateLimitMin time.Duration `mapstructure:"rate_limit_min"`
	RateLimitMax time.Duration `mapstructure:"rate_limit_max"`
	ErrorMin     time.Duration `mapstructure:"error_min"`
	ErrorMax     time.Duration `mapstructure:"error_max"`
	WaitingMin   time.Duration `mapstructure:"waiting_min"`
	WaitingMax   time.Duration `mapstructure:"waiting_max"`
	UploadMin    time.Duration `mapstructure:"upload_min"`
	UploadMax    time.Duration `mapstructure:"upload_max"`
}

// HeartbeatConfig sends a heartbeat every Every ticks of length Tick.
type HeartbeatConfig struct {
	Tick  time.Duration `mapstructure:"tick"`
	Every int           `mapstructure:"every"`
}

// ArtifactsConfig controls removal of artifacts left behind by a previous run.
type ArtifactsConfig struct {
	StaleGlob string `mapstructure:"stale_glob"`
}

// MetricsConfig enables the metrics endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// flagKeys maps command line flag names to config keys.
var flagKeys = map[string]string{
	"protocol":    "coordinator.protocol",
	"host":        "coordinator.host",
	"port":        "coordinator.port",
	"concurrency": "worker.concurrency",
	"max_memory":  "worker.max_memory",
	"min_threads": "worker.min_threads",
	"work_dir":    "worker.work_dir",
	"log_level":   "logging.level",
}

// LoadWorker loads the worker configuration from the given path.
// If configPath is empty, it looks for worker.yaml in the config/ directory.
// Environment variables with FLEETWORKER_ prefix override config file values,
// and flags that were set explicitly override both.
func LoadWorker(configPath string, flags *pflag.FlagSet) (*WorkerConfig, error) {
	v := viper.New()

	v.SetDefault("login.username", "")
	v.SetDefault("login.password", "")
	v.SetDefault("coordinator.protocol", "https")
	v.SetDefault("coordinator.host", "tests.stockfishchess.org")
	v.SetDefault("coordinator.port", "443")
	v.SetDefault("coordinator.timeout", 15*time.Second)
	v.SetDefault("coordinator.retry_window", 10*time.Second)
	v.SetDefault("quota.url", "https://api.github.com/rate_limit")
	v.SetDefault("worker.concurrency", 3)
	v.SetDefault("worker.max_memory", 0)
	v.SetDefault("worker.min_threads", 1)
	v.SetDefault("worker.work_dir", ".")
	v.SetDefault("worker.shutdown_file", "fish.exit")
	v.SetDefault("executor.command", []string{})
	v.SetDefault("updater.command", []string{})
	v.SetDefault("backoff.rate_limit_min", 2*time.Second)
	v.SetDefault("backoff.rate_limit_max", 10*time.Second)
	v.SetDefault("backoff.error_min", 10*time.Second)
	v.SetDefault("backoff.error_max", 60*time.Second)
	v.SetDefault("backoff.waiting_min", 1*time.Second)
	v.SetDefault("backoff.waiting_max", 10*time.Second)
	v.SetDefault("backoff.upload_min", 1*time.Second)
	v.SetDefault("backoff.upload_max", 10*time.Second)
	v.SetDefault("heartbeat.tick", 1*time.Second)
	v.SetDefault("heartbeat.every", 60)
	v.SetDefault("artifacts.stale_glob", "*.pgn")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("worker")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("FLEETWORKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("error binding flag %q: %w", name, err)
				}
			}
		}
	}

	var cfg WorkerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *WorkerConfig) expandPaths() error {
	workDir, err := homedir.Expand(c.Worker.WorkDir)
	if err != nil {
		return fmt.Errorf("error expanding work dir: %w", err)
	}
	c.Worker.WorkDir = workDir

	shutdownFile, err := homedir.Expand(c.Worker.ShutdownFile)
	if err != nil {
		return fmt.Errorf("error expanding shutdown file: %w", err)
	}
	if shutdownFile != "" && !filepath.IsAbs(shutdownFile) {
		shutdownFile = filepath.Join(workDir, shutdownFile)
	}
	c.Worker.ShutdownFile = shutdownFile
	return nil
}

// RemoteURL returns the coordinator base URL. Port 443 over http and port 80
// over https are treated as leftovers from a protocol switch and rewritten.
func (c *CoordinatorConnConfig) RemoteURL() (string, error) {
	protocol := strings.ToLower(c.Protocol)
	port := c.Port
	switch {
	case protocol != "http" && protocol != "https":
		return "", fmt.Errorf("unsupported protocol %q, use https or http", c.Protocol)
	case protocol == "http" && port == "443":
		port = "80"
	case protocol == "https" && port == "80":
		port = "443"
	}
	return fmt.Sprintf("%s://%s:%s", protocol, c.Host, port), nil
}

// Validate checks the configuration for values the worker cannot run with.
func (c *WorkerConfig) Validate() error {
	if c.Login.Username == "" || c.Login.Password == "" {
		return errors.New("username and password are required")
	}
	if _, err := c.Coordinator.RemoteURL(); err != nil {
		return err
	}
	if c.Coordinator.Host == "" {
		return errors.New("coordinator host is required")
	}
	if c.Coordinator.Timeout <= 0 {
		return errors.New("coordinator timeout must be positive")
	}
	if c.Worker.Concurrency <= 0 {
		return errors.New("concurrency must be greater than 0")
	}
	if c.Heartbeat.Tick <= 0 || c.Heartbeat.Every <= 0 {
		return errors.New("heartbeat tick and every must be positive")
	}
	for name, r := range map[string][2]time.Duration{
		"rate_limit": {c.Backoff.RateLimitMin, c.Backoff.RateLimitMax},
		"error":      {c.Backoff.ErrorMin, c.Backoff.ErrorMax},
		"waiting":    {c.Backoff.WaitingMin, c.Backoff.WaitingMax},
		"upload":     {c.Backoff.UploadMin, c.Backoff.UploadMax},
	} {
		if r[0] < 0 || r[1] < r[0] {
			return fmt.Errorf("backoff %s range [%v, %v] is invalid", name, r[0], r[1])
		}
	}
	return nil
}
