// Package config resolves qapilot settings: built-in defaults, then an
// optional YAML file, then QAPILOT_* environment variables (a .env file is
// read first), then the OS keyring for secrets that are still unset.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
	Agent     AgentConfig     `yaml:"agent"`
	Oracle    OracleConfig    `yaml:"oracle"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	GitHub    GitHubConfig    `yaml:"github"`
	Temporal  TemporalConfig  `yaml:"temporal"`
}

type DatabaseConfig struct {
	// Driver is one of memory, sqlite, postgres, postgres-pq or mysql.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type SandboxConfig struct {
	Root            string `yaml:"root"`
	Headful         bool   `yaml:"headful"`
	ChromePath      string `yaml:"chromePath"`
	Width           int    `yaml:"width"`
	Height          int    `yaml:"height"`
	KeepEnvironment bool   `yaml:"keepEnvironment"`
}

type BootstrapConfig struct {
	Port           int    `yaml:"port"`
	ProcessName    string `yaml:"processName"`
	ExpectedBinary string `yaml:"expectedBinary"`
	DevScript      string `yaml:"devScript"`
	LogLines       int    `yaml:"logLines"`
	// AppEnvFile is a local file copied into each checkout before install.
	AppEnvFile     string `yaml:"appEnvFile"`
	AppEnvFileName string `yaml:"appEnvFileName"`

	ProvisionTimeout   time.Duration `yaml:"provisionTimeout"`
	CloneTimeout       time.Duration `yaml:"cloneTimeout"`
	InstallTimeout     time.Duration `yaml:"installTimeout"`
	CommandTimeout     time.Duration `yaml:"commandTimeout"`
	StartSettle        time.Duration `yaml:"startSettle"`
	HealthPollInterval time.Duration `yaml:"healthPollInterval"`
	HealthTimeout      time.Duration `yaml:"healthTimeout"`
}

type AgentConfig struct {
	MaxSteps             int           `yaml:"maxSteps"`
	SettleDelay          time.Duration `yaml:"settleDelay"`
	ScreenshotTimeout    time.Duration `yaml:"screenshotTimeout"`
	ActionTimeout        time.Duration `yaml:"actionTimeout"`
	ScreenshotQuality    int           `yaml:"screenshotQuality"`
	FailRunOnFlowFailure bool          `yaml:"failRunOnFlowFailure"`
}

type OracleConfig struct {
	APIKey    string        `yaml:"apiKey"`
	BaseURL   string        `yaml:"baseUrl"`
	Model     string        `yaml:"model"`
	MaxTokens int           `yaml:"maxTokens"`
	Timeout   time.Duration `yaml:"timeout"`
	RetryMax  int           `yaml:"retryMax"`
}

type ArtifactsConfig struct {
	// Kind is none, file or s3.
	Kind string   `yaml:"kind"`
	Dir  string   `yaml:"dir"`
	S3   S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

type GitHubConfig struct {
	Token          string `yaml:"token"`
	AppID          int64  `yaml:"appId"`
	InstallationID int64  `yaml:"installationId"`
	PrivateKeyPath string `yaml:"privateKeyPath"`
	BaseURL        string `yaml:"baseUrl"`
}

type TemporalConfig struct {
	HostPort  string `yaml:"hostPort"`
	Namespace string `yaml:"namespace"`
	TaskQueue string `yaml:"taskQueue"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Driver: "sqlite", DSN: "qapilot.db"},
		Sandbox:  SandboxConfig{Width: 1280, Height: 800},
		Bootstrap: BootstrapConfig{
			Port:               3000,
			ProcessName:        "app",
			ExpectedBinary:     "next",
			DevScript:          "dev",
			LogLines:           20,
			ProvisionTimeout:   2 * time.Minute,
			CloneTimeout:       3 * time.Minute,
			InstallTimeout:     10 * time.Minute,
			CommandTimeout:     time.Minute,
			StartSettle:        5 * time.Second,
			HealthPollInterval: 2 * time.Second,
			HealthTimeout:      90 * time.Second,
		},
		Agent: AgentConfig{
			MaxSteps:          15,
			SettleDelay:       1500 * time.Millisecond,
			ScreenshotTimeout: 30 * time.Second,
			ActionTimeout:     30 * time.Second,
			ScreenshotQuality: 80,
		},
		Oracle: OracleConfig{
			BaseURL:   "https://api.anthropic.com/v1",
			Model:     "claude-3-5-sonnet-20241022",
			MaxTokens: 1024,
			Timeout:   60 * time.Second,
			RetryMax:  3,
		},
		Artifacts: ArtifactsConfig{Kind: "file", Dir: "artifacts"},
		Temporal: TemporalConfig{
			HostPort:  "localhost:7233",
			Namespace: "default",
			TaskQueue: "qa-runs",
		},
	}
}

// Options controls where Load looks.
type Options struct {
	// Path is the YAML file. Empty means DefaultPath, which may be absent.
	Path string
	// EnvFile is loaded into the process environment when it exists.
	// Variables already set are not overridden.
	EnvFile string
	// Secrets fills secrets left empty by the file and environment.
	Secrets SecretStore
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
}

// DefaultPath is the user's config file location.
func DefaultPath() string {
	if override := os.Getenv("QAPILOT_CONFIG"); override != "" {
		return override
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "qapilot", "config.yaml")
}

// Load resolves the configuration and validates it.
func Load(opts Options) (*Config, error) {
	cfg := Default()

	if opts.EnvFile != "" {
		if _, err := os.Stat(opts.EnvFile); err == nil {
			if err := godotenv.Load(opts.EnvFile); err != nil {
				return nil, fmt.Errorf("failed to load %s: %w", opts.EnvFile, err)
			}
		}
	}

	path, explicit := opts.Path, opts.Path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		if err := cfg.mergeFile(path, explicit); err != nil {
			return nil, err
		}
	}

	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}

	if opts.Secrets != nil {
		cfg.fillSecrets(opts.Secrets)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	switch c.Database.Driver {
	case "memory":
	case "sqlite", "postgres", "postgres-pq", "mysql":
		check(c.Database.DSN != "", "database.dsn is required for driver %q", c.Database.Driver)
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not one of memory, sqlite, postgres, postgres-pq, mysql", c.Database.Driver))
	}

	check(c.Sandbox.Width > 0 && c.Sandbox.Height > 0, "sandbox viewport must be positive, got %dx%d", c.Sandbox.Width, c.Sandbox.Height)
	check(c.Bootstrap.Port > 0 && c.Bootstrap.Port < 65536, "bootstrap.port %d is out of range", c.Bootstrap.Port)
	check(c.Bootstrap.ProcessName != "", "bootstrap.processName is required")

	for name, d := range map[string]time.Duration{
		"bootstrap.provisionTimeout":   c.Bootstrap.ProvisionTimeout,
		"bootstrap.cloneTimeout":       c.Bootstrap.CloneTimeout,
		"bootstrap.installTimeout":     c.Bootstrap.InstallTimeout,
		"bootstrap.commandTimeout":     c.Bootstrap.CommandTimeout,
		"bootstrap.healthPollInterval": c.Bootstrap.HealthPollInterval,
		"bootstrap.healthTimeout":      c.Bootstrap.HealthTimeout,
		"agent.screenshotTimeout":      c.Agent.ScreenshotTimeout,
		"agent.actionTimeout":          c.Agent.ActionTimeout,
		"oracle.timeout":               c.Oracle.Timeout,
	} {
		check(d > 0, "%s must be positive, got %s", name, d)
	}
	check(c.Bootstrap.StartSettle >= 0, "bootstrap.startSettle must not be negative")
	check(c.Agent.SettleDelay >= 0, "agent.settleDelay must not be negative")

	check(c.Agent.MaxSteps > 0, "agent.maxSteps must be positive, got %d", c.Agent.MaxSteps)
	check(c.Agent.ScreenshotQuality > 0 && c.Agent.ScreenshotQuality <= 100, "agent.screenshotQuality must be in 1..100, got %d", c.Agent.ScreenshotQuality)
	check(c.Oracle.MaxTokens > 0, "oracle.maxTokens must be positive")

	switch c.Artifacts.Kind {
	case "none":
	case "file":
		check(c.Artifacts.Dir != "", "artifacts.dir is required for kind file")
	case "s3":
		check(c.Artifacts.S3.Bucket != "", "artifacts.s3.bucket is required for kind s3")
	default:
		errs = append(errs, fmt.Errorf("artifacts.kind %q is not one of none, file, s3", c.Artifacts.Kind))
	}

	if c.GitHub.AppID != 0 {
		check(c.GitHub.InstallationID != 0, "github.installationId is required with github.appId")
		check(c.GitHub.PrivateKeyPath != "", "github.privateKeyPath is required with github.appId")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
