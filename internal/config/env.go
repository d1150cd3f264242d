package config

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

type envBinding struct {
	name  string
	apply func(c *Config, v string) error
}

func str(dst func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

func integer(dst func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func integer64(dst func(*Config) *int64) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func boolean(dst func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst(c) = b
		return nil
	}
}

func duration(dst func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(c) = d
		return nil
	}
}

var envBindings = []envBinding{
	{"QAPILOT_DB_DRIVER", str(func(c *Config) *string { return &c.Database.Driver })},
	{"QAPILOT_DB_DSN", str(func(c *Config) *string { return &c.Database.DSN })},

	{"QAPILOT_SANDBOX_ROOT", str(func(c *Config) *string { return &c.Sandbox.Root })},
	{"QAPILOT_HEADFUL", boolean(func(c *Config) *bool { return &c.Sandbox.Headful })},
	{"QAPILOT_CHROME_PATH", str(func(c *Config) *string { return &c.Sandbox.ChromePath })},
	{"QAPILOT_KEEP_ENVIRONMENT", boolean(func(c *Config) *bool { return &c.Sandbox.KeepEnvironment })},

	{"QAPILOT_APP_PORT", integer(func(c *Config) *int { return &c.Bootstrap.Port })},
	{"QAPILOT_APP_ENV_FILE", str(func(c *Config) *string { return &c.Bootstrap.AppEnvFile })},
	{"QAPILOT_INSTALL_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Bootstrap.InstallTimeout })},
	{"QAPILOT_HEALTH_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Bootstrap.HealthTimeout })},

	{"QAPILOT_MAX_STEPS", integer(func(c *Config) *int { return &c.Agent.MaxSteps })},
	{"QAPILOT_SETTLE_DELAY", duration(func(c *Config) *time.Duration { return &c.Agent.SettleDelay })},
	{"QAPILOT_FAIL_RUN_ON_FLOW_FAILURE", boolean(func(c *Config) *bool { return &c.Agent.FailRunOnFlowFailure })},

	{"ANTHROPIC_API_KEY", str(func(c *Config) *string { return &c.Oracle.APIKey })},
	{"QAPILOT_ORACLE_BASE_URL", str(func(c *Config) *string { return &c.Oracle.BaseURL })},
	{"QAPILOT_MODEL", str(func(c *Config) *string { return &c.Oracle.Model })},
	{"QAPILOT_ORACLE_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Oracle.Timeout })},

	{"QAPILOT_ARTIFACTS", str(func(c *Config) *string { return &c.Artifacts.Kind })},
	{"QAPILOT_ARTIFACTS_DIR", str(func(c *Config) *string { return &c.Artifacts.Dir })},
	{"QAPILOT_S3_BUCKET", str(func(c *Config) *string { return &c.Artifacts.S3.Bucket })},
	{"QAPILOT_S3_PREFIX", str(func(c *Config) *string { return &c.Artifacts.S3.Prefix })},
	{"QAPILOT_S3_REGION", str(func(c *Config) *string { return &c.Artifacts.S3.Region })},
	{"QAPILOT_S3_ENDPOINT", str(func(c *Config) *string { return &c.Artifacts.S3.Endpoint })},

	{"GITHUB_TOKEN", str(func(c *Config) *string { return &c.GitHub.Token })},
	{"GITHUB_APP_ID", integer64(func(c *Config) *int64 { return &c.GitHub.AppID })},
	{"GITHUB_INSTALLATION_ID", integer64(func(c *Config) *int64 { return &c.GitHub.InstallationID })},
	{"GITHUB_PRIVATE_KEY_PATH", str(func(c *Config) *string { return &c.GitHub.PrivateKeyPath })},
	{"GITHUB_BASE_URL", str(func(c *Config) *string { return &c.GitHub.BaseURL })},

	{"TEMPORAL_HOST", str(func(c *Config) *string { return &c.Temporal.HostPort })},
	{"QAPILOT_TEMPORAL_NAMESPACE", str(func(c *Config) *string { return &c.Temporal.Namespace })},
	{"QAPILOT_TASK_QUEUE", str(func(c *Config) *string { return &c.Temporal.TaskQueue })},
}

// EnvVars lists the environment variables Load reads.
func EnvVars() []string {
	names := make([]string, len(envBindings))
	for i, b := range envBindings {
		names[i] = b.name
	}
	return names
}

func (c *Config) applyEnv(getenv func(string) string) error {
	var errs []error
	for _, b := range envBindings {
		v := getenv(b.name)
		if v == "" {
			continue
		}
		if err := b.apply(c, v); err != nil {
			errs = append(errs, fmt.Errorf("%s=%q: %w", b.name, v, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %w", errors.Join(errs...))
	}
	return nil
}
