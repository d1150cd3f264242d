// Package bootstrap prepares an execution environment for testing: it
// provisions the environment, clones the application, installs its
// dependencies and starts it under pm2, verifying every stage.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/alessio/shellescape"

	"github.com/rocketship-ai/qapilot/internal/sandbox"
)

// Stage names a bootstrap step.
type Stage string

const (
	StageProvision    Stage = "provision"
	StageClone        Stage = "clone"
	StageEnvFile      Stage = "env-file"
	StageDetect       Stage = "detect"
	StageInstall      Stage = "install"
	StageVerifyBinary Stage = "verify-binary"
	StageStart        Stage = "start"
	StageHealthCheck  Stage = "health-check"
)

// Error reports the stage that failed. Handle is set once the environment
// exists so the caller can clean it up.
type Error struct {
	Stage  Stage
	Detail string
	Handle sandbox.Handle
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("bootstrap failed at %s: %s", e.Stage, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// Config holds the bootstrap tunables.
type Config struct {
	WorkDir        string
	Port           int
	ProcessName    string
	ExpectedBinary string
	DevScript      string
	LogLines       int

	// EnvFile, when set, is written into the checkout as EnvFileName before
	// dependencies are installed. It carries the application's own settings
	// (API endpoints, feature flags) that a fresh clone lacks.
	EnvFile     []byte
	EnvFileName string

	ProvisionTimeout   time.Duration
	CloneTimeout       time.Duration
	InstallTimeout     time.Duration
	CommandTimeout     time.Duration
	StartSettle        time.Duration
	HealthPollInterval time.Duration
	HealthTimeout      time.Duration
}

// DefaultConfig returns the settings used for Next.js style applications.
func DefaultConfig() Config {
	return Config{
		WorkDir:            "app",
		Port:               3000,
		ProcessName:        "app",
		ExpectedBinary:     "next",
		DevScript:          "dev",
		LogLines:           20,
		EnvFileName:        ".env.local",
		ProvisionTimeout:   2 * time.Minute,
		CloneTimeout:       3 * time.Minute,
		InstallTimeout:     10 * time.Minute,
		CommandTimeout:     time.Minute,
		StartSettle:        5 * time.Second,
		HealthPollInterval: 2 * time.Second,
		HealthTimeout:      90 * time.Second,
	}
}

// Request identifies the code to boot.
type Request struct {
	RepoURL   string
	Branch    string
	AuthToken string
}

// Result describes a serving environment.
type Result struct {
	Handle         sandbox.Handle `json:"handle"`
	ServingURL     string         `json:"servingUrl"`
	PackageManager PackageManager `json:"packageManager"`
	Ready          bool           `json:"ready"`
}

// Bootstrapper runs the bootstrap stages against a Provider.
type Bootstrapper struct {
	env    sandbox.Provider
	cfg    Config
	logger *slog.Logger
}

func New(env sandbox.Provider, cfg Config, logger *slog.Logger) *Bootstrapper {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.WorkDir == "" {
		cfg.WorkDir = def.WorkDir
	}
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.ProcessName == "" {
		cfg.ProcessName = def.ProcessName
	}
	if cfg.DevScript == "" {
		cfg.DevScript = def.DevScript
	}
	if cfg.LogLines == 0 {
		cfg.LogLines = def.LogLines
	}
	if cfg.EnvFileName == "" {
		cfg.EnvFileName = def.EnvFileName
	}
	if cfg.HealthPollInterval <= 0 {
		cfg.HealthPollInterval = def.HealthPollInterval
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = def.HealthTimeout
	}
	return &Bootstrapper{env: env, cfg: cfg, logger: logger}
}

// run carries per-call state through the stages.
type run struct {
	b      *Bootstrapper
	handle sandbox.Handle
	secret string
	logger *slog.Logger
}

// Bootstrap provisions an environment and brings the application to a
// serving state. Every failure is an *Error tagged with its stage.
func (b *Bootstrapper) Bootstrap(ctx context.Context, req Request) (*Result, error) {
	if req.RepoURL == "" {
		return nil, &Error{Stage: StageClone, Detail: "repository URL is required"}
	}
	branch := req.Branch
	if branch == "" {
		branch = "main"
	}

	r := &run{b: b, secret: req.AuthToken, logger: b.logger.With("repo", redactURL(req.RepoURL), "branch", branch)}

	r.logger.Info("provisioning environment")
	pctx, cancel := withTimeout(ctx, b.cfg.ProvisionTimeout)
	h, err := b.env.Create(pctx)
	cancel()
	if err != nil {
		return nil, &Error{Stage: StageProvision, Detail: err.Error(), Err: err}
	}
	r.handle = h
	r.logger = r.logger.With("environment", string(h))

	if err := r.clone(ctx, req.RepoURL, branch); err != nil {
		return nil, err
	}
	if err := r.writeEnvFile(ctx); err != nil {
		return nil, err
	}
	pm, err := r.detect(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.install(ctx, pm); err != nil {
		return nil, err
	}
	if err := r.verifyBinary(ctx); err != nil {
		return nil, err
	}
	if err := r.start(ctx, pm); err != nil {
		return nil, err
	}
	if err := r.healthCheck(ctx); err != nil {
		return nil, err
	}

	servingURL := "http://localhost:" + strconv.Itoa(b.cfg.Port)
	r.logger.Info("application serving", "url", servingURL, "package_manager", pm)
	return &Result{Handle: h, ServingURL: servingURL, PackageManager: pm, Ready: true}, nil
}

func (r *run) clone(ctx context.Context, repoURL, branch string) error {
	cloneURL, err := authURL(repoURL, r.secret)
	if err != nil {
		return r.fail(StageClone, err.Error(), err)
	}

	cmd := strings.Join([]string{
		"git", "clone", "--depth", "1", "--branch", shellescape.Quote(branch),
		shellescape.Quote(cloneURL), shellescape.Quote(r.b.cfg.WorkDir),
	}, " ")
	r.logger.Info("cloning repository")
	res, err := r.exec(ctx, StageClone, cmd, "", r.b.cfg.CloneTimeout)
	if err != nil {
		return err
	}
	if !res.OK() {
		return r.fail(StageClone, exitDetail(res), nil)
	}

	res, err = r.exec(ctx, StageClone, "test -f package.json", r.b.cfg.WorkDir, r.b.cfg.CommandTimeout)
	if err != nil {
		return err
	}
	if !res.OK() {
		return r.fail(StageClone, "cloned repository has no package.json", nil)
	}
	return nil
}

func (r *run) writeEnvFile(ctx context.Context) error {
	if len(r.b.cfg.EnvFile) == 0 {
		return nil
	}
	target := path.Join(r.b.cfg.WorkDir, r.b.cfg.EnvFileName)
	r.logger.Info("writing application env file", "path", target)
	uctx, cancel := withTimeout(ctx, r.b.cfg.CommandTimeout)
	defer cancel()
	if err := r.b.env.UploadFile(uctx, r.handle, target, r.b.cfg.EnvFile); err != nil {
		return r.fail(StageEnvFile, err.Error(), err)
	}
	return nil
}

func (r *run) detect(ctx context.Context) (PackageManager, error) {
	res, err := r.exec(ctx, StageDetect, probeCommand(), r.b.cfg.WorkDir, r.b.cfg.CommandTimeout)
	if err != nil {
		return "", err
	}
	if !res.OK() {
		return "", r.fail(StageDetect, exitDetail(res), nil)
	}
	pm := DetectPackageManager(strings.Split(res.Output, "\n"))
	r.logger.Info("detected package manager", "package_manager", pm)
	return pm, nil
}

func (r *run) install(ctx context.Context, pm PackageManager) error {
	if ensure := pm.EnsureCommand(); ensure != "" {
		res, err := r.exec(ctx, StageInstall, ensure, r.b.cfg.WorkDir, r.b.cfg.InstallTimeout)
		if err != nil {
			return err
		}
		if !res.OK() {
			return r.fail(StageInstall, fmt.Sprintf("could not install %s: %s", pm, exitDetail(res)), nil)
		}
	}

	r.logger.Info("installing dependencies", "package_manager", pm)
	res, err := r.exec(ctx, StageInstall, pm.InstallCommand(), r.b.cfg.WorkDir, r.b.cfg.InstallTimeout)
	if err != nil {
		return err
	}
	if !res.OK() {
		return r.fail(StageInstall, exitDetail(res), nil)
	}
	return nil
}

func (r *run) verifyBinary(ctx context.Context) error {
	if r.b.cfg.ExpectedBinary == "" {
		return nil
	}
	bin := "node_modules/.bin/" + r.b.cfg.ExpectedBinary
	res, err := r.exec(ctx, StageVerifyBinary, "test -x "+shellescape.Quote(bin), r.b.cfg.WorkDir, r.b.cfg.CommandTimeout)
	if err != nil {
		return err
	}
	if !res.OK() {
		return r.fail(StageVerifyBinary, bin+" is missing after install", nil)
	}
	return nil
}

func (r *run) start(ctx context.Context, pm PackageManager) error {
	res, err := r.exec(ctx, StageStart, ensureGlobal("pm2"), r.b.cfg.WorkDir, r.b.cfg.InstallTimeout)
	if err != nil {
		return err
	}
	if !res.OK() {
		return r.fail(StageStart, "could not install pm2: "+exitDetail(res), nil)
	}

	cmd := fmt.Sprintf("PORT=%d pm2 start %s --name %s -- run %s",
		r.b.cfg.Port, string(pm), shellescape.Quote(r.b.cfg.ProcessName), shellescape.Quote(r.b.cfg.DevScript))
	r.logger.Info("starting application", "process", r.b.cfg.ProcessName, "port", r.b.cfg.Port)
	res, err = r.exec(ctx, StageStart, cmd, r.b.cfg.WorkDir, r.b.cfg.CommandTimeout)
	if err != nil {
		return err
	}
	if !res.OK() {
		return r.fail(StageStart, exitDetail(res), nil)
	}
	return nil
}

// healthCheck waits for the process to start, then polls pm2 until the
// process is online and the port answers HTTP.
func (r *run) healthCheck(ctx context.Context) error {
	if err := sleep(ctx, r.b.cfg.StartSettle); err != nil {
		return r.fail(StageHealthCheck, "cancelled while waiting for start", err)
	}

	hctx, cancel := context.WithTimeout(ctx, r.b.cfg.HealthTimeout)
	defer cancel()

	status := statusNotFound
	for {
		res, err := r.b.env.Exec(hctx, r.handle, "pm2 jlist", r.b.cfg.WorkDir)
		if err == nil && res.OK() {
			status, err = ProcessStatus(res.Output, r.b.cfg.ProcessName)
			if err != nil {
				r.logger.Debug("unreadable process table", "error", err)
			}
		}
		r.logger.Debug("supervisor status", "process", r.b.cfg.ProcessName, "status", status)

		if status == statusOnline {
			break
		}
		if fatalStatus(status) {
			return r.failWithLogs(ctx, fmt.Sprintf("process %q is %s", r.b.cfg.ProcessName, status))
		}
		if err := sleep(hctx, r.b.cfg.HealthPollInterval); err != nil {
			return r.failWithLogs(ctx, fmt.Sprintf("process %q not running after %s (last status %q)",
				r.b.cfg.ProcessName, r.b.cfg.HealthTimeout, status))
		}
	}

	probe := fmt.Sprintf("curl -s -o /dev/null -w '%%{http_code}' http://localhost:%d", r.b.cfg.Port)
	for {
		res, err := r.b.env.Exec(hctx, r.handle, probe, r.b.cfg.WorkDir)
		if err == nil && res.OK() && answered(res.Output) {
			return nil
		}
		if err := sleep(hctx, r.b.cfg.HealthPollInterval); err != nil {
			return r.failWithLogs(ctx, fmt.Sprintf("process %q is online but port %d never answered", r.b.cfg.ProcessName, r.b.cfg.Port))
		}
	}
}

// failWithLogs attaches the process's recent log output to the error.
func (r *run) failWithLogs(ctx context.Context, detail string) error {
	cmd := fmt.Sprintf("pm2 logs %s --lines %d --nostream", shellescape.Quote(r.b.cfg.ProcessName), r.b.cfg.LogLines)
	lctx, cancel := withTimeout(context.WithoutCancel(ctx), r.b.cfg.CommandTimeout)
	defer cancel()
	res, err := r.b.env.Exec(lctx, r.handle, cmd, r.b.cfg.WorkDir)
	if err != nil {
		detail += "\n(could not read process logs: " + err.Error() + ")"
	} else {
		detail += "\n--- " + r.b.cfg.ProcessName + " logs ---\n" + res.Output
	}
	return r.fail(StageHealthCheck, detail, nil)
}

func (r *run) exec(ctx context.Context, stage Stage, cmd, cwd string, timeout time.Duration) (sandbox.ExecResult, error) {
	r.logger.Debug("exec", "stage", stage, "command", r.redact(cmd))
	cctx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	res, err := r.b.env.Exec(cctx, r.handle, cmd, cwd)
	if err != nil {
		return res, r.fail(stage, err.Error(), err)
	}
	return res, nil
}

func (r *run) fail(stage Stage, detail string, err error) error {
	detail = r.redact(detail)
	r.logger.Error("bootstrap stage failed", "stage", stage, "detail", detail)
	e := &Error{Stage: stage, Detail: detail, Handle: r.handle}
	if err != nil && (r.secret == "" || !strings.Contains(err.Error(), r.secret)) {
		e.Err = err
	}
	return e
}

func (r *run) redact(s string) string {
	if r.secret == "" {
		return s
	}
	return strings.ReplaceAll(s, r.secret, "***")
}

// authURL embeds token as basic-auth user info on an https URL.
func authURL(repoURL, token string) (string, error) {
	if token == "" {
		return repoURL, nil
	}
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", fmt.Errorf("invalid repository URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", errors.New("token authentication requires an http(s) repository URL")
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String(), nil
}

func redactURL(repoURL string) string {
	u, err := url.Parse(repoURL)
	if err != nil || u.User == nil {
		return repoURL
	}
	return u.Redacted()
}

// answered reports whether curl printed a real HTTP status code.
func answered(out string) bool {
	code, err := strconv.Atoi(strings.TrimSpace(out))
	return err == nil && code > 0
}

func exitDetail(res sandbox.ExecResult) string {
	out := strings.TrimSpace(res.Output)
	if out == "" {
		return fmt.Sprintf("exit code %d", res.ExitCode)
	}
	return fmt.Sprintf("exit code %d: %s", res.ExitCode, tail(out, 4000))
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
