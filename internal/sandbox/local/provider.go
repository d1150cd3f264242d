// Package local implements sandbox.Provider on the host: each environment is
// a scratch directory with its own pm2 home, and its screen is a headless
// Chrome tab driven over the DevTools protocol.
package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/rocketship-ai/qapilot/internal/sandbox"
)

// Config controls where environments live and how the browser is launched.
type Config struct {
	// Root is the parent of every environment directory. Defaults to the
	// system temp directory.
	Root string
	// Headful shows the browser window instead of running headless.
	Headful bool
	// ChromePath overrides the browser executable chromedp looks up.
	ChromePath string
	Width      int
	Height     int
}

const (
	defaultWidth  = 1280
	defaultHeight = 800
	waitDelay     = 2 * time.Second
)

type environment struct {
	dir string

	// browser is started on the first screen operation.
	browser context.Context
	cancel  context.CancelFunc
}

// Provider runs commands with sh on the host.
type Provider struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	envs map[sandbox.Handle]*environment
}

func New(cfg Config, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Root == "" {
		cfg.Root = os.TempDir()
	}
	if cfg.Width <= 0 {
		cfg.Width = defaultWidth
	}
	if cfg.Height <= 0 {
		cfg.Height = defaultHeight
	}
	return &Provider{cfg: cfg, logger: logger, envs: make(map[sandbox.Handle]*environment)}
}

func (p *Provider) Create(ctx context.Context) (sandbox.Handle, error) {
	if err := os.MkdirAll(p.cfg.Root, 0o755); err != nil {
		return "", sandbox.Transport("create", "", err)
	}
	dir, err := os.MkdirTemp(p.cfg.Root, "qapilot-env-")
	if err != nil {
		return "", sandbox.Transport("create", "", err)
	}
	h := sandbox.Handle(filepath.Base(dir))

	p.mu.Lock()
	p.envs[h] = &environment{dir: dir}
	p.mu.Unlock()

	p.logger.Debug("environment created", "environment", string(h), "dir", dir)
	return h, nil
}

// Dir returns the host directory backing h.
func (p *Provider) Dir(h sandbox.Handle) (string, error) {
	env, err := p.lookup("dir", h)
	if err != nil {
		return "", err
	}
	return env.dir, nil
}

func (p *Provider) Exec(ctx context.Context, h sandbox.Handle, command, cwd string) (sandbox.ExecResult, error) {
	env, err := p.lookup("exec", h)
	if err != nil {
		return sandbox.ExecResult{}, err
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = env.resolve(cwd)
	cmd.Env = append(os.Environ(),
		"PM2_HOME="+filepath.Join(env.dir, ".pm2"),
		"CI=true",
	)
	// Background children (pm2, dev servers) may keep the output pipe open.
	cmd.WaitDelay = waitDelay
	out, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return sandbox.ExecResult{Output: string(out)}, sandbox.Transport("exec", h, ctx.Err())
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return sandbox.ExecResult{Output: string(out)}, nil
	case errors.As(err, &exitErr):
		return sandbox.ExecResult{ExitCode: exitErr.ExitCode(), Output: string(out)}, nil
	default:
		return sandbox.ExecResult{Output: string(out)}, sandbox.Transport("exec", h, err)
	}
}

func (p *Provider) UploadFile(ctx context.Context, h sandbox.Handle, path string, data []byte) error {
	env, err := p.lookup("upload", h)
	if err != nil {
		return err
	}
	target := env.resolve(path)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return sandbox.Transport("upload", h, err)
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return sandbox.Transport("upload", h, err)
	}
	return nil
}

func (p *Provider) Screenshot(ctx context.Context, h sandbox.Handle, opts sandbox.ScreenshotOptions) ([]byte, error) {
	format := page.CaptureScreenshotFormatPng
	if opts.Format == sandbox.FormatJPEG {
		format = page.CaptureScreenshotFormatJpeg
	}

	var buf []byte
	err := p.run(ctx, "screenshot", h, chromedp.ActionFunc(func(ctx context.Context) error {
		capture := page.CaptureScreenshot().WithFormat(format)
		if format == page.CaptureScreenshotFormatJpeg && opts.Quality > 0 {
			capture = capture.WithQuality(int64(opts.Quality))
		}
		var err error
		buf, err = capture.Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func (p *Provider) PointerClick(ctx context.Context, h sandbox.Handle, x, y int) error {
	return p.run(ctx, "click", h, chromedp.MouseClickXY(float64(x), float64(y)))
}

func (p *Provider) KeyboardType(ctx context.Context, h sandbox.Handle, text string) error {
	return p.run(ctx, "type", h, chromedp.KeyEvent(text))
}

// Scroll dispatches a wheel event at the middle of the viewport.
func (p *Provider) Scroll(ctx context.Context, h sandbox.Handle, dx, dy int) error {
	x, y := float64(p.cfg.Width/2), float64(p.cfg.Height/2)
	return p.run(ctx, "scroll", h, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.DispatchMouseEvent(input.MouseWheel, x, y).
			WithDeltaX(float64(dx)).
			WithDeltaY(float64(dy)).
			Do(ctx)
	}))
}

func (p *Provider) Navigate(ctx context.Context, h sandbox.Handle, url string) error {
	return p.run(ctx, "navigate", h,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

// Delete stops the environment's pm2 daemon and browser and removes its
// directory. Deleting an unknown handle is an error.
func (p *Provider) Delete(ctx context.Context, h sandbox.Handle) error {
	p.mu.Lock()
	env, ok := p.envs[h]
	delete(p.envs, h)
	p.mu.Unlock()
	if !ok {
		return sandbox.Transport("delete", h, sandbox.ErrUnknownHandle)
	}

	if _, err := os.Stat(filepath.Join(env.dir, ".pm2")); err == nil {
		kill := exec.CommandContext(ctx, "sh", "-c", "pm2 kill >/dev/null 2>&1 || true")
		kill.Env = append(os.Environ(), "PM2_HOME="+filepath.Join(env.dir, ".pm2"))
		if err := kill.Run(); err != nil {
			p.logger.Warn("pm2 kill failed", "environment", string(h), "error", err)
		}
	}
	if env.cancel != nil {
		env.cancel()
	}
	if err := os.RemoveAll(env.dir); err != nil {
		return sandbox.Transport("delete", h, err)
	}
	p.logger.Debug("environment deleted", "environment", string(h))
	return nil
}

// run executes actions in h's browser tab, bounded by ctx.
func (p *Provider) run(ctx context.Context, op string, h sandbox.Handle, actions ...chromedp.Action) error {
	browser, err := p.browser(op, h)
	if err != nil {
		return err
	}

	// chromedp actions run on the tab's context; ctx only bounds them.
	tctx, cancel := context.WithCancel(browser)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(tctx, actions...); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return sandbox.Transport(op, h, err)
	}
	return nil
}

func (p *Provider) browser(op string, h sandbox.Handle) (context.Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	env, ok := p.envs[h]
	if !ok {
		return nil, sandbox.Transport(op, h, sandbox.ErrUnknownHandle)
	}
	if env.browser != nil {
		return env.browser, nil
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(filepath.Join(env.dir, ".chrome")),
		chromedp.WindowSize(p.cfg.Width, p.cfg.Height),
	)
	if p.cfg.Headful {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if p.cfg.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(p.cfg.ChromePath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(tabCtx, chromedp.EmulateViewport(int64(p.cfg.Width), int64(p.cfg.Height))); err != nil {
		tabCancel()
		allocCancel()
		return nil, sandbox.Transport(op, h, fmt.Errorf("failed to start browser: %w", err))
	}

	env.browser = tabCtx
	env.cancel = func() {
		tabCancel()
		allocCancel()
	}
	return tabCtx, nil
}

func (p *Provider) lookup(op string, h sandbox.Handle) (*environment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	env, ok := p.envs[h]
	if !ok {
		return nil, sandbox.Transport(op, h, sandbox.ErrUnknownHandle)
	}
	return env, nil
}

// resolve maps a path inside the environment to the host. Relative paths
// are taken from the environment directory.
func (e *environment) resolve(path string) string {
	if path == "" {
		return e.dir
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(e.dir, path)
}

var (
	_ sandbox.Provider  = (*Provider)(nil)
	_ sandbox.Navigator = (*Provider)(nil)
)
