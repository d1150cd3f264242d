// Package sandboxtest provides an in-memory sandbox.Provider for tests.
package sandboxtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rocketship-ai/qapilot/internal/sandbox"
)

// Input is one recorded screen input.
type Input struct {
	Kind string
	X, Y int
	Text string
}

// Provider records every call. Exec answers from ExecFunc, or succeeds with
// empty output when ExecFunc is nil. Screen operations fail on a done
// context the way a real browser session aborts.
type Provider struct {
	mu sync.Mutex

	ExecFunc       func(command, cwd string) (sandbox.ExecResult, error)
	ScreenshotErr  error
	InputErr       error
	CreateErr      error
	UploadErr      error
	ScreenshotData []byte

	Commands  []string
	Inputs    []Input
	Uploads   map[string][]byte
	Navigated []string
	Deleted   []sandbox.Handle
	Shots     int

	next int
}

func New() *Provider {
	return &Provider{ScreenshotData: []byte{0xff, 0xd8, 0xff}, Uploads: map[string][]byte{}}
}

func (p *Provider) Create(ctx context.Context) (sandbox.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CreateErr != nil {
		return "", p.CreateErr
	}
	p.next++
	return sandbox.Handle(fmt.Sprintf("env-%d", p.next)), nil
}

func (p *Provider) Exec(ctx context.Context, h sandbox.Handle, command, cwd string) (sandbox.ExecResult, error) {
	p.mu.Lock()
	p.Commands = append(p.Commands, command)
	fn := p.ExecFunc
	p.mu.Unlock()
	if fn == nil {
		return sandbox.ExecResult{}, nil
	}
	return fn(command, cwd)
}

func (p *Provider) UploadFile(ctx context.Context, h sandbox.Handle, path string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.UploadErr != nil {
		return p.UploadErr
	}
	p.Uploads[path] = data
	return nil
}

func (p *Provider) Screenshot(ctx context.Context, h sandbox.Handle, opts sandbox.ScreenshotOptions) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Shots++
	if p.ScreenshotErr != nil {
		return nil, p.ScreenshotErr
	}
	return p.ScreenshotData, nil
}

func (p *Provider) PointerClick(ctx context.Context, h sandbox.Handle, x, y int) error {
	return p.input(ctx, Input{Kind: "click", X: x, Y: y})
}

func (p *Provider) KeyboardType(ctx context.Context, h sandbox.Handle, text string) error {
	return p.input(ctx, Input{Kind: "type", Text: text})
}

func (p *Provider) Scroll(ctx context.Context, h sandbox.Handle, dx, dy int) error {
	return p.input(ctx, Input{Kind: "scroll", X: dx, Y: dy})
}

func (p *Provider) Navigate(ctx context.Context, h sandbox.Handle, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Navigated = append(p.Navigated, url)
	return nil
}

func (p *Provider) Delete(ctx context.Context, h sandbox.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Deleted = append(p.Deleted, h)
	return nil
}

func (p *Provider) input(ctx context.Context, in Input) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.InputErr != nil {
		return p.InputErr
	}
	p.Inputs = append(p.Inputs, in)
	return nil
}

// Ran reports whether any executed command contains substr.
func (p *Provider) Ran(substr string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.Commands {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

var (
	_ sandbox.Provider  = (*Provider)(nil)
	_ sandbox.Navigator = (*Provider)(nil)
)
