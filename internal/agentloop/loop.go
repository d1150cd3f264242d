// Package agentloop runs the perceive-decide-act loop for one test flow:
// capture the screen, ask the oracle for one action, execute it, repeat until
// a terminal action or the step budget.
package agentloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rocketship-ai/qapilot/internal/action"
	"github.com/rocketship-ai/qapilot/internal/classify"
	"github.com/rocketship-ai/qapilot/internal/oracle"
	"github.com/rocketship-ai/qapilot/internal/sandbox"
)

const (
	// DefaultMaxSteps bounds a flow when the caller passes no budget.
	DefaultMaxSteps = 15
	// DefaultSettleDelay is the UI settle delay after each executed action.
	// There is no readiness signal to poll for, so the wait is fixed.
	DefaultSettleDelay = 1500 * time.Millisecond

	MaxStepsReason  = "Max steps reached without completion"
	CancelledReason = "cancelled"
)

// Config tunes the loop.
type Config struct {
	SettleDelay       time.Duration
	ScreenshotTimeout time.Duration
	ActionTimeout     time.Duration
	Screenshot        sandbox.ScreenshotOptions
}

// Result is the outcome of one flow. Steps holds one outcome per iteration,
// numbered from 1 without gaps.
type Result struct {
	Success       bool
	Steps         []classify.Outcome
	Result        string
	FailureReason string
	Cancelled     bool
}

// Carried returns the text the flow ended with: the done result on success,
// otherwise the failure reason.
func (r Result) Carried() string {
	if r.Success {
		return r.Result
	}
	return r.FailureReason
}

// Loop drives one environment with one oracle. A Loop must not be used for
// two flows concurrently on the same handle.
type Loop struct {
	env    sandbox.Provider
	oracle oracle.Oracle
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func New(env sandbox.Provider, o oracle.Oracle, cfg Config, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Screenshot.Format == "" {
		cfg.Screenshot = sandbox.DefaultScreenshotOptions
	}
	return &Loop{env: env, oracle: o, cfg: cfg, logger: logger, now: time.Now}
}

// RunFlow executes task against h for at most maxSteps iterations. Flow-level
// failures (a failed action, an unparseable oracle reply, a transport error)
// are reported in the Result, never as an error.
//
// Cancellation of ctx is observed between iterations. A screenshot, oracle
// call or action already in flight runs to completion under its own timeout,
// so the application is never left mid-action.
func (l *Loop) RunFlow(ctx context.Context, h sandbox.Handle, task string, maxSteps int) Result {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	logger := l.logger.With("environment", string(h))
	work := context.WithoutCancel(ctx)

	var (
		history []action.Action
		steps   []classify.Outcome
	)
	fail := func(o classify.Outcome, reason string) Result {
		steps = append(steps, o)
		return Result{Success: false, Steps: steps, FailureReason: reason, Cancelled: ctx.Err() != nil}
	}
	cancelled := func(i int, shot []byte) Result {
		logger.Info("flow cancelled", "step", i)
		res := fail(classify.Outcome{
			Number:     i,
			Action:     action.Failed{Reason: CancelledReason},
			Screenshot: shot,
			Err:        CancelledReason,
			At:         l.now(),
		}, CancelledReason)
		res.Cancelled = true
		return res
	}

	for i := 1; i <= maxSteps; i++ {
		if ctx.Err() != nil {
			return cancelled(i, nil)
		}

		shot, err := l.capture(work, h)
		if err != nil {
			if ctx.Err() != nil {
				return cancelled(i, nil)
			}
			logger.Warn("screenshot failed", "step", i, "error", err)
			return fail(classify.Outcome{Number: i, Err: err.Error(), At: l.now()}, err.Error())
		}

		next, err := l.oracle.Decide(work, task, shot, history)
		if err != nil {
			if ctx.Err() != nil {
				return cancelled(i, shot)
			}
			var pe *oracle.ParseError
			if errors.As(err, &pe) {
				logger.Warn("oracle reply unparseable", "step", i, "error", err)
			} else {
				logger.Warn("oracle call failed", "step", i, "error", err)
			}
			return fail(classify.Outcome{Number: i, Screenshot: shot, Err: err.Error(), At: l.now()}, err.Error())
		}
		logger.Debug("oracle chose action", "step", i, "action", next.Name())

		outcome := classify.Outcome{Number: i, Action: next, Screenshot: shot, At: l.now()}

		switch a := next.(type) {
		case action.Done:
			steps = append(steps, outcome)
			return Result{Success: true, Steps: steps, Result: a.Result}
		case action.Failed:
			steps = append(steps, outcome)
			return Result{Success: false, Steps: steps, FailureReason: a.Reason, Cancelled: ctx.Err() != nil}
		}

		if err := l.execute(work, h, next); err != nil {
			logger.Warn("action failed", "step", i, "action", next.Name(), "error", err)
			outcome.Err = err.Error()
			return fail(outcome, err.Error())
		}
		steps = append(steps, outcome)
		history = append(history, next)

		l.settle(ctx)
	}

	return Result{Success: false, Steps: steps, FailureReason: MaxStepsReason, Cancelled: ctx.Err() != nil}
}

func (l *Loop) capture(ctx context.Context, h sandbox.Handle) ([]byte, error) {
	if l.cfg.ScreenshotTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.ScreenshotTimeout)
		defer cancel()
	}
	shot, err := l.env.Screenshot(ctx, h, l.cfg.Screenshot)
	if err != nil {
		return nil, sandbox.Transport("screenshot", h, err)
	}
	return shot, nil
}

func (l *Loop) execute(ctx context.Context, h sandbox.Handle, a action.Action) error {
	if l.cfg.ActionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.ActionTimeout)
		defer cancel()
	}

	var err error
	switch v := a.(type) {
	case action.Click:
		err = l.env.PointerClick(ctx, h, v.X, v.Y)
	case action.Type:
		err = l.env.KeyboardType(ctx, h, v.Text)
	case action.Scroll:
		err = l.env.Scroll(ctx, h, v.DX, v.DY)
	default:
		return fmt.Errorf("%w: cannot execute %s", action.ErrUnknownType, a.Name())
	}
	return sandbox.Transport(a.Name(), h, err)
}

// settle waits out the UI settle delay. Cancellation cuts the wait short and
// is picked up at the next iteration boundary.
func (l *Loop) settle(ctx context.Context) {
	if l.cfg.SettleDelay <= 0 {
		return
	}
	t := time.NewTimer(l.cfg.SettleDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
