// Package oracle asks a vision model for the single next UI action given a
// task, a screenshot and the actions taken so far.
package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rocketship-ai/qapilot/internal/action"
	"github.com/rocketship-ai/qapilot/internal/llm"
)

// Oracle decides the next action. Implementations return *ParseError when the
// model's reply holds no single well-formed action.
type Oracle interface {
	Decide(ctx context.Context, task string, image []byte, history []action.Action) (action.Action, error)
}

// Completer is the model call the oracle depends on.
type Completer interface {
	Complete(ctx context.Context, system string, content ...llm.ContentBlock) (string, error)
}

// ParseError reports a model reply that could not be turned into an Action.
// The loop treats it as fatal to the current flow.
type ParseError struct {
	Response string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("oracle response is not a valid action: %v (response: %q)", e.Err, truncate(e.Response, 200))
}

func (e *ParseError) Unwrap() error { return e.Err }

// VisionOracle implements Oracle over a Completer.
type VisionOracle struct {
	model     Completer
	mediaType string
	timeout   time.Duration
	logger    *slog.Logger
}

// New returns a VisionOracle. A zero timeout leaves the bound to ctx.
func New(model Completer, timeout time.Duration, logger *slog.Logger) *VisionOracle {
	if logger == nil {
		logger = slog.Default()
	}
	return &VisionOracle{model: model, mediaType: "image/jpeg", timeout: timeout, logger: logger}
}

// Decide implements Oracle.
func (o *VisionOracle) Decide(ctx context.Context, task string, image []byte, history []action.Action) (action.Action, error) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	prompt := BuildPrompt(task, history)
	text, err := o.model.Complete(ctx, "", llm.ImageBlock(o.mediaType, image), llm.TextBlock(prompt))
	if err != nil {
		return nil, fmt.Errorf("oracle request failed: %w", err)
	}
	o.logger.Debug("oracle replied", "history_len", len(history), "response", truncate(text, 300))

	return ParseResponse(text)
}

// ParseResponse extracts the single action object from a model reply. Prose
// or code fences around the object are tolerated.
func ParseResponse(text string) (action.Action, error) {
	obj, ok := llm.ExtractJSONObject(text)
	if !ok {
		return nil, &ParseError{Response: text, Err: fmt.Errorf("no JSON object in response")}
	}
	a, err := action.Decode([]byte(obj))
	if err != nil {
		return nil, &ParseError{Response: text, Err: err}
	}
	return a, nil
}

// BuildPrompt renders the instruction text sent alongside the screenshot.
func BuildPrompt(task string, history []action.Action) string {
	var sb strings.Builder
	sb.WriteString("You are operating a web browser to carry out a task.\n\n")
	sb.WriteString("**Task**: ")
	sb.WriteString(task)
	sb.WriteString("\n\n**Actions so far**:\n")
	sb.WriteString(FormatHistory(history))
	sb.WriteString(`

**Instructions**:
1. Study the screenshot.
2. Choose exactly one next action that moves the task forward.
3. Reply with a single JSON object and nothing else: no markdown, no code fences, no commentary.

**Actions you may return**:
- {"type": "click", "x": 123, "y": 456, "description": "what is being clicked"}
- {"type": "type", "text": "text to enter"}
- {"type": "scroll", "deltaX": 0, "deltaY": 100}
- {"type": "done", "result": "confirmation or extracted information"}
- {"type": "failed", "reason": "why the task cannot be completed"}
`)
	return sb.String()
}

// FormatHistory lists prior actions one per line, or "None".
func FormatHistory(history []action.Action) string {
	if len(history) == 0 {
		return "None"
	}
	lines := make([]string, 0, len(history))
	for i, a := range history {
		encoded, err := action.Encode(a)
		if err != nil {
			continue
		}
		lines = append(lines, fmt.Sprintf("Step %d: %s %s", i+1, a.Name(), encoded))
	}
	return strings.Join(lines, "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
