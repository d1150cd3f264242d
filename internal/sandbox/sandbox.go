// Package sandbox defines the contract for isolated execution environments:
// command execution, file transfer and screen input/output.
package sandbox

import (
	"context"
	"errors"
	"fmt"
)

// Handle identifies one provisioned environment. It is a plain string so it
// can cross process boundaries (durable workflow activities, the run row).
type Handle string

// ExecResult is the outcome of a command that ran to completion.
type ExecResult struct {
	ExitCode int
	Output   string
}

// OK reports whether the command exited zero.
func (r ExecResult) OK() bool { return r.ExitCode == 0 }

// ImageFormat is the encoding requested for screenshots.
type ImageFormat string

const (
	FormatJPEG ImageFormat = "jpeg"
	FormatPNG  ImageFormat = "png"
)

// ScreenshotOptions bounds the size of a captured image.
type ScreenshotOptions struct {
	Format  ImageFormat
	Quality int
}

// DefaultScreenshotOptions is the compressed capture fed to the oracle.
var DefaultScreenshotOptions = ScreenshotOptions{Format: FormatJPEG, Quality: 80}

// Provider creates and drives execution environments. A non-zero exit code
// is reported through ExecResult, never as an error; errors mean the
// operation itself could not be carried out and are *TransportError.
type Provider interface {
	Create(ctx context.Context) (Handle, error)
	Exec(ctx context.Context, h Handle, command, cwd string) (ExecResult, error)
	UploadFile(ctx context.Context, h Handle, path string, data []byte) error
	Screenshot(ctx context.Context, h Handle, opts ScreenshotOptions) ([]byte, error)
	PointerClick(ctx context.Context, h Handle, x, y int) error
	KeyboardType(ctx context.Context, h Handle, text string) error
	Scroll(ctx context.Context, h Handle, dx, dy int) error
	Delete(ctx context.Context, h Handle) error
}

// Navigator is implemented by providers whose screen is a browser that can
// be pointed at the served application before the first capture.
type Navigator interface {
	Navigate(ctx context.Context, h Handle, url string) error
}

// ErrUnknownHandle is returned for operations on an environment the provider
// does not know about (never created, or already deleted).
var ErrUnknownHandle = errors.New("unknown environment handle")

// TransportError reports an environment operation that failed to execute,
// as opposed to a command that ran and exited non-zero.
type TransportError struct {
	Op     string
	Handle Handle
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("environment %s %s: %v", e.Handle, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Transport wraps err as a *TransportError unless it already is one.
func Transport(op string, h Handle, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Handle: h, Err: err}
}
