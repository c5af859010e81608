package analysis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// Reason explains why an invocation counts as failed.
type Reason string

const (
	ReasonSpawn    Reason = "spawn"
	ReasonExit     Reason = "exit"
	ReasonTimeout  Reason = "timeout"
	ReasonCanceled Reason = "canceled"
)

// ProcessError describes a failed invocation. It matches ErrProcessFailed.
type ProcessError struct {
	Reason   Reason
	ExitCode int
	Stderr   []byte
	Err      error
}

// Error implements the error interface. The message never includes stderr.
func (e *ProcessError) Error() string {
	switch e.Reason {
	case ReasonExit:
		return fmt.Sprintf("%v: exited with code %d", ErrProcessFailed, e.ExitCode)
	default:
		return fmt.Sprintf("%v: %s: %v", ErrProcessFailed, e.Reason, e.Err)
	}
}

// Unwrap returns the underlying exec or context error.
func (e *ProcessError) Unwrap() error {
	return e.Err
}

// Is reports ErrProcessFailed for every reason.
func (e *ProcessError) Is(target error) bool {
	return target == ErrProcessFailed
}

// DefaultWaitDelay is used when InvokerConfig.WaitDelay is not positive.
const DefaultWaitDelay = 2 * time.Second

// InvokerConfig configures how the analyzer is launched.
type InvokerConfig struct {
	// Command is the executable, e.g. "python".
	Command string
	// Script is passed as the first argument, before the image path.
	Script string
	// Timeout bounds a single invocation.
	Timeout time.Duration
	// WaitDelay bounds how long output pipes are drained after the process is
	// killed. Values <= 0 fall back to DefaultWaitDelay.
	WaitDelay time.Duration
}

// Invoker spawns `<command> <script> <image>` once per call.
type Invoker struct {
	cfg    InvokerConfig
	logger *zap.Logger
}

// NewInvoker constructs an invoker.
func NewInvoker(cfg InvokerConfig, logger *zap.Logger) *Invoker {
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = DefaultWaitDelay
	}
	return &Invoker{cfg: cfg, logger: logger.Named("analysis_invoker")}
}

// Analyze runs the analyzer on imagePath and waits for it to exit. Stdout and
// stderr are captured in full. The process and everything in its process group
// are killed when ctx is done or the configured timeout expires.
func (inv *Invoker) Analyze(ctx context.Context, imagePath string) (*Invocation, error) {
	runCtx := ctx
	if inv.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, inv.cfg.Timeout)
		defer cancel()
	}

	invocation := &Invocation{
		Command: inv.cfg.Command,
		Args:    []string{inv.cfg.Script, imagePath},
	}

	//nolint:gosec // G204: command and script come from service configuration
	cmd := exec.CommandContext(runCtx, invocation.Command, invocation.Args...)
	cmd.WaitDelay = inv.cfg.WaitDelay
	killGroupOnCancel(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	invocation.Stdout = stdout.Bytes()
	invocation.Stderr = stderr.Bytes()
	if cmd.ProcessState != nil {
		code := cmd.ProcessState.ExitCode()
		invocation.ExitCode = &code
	}

	inv.logger.Debug("analyzer finished",
		zap.String("image", imagePath),
		zap.Duration("elapsed", elapsed),
		zap.Int("stdout_bytes", stdout.Len()),
		zap.Int("stderr_bytes", stderr.Len()),
	)

	if err == nil {
		return invocation, nil
	}
	return invocation, classify(runCtx, ctx, err, invocation)
}

func classify(runCtx, parent context.Context, err error, invocation *Invocation) error {
	procErr := &ProcessError{Err: err, ExitCode: -1, Stderr: invocation.Stderr}
	if invocation.ExitCode != nil {
		procErr.ExitCode = *invocation.ExitCode
	}

	var exitErr *exec.ExitError
	switch {
	case parent.Err() != nil:
		procErr.Reason = ReasonCanceled
		procErr.Err = parent.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		procErr.Reason = ReasonTimeout
		procErr.Err = runCtx.Err()
	case errors.As(err, &exitErr):
		procErr.Reason = ReasonExit
	default:
		procErr.Reason = ReasonSpawn
	}
	return procErr
}
