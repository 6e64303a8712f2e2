package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rodrwan/moaa/internal/model"
	"github.com/rodrwan/moaa/internal/observability"
)

const (
	scannerBufferInitial = 64 * 1024
	scannerBufferMax     = 8 * 1024 * 1024

	defaultExecutionTimeout = 2 * time.Minute
)

type Spec struct {
	Dir              string
	Bin              string
	Args             []string
	Env              []string
	ExecutionTimeout time.Duration
}

type Result struct {
	CombinedOutput string
	ExitErr        error
}

type Runner struct{}

func New() *Runner { return &Runner{} }

// Run executes spec.Bin and waits for it. A non-zero exit is reported in
// Result.ExitErr; the returned error is reserved for failures to start the
// process and for deadline expiry, which wraps model.ErrTimeout.
func (r *Runner) Run(ctx context.Context, spec Spec, onLine func(line string)) (Result, error) {
	start := time.Now()
	if spec.Bin == "" {
		return Result{}, fmt.Errorf("runner binary is empty")
	}
	if spec.ExecutionTimeout <= 0 {
		spec.ExecutionTimeout = defaultExecutionTimeout
	}
	command := strings.TrimSpace(spec.Bin + " " + strings.Join(spec.Args, " "))
	observability.Debug("runner_start", observability.Fields{
		"dir":               spec.Dir,
		"command_hash":      observability.HashText(command),
		"command":           command,
		"env_count":         len(spec.Env),
		"execution_timeout": spec.ExecutionTimeout.String(),
	})

	timeoutCtx, cancel := context.WithTimeout(ctx, spec.ExecutionTimeout)
	defer cancel()

	cmd := exec.CommandContext(timeoutCtx, spec.Bin, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start %s: %w", spec.Bin, err)
	}

	var (
		buf bytes.Buffer
		mu  sync.Mutex
		wg  sync.WaitGroup
	)
	copyStream := func(sc *bufio.Scanner, prefix string) {
		defer wg.Done()
		sc.Buffer(make([]byte, scannerBufferInitial), scannerBufferMax)
		for sc.Scan() {
			line := sc.Text()
			mu.Lock()
			buf.WriteString(prefix)
			buf.WriteString(line)
			buf.WriteByte('\n')
			mu.Unlock()
			if onLine != nil {
				onLine(prefix + line)
			}
		}
		if err := sc.Err(); err != nil {
			mu.Lock()
			buf.WriteString(prefix)
			buf.WriteString("scanner_error: ")
			buf.WriteString(err.Error())
			buf.WriteByte('\n')
			mu.Unlock()
		}
	}
	wg.Add(2)
	go copyStream(bufio.NewScanner(stdout), "")
	go copyStream(bufio.NewScanner(stderr), "[stderr] ")

	// Pipes must be drained before Wait closes them.
	wg.Wait()
	waitErr := cmd.Wait()
	out := buf.String()

	if ctxErr := timeoutCtx.Err(); ctxErr != nil && errors.Is(ctxErr, context.DeadlineExceeded) {
		observability.Error("runner_execution_timeout", observability.Fields{
			"duration_ms": time.Since(start).Milliseconds(),
			"output_len":  len(out),
			"command":     command,
		})
		err := fmt.Errorf("%w: %s exceeded %s", model.ErrTimeout, spec.Bin, spec.ExecutionTimeout)
		return Result{CombinedOutput: out, ExitErr: err}, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{CombinedOutput: out, ExitErr: ctxErr}, ctxErr
	}
	if waitErr != nil {
		observability.Debug("runner_exit_error", observability.Fields{
			"duration_ms": time.Since(start).Milliseconds(),
			"error":       waitErr,
			"output_len":  len(out),
		})
		return Result{CombinedOutput: out, ExitErr: waitErr}, nil
	}
	observability.Debug("runner_ok", observability.Fields{
		"duration_ms": time.Since(start).Milliseconds(),
		"output_len":  len(out),
	})
	return Result{CombinedOutput: out}, nil
}

// Tail returns the last lines of a command's output with stderr markers and
// blank runs removed, bounded to limit bytes.
func Tail(output string, lines, limit int) string {
	output = strings.ReplaceAll(output, "\r\n", "\n")
	parts := strings.Split(output, "\n")
	clean := make([]string, 0, len(parts))
	for _, line := range parts {
		line = strings.TrimSpace(strings.TrimPrefix(line, "[stderr]"))
		if line == "" {
			continue
		}
		clean = append(clean, line)
	}
	if lines > 0 && len(clean) > lines {
		clean = clean[len(clean)-lines:]
	}
	out := strings.Join(clean, "\n")
	if limit > 0 && len(out) > limit {
		return strings.TrimSpace(out[:limit]) + "\n..."
	}
	return out
}
