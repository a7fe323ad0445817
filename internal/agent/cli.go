package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// CLIProcessor runs the reasoning CLI as a subprocess per task.
type CLIProcessor struct {
	cfg     Config
	limiter *rate.Limiter
}

// NewCLIProcessor builds a CLI-backed processor.
func NewCLIProcessor(cfg Config, limiter *rate.Limiter) (*CLIProcessor, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("command is required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	return &CLIProcessor{cfg: cfg, limiter: limiter}, nil
}

// Process spawns the CLI with the rendered prompt, captures its output with
// a line cap, and kills it when the deadline passes. The returned Result is
// populated even on failure so callers can summarize the attempt.
func (p *CLIProcessor) Process(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = p.cfg.TimeoutFor(req.TaskType)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for processor slot: %w", err)
	}

	args := append(append([]string{}, p.cfg.ExtraArgs...), promptFor(req))
	cmd := exec.Command(p.cfg.Command, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", p.cfg.Command, err)
	}

	var wg sync.WaitGroup
	var outLines, errLines []string
	wg.Add(2)
	go func() {
		defer wg.Done()
		outLines = captureLines(stdout, p.cfg.MaxOutputLines)
	}()
	go func() {
		defer wg.Done()
		errLines = captureLines(stderr, p.cfg.MaxOutputLines)
	}()

	waitCh := make(chan error, 1)
	go func() {
		wg.Wait()
		waitCh <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-waitCh
		res := &Result{
			Output:   strings.Join(outLines, "\n"),
			Stderr:   strings.Join(errLines, "\n"),
			ExitCode: -1,
			Duration: time.Since(start),
		}
		return res, fmt.Errorf("processing %s timed out after %v: %w", req.TaskID, timeout, ctx.Err())
	case err := <-waitCh:
		res := &Result{
			Output:   strings.Join(outLines, "\n"),
			Stderr:   strings.Join(errLines, "\n"),
			Duration: time.Since(start),
		}
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				res.ExitCode = exitErr.ExitCode()
				return res, fmt.Errorf("%s exited with code %d processing %s", p.cfg.Command, res.ExitCode, req.TaskID)
			}
			res.ExitCode = -1
			return res, fmt.Errorf("running %s for %s: %w", p.cfg.Command, req.TaskID, err)
		}
		return res, nil
	}
}

// captureLines drains a stream into at most max lines, marking truncation
// once. The stream is always read to EOF so the subprocess never blocks on
// a full pipe.
func captureLines(r io.Reader, max int) []string {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(lines) < max {
			lines = append(lines, scanner.Text())
		} else if len(lines) == max {
			lines = append(lines, "[... output truncated: limit reached ...]")
		}
	}
	return lines
}
