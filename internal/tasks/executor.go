package tasks

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/amaydixit11/meshd/internal/core"
	"github.com/amaydixit11/meshd/internal/peer"
)

// DefaultTimeout applies when a task carries none
const DefaultTimeout = 30 * time.Second

// MaxTimeout caps what a task may ask for
const MaxTimeout = 5 * time.Minute

// maxCapture bounds how much of each stream a result carries
const maxCapture = 64 << 10

var ErrBlacklisted = errors.New("command matches the blacklist")

// Blacklisted reports whether the command contains any blacklisted
// substring. Matching is deliberately blunt: operators list fragments,
// not patterns.
func Blacklisted(command string, blacklist []string) bool {
	for _, bad := range blacklist {
		if bad != "" && strings.Contains(command, bad) {
			return true
		}
	}
	return false
}

func clampTimeout(seconds float64) time.Duration {
	d := time.Duration(seconds * float64(time.Second))
	if d <= 0 {
		return DefaultTimeout
	}
	if d > MaxTimeout {
		return MaxTimeout
	}
	return d
}

func truncate(b []byte) string {
	if len(b) > maxCapture {
		b = b[:maxCapture]
	}
	return string(b)
}

// Execute runs one order through the shell, killing it when the
// timeout expires. It always returns a result; failure lives in the
// result's status, never in an error.
func Execute(ctx context.Context, order peer.TaskOrder) peer.TaskResult {
	ctx, cancel := context.WithTimeout(ctx, clampTimeout(order.Timeout))
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", order.Command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	res := peer.TaskResult{
		TaskID:     order.TaskID,
		Status:     string(StatusCompleted),
		Stdout:     truncate(stdout.Bytes()),
		Stderr:     truncate(stderr.Bytes()),
		FinishedAt: core.Now(),
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.Status = string(StatusTimeout)
		res.ExitCode = -1
	case err != nil:
		res.Status = string(StatusFailed)
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else if res.Stderr == "" {
			res.Stderr = err.Error()
		}
	default:
		res.ExitCode = 0
	}
	return res
}
