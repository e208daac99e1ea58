// Package media wraps the external tools that move bytes between
// container formats: audio extraction from video and noise reduction
// on WAV files.
package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// runResult captures the stdio of one external tool invocation.
type runResult struct {
	Stdout string
	Stderr string
}

// runner abstracts exec.CommandContext so stages can be exercised in
// tests without ffmpeg on PATH.
type runner interface {
	Run(ctx context.Context, name string, args ...string) (runResult, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (runResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return runResult{Stdout: stdout.String(), Stderr: stderr.String()}, err
}

// toolError folds the tail of stderr into the failure so logs carry the
// tool's own diagnostics.
func toolError(tool string, err error, res runResult) error {
	if tail := stderrTail(res.Stderr); tail != "" {
		return fmt.Errorf("%s: %w: %s", tool, err, tail)
	}
	return fmt.Errorf("%s: %w", tool, err)
}

func stderrTail(s string) string {
	s = strings.TrimSpace(s)
	const max = 2048
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}

// requireOutput rejects runs that exited zero without writing the file
// they were asked for.
func requireOutput(path, tool string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s completed without producing %s", tool, filepath.Base(path))
	}
	if info.Size() == 0 {
		return fmt.Errorf("%s produced an empty %s", tool, filepath.Base(path))
	}
	return nil
}
