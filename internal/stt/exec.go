package stt

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mattn/go-shellwords"

	"github.com/lecternlabs/lectern/internal/config"
)

// ExecTranscriber drives a whisper.cpp style command line: the tool
// reads a WAV file and writes <output base>.txt next to it. The os and
// exec hooks are fields so tests can run without a binary on PATH.
type ExecTranscriber struct {
	cmd       []string
	modelPath string
	language  string

	run       func(ctx context.Context, name string, args ...string) (stdout, stderr string, err error)
	mkdirTemp func(dir, pattern string) (string, error)
	removeAll func(path string) error
	readFile  func(name string) ([]byte, error)
}

func NewExecTranscriber(cfg config.STTConfig) (*ExecTranscriber, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &ExecTranscriber{
		cmd:       args,
		modelPath: cfg.ModelPath,
		language:  cfg.Language,
		run:       runCommand,
		mkdirTemp: os.MkdirTemp,
		removeAll: os.RemoveAll,
		readFile:  os.ReadFile,
	}, nil
}

func (t *ExecTranscriber) Transcribe(ctx context.Context, audioPath string) (string, error) {
	workDir, err := t.mkdirTemp("", "lectern-stt-*")
	if err != nil {
		return "", fmt.Errorf("temp dir: %w", err)
	}
	defer func() { _ = t.removeAll(workDir) }()

	outBase := filepath.Join(workDir, "transcript")
	args := transcribeArgs(t.cmd[1:], audioPath, outBase, t.modelPath, t.language)
	if _, stderr, err := t.run(ctx, t.cmd[0], args...); err != nil {
		return "", fmt.Errorf("stt command failed: %w: %s", err, strings.TrimSpace(stderr))
	}

	raw, err := t.readFile(outBase + ".txt")
	if err != nil {
		return "", fmt.Errorf("read transcript: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

func transcribeArgs(base []string, audioPath, outBase, modelPath, language string) []string {
	args := append([]string{}, base...)
	if modelPath != "" {
		args = append(args, "-m", modelPath)
	}
	args = append(args, "-f", audioPath, "-of", outBase, "-otxt")
	if language != "" {
		args = append(args, "-l", language)
	}
	return args
}

func runCommand(ctx context.Context, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}
