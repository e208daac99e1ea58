package media

import (
	"context"
	"fmt"

	"github.com/mattn/go-shellwords"
)

// ExecDenoiser shells out to an operator supplied command, appending
// the input and output paths as the final two arguments. This is the
// hook for rnnoise_demo style binaries and custom filter scripts.
type ExecDenoiser struct {
	cmd []string
	run runner
}

func NewExecDenoiser(command string) (*ExecDenoiser, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse denoise command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("denoise command is empty")
	}
	return &ExecDenoiser{cmd: args, run: execRunner{}}, nil
}

func (d *ExecDenoiser) Denoise(ctx context.Context, inPath, outPath string) error {
	args := append([]string{}, d.cmd[1:]...)
	args = append(args, inPath, outPath)
	res, err := d.run.Run(ctx, d.cmd[0], args...)
	if err != nil {
		return toolError(d.cmd[0], err, res)
	}
	if err := requireOutput(outPath, d.cmd[0]); err != nil {
		return err
	}
	return VerifyDenoiseContract(inPath, outPath)
}
