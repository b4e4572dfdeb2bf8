// Package anntools runs the external AnnTools annotation pipeline.
package anntools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/ahrav/gas/internal/domain/annotation"
	"github.com/ahrav/gas/pkg/common/logger"
)

var _ annotation.Tool = (*Runner)(nil)

// maxStderr bounds how much tool output is kept for error messages.
const maxStderr = 4 << 10

// ErrMissingOutput is returned when the tool exits cleanly without writing
// its result or log file.
var ErrMissingOutput = errors.New("annotation tool produced no output")

// Runner executes the annotation command with the input path as its final
// argument. The tool writes <base>.annot.vcf and <base>.vcf.count.log next to
// the input file.
type Runner struct {
	command []string
	logger  *logger.Logger
}

// NewRunner creates a runner for command, e.g. ["python", "anntools/run.py"].
func NewRunner(command []string, log *logger.Logger) (*Runner, error) {
	if len(command) == 0 || command[0] == "" {
		return nil, errors.New("annotation command is required")
	}
	return &Runner{command: command, logger: log.With("component", "anntools")}, nil
}

// Run annotates inputPath and returns the paths of the produced files.
// Cancelling ctx kills the tool process.
func (r *Runner) Run(ctx context.Context, inputPath string) (*annotation.ToolOutput, error) {
	dir := filepath.Dir(inputPath)
	fileName := filepath.Base(inputPath)

	args := append(append([]string(nil), r.command[1:]...), inputPath)
	cmd := exec.CommandContext(ctx, r.command[0], args...)
	cmd.Dir = dir

	var stdout bytes.Buffer
	stderr := &tailBuffer{max: maxStderr}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	start := time.Now()
	r.logger.Debug(ctx, "starting annotation tool", "input", inputPath)
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("annotation tool interrupted: %w", ctxErr)
		}
		return nil, fmt.Errorf("annotation tool failed on %s: %w: %s", fileName, err, stderr.String())
	}
	elapsed := time.Since(start)

	out := &annotation.ToolOutput{
		ResultPath: filepath.Join(dir, annotation.ResultFileName(fileName)),
		LogPath:    filepath.Join(dir, annotation.LogFileName(fileName)),
		Duration:   elapsed,
	}
	for _, p := range []string{out.ResultPath, out.LogPath} {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrMissingOutput, filepath.Base(p), err)
		}
	}

	r.logger.Info(ctx, "annotation tool finished",
		"input", inputPath,
		"duration", elapsed,
		"stdout_bytes", stdout.Len(),
	)
	return out, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string { return string(bytes.TrimSpace(b.buf)) }
