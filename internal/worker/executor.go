package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/perimetra/perimetra/internal/dispatch"
	"github.com/perimetra/perimetra/internal/errors"
)

// Executor runs a scanner binary and returns its standard output.
// The indirection keeps subprocess execution out of handler tests.
type Executor interface {
	Execute(ctx context.Context, name string, args []string, timeout time.Duration) ([]byte, error)
}

// CommandExecutor runs real subprocesses with a bounded runtime and a
// capped output size.
type CommandExecutor struct{}

// Execute runs the command and returns up to the report size limit of
// its stdout. The context deadline kills a runaway scanner.
func (CommandExecutor) Execute(ctx context.Context, name string, args []string, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...) // #nosec G204 - name and args are operator-configured
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.WrapScanError(errors.CodeDispatchFailed,
			fmt.Sprintf("failed to start %s", name), err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, errors.WrapScanError(errors.CodeDispatchFailed,
			fmt.Sprintf("failed to start %s", name), err)
	}

	output, readErr := readAllCapped(stdout, dispatch.MaxReportBytes)
	waitErr := cmd.Wait()

	if ctx.Err() == context.DeadlineExceeded {
		return nil, errors.NewScanError(errors.CodeTimeout,
			fmt.Sprintf("%s timed out after %s", name, timeout))
	}
	if readErr != nil {
		return nil, errors.WrapScanError(errors.CodeDispatchFailed,
			fmt.Sprintf("failed to read %s output", name), readErr)
	}
	if waitErr != nil {
		return nil, errors.WrapScanError(errors.CodeDispatchFailed,
			fmt.Sprintf("%s failed: %s", name, stderr.String()), waitErr)
	}
	return output, nil
}

// readAllCapped reads up to limit bytes from r and drains the rest.
// Without the drain a scanner that exceeds the cap blocks on a full
// pipe and Wait stalls until the job timeout.
func readAllCapped(r io.Reader, limit int64) ([]byte, error) {
	output, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return output, err
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return output, err
	}
	return output, nil
}
