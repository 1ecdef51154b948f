package daemon

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/buddy/internal/domain"
)

// maxSetupOutput bounds how much failing setup output is kept in the error.
const maxSetupOutput = 2048

// RunSetup runs a child's environment bootstrap steps in its working
// directory, in order, stopping at the first failure.
func RunSetup(ctx context.Context, spec domain.ChildSpec, logger *zap.Logger) error {
	for _, step := range spec.Setup {
		logger.Info("running setup step",
			zap.String("role", string(spec.Role)),
			zap.String("step", step))

		cmd := exec.CommandContext(ctx, "sh", "-c", step)
		cmd.Dir = spec.Dir
		cmd.Env = append(os.Environ(), spec.Env...)

		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("setup %q: %w: %s", step, err, tail(out, maxSetupOutput))
		}
	}
	return nil
}

func tail(b []byte, n int) []byte {
	b = bytes.TrimSpace(b)
	if len(b) > n {
		return b[len(b)-n:]
	}
	return b
}
