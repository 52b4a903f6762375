package updatequeue

import (
	"context"
	"os/exec"
)

// execCommand runs one command to completion and returns its combined
// output. The applier intentionally imposes no timeout: it runs with
// nothing else alive and is expected to complete or be investigated.
func execCommand(ctx context.Context, dir string, command []string) (string, error) {
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	return string(output), err
}
