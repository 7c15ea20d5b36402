package verify

import (
	"context"
	"fmt"
	"strings"

	"flywheel/internal/logging"
)

// checkpointMessage labels the stash entries this package creates.
const checkpointMessage = "flywheel pre-merge checkpoint"

// Checkpointer snapshots the workspace before a merge so a failed
// verification can roll back. Dirty state is captured as a stored git
// stash; a clean tree checkpoints as the HEAD commit.
type Checkpointer struct {
	workspace string
	run       RunCommand
}

// NewCheckpointer creates a checkpointer for a git workspace.
func NewCheckpointer(workspace string) *Checkpointer {
	return &Checkpointer{
		workspace: workspace,
		run:       ExecRunner,
	}
}

// Create records the current workspace state and returns an opaque
// reference for Restore and Release.
func (c *Checkpointer) Create(ctx context.Context) (string, error) {
	out, code, err := c.git(ctx, "stash", "create", checkpointMessage)
	if err != nil {
		return "", fmt.Errorf("checkpoint create: %w", err)
	}
	if code != 0 {
		return "", fmt.Errorf("checkpoint create: git exited %d: %s", code, strings.TrimSpace(out))
	}

	hash := strings.TrimSpace(out)
	if hash == "" {
		// Clean tree: the HEAD commit is the checkpoint.
		head, code, err := c.git(ctx, "rev-parse", "HEAD")
		if err != nil || code != 0 {
			return "", fmt.Errorf("checkpoint create: cannot resolve HEAD (exit %d): %v", code, err)
		}
		ref := "commit:" + strings.TrimSpace(head)
		logging.VerifyDebug("Checkpoint created at clean tree: %s", ref)
		return ref, nil
	}

	// Store the stash so it survives until released.
	if out, code, err := c.git(ctx, "stash", "store", "-m", checkpointMessage, hash); err != nil || code != 0 {
		return "", fmt.Errorf("checkpoint store: exit %d: %v %s", code, err, strings.TrimSpace(out))
	}
	ref := "stash:" + hash
	logging.Verify("Checkpoint created: %s", ref)
	return ref, nil
}

// Restore rolls the workspace back to a checkpoint. Tracked files
// return to their checkpointed content; untracked files are left alone.
func (c *Checkpointer) Restore(ctx context.Context, ref string) error {
	kind, hash, err := parseRef(ref)
	if err != nil {
		return err
	}

	logging.VerifyWarn("Restoring checkpoint %s", ref)
	switch kind {
	case "commit":
		if out, code, err := c.git(ctx, "reset", "--hard", hash); err != nil || code != 0 {
			return fmt.Errorf("checkpoint restore: exit %d: %v %s", code, err, strings.TrimSpace(out))
		}
	case "stash":
		// The stash commit's first parent is the HEAD it was taken on.
		if out, code, err := c.git(ctx, "reset", "--hard", hash+"^"); err != nil || code != 0 {
			return fmt.Errorf("checkpoint restore: exit %d: %v %s", code, err, strings.TrimSpace(out))
		}
		if out, code, err := c.git(ctx, "stash", "apply", hash); err != nil || code != 0 {
			return fmt.Errorf("checkpoint restore apply: exit %d: %v %s", code, err, strings.TrimSpace(out))
		}
	}
	logging.Verify("Checkpoint restored: %s", ref)
	return nil
}

// Release discards a checkpoint after a successful verification. Commit
// checkpoints have nothing to discard.
func (c *Checkpointer) Release(ctx context.Context, ref string) error {
	kind, hash, err := parseRef(ref)
	if err != nil {
		return err
	}
	if kind != "stash" {
		return nil
	}

	out, code, err := c.git(ctx, "stash", "list", "--format=%H %gd")
	if err != nil || code != 0 {
		return fmt.Errorf("checkpoint release: exit %d: %v", code, err)
	}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == hash {
			if out, code, err := c.git(ctx, "stash", "drop", fields[1]); err != nil || code != 0 {
				return fmt.Errorf("checkpoint drop: exit %d: %v %s", code, err, strings.TrimSpace(out))
			}
			logging.VerifyDebug("Checkpoint released: %s", ref)
			return nil
		}
	}
	// Already gone; releasing twice is not an error.
	return nil
}

func (c *Checkpointer) git(ctx context.Context, args ...string) (string, int, error) {
	return c.run(ctx, c.workspace, "git", args...)
}

func parseRef(ref string) (kind, hash string, err error) {
	kind, hash, ok := strings.Cut(ref, ":")
	if !ok || hash == "" || (kind != "commit" && kind != "stash") {
		return "", "", fmt.Errorf("malformed checkpoint ref: %q", ref)
	}
	return kind, hash, nil
}
