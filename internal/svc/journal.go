package svc

import (
	"context"
	"os"
	"os/exec"
	"strconv"
)

// JournalQuery selects which journal entries to show for a unit.
type JournalQuery struct {
	Unit   string
	Lines  int
	Follow bool
	Since  string // passed to journalctl --since, e.g. "1h ago"
}

func (q JournalQuery) args() []string {
	lines := q.Lines
	if lines <= 0 {
		lines = 50
	}
	args := []string{"--unit", q.Unit, "--lines", strconv.Itoa(lines), "--no-pager", "--output", "cat"}
	if q.Since != "" {
		args = append(args, "--since", q.Since)
	}
	if q.Follow {
		args = append(args, "--follow")
	}
	return args
}

// ShowJournal streams the unit's journal to stdout until journalctl exits
// or ctx is cancelled.
func ShowJournal(ctx context.Context, q JournalQuery) error {
	cmd := exec.CommandContext(ctx, "journalctl", q.args()...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
