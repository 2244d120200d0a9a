package detector

import (
	"context"
	"fmt"
	"slices"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// PIDDetector detects a process by PID. Zombies count as gone.
type PIDDetector struct{ PID int }

func (d PIDDetector) Alive(ctx context.Context) (bool, error) {
	return PIDAlive(ctx, d.PID)
}

func (d PIDDetector) Describe() string { return fmt.Sprintf("pid:%d", d.PID) }

// PIDAlive reports whether pid is present in the process table and is not a
// zombie awaiting reaping.
func PIDAlive(ctx context.Context, pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	ok, err := gopsproc.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !ok {
		return false, err
	}
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		// raced with exit
		return false, nil
	}
	st, err := p.StatusWithContext(ctx)
	if err != nil {
		return true, nil
	}
	return !slices.Contains(st, gopsproc.Zombie), nil
}
