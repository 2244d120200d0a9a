package detector

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Detector is a strategy that determines whether a fixture is up by one
// criterion (its PID exists, its port accepts connections, a probe command
// succeeds). It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the fixture is detected as up. A false result
	// with a nil error means "not yet"; an error means the probe itself failed.
	Alive(ctx context.Context) (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// DefaultInterval is the poll interval used by Wait when interval <= 0.
const DefaultInterval = 50 * time.Millisecond

// Wait polls d until it reports alive or ctx is done. The last probe error
// is reported together with the context error.
func Wait(ctx context.Context, d Detector, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	var last error
	for {
		ok, err := d.Alive(ctx)
		if ok {
			return nil
		}
		if err != nil {
			last = err
		}
		select {
		case <-ctx.Done():
			if last != nil {
				return fmt.Errorf("%s: %w (last probe error: %v)", d.Describe(), ctx.Err(), last)
			}
			return fmt.Errorf("%s: %w", d.Describe(), ctx.Err())
		case <-t.C:
		}
	}
}

// All is alive when every member is alive.
type All []Detector

func (a All) Alive(ctx context.Context) (bool, error) {
	for _, d := range a {
		ok, err := d.Alive(ctx)
		if !ok || err != nil {
			return false, err
		}
	}
	return true, nil
}

func (a All) Describe() string {
	parts := make([]string, 0, len(a))
	for _, d := range a {
		parts = append(parts, d.Describe())
	}
	return "all(" + strings.Join(parts, ",") + ")"
}
