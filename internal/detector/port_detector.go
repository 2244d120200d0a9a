package detector

import (
	"context"
	"net"
	"time"
)

// PortDetector reports alive once Addr accepts TCP connections.
type PortDetector struct {
	Addr    string
	Timeout time.Duration // per dial; default 500ms
}

func (d PortDetector) Alive(ctx context.Context) (bool, error) {
	to := d.Timeout
	if to <= 0 {
		to = 500 * time.Millisecond
	}
	dctx, cancel := context.WithTimeout(ctx, to)
	defer cancel()
	var dialer net.Dialer
	conn, err := dialer.DialContext(dctx, "tcp", d.Addr)
	if err != nil {
		// refused or unreachable means "not yet"
		return false, nil
	}
	_ = conn.Close()
	return true, nil
}

func (d PortDetector) Describe() string { return "tcp:" + d.Addr }
