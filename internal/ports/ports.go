// Package ports hands out free TCP ports on the loopback interface and
// tracks caller-chosen ones, so no two fixtures in a process share a port.
package ports

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// maxAttempts bounds how many OS-assigned ports Reserve will try before
// giving up when every candidate is already held by this process.
const maxAttempts = 64

var (
	mu       sync.Mutex
	reserved = make(map[int]struct{})
)

var (
	// ErrExhausted is returned when no unreserved port could be obtained.
	ErrExhausted = errors.New("no free port available")
	// ErrInUse is returned by Claim for a port another fixture holds.
	ErrInUse = errors.New("port already reserved")
)

// Reserve asks the OS for a free loopback port and records it as held until
// Release. Concurrent callers never receive the same port.
func Reserve() (int, error) {
	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < maxAttempts; i++ {
		port, err := probe()
		if err != nil {
			return 0, fmt.Errorf("reserve port: %w", err)
		}
		if _, taken := reserved[port]; taken {
			continue
		}
		reserved[port] = struct{}{}
		return port, nil
	}
	return 0, ErrExhausted
}

// Claim records a caller-chosen port as held. It fails when the port is
// already held by another fixture in this process.
func Claim(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port %d", port)
	}
	mu.Lock()
	defer mu.Unlock()
	if _, taken := reserved[port]; taken {
		return fmt.Errorf("claim port %d: %w", port, ErrInUse)
	}
	reserved[port] = struct{}{}
	return nil
}

// Release returns port to the pool. Releasing an unknown port is a no-op.
func Release(port int) {
	mu.Lock()
	delete(reserved, port)
	mu.Unlock()
}

func probe() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer func() { _ = l.Close() }()
	return l.Addr().(*net.TCPAddr).Port, nil
}
