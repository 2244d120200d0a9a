package ports

import (
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReserveConcurrentUnique(t *testing.T) {
	const n = 50
	var wg sync.WaitGroup
	got := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := Reserve()
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			got <- p
		}()
	}
	wg.Wait()
	close(got)

	seen := make(map[int]bool)
	for p := range got {
		require.False(t, seen[p], "port %d handed out twice", p)
		seen[p] = true
		t.Cleanup(func() { Release(p) })
	}
	require.Len(t, seen, n)
}

func TestReservedPortIsBindable(t *testing.T) {
	p, err := Reserve()
	require.NoError(t, err)
	defer Release(p)
	require.ErrorIs(t, Claim(p), ErrInUse)

	l, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(p))
	require.NoError(t, err)
	_ = l.Close()
}

func TestClaimAndRelease(t *testing.T) {
	p, err := Reserve()
	require.NoError(t, err)
	require.ErrorIs(t, Claim(p), ErrInUse, "claiming a reserved port must fail")
	Release(p)
	require.NoError(t, Claim(p))
	Release(p)
	require.Error(t, Claim(0))
	require.Error(t, Claim(70000))
}
