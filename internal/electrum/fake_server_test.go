package electrum

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
	"testing"
)

// fakeServer answers Electrum requests from a method table. A handler that
// returns a *RPCError produces an error response.
type fakeServer struct {
	ln       net.Listener
	handlers map[string]func(params []json.RawMessage) any
	notify   map[string]string // method -> raw notification line sent before the reply

	mu    sync.Mutex
	conns int
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeServer{ln: ln, handlers: map[string]func([]json.RawMessage) any{}, notify: map[string]string{}}
	t.Cleanup(func() { _ = ln.Close() })
	go s.serve()
	return s
}

func (s *fakeServer) Addr() string { return s.ln.Addr().String() }

func (s *fakeServer) Conns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

func (s *fakeServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns++
		s.mu.Unlock()
		go s.handle(conn)
	}
}

func (s *fakeServer) handle(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		var req struct {
			ID     int64             `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
			return
		}
		if n, ok := s.notify[req.Method]; ok {
			_, _ = conn.Write([]byte(n + "\n"))
		}
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		h, ok := s.handlers[req.Method]
		switch {
		case !ok:
			resp["error"] = &RPCError{Code: -32601, Message: "unknown method " + req.Method}
		default:
			if out := h(req.Params); out != nil {
				if rerr, isErr := out.(*RPCError); isErr {
					resp["error"] = rerr
				} else {
					resp["result"] = out
				}
			} else {
				resp["result"] = nil
			}
		}
		b, _ := json.Marshal(resp)
		_, _ = conn.Write(append(b, '\n'))
	}
}
