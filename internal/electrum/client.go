// Package electrum is a minimal typed client for the Electrum protocol: JSON-RPC 2.0
// requests and responses as newline-delimited JSON over TCP.
package electrum

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// DefaultProtocol is the protocol version offered in server.version.
const DefaultProtocol = "1.4"

// ErrClosed is returned by calls on a closed client.
var ErrClosed = errors.New("electrum client closed")

// RPCError is an error object returned by the server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("electrum rpc error %d: %s", e.Code, e.Message)
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type response struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method,omitempty"` // set on subscription notifications
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// Features is the server.features result.
type Features struct {
	GenesisHash   string `json:"genesis_hash"`
	HashFunction  string `json:"hash_function"`
	ServerVersion string `json:"server_version"`
	ProtocolMin   string `json:"protocol_min"`
	ProtocolMax   string `json:"protocol_max"`
	Pruning       *int   `json:"pruning"`
}

// Header is the tip reported by blockchain.headers.subscribe.
type Header struct {
	Height int64  `json:"height"`
	Hex    string `json:"hex"`
}

// Client talks to one Electrum server. The connection is dialed on the first
// call and reused; calls are serialized. A Client is safe for concurrent use.
type Client struct {
	addr        string
	dialTimeout time.Duration

	mu     sync.Mutex
	conn   net.Conn
	rd     *bufio.Reader
	nextID int64
	closed bool
}

// New returns a client for addr ("host:port"). Nothing is dialed yet.
func New(addr string) *Client {
	return &Client{addr: addr, dialTimeout: 5 * time.Second}
}

// Addr returns the server address.
func (c *Client) Addr() string { return c.addr }

// Close closes the connection. Further calls return ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.dropLocked()
}

func (c *Client) dropLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn, c.rd = nil, nil
	return err
}

// Call performs one request and decodes the result into out (which may be
// nil). Subscription notifications received while waiting are skipped.
func (c *Client) Call(ctx context.Context, method string, out any, params ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.conn == nil {
		d := net.Dialer{Timeout: c.dialTimeout}
		conn, err := d.DialContext(ctx, "tcp", c.addr)
		if err != nil {
			return fmt.Errorf("dial electrum %s: %w", c.addr, err)
		}
		c.conn, c.rd = conn, bufio.NewReader(conn)
	}

	conn := c.conn
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	} else {
		_ = conn.SetDeadline(time.Time{})
	}
	// unblock the read when ctx is cancelled without a deadline
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	c.nextID++
	id := c.nextID
	if params == nil {
		params = []any{}
	}
	b, err := json.Marshal(request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}
	if _, err := conn.Write(append(b, '\n')); err != nil {
		_ = c.dropLocked()
		return c.ctxErr(ctx, fmt.Errorf("send %s: %w", method, err))
	}

	for {
		line, err := c.rd.ReadBytes('\n')
		if err != nil {
			_ = c.dropLocked()
			return c.ctxErr(ctx, fmt.Errorf("read %s response: %w", method, err))
		}
		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			_ = c.dropLocked()
			return fmt.Errorf("decode %s response: %w", method, err)
		}
		if resp.ID == nil {
			continue
		}
		if *resp.ID != id {
			_ = c.dropLocked()
			return fmt.Errorf("%s: response id %d, want %d", method, *resp.ID, id)
		}
		if resp.Error != nil {
			return resp.Error
		}
		if out == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
		return nil
	}
}

func (c *Client) ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return err
}

// ServerVersion negotiates the protocol and returns the server software
// string (e.g. "electrs/0.10.5") and the agreed protocol version.
func (c *Client) ServerVersion(ctx context.Context, clientName, protocol string) (string, string, error) {
	if protocol == "" {
		protocol = DefaultProtocol
	}
	var out []string
	if err := c.Call(ctx, "server.version", &out, clientName, protocol); err != nil {
		return "", "", err
	}
	if len(out) != 2 {
		return "", "", fmt.Errorf("server.version: unexpected result %v", out)
	}
	return out[0], out[1], nil
}

// Ping checks the server responds.
func (c *Client) Ping(ctx context.Context) error {
	return c.Call(ctx, "server.ping", nil)
}

// Features returns the server.features description.
func (c *Client) Features(ctx context.Context) (Features, error) {
	var f Features
	err := c.Call(ctx, "server.features", &f)
	return f, err
}

// HeadersSubscribe subscribes to new tips and returns the current one.
// Later notifications are discarded by subsequent calls.
func (c *Client) HeadersSubscribe(ctx context.Context) (Header, error) {
	var h Header
	err := c.Call(ctx, "blockchain.headers.subscribe", &h)
	return h, err
}
