package process

import (
	"bytes"
	"io"
	"sync"
)

// Tail is a bounded in-memory log of a process's output lines. Writers
// append from the exec copy goroutines; readers may scan concurrently and
// block on Changed for new lines.
type Tail struct {
	mu      sync.Mutex
	buf     []string // retained lines are buf[head:]
	head    int
	max     int
	dropped int           // lines evicted from the front
	changed chan struct{} // closed and replaced on every append
}

// MaxLineBytes caps a captured line; longer output without a newline is
// split into lines of this size.
const MaxLineBytes = 64 << 10

// NewTail creates a Tail keeping at most max lines.
func NewTail(max int) *Tail {
	if max <= 0 {
		max = DefaultTailLines
	}
	return &Tail{max: max, changed: make(chan struct{})}
}

// Append adds one line, evicting the oldest line when full. Evicted slots
// are compacted once they reach max, so eviction is amortized O(1).
func (t *Tail) Append(line string) {
	t.mu.Lock()
	if len(t.buf)-t.head >= t.max {
		t.buf[t.head] = ""
		t.head++
		t.dropped++
		if t.head >= t.max {
			n := copy(t.buf, t.buf[t.head:])
			clear(t.buf[n:])
			t.buf = t.buf[:n]
			t.head = 0
		}
	}
	t.buf = append(t.buf, line)
	close(t.changed)
	t.changed = make(chan struct{})
	t.mu.Unlock()
}

func (t *Tail) lines() []string { return t.buf[t.head:] }

// Lines returns a copy of every retained line.
func (t *Tail) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.lines()...)
}

// Last returns a copy of the last n retained lines.
func (t *Tail) Last(n int) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	lines := t.lines()
	if n <= 0 || n > len(lines) {
		n = len(lines)
	}
	return append([]string(nil), lines[len(lines)-n:]...)
}

// Len returns the total number of lines ever appended.
func (t *Tail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped + len(t.buf) - t.head
}

// scan looks for a matching line at absolute index >= from. It returns
// whether one was found, the index to resume from, and a channel closed on
// the next append.
func (t *Tail) scan(from int, match func(string) bool) (bool, int, <-chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	lines := t.lines()
	start := from - t.dropped
	if start < 0 {
		start = 0
	}
	for i := start; i < len(lines); i++ {
		if match(lines[i]) {
			return true, t.dropped + i + 1, t.changed
		}
	}
	return false, t.dropped + len(lines), t.changed
}

// lineWriter splits a byte stream into lines for a Tail and mirrors the raw
// bytes to an optional file writer.
type lineWriter struct {
	tail    *Tail
	file    io.Writer
	partial []byte
}

func (w *lineWriter) Write(b []byte) (int, error) {
	if w.file != nil {
		// the in-memory tail is authoritative; a failing log file must not stall the child
		_, _ = w.file.Write(b)
	}
	data := b
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			w.partial = append(w.partial, data...)
			w.spill()
			break
		}
		w.partial = append(w.partial, data[:i]...)
		w.spill()
		w.tail.Append(string(bytes.TrimSuffix(w.partial, []byte("\r"))))
		w.partial = w.partial[:0]
		data = data[i+1:]
	}
	return len(b), nil
}

// spill emits MaxLineBytes chunks while the pending line is longer than
// that, keeping memory bounded for output that never ends a line.
func (w *lineWriter) spill() {
	for len(w.partial) > MaxLineBytes {
		w.tail.Append(string(w.partial[:MaxLineBytes]))
		w.partial = append(w.partial[:0], w.partial[MaxLineBytes:]...)
	}
}

// flush emits a trailing line that had no newline.
func (w *lineWriter) flush() {
	if len(w.partial) > 0 {
		w.tail.Append(string(w.partial))
		w.partial = nil
	}
}
