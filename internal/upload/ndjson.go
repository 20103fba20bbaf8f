package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	dialTimeout  = 5 * time.Second
	redialPause  = 2 * time.Second
	dialAttempts = 3
)

// NDJSONSink streams batches to a line-oriented TCP proxy: one session
// envelope line, then one line per event. The connection is dialed lazily
// and redialed on failure; one failed redial cycle fails the upload.
type NDJSONSink struct {
	addr   string
	logger *slog.Logger

	mu   sync.Mutex
	conn net.Conn
}

func NewNDJSONSink(addr string, logger *slog.Logger) *NDJSONSink {
	return &NDJSONSink{addr: addr, logger: logger.With("component", "upload")}
}

func (n *NDJSONSink) getConn() (net.Conn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn != nil {
		return n.conn, nil
	}
	var lastErr error
	for attempt := 0; attempt < dialAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(redialPause)
		}
		c, err := net.DialTimeout("tcp", n.addr, dialTimeout)
		if err != nil {
			n.logger.Warn("ndjson sink: dial failed", "addr", n.addr, "err", err)
			lastErr = err
			continue
		}
		n.logger.Info("ndjson sink: connected", "remote", c.RemoteAddr().String())
		n.conn = c
		return c, nil
	}
	return nil, fmt.Errorf("upload: ndjson dial %s: %w", n.addr, lastErr)
}

func (n *NDJSONSink) dropConn(c net.Conn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == c {
		_ = n.conn.Close()
		n.conn = nil
	}
}

func (n *NDJSONSink) writeLine(c net.Conn, deadline time.Time, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = c.SetWriteDeadline(deadline)
	_, err = c.Write(append(b, '\n'))
	return err
}

func (n *NDJSONSink) Upload(ctx context.Context, b Batch) error {
	deadline := time.Now().Add(30 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	// one reconnect cycle: a stale connection fails the first write, the
	// retry redials and replays the whole batch
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		c, err := n.getConn()
		if err != nil {
			return err
		}
		if err := n.writeBatch(c, deadline, b); err != nil {
			n.logger.Warn("ndjson sink: write failed, reconnecting", "err", err)
			n.dropConn(c)
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("upload: ndjson write: %w", lastErr)
}

func (n *NDJSONSink) writeBatch(c net.Conn, deadline time.Time, b Batch) error {
	if err := n.writeLine(c, deadline, b.Session); err != nil {
		return err
	}
	for i := range b.Events {
		if err := n.writeLine(c, deadline, &b.Events[i]); err != nil {
			return err
		}
	}
	return nil
}

func (n *NDJSONSink) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil {
		return nil
	}
	err := n.conn.Close()
	n.conn = nil
	return err
}
