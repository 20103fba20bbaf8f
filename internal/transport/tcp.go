package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// TCP connects to a serial-over-TCP bridge (a cradle or port server exposing
// the device's serial line on a socket).
type TCP struct {
	logger  *slog.Logger
	capture *Capture

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

// DialTCP opens the bridge connection. capture may be nil.
func DialTCP(addr string, logger *slog.Logger, capture *Capture) (*TCP, error) {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetLinger(0)
		_ = tcpConn.SetNoDelay(true)
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(60 * time.Second)
	}
	t := &TCP{
		logger:  logger.With("component", "transport", "remote", conn.RemoteAddr().String()),
		capture: capture,
		conn:    conn,
	}
	t.logger.Info("transport connected")
	return t, nil
}

func (t *TCP) Write(ctx context.Context, p []byte) error {
	t.mu.Lock()
	conn, closed := t.conn, t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	}
	if _, err := conn.Write(p); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	if t.capture != nil {
		t.capture.Log("TX", p)
	}
	return nil
}

func (t *TCP) Read(ctx context.Context) ([]byte, error) {
	t.mu.Lock()
	conn, closed := t.conn, t.closed
	t.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	} else {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	}
	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil {
		if opErr, ok := err.(*net.OpError); ok && opErr.Timeout() {
			return nil, context.DeadlineExceeded
		}
		return nil, fmt.Errorf("transport: read: %w", err)
	}
	chunk := make([]byte, n)
	copy(chunk, buf[:n])
	if t.capture != nil {
		t.capture.Log("RX", chunk)
	}
	return chunk, nil
}

// Flush drains whatever input is immediately available.
func (t *TCP) Flush() error {
	t.mu.Lock()
	conn, closed := t.conn, t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	buf := make([]byte, 2048)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		if _, err := conn.Read(buf); err != nil {
			return nil
		}
	}
}

func (t *TCP) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.logger.Info("transport disconnected")
	return t.conn.Close()
}
