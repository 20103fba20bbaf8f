package transport

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Capture appends raw traffic to a dated log file, one hex-dumped chunk per
// line. Used for post-mortem diagnostics of framing problems.
type Capture struct {
	dir    string
	prefix string

	mu sync.Mutex
}

func NewCapture(dir, prefix string) *Capture {
	return &Capture{dir: dir, prefix: prefix}
}

// Log records one chunk with its direction ("TX"/"RX"). Failures are
// swallowed: traffic capture must never break a session.
func (c *Capture) Log(direction string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return
	}
	name := filepath.Join(c.dir, c.prefix+"_"+time.Now().Format("20060102")+".log")
	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()

	line := time.Now().Format("15:04:05.000") + " " + direction + " " + hex.EncodeToString(data) + "\n"
	_, _ = f.WriteString(line)
}
