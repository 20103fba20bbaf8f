package device

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Progress reports 0-100 at coarse milestones. Implementations of Driver
// must report monotonically; use NewProgress to get the clamping wrapper.
// Callback failures are never propagated as driver errors.
type Progress func(pct int)

// NewProgress wraps cb so reported percentages are clamped to 0-100 and
// never decrease, and so a panicking callback cannot take the session down.
func NewProgress(cb Progress) Progress {
	if cb == nil {
		return func(int) {}
	}
	last := -1
	return func(pct int) {
		if pct < 0 {
			pct = 0
		}
		if pct > 100 {
			pct = 100
		}
		if pct <= last {
			return
		}
		last = pct
		defer func() { _ = recover() }()
		cb(pct)
	}
}

// SubProgress maps a driver-internal 0-100 range onto the [start,end]
// segment of the session progress bar, so multi-phase fetches fill it
// smoothly.
func SubProgress(p Progress, start, end int) Progress {
	return func(pct int) {
		p(start + pct*(end-start)/100)
	}
}

// Driver is the capability interface every device family implements. Each
// variant owns its protocol-specific state machine and decoder; the pipeline
// calls the steps in order on a single session.
type Driver interface {
	Detect(ctx context.Context, s *Session) error
	Connect(ctx context.Context, s *Session, progress Progress) error
	GetConfigInfo(ctx context.Context, s *Session, progress Progress) error
	FetchData(ctx context.Context, s *Session, progress Progress) error
	ProcessData(ctx context.Context, s *Session, progress Progress) error
	Disconnect(ctx context.Context, s *Session, progress Progress) error
	Cleanup(ctx context.Context, s *Session) error

	// Info describes the device family for the upload session.
	Info() DriverInfo
}

// DriverInfo is the static description used for session metadata.
type DriverInfo struct {
	ID            string
	Tags          []string // bgm | cgm | insulin-pump
	Manufacturers []string
}

// Factory builds a fresh driver instance per session.
type Factory func() Driver

var (
	regMu    sync.RWMutex
	registry = map[string]Factory{}
)

// Register adds a driver family. Called from driver package init functions.
func Register(id string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	registry[id] = f
}

// New instantiates the named driver.
func New(id string) (Driver, error) {
	regMu.RLock()
	f, ok := registry[id]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("device: unknown driver %q", id)
	}
	return f(), nil
}

// IDs lists the registered driver identifiers, sorted.
func IDs() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	ids := make([]string, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
