package transport

import (
	"bytes"
	"context"
	"sync"
)

// Exchange is one scripted request/response pair. A nil Expect matches any
// write; Respond chunks are returned by successive Reads, letting tests
// exercise reassembly of split frames.
type Exchange struct {
	Expect  []byte
	Respond [][]byte
}

// Script is a fake device endpoint driven by a fixed exchange list. It backs
// driver tests and the block-file decode mode.
type Script struct {
	mu      sync.Mutex
	steps   []Exchange
	pending [][]byte
	writes  [][]byte
	closed  bool
}

func NewScript(steps ...Exchange) *Script {
	return &Script{steps: steps}
}

// Push queues chunks to be returned by Read without waiting for a write,
// e.g. for devices that speak first.
func (s *Script) Push(chunks ...[]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, chunks...)
}

// Writes returns everything written so far, for assertions.
func (s *Script) Writes() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.writes))
	copy(out, s.writes)
	return out
}

func (s *Script) Write(_ context.Context, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	w := make([]byte, len(p))
	copy(w, p)
	s.writes = append(s.writes, w)

	if len(s.steps) == 0 {
		return nil
	}
	step := s.steps[0]
	if step.Expect != nil && !bytes.Equal(step.Expect, p) {
		// unmatched write: leave the script where it is; the driver will
		// time out waiting for a response
		return nil
	}
	s.steps = s.steps[1:]
	s.pending = append(s.pending, step.Respond...)
	return nil
}

func (s *Script) Read(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if len(s.pending) > 0 {
		chunk := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()
		return chunk, nil
	}
	s.mu.Unlock()
	// nothing scripted: behave like a silent device
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *Script) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	return nil
}

func (s *Script) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
