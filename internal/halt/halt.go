// Package halt implements the cooperative process-wide stop flag. The flag
// is backed by a marker file so it can be set from outside the process;
// every long-running loop polls Halted before starting new work.
package halt

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type Coordinator struct {
	path string

	mu     sync.Mutex
	cached bool
}

func New(markerPath string) *Coordinator {
	return &Coordinator{path: markerPath}
}

// Halted reports whether the stop marker exists. A true read is cached:
// once a reader has observed the halt it stays halted for process life.
func (c *Coordinator) Halted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached {
		return true
	}
	if _, err := os.Stat(c.path); err == nil {
		c.cached = true
	}
	return c.cached
}

// Signal creates the stop marker. Idempotent.
func (c *Coordinator) Signal() error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// Clear removes the stop marker so the next run starts clean, and drops
// the cached flag. Idempotent.
func (c *Coordinator) Clear() error {
	c.mu.Lock()
	c.cached = false
	c.mu.Unlock()
	err := os.Remove(c.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Wait sleeps for d, waking every second to re-check the halt flag and the
// context. Returns false when interrupted by either.
func (c *Coordinator) Wait(ctx context.Context, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return !c.Halted()
		}
		if c.Halted() {
			return false
		}
		step := time.Second
		if remaining < step {
			step = remaining
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(step):
		}
	}
}

// Context returns a child context cancelled as soon as the halt flag is
// observed, bridging the marker into context-aware call sites.
func (c *Coordinator) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if c.Halted() {
					cancel()
					return
				}
			}
		}
	}()
	return ctx, cancel
}
