package server

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pscheid92/topout/internal/broadcast"
)

// climberConns tracks open climber connections so shutdown can close them and
// wait for their disconnect cleanup. Hijacked connections are invisible to
// echo's own Shutdown.
type climberConns struct {
	mu      sync.Mutex
	writers map[uuid.UUID]*broadcast.Writer
	closing bool
	wg      sync.WaitGroup
}

func newClimberConns() *climberConns {
	return &climberConns{writers: make(map[uuid.UUID]*broadcast.Writer)}
}

// add returns false once shutdown has begun.
func (c *climberConns) add(w *broadcast.Writer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return false
	}
	c.writers[w.ID()] = w
	c.wg.Add(1)
	return true
}

// done must be called after the connection's cleanup finished.
func (c *climberConns) done(w *broadcast.Writer) {
	c.mu.Lock()
	delete(c.writers, w.ID())
	c.mu.Unlock()
	c.wg.Done()
}

func (c *climberConns) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writers)
}

// closeAll closes every connection and waits for their handlers until ctx ends.
func (c *climberConns) closeAll(ctx context.Context, reason string) error {
	c.mu.Lock()
	c.closing = true
	writers := make([]*broadcast.Writer, 0, len(c.writers))
	for _, w := range c.writers {
		writers = append(writers, w)
	}
	c.mu.Unlock()

	for _, w := range writers {
		w.Close(reason)
	}

	finished := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
