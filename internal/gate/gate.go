// Package gate holds the process-wide admission switches: the online-caution
// flag and the local crawl pause.
package gate

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Caution signals that new network fetches should be held back.
type Caution struct {
	on atomic.Bool
}

// Set raises or clears the flag.
func (c *Caution) Set(on bool) { c.on.Store(on) }

// On reports whether the flag is raised.
func (c *Caution) On() bool { return c.on.Load() }

// Pause blocks callers of Wait while paused. The zero value is running.
type Pause struct {
	mu      sync.Mutex
	paused  bool
	resumed chan struct{}
}

// Pause stops local crawling until Resume.
func (p *Pause) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		return
	}
	p.paused = true
	p.resumed = make(chan struct{})
}

// Resume releases every waiter.
func (p *Pause) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		return
	}
	p.paused = false
	close(p.resumed)
}

// Paused reports the current state.
func (p *Pause) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Wait returns immediately when running, otherwise blocks until Resume or
// until ctx is done.
func (p *Pause) Wait(ctx context.Context) error {
	p.mu.Lock()
	if !p.paused {
		p.mu.Unlock()
		return nil
	}
	ch := p.resumed
	p.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for resume: %w", ctx.Err())
	}
}
