// Package interrupt implements a non-blocking channel the UI uses to hand
// the agent loop a cancel signal or a pending instruction mid-turn, modeled
// on the capture/resume flow of Hakken's interrupt_manager.
package interrupt

import (
	"sync"
)

// Signal is a single interrupt event raised by the UI.
type Signal struct {
	// Cancel requests the in-flight turn stop as soon as it safely can.
	Cancel bool
	// Instruction is free text the user typed mid-turn, to be folded into
	// the next tool call's arguments (or synthesized as a user message if
	// no tool call follows before the turn ends).
	Instruction string
}

// Bus is a non-blocking FIFO of interrupt signals. Producers (the UI input
// loop) never block on Push; consumers (the agent loop) poll between
// streaming deltas and tool rounds.
type Bus struct {
	mu      sync.Mutex
	pending []Signal
	started bool
}

// New creates an empty, started Bus.
func New() *Bus {
	return &Bus{started: true}
}

// Push enqueues a signal. It never blocks. While the bus is started it
// always appends, so a burst of ESC presses is still visible to Poll as
// multiple Cancel signals (the agent loop treats any one of them as enough);
// after Stop, the signal is dropped.
func (b *Bus) Push(s Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return
	}
	b.pending = append(b.pending, s)
}

// PushCancel is shorthand for the common "ESC" case.
func (b *Bus) PushCancel() {
	b.Push(Signal{Cancel: true})
}

// PushInstruction enqueues a pending instruction without cancelling the
// current stream.
func (b *Bus) PushInstruction(text string) {
	if text == "" {
		return
	}
	b.Push(Signal{Instruction: text})
}

// Poll drains and returns every signal queued since the last Poll. It never
// blocks.
func (b *Bus) Poll() []Signal {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return nil
	}
	out := b.pending
	b.pending = nil
	return out
}

// HasPending reports whether any signal is queued, without draining it.
func (b *Bus) HasPending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending) > 0
}

// Flush discards any queued signals without returning them, used once a
// turn has fully wound down and stale interrupts would no longer make sense.
func (b *Bus) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = nil
}

// Stop marks the bus as no longer accepting new signals. Existing queued
// signals are still available via Poll.
func (b *Bus) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = false
}

// Start re-enables Push after a Stop.
func (b *Bus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = true
}
