package device

import (
	"context"
	"sync"
	"time"
)

// Slot serializes blocking I/O against one device address. Its semaphore has
// an effective concurrency of one, so hardware access to the device stays
// serialized even when calls arrive from concurrent contexts. Every call
// stamps the activity clock the inactivity watchdog reads back.
type Slot struct {
	serial string
	sem    chan struct{}

	mu       sync.Mutex
	lastSeen time.Time
}

func NewSlot(serial string) *Slot {
	return &Slot{
		serial:   serial,
		sem:      make(chan struct{}, 1),
		lastSeen: time.Now(),
	}
}

func (s *Slot) Serial() string {
	return s.serial
}

// Do runs op while holding the device slot, stamping activity on entry and
// exit. The wait for the slot respects ctx.
func (s *Slot) Do(ctx context.Context, op func() error) error {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.sem }()
	s.MarkActivity()
	err := op()
	s.MarkActivity()
	return err
}

// MarkActivity refreshes the heartbeat timestamp.
func (s *Slot) MarkActivity() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the most recent heartbeat timestamp.
func (s *Slot) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}
