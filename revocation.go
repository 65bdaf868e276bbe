package authx

import (
	"context"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
)

// RevocationList is a denylist of token ids. Entries only need to live until
// the token they name would have expired anyway.
type RevocationList interface {
	Revoke(ctx context.Context, tokenID string, until time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// MemoryRevocationList keeps revoked token ids in process memory.
type MemoryRevocationList struct {
	mu      sync.RWMutex
	entries map[string]time.Time
	clock   jwt.Clock
}

// NewMemoryRevocationList returns an empty list. A nil clock means the
// system clock.
func NewMemoryRevocationList(clock jwt.Clock) *MemoryRevocationList {
	if clock == nil {
		clock = systemClock
	}
	return &MemoryRevocationList{
		entries: make(map[string]time.Time),
		clock:   clock,
	}
}

// Revoke records tokenID as revoked until the given time.
func (l *MemoryRevocationList) Revoke(_ context.Context, tokenID string, until time.Time) error {
	if !l.clock.Now().Before(until) {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if current, ok := l.entries[tokenID]; ok && current.After(until) {
		return nil
	}
	l.entries[tokenID] = until
	return nil
}

// IsRevoked reports whether tokenID is currently revoked.
func (l *MemoryRevocationList) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	l.mu.RLock()
	until, ok := l.entries[tokenID]
	l.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return l.clock.Now().Before(until), nil
}

// Len returns the number of stored entries, expired ones included.
func (l *MemoryRevocationList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Prune drops entries whose tokens have expired and returns how many were
// removed.
func (l *MemoryRevocationList) Prune() int {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for id, until := range l.entries {
		if !now.Before(until) {
			delete(l.entries, id)
			removed++
		}
	}
	return removed
}

// Run prunes the list every interval until ctx is done.
func (l *MemoryRevocationList) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune()
		}
	}
}
