package queue

import (
	"context"
	"sync"
	"time"
)

// DefaultRetention is how long archived message bytes are kept for audit.
const DefaultRetention = 30 * 24 * time.Hour

// ArchiveEntry is one archived raw message.
type ArchiveEntry struct {
	Body       []byte
	ArchivedAt time.Time
	ExpiresAt  time.Time
}

// Archive is a write-once, time-limited sink of raw message bytes. The
// pipeline only ever writes it; entries age out after the retention TTL.
type Archive struct {
	name string
	ttl  time.Duration

	mu      sync.Mutex
	entries []ArchiveEntry
}

// NewArchive creates an archive with the given retention TTL; zero means
// DefaultRetention.
func NewArchive(name string, ttl time.Duration) *Archive {
	if ttl <= 0 {
		ttl = DefaultRetention
	}
	return &Archive{name: name, ttl: ttl}
}

// Name returns the archive name.
func (a *Archive) Name() string { return a.name }

// Put stores a copy of the raw message bytes.
func (a *Archive) Put(body []byte) {
	now := time.Now().UTC()
	e := ArchiveEntry{
		Body:       append([]byte(nil), body...),
		ArchivedAt: now,
		ExpiresAt:  now.Add(a.ttl),
	}
	a.mu.Lock()
	a.entries = append(a.entries, e)
	a.mu.Unlock()
}

// Entries returns a snapshot of unexpired entries.
func (a *Archive) Entries() []ArchiveEntry {
	now := time.Now().UTC()
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ArchiveEntry, 0, len(a.entries))
	for _, e := range a.entries {
		if now.Before(e.ExpiresAt) {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of unexpired entries.
func (a *Archive) Len() int { return len(a.Entries()) }

// Purge drops entries expired as of now and returns how many were dropped.
func (a *Archive) Purge(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	kept := a.entries[:0]
	dropped := 0
	for _, e := range a.entries {
		if now.Before(e.ExpiresAt) {
			kept = append(kept, e)
		} else {
			dropped++
		}
	}
	a.entries = kept
	return dropped
}

// Sweep purges expired entries at the given interval until ctx is done.
func (a *Archive) Sweep(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.Purge(now.UTC())
		}
	}
}
