package executor

import (
	"sync"
	"time"
)

// Dedup remembers recently attempted cycles so the same route is not
// retried every scan while its prices settle. Safe for concurrent use.
type Dedup struct {
	seen map[string]time.Time // cycle key -> last attempt
	ttl  time.Duration
	now  func() time.Time
	mu   sync.Mutex
}

// NewDedup creates a Dedup with the given ttl. A zero ttl disables it.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Seen reports whether key was marked within the ttl.
func (d *Dedup) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	last, ok := d.seen[key]
	return ok && d.now().Sub(last) < d.ttl
}

// Mark records an attempt on key.
func (d *Dedup) Mark(key string) {
	if d.ttl <= 0 {
		return
	}
	d.mu.Lock()
	d.seen[key] = d.now()
	d.mu.Unlock()
}

// Cleanup removes expired entries.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for key, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, key)
		}
	}
}

// Len returns the number of remembered keys.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
