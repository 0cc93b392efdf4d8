// Package ratelimit paces outbound upstream requests with a token bucket.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Bucket is a token bucket shared by every worker that talks to one
// upstream. Waiters are served in FIFO order.
type Bucket struct {
	name    string
	limiter *rate.Limiter

	waits   atomic.Int64
	allowed atomic.Int64
	denied  atomic.Int64
}

// NewBucket creates a bucket admitting rps requests per second with a
// burst of ceil(rps), minimum 1.
func NewBucket(name string, rps float64) *Bucket {
	burst := int(math.Ceil(rps))
	if burst < 1 {
		burst = 1
	}
	return &Bucket{
		name:    name,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Wait blocks until a token is available or ctx is done.
func (b *Bucket) Wait(ctx context.Context) error {
	b.waits.Add(1)
	if err := b.limiter.Wait(ctx); err != nil {
		b.denied.Add(1)
		return err
	}
	b.allowed.Add(1)
	return nil
}

// Allow reports whether a token is immediately available, consuming it
// when so.
func (b *Bucket) Allow() bool {
	if b.limiter.Allow() {
		b.allowed.Add(1)
		return true
	}
	b.denied.Add(1)
	return false
}

// SetRPS updates the refill rate and burst.
func (b *Bucket) SetRPS(rps float64) {
	burst := int(math.Ceil(rps))
	if burst < 1 {
		burst = 1
	}
	b.limiter.SetLimit(rate.Limit(rps))
	b.limiter.SetBurst(burst)
}

// Stats is a point-in-time view of one bucket.
type Stats struct {
	Name            string        `json:"name"`
	RPS             float64       `json:"rps"`
	Burst           int           `json:"burst"`
	TokensAvailable float64       `json:"tokens_available"`
	NextDelay       time.Duration `json:"next_delay"`
	Waits           int64         `json:"waits"`
	Allowed         int64         `json:"allowed"`
	Denied          int64         `json:"denied"`
}

// Stats snapshots the bucket counters and token state.
func (b *Bucket) Stats() Stats {
	reservation := b.limiter.Reserve()
	delay := reservation.Delay()
	reservation.Cancel()

	return Stats{
		Name:            b.name,
		RPS:             float64(b.limiter.Limit()),
		Burst:           b.limiter.Burst(),
		TokensAvailable: b.limiter.Tokens(),
		NextDelay:       delay,
		Waits:           b.waits.Load(),
		Allowed:         b.allowed.Load(),
		Denied:          b.denied.Load(),
	}
}

// Manager hands out one named bucket per upstream.
type Manager struct {
	mu      sync.RWMutex
	buckets map[string]*Bucket
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{buckets: make(map[string]*Bucket)}
}

// Bucket returns the named bucket, creating it at rps on first use.
func (m *Manager) Bucket(name string, rps float64) *Bucket {
	m.mu.RLock()
	b, ok := m.buckets[name]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.buckets[name]; ok {
		return b
	}
	b = NewBucket(name, rps)
	m.buckets[name] = b
	return b
}

// Stats snapshots every bucket.
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Stats, len(m.buckets))
	for name, b := range m.buckets {
		out[name] = b.Stats()
	}
	return out
}
