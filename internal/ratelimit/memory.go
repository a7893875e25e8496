package ratelimit

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Memory keeps one token bucket per key in process. A bucket holds limit tokens
// and refills one token every window/limit, so a full window of traffic is
// admitted as a burst and then paced.
type Memory struct {
	mu      sync.Mutex
	now     func() time.Time
	maxKeys int
	buckets map[string]*bucket
}

type bucket struct {
	lim      *rate.Limiter
	limit    int
	window   time.Duration
	lastSeen time.Time
}

type MemoryConfig struct {
	Now     func() time.Time
	MaxKeys int
}

func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = 10000
	}
	return &Memory{now: cfg.Now, maxKeys: cfg.MaxKeys, buckets: make(map[string]*bucket)}
}

func (m *Memory) Allow(_ context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 {
		return Decision{Allowed: true, Limit: limit, Remaining: limit}, nil
	}
	if window <= 0 {
		window = time.Second
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[key]
	if !ok || b.limit != limit || b.window != window {
		if len(m.buckets) >= m.maxKeys {
			m.gc(now)
		}
		if len(m.buckets) >= m.maxKeys {
			return Decision{}, errors.New("rate limiter capacity exceeded")
		}
		b = &bucket{
			lim:    rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit),
			limit:  limit,
			window: window,
		}
		m.buckets[key] = b
	}
	b.lastSeen = now

	interval := window / time.Duration(limit)
	allowed := b.lim.AllowN(now, 1)
	tokens := b.lim.TokensAt(now)
	remaining := int(math.Floor(tokens))
	if remaining < 0 {
		remaining = 0
	}
	var resetAt time.Time
	if allowed {
		resetAt = now.Add(time.Duration((float64(limit) - tokens) * float64(interval)))
	} else {
		resetAt = now.Add(time.Duration((1 - tokens) * float64(interval)))
	}
	return Decision{Allowed: allowed, Limit: limit, Remaining: remaining, ResetAt: resetAt}, nil
}

// gc drops buckets idle for longer than their window; those are full again and
// equivalent to a fresh bucket.
func (m *Memory) gc(now time.Time) {
	for key, b := range m.buckets {
		if now.Sub(b.lastSeen) > b.window {
			delete(m.buckets, key)
		}
	}
}
