package keypool

import (
	"context"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// fakeClock is a manually advanced clock shared by pools and orchestrators in tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seeded() *rand.Rand {
	return rand.New(rand.NewPCG(1, 2))
}

// newTestPool builds a pool on clock with deterministic tie-breaking.
func newTestPool(clock *fakeClock, keys ...string) *Pool {
	p, err := NewPool(keys,
		WithClock(clock.Now),
		WithRandSource(seeded()),
		WithPoolLogger(quietLogger()),
	)
	if err != nil {
		panic(err)
	}
	return p
}

// sleepRecorder records requested backoff delays without sleeping.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func statusOf(p *Pool, key string) KeyStatus {
	for _, s := range p.Status() {
		if s.Prefix == Prefix(key) {
			return s
		}
	}
	return KeyStatus{}
}
