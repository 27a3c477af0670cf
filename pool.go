package keypool

import (
	"container/heap"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
)

// DefaultCooldown is the base penalty applied by RecordFailure when none is given.
const DefaultCooldown = 60 * time.Second

// ErrConfiguration marks failures an operator has to fix (missing or rejected credentials).
var ErrConfiguration = errors.New("configuration error")

// ErrNoCredentials is returned when a pool is built from an empty credential list.
var ErrNoCredentials = fmt.Errorf("%w: no credentials provided", ErrConfiguration)

// Pool hands out the best available credential among many interchangeable ones.
//
// Keys are not leased: the same key may be given to several callers at once.
// All methods are safe for concurrent use; none of them blocks on I/O.
type Pool struct {
	mu       sync.Mutex
	records  map[string]*keyRecord
	order    []string // insertion order, for Status
	heap     keyHeap
	cooldown time.Duration
	now      func() time.Time
	rnd      *rand.Rand
	metrics  *Metrics
	log      *slog.Logger
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolLogger sets the logger used by the pool.
func WithPoolLogger(log *slog.Logger) PoolOption {
	return func(p *Pool) {
		if log != nil {
			p.log = log
		}
	}
}

// WithDefaultCooldown sets the base penalty used when RecordFailure gets a non-positive one.
func WithDefaultCooldown(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.cooldown = d
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) PoolOption {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// WithRandSource sets the source used to break selection ties.
func WithRandSource(r *rand.Rand) PoolOption {
	return func(p *Pool) {
		if r != nil {
			p.rnd = r
		}
	}
}

// WithPoolMetrics reports pool feedback to m.
func WithPoolMetrics(m *Metrics) PoolOption {
	return func(p *Pool) { p.metrics = m }
}

// NewPool builds a pool from the given secrets. Blank entries are ignored and
// duplicates are dropped; an empty result yields ErrNoCredentials.
func NewPool(credentials []string, opts ...PoolOption) (*Pool, error) {
	p := &Pool{
		records:  make(map[string]*keyRecord, len(credentials)),
		cooldown: DefaultCooldown,
		now:      time.Now,
		rnd:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}

	for i, c := range credentials {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if !p.insert(c) {
			p.log.Debug("Duplicate credential skipped", "index", i, "key", Prefix(c))
			continue
		}
		p.log.Debug("Credential loaded", "index", i, "key", Prefix(c))
	}

	if len(p.records) == 0 {
		return nil, ErrNoCredentials
	}
	p.log.Info("Key pool ready", "keys", len(p.records))
	return p, nil
}

// insert adds a zero-state record; caller holds mu (or owns p exclusively).
func (p *Pool) insert(key string) bool {
	if _, ok := p.records[key]; ok {
		return false
	}
	rec := newKeyRecord(key)
	p.records[key] = rec
	p.order = append(p.order, key)
	heap.Push(&p.heap, rec)
	return true
}

// Add registers a new credential with zero state. It reports whether the key was new.
func (p *Pool) Add(key string) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.insert(key) {
		p.log.Info("Credential already present", "key", Prefix(key))
		return false
	}
	p.log.Info("Credential added", "key", Prefix(key), "keys", len(p.records))
	return true
}

// Len returns the number of credentials in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

// SelectBest returns the key with the earliest cooldown expiry, preferring the
// lowest failure count and breaking remaining ties at random. When every key
// is cooling down the soonest-to-recover one is returned; deciding whether to
// wait is up to the caller.
func (p *Pool) SelectBest() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	top := p.heap[0]

	// Pop every entry tied with the top; the heap keeps them ordered so the
	// tie group is always a prefix.
	tied := []*keyRecord{heap.Pop(&p.heap).(*keyRecord)}
	for len(p.heap) > 0 && !keyLess(top, p.heap[0]) {
		tied = append(tied, heap.Pop(&p.heap).(*keyRecord))
	}
	chosen := tied[0]
	if len(tied) > 1 {
		chosen = tied[p.rnd.IntN(len(tied))]
	}
	for _, rec := range tied {
		heap.Push(&p.heap, rec)
	}

	if !chosen.ready(now) {
		p.log.Warn("All keys cooling; using soonest",
			"key", Prefix(chosen.key),
			"ready_in", chosen.cooldownUntil.Sub(now))
	} else {
		p.log.Debug("Selected key", "key", Prefix(chosen.key), "failure_count", chosen.failureCount, "candidates", len(tied))
	}
	return chosen.key
}

// RecordSuccess clears the failure counter and cooldown of key.
func (p *Pool) RecordSuccess(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.records[key]
	if !ok {
		p.log.Warn("RecordSuccess: unknown key", "key", Prefix(key))
		return
	}
	rec.markSuccess()
	heap.Fix(&p.heap, rec.index)
	p.log.Debug("Key success", "key", Prefix(key), "success_count", rec.successCount)
}

// RecordFailure increments the failure counter of key and puts it on cooldown
// for penalty * 1.5^min(failures, 4). A non-positive penalty uses the pool default.
func (p *Pool) RecordFailure(key string, penalty time.Duration) {
	p.recordFailure(key, penalty, "")
}

func (p *Pool) recordFailure(key string, penalty time.Duration, class FailureClass) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.records[key]
	if !ok {
		p.log.Warn("RecordFailure: unknown key", "key", Prefix(key))
		return
	}
	if penalty <= 0 {
		penalty = p.cooldown
	}
	cd := rec.markFailure(p.now(), penalty)
	heap.Fix(&p.heap, rec.index)
	p.metrics.keyFailure(class)
	p.log.Warn("Key failure",
		"key", Prefix(key),
		"failure_count", rec.failureCount,
		"cooldown", cd)
}

// Status returns a snapshot of every key in insertion order.
func (p *Pool) Status() []KeyStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]KeyStatus, 0, len(p.order))
	for _, k := range p.order {
		out = append(out, p.records[k].status())
	}
	return out
}

// Cooling counts keys whose cooldown has not elapsed yet.
func (p *Pool) Cooling() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	n := 0
	for _, rec := range p.records {
		if !rec.ready(now) {
			n++
		}
	}
	return n
}

// keyLess orders records by cooldown expiry, then failure count.
func keyLess(a, b *keyRecord) bool {
	if !a.cooldownUntil.Equal(b.cooldownUntil) {
		return a.cooldownUntil.Before(b.cooldownUntil)
	}
	return a.failureCount < b.failureCount
}

// keyHeap is an indexed min-heap of key records for container/heap.
type keyHeap []*keyRecord

func (h keyHeap) Len() int           { return len(h) }
func (h keyHeap) Less(i, j int) bool { return keyLess(h[i], h[j]) }

func (h keyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *keyHeap) Push(x any) {
	rec := x.(*keyRecord)
	rec.index = len(*h)
	*h = append(*h, rec)
}

func (h *keyHeap) Pop() any {
	old := *h
	n := len(old)
	rec := old[n-1]
	old[n-1] = nil
	rec.index = -1
	*h = old[:n-1]
	return rec
}
