// Package ratelimit implements the gateway's rate scheduler: named token
// buckets (provider key, tenant, client profile) with LRU+TTL eviction and
// a per-bucket concurrency gate, per §4.7.
package ratelimit

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/KikuAI-Lab/reliapi/internal/metrics"
)

// Kind identifies which level of the admission chain a bucket belongs to.
type Kind string

const (
	KindProviderKey Kind = "provider_key"
	KindTenant      Kind = "tenant"
	KindProfile     Kind = "profile"
)

const (
	maxBuckets         = 1000
	sweepInterval      = 300 * time.Second
	idleTTL            = 3600 * time.Second
	providerConcurrent = 5
	sharedConcurrent   = 10
)

// Spec names one bucket the admission chain must pass through, in order.
type Spec struct {
	Kind   Kind
	Name   string
	MaxQPS float64
}

func (s Spec) key() string { return string(s.Kind) + ":" + s.Name }

func (s Spec) defaultMaxConcurrent() int64 {
	if s.Kind == KindProviderKey {
		return providerConcurrent
	}
	return sharedConcurrent
}

type bucket struct {
	name          string
	maxQPS        float64
	burst         float64
	maxConcurrent int64

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time

	sem          *semaphore.Weighted
	lastAccessed time.Time
	elem         *list.Element
}

func newBucket(spec Spec) *bucket {
	maxQPS := spec.MaxQPS
	if maxQPS <= 0 {
		maxQPS = 1
	}
	now := time.Now()
	return &bucket{
		name:          spec.key(),
		maxQPS:        maxQPS,
		burst:         maxQPS * 2,
		maxConcurrent: spec.defaultMaxConcurrent(),
		tokens:        maxQPS * 2,
		lastRefill:    now,
		sem:           semaphore.NewWeighted(spec.defaultMaxConcurrent()),
		lastAccessed:  now,
	}
}

// tryConsume refills the bucket for elapsed time and consumes one token if
// available. On refusal it returns the wait until a token would be free.
func (b *bucket) tryConsume(now time.Time) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.maxQPS
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
		b.lastRefill = now
	}
	b.lastAccessed = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	deficit := 1 - b.tokens
	wait := time.Duration(deficit / b.maxQPS * float64(time.Second))
	return false, wait
}

// Scheduler is the admission-control entry point: Admit walks an ordered
// chain of bucket specs (provider key, then tenant, then client profile)
// and refuses on the first bucket that can't admit the request.
type Scheduler struct {
	logger  *zap.Logger
	metrics *metrics.Collector

	mu      sync.Mutex
	buckets map[string]*bucket
	lru     *list.List // front = most recently used

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a Scheduler and starts its background sweeper.
func New(logger *zap.Logger) *Scheduler {
	s := &Scheduler{
		logger:  logger.With(zap.String("component", "ratelimit")),
		buckets: make(map[string]*bucket),
		lru:     list.New(),
		stopCh:  make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// SetMetrics attaches a metrics collector so admissions/refusals are
// observable on /metrics (§4.7). Optional.
func (s *Scheduler) SetMetrics(mc *metrics.Collector) {
	s.metrics = mc
}

// Stop cancels the background sweeper.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Scheduler) getOrCreate(spec Spec) *bucket {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := spec.key()
	if b, ok := s.buckets[key]; ok {
		s.lru.MoveToFront(b.elem)
		return b
	}

	if len(s.buckets) >= maxBuckets {
		s.evictOldestLocked()
	}

	b := newBucket(spec)
	b.elem = s.lru.PushFront(key)
	s.buckets[key] = b
	return b
}

func (s *Scheduler) evictOldestLocked() {
	back := s.lru.Back()
	if back == nil {
		return
	}
	key := back.Value.(string)
	s.lru.Remove(back)
	delete(s.buckets, key)
}

// Refusal describes why admission was denied.
type Refusal struct {
	Bucket     string
	RetryAfter time.Duration
}

func (r *Refusal) Error() string {
	return fmt.Sprintf("rate limit: bucket %s refused, retry after %s", r.Bucket, r.RetryAfter)
}

// Admit walks specs in order, consuming one token and one concurrency slot
// per bucket. The first refusal wins: no later bucket is touched, and every
// concurrency slot already acquired is released before returning. On
// success it returns a release func the caller must invoke on every exit
// path once the upstream call finishes.
func (s *Scheduler) Admit(ctx context.Context, specs []Spec) (release func(), refusal *Refusal, err error) {
	now := time.Now()
	var acquired []*bucket

	rollback := func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			acquired[i].sem.Release(1)
		}
	}

	for _, spec := range specs {
		b := s.getOrCreate(spec)

		ok, wait := b.tryConsume(now)
		if !ok {
			rollback()
			if s.metrics != nil {
				s.metrics.RecordRateLimitRefused(string(spec.Kind))
			}
			return nil, &Refusal{Bucket: b.name, RetryAfter: wait}, nil
		}

		if !b.sem.TryAcquire(1) {
			rollback()
			if s.metrics != nil {
				s.metrics.RecordRateLimitRefused(string(spec.Kind))
			}
			return nil, &Refusal{Bucket: b.name, RetryAfter: time.Second}, nil
		}
		acquired = append(acquired, b)
		if s.metrics != nil {
			s.metrics.RecordRateLimitAdmitted(string(spec.Kind))
		}
	}

	release = func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			acquired[i].sem.Release(1)
		}
	}
	return release, nil, nil
}

func (s *Scheduler) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Scheduler) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-idleTTL)
	var toRemove []string
	for key, b := range s.buckets {
		b.mu.Lock()
		idle := b.lastAccessed.Before(cutoff)
		b.mu.Unlock()
		if idle {
			toRemove = append(toRemove, key)
		}
	}
	for _, key := range toRemove {
		if b, ok := s.buckets[key]; ok {
			s.lru.Remove(b.elem)
			delete(s.buckets, key)
		}
	}
	if len(toRemove) > 0 {
		s.logger.Debug("swept idle rate buckets", zap.Int("count", len(toRemove)))
	}
}
