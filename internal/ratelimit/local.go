package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 32

type bucketState struct {
	tokens    float64
	last      time.Time
	expiresAt time.Time
}

type windowState struct {
	index     int64
	count     int64
	prevCount int64
	expiresAt time.Time
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucketState
	windows map[string]*windowState
}

// LocalStore keeps limiter state in process memory, sharded to spread lock
// contention. Idle entries are swept periodically.
type LocalStore struct {
	shards [shardCount]*shard
	stop   chan struct{}
	once   sync.Once
}

func NewLocalStore() *LocalStore {
	s := &LocalStore{stop: make(chan struct{})}
	for i := range s.shards {
		s.shards[i] = &shard{
			buckets: make(map[string]*bucketState),
			windows: make(map[string]*windowState),
		}
	}
	go s.sweep()
	return s
}

func (s *LocalStore) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

func (s *LocalStore) TokenBucketConsume(_ context.Context, key string, capacity, refillRate float64, now time.Time) (bool, float64, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	b, ok := sh.buckets[key]
	if !ok {
		b = &bucketState{tokens: capacity, last: now}
		sh.buckets[key] = b
	} else {
		elapsed := now.Sub(b.last).Seconds()
		if elapsed > 0 {
			b.tokens += elapsed * refillRate
			if b.tokens > capacity {
				b.tokens = capacity
			}
		}
	}
	b.last = now
	b.expiresAt = now.Add(idleTTL(capacity, refillRate))

	if b.tokens >= 1 {
		b.tokens--
		return true, b.tokens, nil
	}
	return false, b.tokens, nil
}

func (s *LocalStore) WindowIncrement(_ context.Context, key string, window time.Duration, now time.Time) (int64, int64, error) {
	idx := windowIndex(now, window)
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	w, ok := sh.windows[key]
	if !ok {
		w = &windowState{index: idx}
		sh.windows[key] = w
	}
	switch {
	case w.index == idx:
	case w.index == idx-1:
		w.prevCount = w.count
		w.count = 0
		w.index = idx
	default:
		w.prevCount = 0
		w.count = 0
		w.index = idx
	}
	w.count++
	w.expiresAt = now.Add(2 * window)
	return w.count, w.prevCount, nil
}

func (s *LocalStore) Ping(context.Context) error { return nil }

// Close stops the sweeper.
func (s *LocalStore) Close() {
	s.once.Do(func() { close(s.stop) })
}

func (s *LocalStore) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			for _, sh := range s.shards {
				sh.mu.Lock()
				for k, b := range sh.buckets {
					if now.After(b.expiresAt) {
						delete(sh.buckets, k)
					}
				}
				for k, w := range sh.windows {
					if now.After(w.expiresAt) {
						delete(sh.windows, k)
					}
				}
				sh.mu.Unlock()
			}
		}
	}
}

// idleTTL is how long a bucket stays around untouched: long enough to refill
// completely, with a floor for zero-refill buckets.
func idleTTL(capacity, refillRate float64) time.Duration {
	if refillRate <= 0 {
		return time.Hour
	}
	d := time.Duration(capacity / refillRate * float64(time.Second))
	if d < time.Minute {
		return time.Minute
	}
	return d
}

var _ Store = (*LocalStore)(nil)
