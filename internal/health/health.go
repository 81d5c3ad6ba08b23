// Package health runs background store probes and serves the liveness and
// readiness endpoints on the admin listener.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Pinger is the slice of a store the prober needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker probes the session and rate-limit stores on an interval and
// reports readiness from probe freshness: a store that has not answered
// within the freshness window counts as down.
type Checker struct {
	interval  time.Duration
	freshness time.Duration
	log       *zap.Logger

	mu     sync.RWMutex
	live   bool
	probes map[string]probeState

	targets map[string]Pinger
	onProbe func(store string, up bool)
	stop    chan struct{}
	once    sync.Once
}

type probeState struct {
	lastSuccess time.Time
	lastErr     error
}

// NewChecker builds a Checker over named stores. onProbe, when set, receives
// every probe outcome (wired to the store_up gauge).
func NewChecker(targets map[string]Pinger, interval, freshness time.Duration, onProbe func(string, bool), log *zap.Logger) *Checker {
	return &Checker{
		interval:  interval,
		freshness: freshness,
		log:       log,
		probes:    make(map[string]probeState, len(targets)),
		targets:   targets,
		onProbe:   onProbe,
		stop:      make(chan struct{}),
	}
}

// Start probes immediately and then on the interval until Stop.
func (c *Checker) Start() {
	c.probeAll()
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				c.probeAll()
			}
		}
	}()
}

func (c *Checker) Stop() {
	c.once.Do(func() { close(c.stop) })
}

// SetLive marks the entry listener as accepting connections.
func (c *Checker) SetLive(live bool) {
	c.mu.Lock()
	c.live = live
	c.mu.Unlock()
}

func (c *Checker) probeAll() {
	for name, target := range c.targets {
		ctx, cancel := context.WithTimeout(context.Background(), c.interval)
		err := target.Ping(ctx)
		cancel()

		c.mu.Lock()
		st := c.probes[name]
		if err == nil {
			st.lastSuccess = time.Now()
		}
		st.lastErr = err
		c.probes[name] = st
		c.mu.Unlock()

		if err != nil {
			c.log.Warn("store probe failed", zap.String("store", name), zap.Error(err))
		}
		if c.onProbe != nil {
			c.onProbe(name, err == nil)
		}
	}
}

// Ready reports whether every store's last successful probe is fresh.
func (c *Checker) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cutoff := time.Now().Add(-c.freshness)
	for name := range c.targets {
		if c.probes[name].lastSuccess.Before(cutoff) {
			return false
		}
	}
	return true
}

// Live reports whether the entry listener is up.
func (c *Checker) Live() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.live
}

// Handler serves /health/live and /health/ready behind a concurrency cap.
func (c *Checker) Handler(maxConcurrent int64) http.Handler {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	sem := semaphore.NewWeighted(maxConcurrent)

	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		if !sem.TryAcquire(1) {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		defer sem.Release(1)
		if c.Live() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if !sem.TryAcquire(1) {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		defer sem.Release(1)
		if c.Live() && c.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	return mux
}
