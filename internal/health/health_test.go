package health

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeStore struct {
	failing atomic.Bool
}

func (f *fakeStore) Ping(context.Context) error {
	if f.failing.Load() {
		return fmt.Errorf("down")
	}
	return nil
}

func newChecker(stores map[string]Pinger) *Checker {
	return NewChecker(stores, 10*time.Millisecond, 50*time.Millisecond, nil, zap.NewNop())
}

func TestLiveBeforeAndAfterListening(t *testing.T) {
	c := newChecker(nil)
	h := c.Handler(4)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/health/live", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("live before listening = %d", w.Code)
	}

	c.SetLive(true)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/health/live", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("live after listening = %d", w.Code)
	}
}

func TestReadyTracksProbes(t *testing.T) {
	session := &fakeStore{}
	rate := &fakeStore{}
	c := newChecker(map[string]Pinger{"session": session, "ratelimit": rate})
	c.SetLive(true)
	c.Start()
	defer c.Stop()
	h := c.Handler(4)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/health/ready", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("ready with healthy stores = %d", w.Code)
	}

	// Kill the session store; readiness must flip once freshness lapses.
	session.failing.Store(true)
	deadline := time.Now().Add(2 * time.Second)
	for {
		w = httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("GET", "/health/ready", nil))
		if w.Code == http.StatusServiceUnavailable {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("readiness never flipped after store failure")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Recovery flips it back.
	session.failing.Store(false)
	deadline = time.Now().Add(2 * time.Second)
	for {
		w = httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("GET", "/health/ready", nil))
		if w.Code == http.StatusOK {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("readiness never recovered")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestProbeCallback(t *testing.T) {
	var sawDown atomic.Bool
	store := &fakeStore{}
	store.failing.Store(true)
	c := NewChecker(map[string]Pinger{"session": store},
		10*time.Millisecond, 50*time.Millisecond,
		func(name string, up bool) {
			if name == "session" && !up {
				sawDown.Store(true)
			}
		}, zap.NewNop())
	c.probeAll()
	if !sawDown.Load() {
		t.Fatal("probe callback not invoked")
	}
}
