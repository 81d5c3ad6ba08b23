package proxy

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/passage-io/passage/internal/config"
)

// Pool hands out one pooled http.Transport per (upstream host, deadline
// pair). Transports are shared process-wide so connection reuse spans all
// requests.
type Pool struct {
	mu         sync.Mutex
	transports map[string]*http.Transport
	cfg        config.PoolConfig
	inUse      int64
}

func NewPool(cfg config.PoolConfig) *Pool {
	return &Pool{
		transports: make(map[string]*http.Transport),
		cfg:        cfg,
	}
}

// For returns the transport for an upstream host with the given connect and
// response-header deadlines, creating it on first use.
func (p *Pool) For(host string, connect, readHeader time.Duration) *http.Transport {
	key := host + "|" + connect.String() + "|" + readHeader.String()

	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.transports[key]; ok {
		return t
	}

	t := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connect,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost:   p.cfg.PerHost,
		MaxConnsPerHost:       p.cfg.PerHost,
		IdleConnTimeout:       p.cfg.IdleSeconds,
		ResponseHeaderTimeout: readHeader,
		ForceAttemptHTTP2:     true,
	}
	p.transports[key] = t
	return t
}

// Acquire and Release track in-flight upstream requests for the pool gauge.
func (p *Pool) Acquire() {
	p.mu.Lock()
	p.inUse++
	p.mu.Unlock()
}

func (p *Pool) Release() {
	p.mu.Lock()
	p.inUse--
	p.mu.Unlock()
}

// InUse returns the number of upstream requests currently in flight.
func (p *Pool) InUse() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// CloseIdle drops idle connections on every transport, used at shutdown.
func (p *Pool) CloseIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.transports {
		t.CloseIdleConnections()
	}
}
