package gateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/passage-io/passage/internal/config"
	"github.com/passage-io/passage/internal/health"
)

// Exit codes reported by Run.
const (
	ExitOK               = 0
	ExitConfig           = 1
	ExitBind             = 2
	ExitStoreUnavailable = 3
)

// Server owns the entry and admin listeners around a Gateway.
type Server struct {
	cfg     *config.Config
	gw      *Gateway
	log     *zap.Logger
	checker *health.Checker
}

func NewServer(cfg *config.Config, gw *Gateway, log *zap.Logger) *Server {
	checker := health.NewChecker(
		map[string]health.Pinger{
			"session":   gw.Sessions(),
			"ratelimit": gw.RateStore(),
		},
		cfg.Admin.ProbeInterval,
		cfg.Admin.ProbeFreshness,
		func(store string, up bool) { gw.Metrics().SetStoreUp(store, up) },
		log,
	)
	return &Server{cfg: cfg, gw: gw, log: log, checker: checker}
}

// Run serves until SIGINT/SIGTERM or ctx cancellation and returns the
// process exit code.
func (s *Server) Run(ctx context.Context) int {
	if s.cfg.Server.RequireStoreOnStart {
		probe, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := s.gw.Sessions().Ping(probe)
		if err == nil {
			err = s.gw.RateStore().Ping(probe)
		}
		cancel()
		if err != nil {
			s.log.Error("store unreachable at startup", zap.Error(err))
			return ExitStoreUnavailable
		}
	}

	entryAddr := fmt.Sprintf("%s:%d", s.cfg.Server.BindAddress, s.cfg.Server.Port)
	entryLn, err := net.Listen("tcp", entryAddr)
	if err != nil {
		s.log.Error("entry listener bind failed", zap.String("addr", entryAddr), zap.Error(err))
		return ExitBind
	}

	adminAddr := fmt.Sprintf("%s:%d", s.cfg.Admin.BindAddress, s.cfg.Admin.Port)
	adminLn, err := net.Listen("tcp", adminAddr)
	if err != nil {
		entryLn.Close()
		s.log.Error("admin listener bind failed", zap.String("addr", adminAddr), zap.Error(err))
		return ExitBind
	}

	entry := &http.Server{
		Handler:           s.gw.Handler(),
		ReadHeaderTimeout: s.cfg.Server.ReadHeaderTimeout,
	}

	adminMux := http.NewServeMux()
	adminMux.Handle("/health/", s.checker.Handler(s.cfg.Admin.MaxConcurrent))
	adminMux.Handle("/metrics", s.gw.Metrics().Handler())
	admin := &http.Server{
		Handler:           adminMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.checker.Start()
	defer s.checker.Stop()

	errc := make(chan error, 2)
	go func() {
		if s.cfg.Server.TLS.Enabled {
			tlsCfg, err := buildTLSConfig(&s.cfg.Server.TLS)
			if err != nil {
				errc <- err
				return
			}
			entry.TLSConfig = tlsCfg
			errc <- entry.ServeTLS(entryLn, s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
			return
		}
		errc <- entry.Serve(entryLn)
	}()
	go func() { errc <- admin.Serve(adminLn) }()

	s.checker.SetLive(true)
	s.log.Info("gateway listening",
		zap.String("entry", entryAddr),
		zap.String("admin", adminAddr),
		zap.Bool("tls", s.cfg.Server.TLS.Enabled),
		zap.Int("routes", len(s.cfg.Routes)))

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigc)

	select {
	case sig := <-sigc:
		s.log.Info("shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
		s.log.Info("context cancelled")
	case err := <-errc:
		if err != nil && err != http.ErrServerClosed {
			s.log.Error("server failed", zap.Error(err))
			s.shutdown(entry, admin)
			return ExitBind
		}
	}

	s.checker.SetLive(false)
	s.shutdown(entry, admin)
	return ExitOK
}

func (s *Server) shutdown(servers ...*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownGrace)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			s.log.Warn("shutdown incomplete", zap.Error(err))
		}
	}
	s.gw.Close()
}

// buildTLSConfig maps the config's min_version and cipher names onto a
// tls.Config. Anything below TLS 1.2 was already rejected by validation.
func buildTLSConfig(cfg *config.TLSConfig) (*tls.Config, error) {
	t := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.MinVersion == "1.3" {
		t.MinVersion = tls.VersionTLS13
	}
	if len(cfg.Ciphers) > 0 {
		byName := make(map[string]uint16)
		for _, cs := range tls.CipherSuites() {
			byName[cs.Name] = cs.ID
		}
		for _, name := range cfg.Ciphers {
			id, ok := byName[name]
			if !ok {
				return nil, fmt.Errorf("unknown or insecure cipher suite %q", name)
			}
			t.CipherSuites = append(t.CipherSuites, id)
		}
	}
	return t, nil
}
