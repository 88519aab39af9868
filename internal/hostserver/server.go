// Package hostserver assembles the pairing manager, the client store, the
// mTLS verifier and the session-control handlers into the two listeners a
// GameStream host exposes: a plaintext HTTP endpoint used for pairing
// bootstrap and unauthenticated serverinfo, and an HTTPS endpoint, guarded
// by mutual TLS, that serves everything else.
package hostserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/glowlabs-org/threadgroup"

	"github.com/pairhost/hostd/internal/clientstore"
	"github.com/pairhost/hostd/internal/config"
	"github.com/pairhost/hostd/internal/hostcrypto"
	"github.com/pairhost/hostd/internal/obslog"
	"github.com/pairhost/hostd/internal/pairing"
	"github.com/pairhost/hostd/internal/streaming"
	"github.com/pairhost/hostd/internal/verifier"
)

// Server owns every long-lived component of the host and the two listeners
// that expose them. All shutdown ordering is handled by the embedded
// threadgroup, following the same OnStop/AfterStop discipline the pack's
// GCAServer uses for its own HTTP server and logger.
type Server struct {
	tg threadgroup.ThreadGroup

	cfg    config.Config
	logger *obslog.Logger

	store    *clientstore.Store
	identity *hostcrypto.HostIdentity
	manager  *pairing.Manager
	verifier *verifier.Verifier
	handler  *streaming.Handler
	launcher *streaming.AppManager

	httpMux     *http.ServeMux
	httpsMux    *http.ServeMux
	httpServer  *http.Server
	httpsServer *http.Server

	httpPort  uint16
	httpsPort uint16
}

// NewServer wires up and starts every background component: it does not
// return until both listeners are bound and serving.
func NewServer(cfg config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("hostserver: invalid config: %w", err)
	}

	logger, err := obslog.NewLogger(obslog.ParseLevel(cfg.LogLevel), cfg.LogFile)
	if err != nil {
		return nil, fmt.Errorf("hostserver: initializing logger: %w", err)
	}

	server := &Server{
		cfg:    cfg,
		logger: logger,
	}
	server.tg.AfterStop(func() error {
		return logger.Close()
	})

	identity, err := hostcrypto.LoadOrCreateHostIdentity(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("hostserver: loading host identity: %w", err)
	}
	server.identity = identity

	store, err := clientstore.Load(cfg.StateFile)
	if err != nil {
		return nil, fmt.Errorf("hostserver: loading client store: %w", err)
	}
	server.store = store

	apps, commands, err := config.LoadApps(cfg.AppsFile)
	if err != nil {
		return nil, fmt.Errorf("hostserver: loading app catalog: %w", err)
	}

	pairingCfg := pairing.Config{
		EnablePairing:     cfg.EnablePairing,
		PINStdin:          cfg.PINStdin,
		FreshState:        cfg.FreshState,
		OTPExpireDuration: cfg.OTPExpireDuration,
		SessionTTL:        cfg.PairingSessionTTL,
	}
	server.manager = pairing.NewManager(pairingCfg, store, identity.Cert, identity.CertPEM, identity.Key, logger)
	server.verifier = verifier.New(store)
	server.launcher = streaming.NewAppManager()
	server.handler = streaming.NewHandler(cfg, apps, commands, streaming.DefaultVideoCapabilities{}, server.launcher, store.ServerUUID(), logger)

	server.buildMuxes()

	httpAddr := net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.HTTPPort))
	httpsAddr := net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.HTTPSPort))

	server.httpServer = &http.Server{
		Addr:        httpAddr,
		Handler:     server.httpMux,
		ConnContext: stashLocalAddr,
	}
	server.httpsServer = &http.Server{
		Addr:        httpsAddr,
		Handler:     server.httpsMux,
		TLSConfig:   server.verifier.TLSConfig(identity.TLSCert),
		ConnContext: stashLocalAddr,
	}

	server.tg.OnStop(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := server.httpServer.Shutdown(ctx)
		if err != nil {
			server.logger.Errorf("HTTP server shutdown error: %v", err)
			return fmt.Errorf("shutting down http server: %w", err)
		}
		return nil
	})
	server.tg.OnStop(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := server.httpsServer.Shutdown(ctx)
		if err != nil {
			server.logger.Errorf("HTTPS server shutdown error: %v", err)
			return fmt.Errorf("shutting down https server: %w", err)
		}
		return nil
	})

	if err := server.launchHTTP(); err != nil {
		return nil, err
	}
	if err := server.launchHTTPS(); err != nil {
		return nil, err
	}
	server.launchPairingSweep()

	return server, nil
}

// buildMuxes registers routes. The HTTP mux only exposes pairing bootstrap
// and an unauthenticated serverinfo, matching how real GameStream hosts
// let an unpaired client discover the host and start pairing before it has
// a certificate to present over mTLS. The HTTPS mux requires a client
// certificate already present in the store for every route except /pair,
// which is served on both listeners without that check.
func (s *Server) buildMuxes() {
	s.httpMux = http.NewServeMux()
	s.httpMux.HandleFunc("/pair", s.manager.ServeHTTP)
	s.httpMux.HandleFunc("/serverinfo", s.handler.ServeInfo(false))

	s.httpsMux = http.NewServeMux()
	s.httpsMux.HandleFunc("/pair", s.manager.ServeHTTP)
	s.httpsMux.Handle("/serverinfo", s.verifier.Middleware(s.handler.ServeInfo(true)))
	s.httpsMux.Handle("/applist", s.verifier.Middleware(http.HandlerFunc(s.handler.AppList)))
	s.httpsMux.Handle("/launch", s.verifier.Middleware(http.HandlerFunc(s.handler.Launch)))
	s.httpsMux.Handle("/resume", s.verifier.Middleware(http.HandlerFunc(s.handler.Resume)))
	s.httpsMux.Handle("/cancel", s.verifier.Middleware(http.HandlerFunc(s.handler.Cancel)))
	s.httpsMux.Handle("/appasset", s.verifier.Middleware(http.HandlerFunc(s.handler.AppAsset)))
}

// launchHTTP binds the plaintext listener up front so the caller can
// discover the actual port when cfg.HTTPPort is 0 (used by tests), then
// hands the listener to the http.Server on a background thread.
func (s *Server) launchHTTP() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("hostserver: binding http listener: %w", err)
	}
	s.httpPort = uint16(listener.Addr().(*net.TCPAddr).Port)

	err = s.tg.Launch(func() {
		s.logger.Info("Starting HTTP server on ", s.httpServer.Addr)
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("HTTP server exited: %v", err)
		}
	})
	if err != nil {
		listener.Close()
		return fmt.Errorf("hostserver: launching http listener: %w", err)
	}
	return nil
}

func (s *Server) launchHTTPS() error {
	listener, err := net.Listen("tcp", s.httpsServer.Addr)
	if err != nil {
		return fmt.Errorf("hostserver: binding https listener: %w", err)
	}
	s.httpsPort = uint16(listener.Addr().(*net.TCPAddr).Port)

	err = s.tg.Launch(func() {
		s.logger.Info("Starting HTTPS server on ", s.httpsServer.Addr)
		if err := s.httpsServer.ServeTLS(listener, "", ""); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("HTTPS server exited: %v", err)
		}
	})
	if err != nil {
		listener.Close()
		return fmt.Errorf("hostserver: launching https listener: %w", err)
	}
	return nil
}

// launchPairingSweep runs the periodic eviction of expired pairing
// sessions, resolving the open question of how stale getservercert
// sessions that never complete are reclaimed: they age out on a timer
// rather than living forever.
func (s *Server) launchPairingSweep() {
	if s.cfg.PairingSessionTTL <= 0 {
		return
	}
	interval := s.cfg.PairingSessionTTL / 5
	if interval <= 0 {
		interval = time.Second
	}
	s.tg.Launch(func() {
		for {
			if !s.tg.Sleep(interval) {
				return
			}
			s.manager.SweepExpired(time.Now())
		}
	})
}

// HTTPPort returns the actual bound HTTP port, useful when cfg.HTTPPort is
// 0 and the OS picked an ephemeral port (tests).
func (s *Server) HTTPPort() uint16 { return s.httpPort }

// HTTPSPort returns the actual bound HTTPS port.
func (s *Server) HTTPSPort() uint16 { return s.httpsPort }

// Close shuts down both listeners and releases the logger, in that order,
// via the threadgroup's registered stop hooks.
func (s *Server) Close() error {
	return s.tg.Stop()
}

func stashLocalAddr(ctx context.Context, c net.Conn) context.Context {
	return context.WithValue(ctx, streaming.LocalAddrContextKey, c.LocalAddr())
}
