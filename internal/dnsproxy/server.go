package dnsproxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/quic-go/quic-go"

	"github.com/feifeigood/swiftlink/internal/config"
	"github.com/feifeigood/swiftlink/internal/dnsproxy/caching"
	"github.com/feifeigood/swiftlink/internal/log"
)

const (
	// cacheCleanupInterval is how often expired response cache entries
	// are swept out.
	cacheCleanupInterval = 1 * time.Minute

	serverShutdownTimeout = 5 * time.Second
)

// Server accepts DNS queries on the configured listeners and hands
// each one to the Router. Every listener transport shares the same
// handler, so policy is decided in exactly one place.
type Server struct {
	listeners []*config.ListenerConfig
	router    *Router
	cache     *caching.ResponseCache

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	dnsServers []*dns.Server
	httpServer *http.Server
	quicLn     *quic.Listener
}

// NewServer creates a DNS server serving the given listeners. cache
// may be nil when response caching is disabled.
func NewServer(listeners []*config.ListenerConfig, router *Router, cache *caching.ResponseCache) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		listeners: listeners,
		router:    router,
		cache:     cache,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// ServeDNS implements dns.Handler.
func (s *Server) ServeDNS(w dns.ResponseWriter, req *dns.Msg) {
	resp := s.router.Handle(s.ctx, req)
	if err := w.WriteMsg(resp); err != nil {
		log.Debugf("failed to write response to %s: %v", w.RemoteAddr(), err)
	}
}

// Start brings up every configured listener. On error, listeners
// started so far are torn down again.
func (s *Server) Start() error {
	for _, ln := range s.listeners {
		var err error
		switch ln.Protocol {
		case "udp", "tcp":
			err = s.startPlainListener(ln)
		case "tls":
			err = s.startTLSListener(ln)
		case "https":
			err = s.startDoHListener(ln)
		case "quic":
			err = s.startDoQListener(ln)
		default:
			err = fmt.Errorf("unsupported listener protocol %q", ln.Protocol)
		}
		if err != nil {
			s.Stop()
			return fmt.Errorf("failed to start %s listener on %s: %w", ln.Protocol, ln.Listen, err)
		}
	}

	if s.cache != nil {
		s.wg.Add(1)
		go s.cleanupLoop()
	}

	return nil
}

func (s *Server) startPlainListener(ln *config.ListenerConfig) error {
	srv := &dns.Server{
		Addr:    ln.Listen,
		Net:     ln.Protocol,
		Handler: s,
	}
	return s.runDNSServer(srv, ln.Protocol, ln.Listen)
}

func (s *Server) startTLSListener(ln *config.ListenerConfig) error {
	tlsConfig, err := serverTLSConfig(ln.CertFile, ln.KeyFile, "dot")
	if err != nil {
		return err
	}
	srv := &dns.Server{
		Addr:      ln.Listen,
		Net:       "tcp-tls",
		TLSConfig: tlsConfig,
		Handler:   s,
	}
	return s.runDNSServer(srv, "tls", ln.Listen)
}

// runDNSServer starts a miekg server and waits until its socket is
// bound, so Start reports bind errors synchronously.
func (s *Server) runDNSServer(srv *dns.Server, protocol, addr string) error {
	started := make(chan struct{})
	srv.NotifyStartedFunc = func() { close(started) }

	errCh := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-started:
	case err := <-errCh:
		return err
	}

	s.dnsServers = append(s.dnsServers, srv)
	log.Infof("DNS server listening on %s (%s)", addr, protocol)
	return nil
}

// Stop shuts down all listeners and waits for in-flight queries.
func (s *Server) Stop() {
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()

	for _, srv := range s.dnsServers {
		if err := srv.ShutdownContext(ctx); err != nil {
			log.Debugf("DNS listener shutdown: %v", err)
		}
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Debugf("DoH listener shutdown: %v", err)
		}
	}
	if s.quicLn != nil {
		s.quicLn.Close()
	}

	s.wg.Wait()
}

// cleanupLoop periodically evicts expired response cache entries.
func (s *Server) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(cacheCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.cache.EvictExpiredEntries()
		}
	}
}

// serverTLSConfig loads the listener certificate and pins the ALPN
// protocol the transport expects.
func serverTLSConfig(certFile, keyFile string, nextProto string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{nextProto},
	}, nil
}
