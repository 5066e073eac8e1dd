package dnsproxy

import (
	"encoding/base64"
	"io"
	"net/http"

	"github.com/miekg/dns"

	"github.com/feifeigood/swiftlink/internal/config"
	"github.com/feifeigood/swiftlink/internal/log"
)

const (
	dohContentType = "application/dns-message"

	// dohMaxRequestSize bounds a POST body. DNS messages never
	// legitimately exceed 64 KiB.
	dohMaxRequestSize = 65536
)

// startDoHListener serves DNS-over-HTTPS on /dns-query per RFC 8484,
// accepting GET with a base64url "dns" parameter and POST with a raw
// message body.
func (s *Server) startDoHListener(ln *config.ListenerConfig) error {
	tlsConfig, err := serverTLSConfig(ln.CertFile, ln.KeyFile, "h2")
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/dns-query", s.handleDoHRequest)

	s.httpServer = &http.Server{
		Addr:      ln.Listen,
		Handler:   mux,
		TLSConfig: tlsConfig,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			log.Errorf("DoH server on %s failed: %v", ln.Listen, err)
		}
	}()

	log.Infof("DNS server listening on %s (https)", ln.Listen)
	return nil
}

func (s *Server) handleDoHRequest(w http.ResponseWriter, r *http.Request) {
	var wire []byte
	var err error

	switch r.Method {
	case http.MethodPost:
		if r.Header.Get("Content-Type") != dohContentType {
			http.Error(w, "unsupported content type", http.StatusUnsupportedMediaType)
			return
		}
		wire, err = io.ReadAll(io.LimitReader(r.Body, dohMaxRequestSize))
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
	case http.MethodGet:
		wire, err = base64.RawURLEncoding.DecodeString(r.URL.Query().Get("dns"))
		if err != nil {
			http.Error(w, "failed to decode dns parameter", http.StatusBadRequest)
			return
		}
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req := new(dns.Msg)
	if err := req.Unpack(wire); err != nil {
		http.Error(w, "failed to unpack DNS message", http.StatusBadRequest)
		return
	}

	resp := s.router.Handle(r.Context(), req)

	packed, err := resp.Pack()
	if err != nil {
		log.Debugf("failed to pack DoH response: %v", err)
		http.Error(w, "failed to pack response", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", dohContentType)
	w.Write(packed)
}
