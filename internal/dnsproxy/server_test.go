package dnsproxy

import (
	"bytes"
	"encoding/base64"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/feifeigood/swiftlink/internal/config"
)

func startTestServer(t *testing.T, protocols ...string) (*Server, map[string]string) {
	t.Helper()

	up := &scriptedUpstream{addr: "udp://203.0.113.1:53", answer: net.ParseIP("93.184.216.34")}
	router := newTestRouter(t, up, []*config.RuleConfig{
		{Domains: []string{"example.test"}, Action: "fakeip"},
	}, newTestAllocator(t, nil), nil)

	var listeners []*config.ListenerConfig
	for _, proto := range protocols {
		listeners = append(listeners, &config.ListenerConfig{Protocol: proto, Listen: "127.0.0.1:0"})
	}

	srv := NewServer(listeners, router, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(srv.Stop)

	addrs := make(map[string]string)
	for _, ds := range srv.dnsServers {
		if ds.PacketConn != nil {
			addrs["udp"] = ds.PacketConn.LocalAddr().String()
		}
		if ds.Listener != nil {
			addrs["tcp"] = ds.Listener.Addr().String()
		}
	}
	return srv, addrs
}

func TestServerUDPQuery(t *testing.T) {
	_, addrs := startTestServer(t, "udp")

	c := &dns.Client{Net: "udp", Timeout: 2 * time.Second}
	resp, _, err := c.Exchange(queryMsg("example.test", dns.TypeA), addrs["udp"])
	if err != nil {
		t.Fatalf("Exchange() failed: %v", err)
	}
	if len(resp.Answer) != 1 {
		t.Fatalf("got %d answers, want 1", len(resp.Answer))
	}
	if _, ok := resp.Answer[0].(*dns.A); !ok {
		t.Errorf("answer is %T, want *dns.A", resp.Answer[0])
	}
}

func TestServerTCPQuery(t *testing.T) {
	_, addrs := startTestServer(t, "tcp")

	c := &dns.Client{Net: "tcp", Timeout: 2 * time.Second}
	resp, _, err := c.Exchange(queryMsg("example.org", dns.TypeA), addrs["tcp"])
	if err != nil {
		t.Fatalf("Exchange() failed: %v", err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		t.Errorf("Rcode = %s, want NOERROR", dns.RcodeToString[resp.Rcode])
	}
}

func TestServerSurvivesMalformedUDP(t *testing.T) {
	_, addrs := startTestServer(t, "udp")

	conn, err := net.Dial("udp", addrs["udp"])
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{0xde, 0xad, 0xbe}); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	// The listener must still answer well-formed queries afterwards.
	c := &dns.Client{Net: "udp", Timeout: 2 * time.Second}
	if _, _, err := c.Exchange(queryMsg("example.org", dns.TypeA), addrs["udp"]); err != nil {
		t.Fatalf("Exchange() after malformed packet failed: %v", err)
	}
}

func TestServerStopIsIdempotent(t *testing.T) {
	srv, _ := startTestServer(t, "udp")
	srv.Stop()
	srv.Stop()
}

func TestServerUnsupportedProtocol(t *testing.T) {
	router := newTestRouter(t, &scriptedUpstream{addr: "udp://203.0.113.1:53"}, nil, nil, nil)
	srv := NewServer([]*config.ListenerConfig{{Protocol: "sctp", Listen: "127.0.0.1:0"}}, router, nil)
	if err := srv.Start(); err == nil {
		srv.Stop()
		t.Fatal("Start() succeeded with an unsupported protocol")
	}
}

func newDoHTestServer(t *testing.T) *Server {
	t.Helper()
	up := &scriptedUpstream{addr: "udp://203.0.113.1:53", answer: net.ParseIP("93.184.216.34")}
	router := newTestRouter(t, up, nil, nil, nil)
	return NewServer(nil, router, nil)
}

func TestDoHHandlerPOST(t *testing.T) {
	srv := newDoHTestServer(t)

	wire, err := queryMsg("example.org", dns.TypeA).Pack()
	if err != nil {
		t.Fatalf("Pack() failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/dns-query", bytes.NewReader(wire))
	req.Header.Set("Content-Type", dohContentType)
	rec := httptest.NewRecorder()

	srv.handleDoHRequest(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != dohContentType {
		t.Errorf("Content-Type = %q, want %q", ct, dohContentType)
	}

	resp := new(dns.Msg)
	if err := resp.Unpack(rec.Body.Bytes()); err != nil {
		t.Fatalf("Unpack() failed: %v", err)
	}
	if len(resp.Answer) != 1 {
		t.Errorf("got %d answers, want 1", len(resp.Answer))
	}
}

func TestDoHHandlerGET(t *testing.T) {
	srv := newDoHTestServer(t)

	wire, _ := queryMsg("example.org", dns.TypeA).Pack()
	encoded := base64.RawURLEncoding.EncodeToString(wire)

	req := httptest.NewRequest(http.MethodGet, "/dns-query?dns="+encoded, nil)
	rec := httptest.NewRecorder()

	srv.handleDoHRequest(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := new(dns.Msg)
	if err := resp.Unpack(rec.Body.Bytes()); err != nil {
		t.Fatalf("Unpack() failed: %v", err)
	}
}

func TestDoHHandlerRejectsBadRequests(t *testing.T) {
	srv := newDoHTestServer(t)

	tests := []struct {
		name string
		req  *http.Request
		want int
	}{
		{"wrong method", httptest.NewRequest(http.MethodDelete, "/dns-query", nil), http.StatusMethodNotAllowed},
		{"bad base64", httptest.NewRequest(http.MethodGet, "/dns-query?dns=!!!", nil), http.StatusBadRequest},
		{"empty get", httptest.NewRequest(http.MethodGet, "/dns-query", nil), http.StatusBadRequest},
		{"post wrong content type", httptest.NewRequest(http.MethodPost, "/dns-query", bytes.NewReader([]byte("hi"))), http.StatusUnsupportedMediaType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.handleDoHRequest(rec, tt.req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
