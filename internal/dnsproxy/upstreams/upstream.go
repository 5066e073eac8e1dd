// Package upstreams provides DNS upstream resolver implementations.
package upstreams

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/miekg/dns"

	"github.com/feifeigood/swiftlink/internal/proxy"
)

const (
	// DNS protocol defaults
	defaultPlainPort = "53"
	defaultTLSPort   = "853"
	defaultQUICPort  = "853"

	defaultQueryTimeout = 5 * time.Second
)

// Upstream represents a DNS upstream resolver.
type Upstream interface {
	// Query sends a DNS query to the upstream and returns the response.
	Query(ctx context.Context, req *dns.Msg) (*dns.Msg, error)
	// Address returns the upstream URL for logging and API display.
	Address() string
	// Priority returns the upstream's position in the fallback order
	// (lower tries first).
	Priority() int
	// Close closes any resources held by the upstream.
	Close() error
}

// Options carries the per-upstream settings shared by all transports.
type Options struct {
	// Priority orders upstreams within a group; lower tries first.
	Priority int
	// Dialer routes stream connections through a forward proxy.
	// Nil means direct connections.
	Dialer proxy.Dialer
	// Hostname overrides the TLS server name (SNI).
	Hostname string
	// InsecureSkipVerify disables server certificate validation.
	InsecureSkipVerify bool
	// Timeout bounds a single query attempt.
	Timeout time.Duration
}

func (o Options) timeout() time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return defaultQueryTimeout
}

// BaseUpstream provides common functionality for all upstreams.
type BaseUpstream struct {
	url      string
	priority int
}

// NewBaseUpstream creates a BaseUpstream from the display URL and options.
func NewBaseUpstream(url string, opts Options) BaseUpstream {
	return BaseUpstream{
		url:      url,
		priority: opts.Priority,
	}
}

// Address returns the upstream URL for logging and API display.
func (b *BaseUpstream) Address() string {
	return b.url
}

// Priority returns the upstream's fallback position.
func (b *BaseUpstream) Priority() int {
	return b.priority
}

// ParseUpstream parses an upstream URL and builds the matching transport.
// Supported formats:
//   - udp://ip:port - plain UDP DNS with TCP retry on truncation (port defaults to 53)
//   - tcp://ip:port - plain TCP DNS (port defaults to 53)
//   - tls://host:port - DNS-over-TLS (port defaults to 853)
//   - https://host/path (or doh://host/path) - DNS-over-HTTPS
//   - quic://host:port - DNS-over-QUIC (port defaults to 853)
func ParseUpstream(upstreamURL string, opts Options) (Upstream, error) {
	u, err := url.Parse(upstreamURL)
	// If url.Parse fails (e.g. "8.8.8.8:53"), or scheme is empty, try as UDP upstream
	if err != nil || u.Scheme == "" {
		return NewPlainUpstream(upstreamURL, "udp", opts)
	}

	switch u.Scheme {
	case "udp":
		if opts.Dialer != nil {
			return nil, fmt.Errorf("udp:// upstreams cannot be used with a proxy")
		}
		return NewPlainUpstream(u.Host, "udp", opts)
	case "tcp":
		return NewPlainUpstream(u.Host, "tcp", opts)
	case "tls":
		return NewDoTUpstream(u.Host, opts)
	case "doh", "https":
		return NewDoHUpstream(upstreamURL, opts)
	case "quic":
		if opts.Dialer != nil {
			return nil, fmt.Errorf("quic:// upstreams cannot be used with a proxy")
		}
		return NewDoQUpstream(u.Host, opts)
	default:
		return nil, fmt.Errorf("unsupported upstream scheme: %s", u.Scheme)
	}
}

// ensurePort appends the default port when the address has none.
func ensurePort(address, defaultPort string) (string, error) {
	if !containsPort(address) {
		address = net.JoinHostPort(address, defaultPort)
	}
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return "", fmt.Errorf("invalid upstream address %q: %w", address, err)
	}
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("invalid upstream port %q", port)
	}
	return net.JoinHostPort(host, port), nil
}

// containsPort checks if the address contains a port number.
func containsPort(address string) bool {
	// For IPv6 addresses like [::1]:53, check after the closing bracket
	if idx := lastIndex(address, ']'); idx != -1 {
		return len(address) > idx+1 && address[idx+1] == ':'
	}
	// For IPv4 addresses and hostnames, check for colon
	return lastIndex(address, ':') != -1
}

// lastIndex returns the index of the last occurrence of char in s, or -1 if not found.
func lastIndex(s string, char byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == char {
			return i
		}
	}
	return -1
}

// queryInfo formats the first question of a request for logging.
func queryInfo(req *dns.Msg) string {
	if len(req.Question) == 0 {
		return "unknown"
	}
	q := req.Question[0]
	return fmt.Sprintf("%s %s", q.Name, dns.TypeToString[q.Qtype])
}
