package upstreams

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/feifeigood/swiftlink/internal/errors"
	"github.com/feifeigood/swiftlink/internal/log"
)

const (
	// URL scheme constants
	dohScheme   = "doh://"
	httpsScheme = "https://"

	// Default query path when the URL carries none
	dohDefaultPath = "/dns-query"

	// HTTP client configuration
	dohIdleConnTimeout     = 30 * time.Second // How long idle connections are kept
	dohMaxIdleConns        = 10               // Maximum idle connections total
	dohMaxIdleConnsPerHost = 5                // Maximum idle connections per host

	// HTTP content types
	dnsMessageContentType = "application/dns-message"

	// Buffer sizes
	dohReadBufferSize = 4096 // Buffer size for reading DoH responses
)

// DoHUpstream implements Upstream using DNS-over-HTTPS (RFC 8484).
type DoHUpstream struct {
	BaseUpstream
	url    string
	client *http.Client
}

// NewDoHUpstream creates a new DNS-over-HTTPS upstream.
func NewDoHUpstream(urlStr string, opts Options) (*DoHUpstream, error) {
	// Normalize URL scheme
	if strings.HasPrefix(urlStr, dohScheme) {
		urlStr = httpsScheme + strings.TrimPrefix(urlStr, dohScheme)
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, fmt.Errorf("invalid DoH URL %q: %w", urlStr, err)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = dohDefaultPath
	}

	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: opts.InsecureSkipVerify,
	}
	if opts.Hostname != "" {
		tlsConfig.ServerName = opts.Hostname
	}

	transport := &http.Transport{
		TLSClientConfig:     tlsConfig,
		MaxIdleConns:        dohMaxIdleConns,
		IdleConnTimeout:     dohIdleConnTimeout,
		DisableCompression:  true,
		MaxIdleConnsPerHost: dohMaxIdleConnsPerHost,
	}
	if opts.Dialer != nil {
		transport.DialContext = opts.Dialer.DialContext
	}

	return &DoHUpstream{
		BaseUpstream: NewBaseUpstream(fmt.Sprintf("https://%s%s", u.Host, u.Path), opts),
		url:          u.String(),
		client: &http.Client{
			Timeout:   opts.timeout(),
			Transport: transport,
		},
	}, nil
}

// Query sends a DNS query to the DoH upstream.
func (d *DoHUpstream) Query(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	log.Debugf("[%04x] Querying upstream: %s for %s", req.Id, d.Address(), queryInfo(req))

	// The wire message carries ID 0 so HTTP caches can match identical
	// queries (RFC 8484 section 4.1)
	wire := req.Copy()
	wire.Id = 0
	packed, err := wire.Pack()
	if err != nil {
		return nil, errors.NewInternalError("failed to pack DNS message", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(packed))
	if err != nil {
		return nil, errors.NewInternalError("failed to create HTTP request", err)
	}

	httpReq.Header.Set("Content-Type", dnsMessageContentType)
	httpReq.Header.Set("Accept", dnsMessageContentType)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, errors.ClassifyNetworkError(
			fmt.Sprintf("DoH request to %s failed", d.Address()), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.NewServerError(
			fmt.Sprintf("DoH server %s answered with status %d", d.Address(), resp.StatusCode), nil)
	}

	var body []byte
	buf := make([]byte, dohReadBufferSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			body = append(body, buf[:n]...)
		}
		if err != nil {
			break
		}
	}

	dnsResp := new(dns.Msg)
	if err := dnsResp.Unpack(body); err != nil {
		return nil, errors.NewMalformedResponseError(
			fmt.Sprintf("failed to unpack response from %s", d.Address()), err)
	}

	// Restore the caller's transaction ID
	dnsResp.Id = req.Id
	return dnsResp, nil
}

// Close closes any resources held by the upstream.
func (d *DoHUpstream) Close() error {
	d.client.CloseIdleConnections()
	return nil
}
