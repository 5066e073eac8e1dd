package upstreams

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"

	"github.com/feifeigood/swiftlink/internal/errors"
	"github.com/feifeigood/swiftlink/internal/log"
	"github.com/feifeigood/swiftlink/internal/proxy"
)

// DoTUpstream implements Upstream using DNS-over-TLS (RFC 7858).
type DoTUpstream struct {
	BaseUpstream
	address   string
	dialer    proxy.Dialer
	tlsConfig *tls.Config
	client    *dns.Client
}

// NewDoTUpstream creates a DNS-over-TLS upstream. The TLS server name
// defaults to the address host and can be overridden via Options.Hostname.
func NewDoTUpstream(address string, opts Options) (*DoTUpstream, error) {
	addr, err := ensurePort(address, defaultTLSPort)
	if err != nil {
		return nil, err
	}

	serverName := opts.Hostname
	if serverName == "" {
		serverName, _, _ = net.SplitHostPort(addr)
	}

	tlsConfig := &tls.Config{
		ServerName:         serverName,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: opts.InsecureSkipVerify,
	}

	return &DoTUpstream{
		BaseUpstream: NewBaseUpstream(fmt.Sprintf("tls://%s", addr), opts),
		address:      addr,
		dialer:       opts.Dialer,
		tlsConfig:    tlsConfig,
		client: &dns.Client{
			Net:       "tcp-tls",
			Timeout:   opts.timeout(),
			TLSConfig: tlsConfig,
		},
	}, nil
}

// Query sends a DNS query to the DoT upstream.
func (u *DoTUpstream) Query(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	log.Debugf("[%04x] Querying upstream: %s for %s", req.Id, u.Address(), queryInfo(req))

	var resp *dns.Msg
	var err error
	if u.dialer != nil {
		resp, err = u.exchangeViaDialer(ctx, req)
	} else {
		resp, _, err = u.client.ExchangeContext(ctx, req, u.address)
	}
	if err != nil {
		if err == dns.ErrId {
			return nil, errors.NewMalformedResponseError(
				fmt.Sprintf("upstream %s answered with a mismatched ID", u.Address()), err)
		}
		return nil, errors.ClassifyNetworkError(
			fmt.Sprintf("query to %s failed", u.Address()), err)
	}

	if resp.Id != req.Id {
		return nil, errors.NewMalformedResponseError(
			fmt.Sprintf("upstream %s answered with a mismatched ID", u.Address()), nil)
	}
	return resp, nil
}

// exchangeViaDialer tunnels the TLS session through the forward proxy.
func (u *DoTUpstream) exchangeViaDialer(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	netConn, err := u.dialer.DialContext(ctx, "tcp", u.address)
	if err != nil {
		return nil, errors.NewProxyHandshakeError(
			fmt.Sprintf("failed to reach %s through proxy", u.Address()), err)
	}

	tlsConn := tls.Client(netConn, u.tlsConfig)

	deadline := time.Now().Add(u.client.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = tlsConn.SetDeadline(deadline)

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		tlsConn.Close()
		return nil, errors.NewConnectionError(
			fmt.Sprintf("TLS handshake with %s failed", u.Address()), err)
	}

	conn := &dns.Conn{Conn: tlsConn}
	defer conn.Close()

	if err := conn.WriteMsg(req); err != nil {
		return nil, err
	}
	return conn.ReadMsg()
}

// Close closes any resources held by the upstream.
func (u *DoTUpstream) Close() error {
	return nil
}
