package upstreams

import (
	"context"
	"fmt"
	"time"

	"github.com/miekg/dns"

	"github.com/feifeigood/swiftlink/internal/errors"
	"github.com/feifeigood/swiftlink/internal/log"
	"github.com/feifeigood/swiftlink/internal/proxy"
)

// PlainUpstream implements Upstream using classic DNS over UDP or TCP.
// UDP queries that come back truncated are retried over TCP.
type PlainUpstream struct {
	BaseUpstream
	address   string
	network   string
	dialer    proxy.Dialer
	client    *dns.Client
	tcpClient *dns.Client
}

// NewPlainUpstream creates a plain DNS upstream for the given network
// ("udp" or "tcp").
func NewPlainUpstream(address, network string, opts Options) (*PlainUpstream, error) {
	addr, err := ensurePort(address, defaultPlainPort)
	if err != nil {
		return nil, err
	}

	u := &PlainUpstream{
		BaseUpstream: NewBaseUpstream(fmt.Sprintf("%s://%s", network, addr), opts),
		address:      addr,
		network:      network,
		dialer:       opts.Dialer,
		client: &dns.Client{
			Net:     network,
			Timeout: opts.timeout(),
		},
	}
	if network == "udp" {
		u.tcpClient = &dns.Client{
			Net:     "tcp",
			Timeout: opts.timeout(),
		}
	}
	return u, nil
}

// Query sends a DNS query to the upstream.
func (u *PlainUpstream) Query(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	log.Debugf("[%04x] Querying upstream: %s for %s", req.Id, u.Address(), queryInfo(req))

	var resp *dns.Msg
	var err error
	if u.dialer != nil {
		resp, err = u.exchangeViaDialer(ctx, req, u.client)
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

	// Truncated UDP answers carry only a partial record set
	if resp.Truncated && u.tcpClient != nil {
		log.Debugf("[%04x] Truncated response from %s, retrying over TCP", req.Id, u.Address())
		resp, _, err = u.tcpClient.ExchangeContext(ctx, req, u.address)
		if err != nil {
			return nil, errors.ClassifyNetworkError(
				fmt.Sprintf("TCP retry to %s failed", u.Address()), err)
		}
	}

	if resp.Id != req.Id {
		return nil, errors.NewMalformedResponseError(
			fmt.Sprintf("upstream %s answered with a mismatched ID", u.Address()), nil)
	}
	return resp, nil
}

// exchangeViaDialer performs a DNS exchange over a proxied stream.
func (u *PlainUpstream) exchangeViaDialer(ctx context.Context, req *dns.Msg, client *dns.Client) (*dns.Msg, error) {
	netConn, err := u.dialer.DialContext(ctx, "tcp", u.address)
	if err != nil {
		return nil, errors.NewProxyHandshakeError(
			fmt.Sprintf("failed to reach %s through proxy", u.Address()), err)
	}

	conn := &dns.Conn{Conn: netConn}
	defer conn.Close()

	deadline := time.Now().Add(client.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	if err := conn.WriteMsg(req); err != nil {
		return nil, err
	}
	resp, err := conn.ReadMsg()
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Close closes any resources held by the upstream.
func (u *PlainUpstream) Close() error {
	return nil
}
