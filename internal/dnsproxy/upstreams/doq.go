package upstreams

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/quic-go/quic-go"

	"github.com/feifeigood/swiftlink/internal/errors"
	"github.com/feifeigood/swiftlink/internal/log"
)

const (
	// doqALPN is the ALPN token for DNS over QUIC (RFC 9250 section 7.2).
	doqALPN = "doq"

	// doqMaxMessageSize is the maximum DNS message payload allowed over DoQ (64 KiB).
	doqMaxMessageSize = 64 * 1024

	// doqNoError is the DoQ error code for a clean close (RFC 9250 section 8.4).
	doqNoError quic.ApplicationErrorCode = 0x0

	// doqInternalError is the DoQ error code for internal errors (RFC 9250 section 8.4).
	doqInternalError quic.ApplicationErrorCode = 0x1

	doqIdleTimeout     = 30 * time.Second
	doqKeepAlivePeriod = 15 * time.Second
)

// DoQUpstream implements Upstream using DNS-over-QUIC (RFC 9250). It
// keeps one QUIC connection alive and opens a fresh bidirectional
// stream per query.
type DoQUpstream struct {
	BaseUpstream
	address   string
	timeout   time.Duration
	tlsConfig *tls.Config

	mu   sync.Mutex // protects conn
	conn quic.Connection
}

// NewDoQUpstream creates a DNS-over-QUIC upstream. The TLS server name
// defaults to the address host and can be overridden via Options.Hostname.
func NewDoQUpstream(address string, opts Options) (*DoQUpstream, error) {
	addr, err := ensurePort(address, defaultQUICPort)
	if err != nil {
		return nil, err
	}

	serverName := opts.Hostname
	if serverName == "" {
		serverName, _, _ = net.SplitHostPort(addr)
	}

	return &DoQUpstream{
		BaseUpstream: NewBaseUpstream(fmt.Sprintf("quic://%s", addr), opts),
		address:      addr,
		timeout:      opts.timeout(),
		tlsConfig: &tls.Config{
			ServerName:         serverName,
			MinVersion:         tls.VersionTLS13, // QUIC mandates TLS 1.3
			NextProtos:         []string{doqALPN},
			InsecureSkipVerify: opts.InsecureSkipVerify,
		},
	}, nil
}

// Query sends a DNS query to the DoQ upstream over a dedicated stream.
func (u *DoQUpstream) Query(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	log.Debugf("[%04x] Querying upstream: %s for %s", req.Id, u.Address(), queryInfo(req))

	return u.exchangeWithRetry(ctx, req, u.openStream)
}

// exchangeWithRetry performs one exchange and, when the stream breaks
// mid-flight, retries exactly once on a fresh stream. Timeouts and
// malformed responses are not retried.
func (u *DoQUpstream) exchangeWithRetry(ctx context.Context, req *dns.Msg, open func(context.Context) (quic.Stream, error)) (*dns.Msg, error) {
	stream, err := open(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := u.exchangeOnStream(ctx, stream, req)
	if err == nil || !errors.HasCode(err, errors.ErrCodeConnectionFailed) || ctx.Err() != nil {
		return resp, err
	}

	// The server may have dropped the connection between queries; the
	// retry goes out on a fresh stream over a fresh connection.
	u.resetConn()
	stream, retryErr := open(ctx)
	if retryErr != nil {
		return nil, retryErr
	}
	return u.exchangeOnStream(ctx, stream, req)
}

// openStream returns a fresh bidirectional stream, redialing the QUIC
// connection once when the cached one has gone away.
func (u *DoQUpstream) openStream(ctx context.Context) (quic.Stream, error) {
	conn, err := u.getOrDialConn(ctx)
	if err != nil {
		return nil, errors.ClassifyNetworkError(
			fmt.Sprintf("failed to establish QUIC connection to %s", u.Address()), err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		u.resetConn()
		conn, err = u.getOrDialConn(ctx)
		if err != nil {
			return nil, errors.ClassifyNetworkError(
				fmt.Sprintf("failed to re-establish QUIC connection to %s", u.Address()), err)
		}
		stream, err = conn.OpenStreamSync(ctx)
		if err != nil {
			return nil, errors.ClassifyNetworkError(
				fmt.Sprintf("failed to open QUIC stream to %s", u.Address()), err)
		}
	}
	return stream, nil
}

// exchangeOnStream writes a DNS query to a QUIC stream and reads the response.
// Per RFC 9250 section 4.2, the message carries a 2-byte length prefix and the
// client closes its sending half after writing.
func (u *DoQUpstream) exchangeOnStream(ctx context.Context, stream quic.Stream, req *dns.Msg) (*dns.Msg, error) {
	defer stream.Close()

	if err := u.writeQuery(ctx, stream, req); err != nil {
		return nil, err
	}
	return u.readResponse(ctx, stream, req.Id)
}

func (u *DoQUpstream) writeQuery(ctx context.Context, stream quic.Stream, req *dns.Msg) error {
	if err := stream.SetWriteDeadline(u.deadlineFromCtx(ctx)); err != nil {
		return errors.NewInternalError("failed to set QUIC write deadline", err)
	}

	// The wire ID MUST be 0 over DoQ (RFC 9250 section 4.2.1)
	wire := req.Copy()
	wire.Id = 0
	packed, err := wire.Pack()
	if err != nil {
		return errors.NewInternalError("failed to pack DNS request", err)
	}
	if len(packed) > math.MaxUint16 {
		return errors.NewInternalError(
			fmt.Sprintf("packed DNS message too large (%d bytes)", len(packed)), nil)
	}

	buf := make([]byte, 2+len(packed))
	binary.BigEndian.PutUint16(buf[:2], uint16(len(packed)))
	copy(buf[2:], packed)

	if _, err = stream.Write(buf); err != nil {
		return errors.ClassifyNetworkError(
			fmt.Sprintf("failed to write query to %s", u.Address()), err)
	}

	// The client MUST send a FIN after the query (RFC 9250 section 4.2)
	if err = stream.Close(); err != nil {
		return errors.ClassifyNetworkError(
			fmt.Sprintf("failed to close write half of stream to %s", u.Address()), err)
	}
	return nil
}

func (u *DoQUpstream) readResponse(ctx context.Context, stream quic.Stream, origID uint16) (*dns.Msg, error) {
	if err := stream.SetReadDeadline(u.deadlineFromCtx(ctx)); err != nil {
		return nil, errors.NewInternalError("failed to set QUIC read deadline", err)
	}

	var lenBuf [2]byte
	if _, err := io.ReadFull(stream, lenBuf[:]); err != nil {
		return nil, errors.ClassifyNetworkError(
			fmt.Sprintf("failed to read response length from %s", u.Address()), err)
	}
	respLen := binary.BigEndian.Uint16(lenBuf[:])
	if respLen == 0 || int(respLen) > doqMaxMessageSize {
		return nil, errors.NewMalformedResponseError(
			fmt.Sprintf("invalid response length %d from %s", respLen, u.Address()), nil)
	}

	respBuf := make([]byte, respLen)
	if _, err := io.ReadFull(stream, respBuf); err != nil {
		return nil, errors.ClassifyNetworkError(
			fmt.Sprintf("failed to read response from %s", u.Address()), err)
	}

	resp := new(dns.Msg)
	if err := resp.Unpack(respBuf); err != nil {
		return nil, errors.NewMalformedResponseError(
			fmt.Sprintf("failed to unpack response from %s", u.Address()), err)
	}

	// Restore the caller's transaction ID
	resp.Id = origID
	return resp, nil
}

// deadlineFromCtx returns the earlier of ctx.Deadline() and now+timeout.
func (u *DoQUpstream) deadlineFromCtx(ctx context.Context) time.Time {
	d := time.Now().Add(u.timeout)
	if ctxD, ok := ctx.Deadline(); ok && ctxD.Before(d) {
		return ctxD
	}
	return d
}

// getOrDialConn returns the cached QUIC connection or dials a new one.
func (u *DoQUpstream) getOrDialConn(ctx context.Context) (quic.Connection, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.conn != nil {
		select {
		case <-u.conn.Context().Done():
			// Connection was closed, need to reconnect
			u.conn = nil
		default:
			return u.conn, nil
		}
	}

	conn, err := quic.DialAddr(ctx, u.address, u.tlsConfig.Clone(), &quic.Config{
		MaxIdleTimeout:  doqIdleTimeout,
		KeepAlivePeriod: doqKeepAlivePeriod,
	})
	if err != nil {
		return nil, err
	}

	u.conn = conn
	return conn, nil
}

// resetConn closes the current connection so the next query redials.
func (u *DoQUpstream) resetConn() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn != nil {
		_ = u.conn.CloseWithError(doqInternalError, "connection reset")
		u.conn = nil
	}
}

// Close closes any resources held by the upstream.
func (u *DoQUpstream) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn != nil {
		_ = u.conn.CloseWithError(doqNoError, "client shutdown")
		u.conn = nil
	}
	return nil
}
