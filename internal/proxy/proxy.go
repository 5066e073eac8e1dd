// Package proxy provides stream dialers for reaching upstream DNS
// servers directly or through a SOCKS5 / HTTP CONNECT forward proxy.
package proxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	xproxy "golang.org/x/net/proxy"
)

// Dialer establishes stream connections to upstream servers.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Direct returns a Dialer that connects without any proxy.
func Direct() Dialer {
	return &net.Dialer{Timeout: 10 * time.Second}
}

// FromURL builds a Dialer from a proxy URL. Supported schemes are
// socks5:// and http:// (CONNECT), both with optional user:pass
// userinfo.
func FromURL(rawURL string) (Dialer, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL %q: %v", rawURL, err)
	}

	switch u.Scheme {
	case "socks5":
		var auth *xproxy.Auth
		if u.User != nil {
			password, _ := u.User.Password()
			auth = &xproxy.Auth{
				User:     u.User.Username(),
				Password: password,
			}
		}
		d, err := xproxy.SOCKS5("tcp", u.Host, auth, Direct().(*net.Dialer))
		if err != nil {
			return nil, fmt.Errorf("failed to build SOCKS5 dialer for %s: %v", u.Host, err)
		}
		cd, ok := d.(xproxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("SOCKS5 dialer for %s does not support contexts", u.Host)
		}
		return &socks5Dialer{dialer: cd}, nil

	case "http":
		hd := &httpConnectDialer{proxyAddr: u.Host}
		if u.User != nil {
			password, _ := u.User.Password()
			creds := u.User.Username() + ":" + password
			hd.authHeader = "Basic " + base64.StdEncoding.EncodeToString([]byte(creds))
		}
		return hd, nil
	}

	return nil, fmt.Errorf("unsupported proxy scheme %q (supported: socks5, http)", u.Scheme)
}

type socks5Dialer struct {
	dialer xproxy.ContextDialer
}

func (d *socks5Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	// SOCKS5 only relays streams
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, fmt.Errorf("SOCKS5 proxy does not support network %q", network)
	}
	return d.dialer.DialContext(ctx, network, addr)
}

type httpConnectDialer struct {
	proxyAddr  string
	authHeader string
}

func (d *httpConnectDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, fmt.Errorf("HTTP proxy does not support network %q", network)
	}

	conn, err := Direct().DialContext(ctx, "tcp", d.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to HTTP proxy %s: %v", d.proxyAddr, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if d.authHeader != "" {
		req.Header.Set("Proxy-Authorization", d.authHeader)
	}

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send CONNECT to %s: %v", d.proxyAddr, err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read CONNECT response from %s: %v", d.proxyAddr, err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("HTTP proxy %s refused CONNECT: %s", d.proxyAddr, resp.Status)
	}

	// Clear the handshake deadline; callers manage I/O deadlines
	_ = conn.SetDeadline(time.Time{})

	return conn, nil
}
