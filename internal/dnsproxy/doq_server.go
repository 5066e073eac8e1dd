package dnsproxy

import (
	"encoding/binary"
	"io"
	"time"

	"github.com/miekg/dns"
	"github.com/quic-go/quic-go"

	"github.com/feifeigood/swiftlink/internal/config"
	"github.com/feifeigood/swiftlink/internal/log"
)

const (
	doqServerIdleTimeout = 30 * time.Second

	// doqBadStream is the application error used to reset streams
	// carrying malformed data, per RFC 9250.
	doqBadStream = quic.StreamErrorCode(0x2)
)

// startDoQListener serves DNS-over-QUIC per RFC 9250: one query per
// bidirectional stream, 2-byte length prefix, message ID 0 on the wire.
func (s *Server) startDoQListener(ln *config.ListenerConfig) error {
	tlsConfig, err := serverTLSConfig(ln.CertFile, ln.KeyFile, "doq")
	if err != nil {
		return err
	}

	listener, err := quic.ListenAddr(ln.Listen, tlsConfig, &quic.Config{
		MaxIdleTimeout: doqServerIdleTimeout,
	})
	if err != nil {
		return err
	}
	s.quicLn = listener

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := listener.Accept(s.ctx)
			if err != nil {
				if s.ctx.Err() != nil {
					return
				}
				log.Debugf("DoQ accept error: %v", err)
				return
			}
			go s.handleDoQConnection(conn)
		}
	}()

	log.Infof("DNS server listening on %s (quic)", ln.Listen)
	return nil
}

func (s *Server) handleDoQConnection(conn quic.Connection) {
	for {
		stream, err := conn.AcceptStream(s.ctx)
		if err != nil {
			return
		}
		go s.handleDoQStream(stream)
	}
}

// handleDoQStream serves one query. Malformed framing resets the
// stream instead of answering.
func (s *Server) handleDoQStream(stream quic.Stream) {
	defer stream.Close()

	lenBuf := make([]byte, 2)
	if _, err := io.ReadFull(stream, lenBuf); err != nil {
		stream.CancelRead(doqBadStream)
		return
	}

	msgBuf := make([]byte, binary.BigEndian.Uint16(lenBuf))
	if _, err := io.ReadFull(stream, msgBuf); err != nil {
		stream.CancelRead(doqBadStream)
		return
	}

	req := new(dns.Msg)
	if err := req.Unpack(msgBuf); err != nil {
		stream.CancelRead(doqBadStream)
		return
	}

	resp := s.router.Handle(s.ctx, req)
	resp.Id = 0

	packed, err := resp.Pack()
	if err != nil {
		log.Debugf("failed to pack DoQ response: %v", err)
		return
	}

	out := make([]byte, 2+len(packed))
	binary.BigEndian.PutUint16(out, uint16(len(packed)))
	copy(out[2:], packed)
	if _, err := stream.Write(out); err != nil {
		log.Debugf("DoQ stream write error: %v", err)
	}
}
