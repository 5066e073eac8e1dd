package upstreams

import (
	"bytes"
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/quic-go/quic-go"

	"github.com/feifeigood/swiftlink/internal/errors"
)

// scriptedStream implements quic.Stream in memory so the DoQ exchange
// can be exercised without a live QUIC server.
type scriptedStream struct {
	writeErr error
	readErr  error
	reply    *dns.Msg

	wrote   bytes.Buffer
	pending *bytes.Reader
	closed  bool
}

func (s *scriptedStream) Write(p []byte) (int, error) {
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	return s.wrote.Write(p)
}

func (s *scriptedStream) Read(p []byte) (int, error) {
	if s.readErr != nil {
		return 0, s.readErr
	}
	if s.pending == nil {
		if s.reply == nil {
			return 0, io.EOF
		}
		packed, err := s.reply.Pack()
		if err != nil {
			return 0, err
		}
		buf := make([]byte, 2+len(packed))
		buf[0] = byte(len(packed) >> 8)
		buf[1] = byte(len(packed))
		copy(buf[2:], packed)
		s.pending = bytes.NewReader(buf)
	}
	return s.pending.Read(p)
}

func (s *scriptedStream) Close() error                     { s.closed = true; return nil }
func (s *scriptedStream) StreamID() quic.StreamID          { return 0 }
func (s *scriptedStream) CancelRead(quic.StreamErrorCode)  {}
func (s *scriptedStream) CancelWrite(quic.StreamErrorCode) {}
func (s *scriptedStream) Context() context.Context         { return context.Background() }
func (s *scriptedStream) SetReadDeadline(time.Time) error  { return nil }
func (s *scriptedStream) SetWriteDeadline(time.Time) error { return nil }
func (s *scriptedStream) SetDeadline(time.Time) error      { return nil }

func newTestDoQUpstream(t *testing.T) *DoQUpstream {
	t.Helper()
	u, err := NewDoQUpstream("dns.example.com", Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("NewDoQUpstream failed: %v", err)
	}
	return u
}

func scriptedOpener(streams ...*scriptedStream) (func(context.Context) (quic.Stream, error), *int) {
	opened := 0
	return func(context.Context) (quic.Stream, error) {
		if opened >= len(streams) {
			return nil, io.ErrClosedPipe
		}
		s := streams[opened]
		opened++
		return s, nil
	}, &opened
}

func TestDoQUpstream_RetriesBrokenStreamOnce(t *testing.T) {
	u := newTestDoQUpstream(t)
	req := testQuery()

	reply := new(dns.Msg)
	reply.SetReply(req)
	reply.Id = 0

	broken := &scriptedStream{writeErr: io.ErrClosedPipe}
	healthy := &scriptedStream{reply: reply}
	open, opened := scriptedOpener(broken, healthy)

	resp, err := u.exchangeWithRetry(context.Background(), req, open)
	if err != nil {
		t.Fatalf("Expected retry on fresh stream to succeed, got %v", err)
	}
	if *opened != 2 {
		t.Errorf("Expected 2 streams opened, got %d", *opened)
	}
	if resp.Id != req.Id {
		t.Errorf("Expected transaction ID %04x restored, got %04x", req.Id, resp.Id)
	}
	if !healthy.closed {
		t.Error("Expected the retry stream to be closed after the exchange")
	}
}

func TestDoQUpstream_GivesUpAfterSecondStreamFailure(t *testing.T) {
	u := newTestDoQUpstream(t)

	open, opened := scriptedOpener(
		&scriptedStream{readErr: io.ErrClosedPipe},
		&scriptedStream{readErr: io.ErrClosedPipe},
	)

	_, err := u.exchangeWithRetry(context.Background(), testQuery(), open)
	if err == nil {
		t.Fatal("Expected error when both streams fail")
	}
	if !errors.HasCode(err, errors.ErrCodeConnectionFailed) {
		t.Errorf("Expected connection error, got %v", err)
	}
	if *opened != 2 {
		t.Errorf("Expected exactly 2 streams opened, got %d", *opened)
	}
}

func TestDoQUpstream_NoRetryOnTimeout(t *testing.T) {
	u := newTestDoQUpstream(t)

	open, opened := scriptedOpener(
		&scriptedStream{readErr: os.ErrDeadlineExceeded},
		&scriptedStream{},
	)

	_, err := u.exchangeWithRetry(context.Background(), testQuery(), open)
	if err == nil {
		t.Fatal("Expected timeout error")
	}
	if !errors.HasCode(err, errors.ErrCodeTimeout) {
		t.Errorf("Expected timeout error, got %v", err)
	}
	if *opened != 1 {
		t.Errorf("Expected no retry after a timeout, got %d streams", *opened)
	}
}

func TestDoQUpstream_QueryWireFormat(t *testing.T) {
	u := newTestDoQUpstream(t)
	req := testQuery()
	req.Id = 0xabcd

	reply := new(dns.Msg)
	reply.SetReply(req)
	reply.Id = 0

	stream := &scriptedStream{reply: reply}
	open, _ := scriptedOpener(stream)

	resp, err := u.exchangeWithRetry(context.Background(), req, open)
	if err != nil {
		t.Fatalf("exchange failed: %v", err)
	}

	// The message on the wire carries a 2-byte length prefix and ID 0
	wire := stream.wrote.Bytes()
	if len(wire) < 4 {
		t.Fatalf("Wire message too short: %d bytes", len(wire))
	}
	prefixed := int(wire[0])<<8 | int(wire[1])
	if prefixed != len(wire)-2 {
		t.Errorf("Expected length prefix %d, got %d", len(wire)-2, prefixed)
	}
	if wire[2] != 0 || wire[3] != 0 {
		t.Errorf("Expected wire ID 0, got %02x%02x", wire[2], wire[3])
	}
	if resp.Id != 0xabcd {
		t.Errorf("Expected original ID restored, got %04x", resp.Id)
	}
}
