// Package transport implements the Transport collaborator (spec.md
// §1 "Transport", §6 "Wire frame on the request/response transport"):
// a TCP request/response exchange framed as `u32_be length || body`,
// negotiating protocol identifier `/pigeon/1`, with a single dial
// carrying exactly one request and one response rather than a
// persistent multiplexed session.
package transport

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/CalebFields/Pigeon/internal/perr"
	"github.com/CalebFields/Pigeon/internal/ports"
)

// ProtocolID is written by the dialing side as a length-prefixed frame
// immediately after connect; the accepting side reads it and closes
// the connection without a response if it does not match (spec.md §6).
const ProtocolID = "/pigeon/1"

const maxFrameSize = 16 << 20 // 16 MiB, generous bound against a hostile peer

// acceptedConnTimeout bounds how long an accepted connection may sit
// idle before its protocol/request frames arrive, so a peer that
// dials and never writes cannot pin a goroutine forever.
const acceptedConnTimeout = 30 * time.Second

// Transport is the concrete ports.Transport implementation.
type Transport struct {
	dialer net.Dialer

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

var _ ports.Transport = (*Transport)(nil)

func New() *Transport { return &Transport{} }

func writeFrame(w io.Writer, body []byte) error {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(body)))
	if _, err := w.Write(length[:]); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	_, err := w.Write(body)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(length[:])
	if n > maxFrameSize {
		return nil, perr.NetworkError("frame exceeds maximum size", nil)
	}
	body := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
	}
	return body, nil
}

func classifyResponse(body []byte) ports.ResponseKind {
	switch string(body) {
	case "NACK":
		return ports.ResponseNACK
	case "REPLAY":
		return ports.ResponseReplay
	default:
		return ports.ResponseACK
	}
}

// Send dials addr, negotiates the protocol identifier, writes request
// as the request body, and returns the peer's classified response.
// ctx bounds the whole attempt including dial (spec.md §4.F step 3,
// "A single connect attempt is bounded by timeout_ms").
func (t *Transport) Send(ctx context.Context, addr string, request []byte) (ports.ResponseKind, error) {
	conn, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, perr.NetworkError("dial failed", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := writeFrame(conn, []byte(ProtocolID)); err != nil {
		return 0, perr.NetworkError("writing protocol identifier", err)
	}
	if err := writeFrame(conn, request); err != nil {
		return 0, perr.NetworkError("writing request", err)
	}
	response, err := readFrame(conn)
	if err != nil {
		return 0, perr.NetworkError("reading response", err)
	}
	return classifyResponse(response), nil
}

// Serve accepts inbound requests on addr until ctx is canceled,
// invoking handler for each request body and writing back handler's
// raw response bytes.
func (t *Transport) Serve(ctx context.Context, addr string, handler func(request []byte) []byte) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return perr.NetworkError("listen failed", err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
		t.closeAcceptedConns()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return perr.NetworkError("accept failed", err)
			}
		}
		t.trackConn(conn)
		go t.handleConn(conn, handler)
	}
}

func (t *Transport) trackConn(conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conns == nil {
		t.conns = make(map[net.Conn]struct{})
	}
	t.conns[conn] = struct{}{}
}

func (t *Transport) untrackConn(conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, conn)
}

// closeAcceptedConns force-closes every connection still being served
// when Serve's context is canceled, so a slow or silent peer cannot
// keep the daemon from shutting down promptly.
func (t *Transport) closeAcceptedConns() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for conn := range t.conns {
		conn.Close()
	}
}

func (t *Transport) handleConn(conn net.Conn, handler func(request []byte) []byte) {
	defer conn.Close()
	defer t.untrackConn(conn)

	_ = conn.SetDeadline(time.Now().Add(acceptedConnTimeout))

	protocolID, err := readFrame(conn)
	if err != nil || string(protocolID) != ProtocolID {
		return
	}
	request, err := readFrame(conn)
	if err != nil {
		return
	}
	response := handler(request)
	_ = writeFrame(conn, response)
}
