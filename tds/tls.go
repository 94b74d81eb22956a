package tds

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/mickamy/sqlnative/dberr"
)

// preloginTLSPipe is the two-stage pipeline the intra-TDS TLS handshake
// runs over: while active, every outbound TLS record is wrapped in a
// synthetic pre-login packet header and every inbound pre-login packet
// header is stripped before the record reaches the TLS stack; once the
// handshake completes, active flips off and the pipe becomes a plain
// pass-through so subsequent TDS packets travel as ordinary TLS
// application data instead of being double-wrapped.
type preloginTLSPipe struct {
	raw    net.Conn
	r      *bufio.Reader
	active atomic.Bool
	pktSeq atomic.Uint32

	pending []byte // unconsumed bytes from the current inbound packet
}

func newPreloginTLSPipe(raw net.Conn) *preloginTLSPipe {
	p := &preloginTLSPipe{raw: raw}
	p.r = bufio.NewReader(raw)
	p.active.Store(true)
	p.pktSeq.Store(1)
	return p
}

func (p *preloginTLSPipe) deactivate() { p.active.Store(false) }

func (p *preloginTLSPipe) Write(b []byte) (int, error) {
	if !p.active.Load() {
		return p.raw.Write(b)
	}
	header := make([]byte, 8, 8+len(b))
	header[0] = pktPrelogin
	header[1] = statusEOM
	binary.BigEndian.PutUint16(header[2:4], uint16(8+len(b)))
	header[6] = byte(p.pktSeq.Add(1) - 1)
	header = append(header, b...)
	if _, err := p.raw.Write(header); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (p *preloginTLSPipe) Read(b []byte) (int, error) {
	if !p.active.Load() {
		return p.r.Read(b)
	}
	for len(p.pending) == 0 {
		var header [8]byte
		if _, err := io.ReadFull(p.r, header[:]); err != nil {
			return 0, err
		}
		length := binary.BigEndian.Uint16(header[2:4])
		if length < 8 {
			return 0, dberr.Protocol("tds: prelogin tls frame shorter than header")
		}
		payload := make([]byte, length-8)
		if len(payload) > 0 {
			if _, err := io.ReadFull(p.r, payload); err != nil {
				return 0, err
			}
		}
		p.pending = payload
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *preloginTLSPipe) Close() error                       { return p.raw.Close() }
func (p *preloginTLSPipe) LocalAddr() net.Addr                { return p.raw.LocalAddr() }
func (p *preloginTLSPipe) RemoteAddr() net.Addr               { return p.raw.RemoteAddr() }
func (p *preloginTLSPipe) SetDeadline(t time.Time) error      { return p.raw.SetDeadline(t) }
func (p *preloginTLSPipe) SetReadDeadline(t time.Time) error  { return p.raw.SetReadDeadline(t) }
func (p *preloginTLSPipe) SetWriteDeadline(t time.Time) error { return p.raw.SetWriteDeadline(t) }

// upgradeToTLS runs the TLS handshake wrapped in pre-login packets, then
// deactivates the wrapping and rebases pc on the resulting tls.Conn so
// that all further packet I/O is ordinary TLS application data.
func (pc *packetConn) upgradeToTLS(ctx context.Context, serverName string, insecureSkipVerify bool) error {
	pipe := newPreloginTLSPipe(pc.raw)
	cfg := &tls.Config{ServerName: serverName, InsecureSkipVerify: insecureSkipVerify}
	tlsConn := tls.Client(pipe, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return dberr.Tls("tds: tls handshake", err)
	}
	pipe.deactivate()
	pc.rw = tlsConn
	pc.resetReader()
	return nil
}
