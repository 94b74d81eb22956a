// Package tds implements a client-side TDS 7.4 engine (SQL Server wire
// protocol): pre-login negotiation, intra-protocol TLS, Login7 and NTLM
// authentication, SQL-batch and RPC request framing, tabular-result token
// decoding with PLP reassembly, and a FOR JSON chunk assembler. Packet
// header layout and RPC/parameter encoding are grounded in the protocol's
// published fixtures; the packet/message split mirrors the same
// io.ReadFull-based framing every wire-protocol engine in this module uses.
package tds

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"sync/atomic"

	"github.com/mickamy/sqlnative/dberr"
)

// Packet types (the first byte of the 8-byte packet header).
const (
	pktSQLBatch     byte = 0x01
	pktRPC          byte = 0x03
	pktTabularResult byte = 0x04
	pktAttention    byte = 0x06
	pktBulkLoad     byte = 0x07
	pktTransaction  byte = 0x0E
	pktLogin7       byte = 0x10
	pktSSPI         byte = 0x11
	pktPrelogin     byte = 0x12
)

// Packet status bits (second byte of the header).
const (
	statusNormal   byte = 0x00
	statusEOM      byte = 0x01 // end of message
	statusIgnore   byte = 0x02
	statusResetConn byte = 0x08
)

const defaultPacketSize = 4096

// packetConn owns the raw socket (or TLS-wrapped socket during the
// handshake pipeline stage, see tlsWrap) and implements packet-level and
// message-level framing.
type packetConn struct {
	raw     net.Conn
	rw      io.ReadWriter // raw during prelogin TLS wrap stage, raw/tls otherwise
	r       *bufio.Reader
	seq     atomic.Uint32
	pktSize int

	// preloginTLS is non-nil only during the intra-TDS TLS handshake: it
	// wraps outbound TLS records in synthetic pre-login packet headers and
	// strips inbound packet headers before handing records to the TLS
	// stack. See tls.go.
	preloginTLS *preloginTLSPipe
}

func newPacketConn(raw net.Conn) *packetConn {
	pc := &packetConn{raw: raw, rw: raw, pktSize: defaultPacketSize}
	pc.r = bufio.NewReader(raw)
	pc.seq.Store(1)
	return pc
}

// writePacket frames payload as a single (or, if it exceeds the negotiated
// packet size, a chunked) outbound TDS message of the given type. The last
// packet of a message carries the EOM status bit.
func (pc *packetConn) writePacket(typ byte, payload []byte) error {
	const headerSize = 8
	maxChunk := pc.pktSize - headerSize
	if maxChunk <= 0 {
		maxChunk = defaultPacketSize - headerSize
	}
	if len(payload) == 0 {
		return pc.writeOneChunk(typ, statusEOM, nil)
	}
	for off := 0; off < len(payload); off += maxChunk {
		end := off + maxChunk
		if end > len(payload) {
			end = len(payload)
		}
		status := statusNormal
		if end == len(payload) {
			status = statusEOM
		}
		if err := pc.writeOneChunk(typ, status, payload[off:end]); err != nil {
			return err
		}
	}
	return nil
}

func (pc *packetConn) writeOneChunk(typ, status byte, chunk []byte) error {
	header := make([]byte, 8, 8+len(chunk))
	header[0] = typ
	header[1] = status
	binary.BigEndian.PutUint16(header[2:4], uint16(8+len(chunk)))
	// header[4:6] SPID is client-origin, always zero.
	header[6] = byte(pc.seq.Add(1) - 1)
	header[7] = 0
	header = append(header, chunk...)
	_, err := pc.rw.Write(header)
	if err != nil {
		return dberr.Connection("tds: write packet", err)
	}
	return nil
}

// readMessage reassembles packets of the same type into one logical
// message, per the TDS packet/message split: packets repeat the same type
// byte until one carries the EOM status bit.
func (pc *packetConn) readMessage() (typ byte, payload []byte, err error) {
	var buf bytes.Buffer
	first := true
	for {
		t, status, chunk, err := pc.readOnePacket()
		if err != nil {
			return 0, nil, err
		}
		if first {
			typ = t
			first = false
		} else if t != typ {
			return 0, nil, dberr.Protocol("tds: packet type changed mid-message")
		}
		buf.Write(chunk)
		if status&statusEOM != 0 {
			return typ, buf.Bytes(), nil
		}
	}
}

func (pc *packetConn) readOnePacket() (typ, status byte, payload []byte, err error) {
	var header [8]byte
	if _, err := io.ReadFull(pc.r, header[:]); err != nil {
		return 0, 0, nil, dberr.Connection("tds: read packet header", err)
	}
	typ = header[0]
	status = header[1]
	length := binary.BigEndian.Uint16(header[2:4])
	if length < 8 {
		return 0, 0, nil, dberr.Protocol("tds: packet length smaller than header")
	}
	payload = make([]byte, length-8)
	if len(payload) > 0 {
		if _, err := io.ReadFull(pc.r, payload); err != nil {
			return 0, 0, nil, dberr.Connection("tds: read packet payload", err)
		}
	}
	return typ, status, payload, nil
}

func (pc *packetConn) resetReader() {
	pc.r = bufio.NewReader(pc.rw)
}
