// Package mysql implements a client-side MySQL/MariaDB protocol v10 engine:
// handshake parsing, capability negotiation, authentication
// (mysql_native_password and the caching_sha2_password fast path), and the
// COM_QUERY text protocol. Packet framing and the response-state machine
// follow the same shape as a MySQL wire-protocol relay the authors already
// maintain, adapted from relaying bytes to originating them.
package mysql

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/mickamy/sqlnative/asyncio"
	"github.com/mickamy/sqlnative/dberr"
	"github.com/mickamy/sqlnative/value"
)

// MySQL response packet type indicators (first byte of payload).
const (
	iOK  byte = 0x00
	iERR byte = 0xFF
	iEOF byte = 0xFE
)

// MySQL capability flags (CLIENT_*), only the subset this engine needs to
// read or set.
const (
	clientLongPassword     uint32 = 1 << 0
	clientFoundRows        uint32 = 1 << 1
	clientLongFlag         uint32 = 1 << 2
	clientConnectWithDB    uint32 = 1 << 3
	clientProtocol41       uint32 = 1 << 9
	clientSSL              uint32 = 1 << 11
	clientTransactions     uint32 = 1 << 13
	clientSecureConnection uint32 = 1 << 15
	clientMultiStatements  uint32 = 1 << 16
	clientMultiResults     uint32 = 1 << 17
	clientPluginAuth       uint32 = 1 << 19
	clientConnectAttrs     uint32 = 1 << 20
	clientPluginAuthLenEnc uint32 = 1 << 21
	clientDeprecateEOF     uint32 = 1 << 24

	serverMoreResultsExist uint16 = 0x0008
)

// TLSMode is the client's TLS policy for the capability negotiation.
type TLSMode uint8

const (
	TLSDisable TLSMode = iota
	TLSPrefer
	TLSRequire
)

// Config holds everything needed to dial and authenticate a connection.
type Config struct {
	Host           string
	Port           int
	Database       string
	Username       string
	Password       string
	TLS            TLSMode
	InsecureTLS    bool
	ConnectTimeout time.Duration
	QueryTimeout   time.Duration
	Logger         *slog.Logger
}

// Conn is a single MySQL connection. Only one command may be in flight at
// a time; Conn serializes callers with an internal mutex.
type Conn struct {
	cfg    Config
	log    *slog.Logger
	net    net.Conn
	r      *bufio.Reader
	q      *asyncio.Queue[rawPacket]
	mu     sync.Mutex
	state  value.ConnState
	txOpen bool
	seq    byte
	connID uint32

	tlsUpgraded bool
	deprecateEOF bool
}

// rawPacket is one framed MySQL packet as pulled off the inbound queue.
type rawPacket struct {
	seq     byte
	payload []byte
}

// Connect dials the server, parses the HandshakeV10 packet, optionally
// upgrades to TLS, authenticates, and reads the final OK/ERR packet.
func Connect(ctx context.Context, cfg Config) (*Conn, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, dberr.Connection("mysql: dial", err)
	}
	// The timeout covers the whole handshake + TLS + auth sequence, not
	// just the TCP dial.
	if cfg.ConnectTimeout > 0 {
		_ = raw.SetDeadline(time.Now().Add(cfg.ConnectTimeout))
	}

	c := &Conn{cfg: cfg, log: cfg.Logger, net: raw, r: bufio.NewReader(raw), state: value.StateConnecting}

	hs, err := c.readHandshake(ctx)
	if err != nil {
		raw.Close()
		return nil, err
	}

	clientCaps := clientProtocol41 | clientSecureConnection | clientPluginAuth |
		clientMultiStatements | clientMultiResults | clientTransactions | clientLongPassword | clientLongFlag
	if cfg.Database != "" {
		clientCaps |= clientConnectWithDB
	}
	if hs.capabilities&clientDeprecateEOF != 0 {
		clientCaps |= clientDeprecateEOF
		c.deprecateEOF = true
	}

	if cfg.TLS != TLSDisable {
		switch {
		case hs.capabilities&clientSSL == 0 && cfg.TLS == TLSRequire:
			c.net.Close()
			return nil, dberr.Tls("mysql: server does not advertise CLIENT_SSL but Require was configured", nil)
		case hs.capabilities&clientSSL == 0:
			// Prefer: proceed in cleartext.
		default:
			clientCaps |= clientSSL
			if err := c.sendSSLRequest(clientCaps); err != nil {
				c.net.Close()
				return nil, err
			}
			tlsCfg := &tls.Config{ServerName: cfg.Host, InsecureSkipVerify: cfg.InsecureTLS}
			tlsConn := tls.Client(c.net, tlsCfg)
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				c.net.Close()
				return nil, dberr.Tls("mysql: tls handshake", err)
			}
			c.net = tlsConn
			c.r = bufio.NewReader(tlsConn)
			c.tlsUpgraded = true
		}
	}

	c.state = value.StateAuthenticating
	c.startQueue(ctx)
	if err := c.authenticate(ctx, hs, clientCaps); err != nil {
		c.q.Close()
		c.net.Close()
		return nil, err
	}

	_ = c.net.SetDeadline(time.Time{})
	c.connID = hs.connectionID
	c.state = value.StateReady
	c.log.Debug("mysql: connected", "host", cfg.Host, "database", cfg.Database, "connection_id", c.connID)
	return c, nil
}

func (c *Conn) IsOpen() bool { return c.state != value.StateClosed }

func (c *Conn) Ping(ctx context.Context) error {
	_, err := c.Query(ctx, "SELECT 1", nil)
	return err
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == value.StateClosed {
		return nil
	}
	c.state = value.StateClosed
	c.txOpen = false
	c.seq = 0
	_ = c.writePacket([]byte{0x01}) // COM_QUIT
	if c.q != nil {
		c.q.Close()
	}
	return c.net.Close()
}

// poison closes the connection from inside a request path, leaving the
// wire in an unknown state that a pool must not reuse. Callers hold mu.
func (c *Conn) poison() {
	if c.state == value.StateClosed {
		return
	}
	c.state = value.StateClosed
	c.txOpen = false
	if c.q != nil {
		c.q.Close()
	}
	_ = c.net.Close()
}

// ---- packet I/O ----

// readPacketRaw frames one packet directly off the socket. It does not
// touch c.seq; the consumer does, so the pump goroutine owns no shared
// state.
func (c *Conn) readPacketRaw() (rawPacket, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return rawPacket{}, fmt.Errorf("mysql: read packet header: %w", err)
	}
	payloadLen := int(hdr[0]) | int(hdr[1])<<8 | int(hdr[2])<<16
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(c.r, payload); err != nil {
			return rawPacket{}, fmt.Errorf("mysql: read packet payload: %w", err)
		}
	}
	return rawPacket{seq: hdr[3], payload: payload}, nil
}

// startQueue attaches the inbound packet queue: one pump goroutine framing
// packets off the socket, consumed in lockstep by whichever command is in
// flight. It is started only after the handshake's TLS stage so that the
// pump never sees raw TLS handshake records.
func (c *Conn) startQueue(ctx context.Context) {
	c.q = asyncio.NewQueue(context.WithoutCancel(ctx), 1, c.readPacketRaw)
}

// readPacket returns the next packet, honoring ctx for cancellation and
// deadlines once the inbound queue is attached. A deadline expiry poisons
// the connection: the response stream is in an unknown state.
func (c *Conn) readPacket(ctx context.Context) ([]byte, error) {
	var pkt rawPacket
	var err error
	if c.q != nil {
		pkt, err = c.q.Next(ctx)
	} else {
		pkt, err = c.readPacketRaw()
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
			c.poison()
			return nil, dberr.Timeout("mysql: waiting for server response")
		}
		return nil, err
	}
	c.seq = pkt.seq + 1
	return pkt.payload, nil
}

// connErr wraps a transport-level read failure unless err already carries
// a dberr kind that must not be masked.
func connErr(msg string, err error) error {
	var de *dberr.Error
	if errors.As(err, &de) {
		return err
	}
	return dberr.Connection(msg, err)
}

func (c *Conn) writePacket(payload []byte) error {
	hdr := []byte{
		byte(len(payload)),
		byte(len(payload) >> 8),
		byte(len(payload) >> 16),
		c.seq,
	}
	c.seq++
	if _, err := c.net.Write(hdr); err != nil {
		return fmt.Errorf("mysql: write packet header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := c.net.Write(payload); err != nil {
			return fmt.Errorf("mysql: write packet payload: %w", err)
		}
	}
	return nil
}
