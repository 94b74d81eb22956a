// Package postgres implements a client-side PostgreSQL wire protocol v3
// engine: startup, authentication (cleartext, MD5, SCRAM-SHA-256), simple
// query execution, and OID-driven text decoding. Message framing after the
// startup phase is handled by pgproto3.
package postgres

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	pgproto "github.com/jackc/pgproto3/v2"

	"github.com/mickamy/sqlnative/dberr"
	"github.com/mickamy/sqlnative/value"
)

// Config holds everything needed to dial and authenticate a connection.
type Config struct {
	Host                  string
	Port                  int
	Database              string
	Username              string
	Password              string
	TLS                   TLSMode
	TrustServerCert       bool
	ConnectTimeout        time.Duration
	QueryTimeout          time.Duration
	ApplicationName       string
	Logger                *slog.Logger
}

type TLSMode uint8

const (
	TLSDisable TLSMode = iota
	TLSPrefer
	TLSRequire
)

// Notice is a NoticeResponse or informational message surfaced through the
// side channel rather than blocking query execution.
type Notice struct {
	Severity string
	Message  string
	Detail   string
}

// Conn is a single PostgreSQL connection. Only one command may be in
// flight at a time; Conn serializes callers with an internal mutex.
type Conn struct {
	cfg    Config
	log    *slog.Logger
	net    net.Conn
	fe     *pgproto.Frontend
	mu     sync.Mutex
	state  value.ConnState
	txOpen bool
	pid    uint32
	secret uint32

	OnNotice func(Notice)
}

const (
	sslRequestCode    uint32 = 80877103
	authTypeOK        uint32 = 0
	authTypeCleartext uint32 = 3
	authTypeMD5       uint32 = 5
	authTypeSASL      uint32 = 10
	authTypeSASLCont  uint32 = 11
	authTypeSASLFinal uint32 = 12
)

// Connect dials the server, negotiates TLS if requested, sends the startup
// message, completes authentication, and drains the ParameterStatus /
// BackendKeyData messages up to the first ReadyForQuery.
func Connect(ctx context.Context, cfg Config) (*Conn, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, dberr.Connection("postgres: dial", err)
	}
	// The timeout covers the whole TLS + startup + auth sequence, not just
	// the TCP dial.
	if cfg.ConnectTimeout > 0 {
		_ = raw.SetDeadline(time.Now().Add(cfg.ConnectTimeout))
	}

	c := &Conn{cfg: cfg, log: cfg.Logger, net: raw, state: value.StateConnecting}

	if cfg.TLS != TLSDisable {
		tlsConn, err := c.negotiateTLS(raw)
		if err != nil {
			raw.Close()
			return nil, err
		}
		c.net = tlsConn
	}

	c.fe = pgproto.NewFrontend(pgproto.NewChunkReader(c.net), c.net)

	c.state = value.StateAuthenticating
	if err := c.sendStartup(); err != nil {
		c.net.Close()
		return nil, err
	}
	if err := c.authenticate(); err != nil {
		c.net.Close()
		return nil, err
	}
	if err := c.drainToReady(); err != nil {
		c.net.Close()
		return nil, err
	}
	_ = c.net.SetDeadline(time.Time{})
	c.state = value.StateReady
	return c, nil
}

// negotiateTLS sends the raw 8-byte SSLRequest and, on an 'S' reply,
// upgrades the socket; on 'N', it either falls back (TLSPrefer) or fails
// (TLSRequire).
func (c *Conn) negotiateTLS(raw net.Conn) (net.Conn, error) {
	req := make([]byte, 8)
	binary.BigEndian.PutUint32(req[0:4], 8)
	binary.BigEndian.PutUint32(req[4:8], sslRequestCode)
	if _, err := raw.Write(req); err != nil {
		return nil, dberr.Connection("postgres: send sslrequest", err)
	}
	reply := make([]byte, 1)
	if _, err := readFull(raw, reply); err != nil {
		return nil, dberr.Connection("postgres: read sslrequest reply", err)
	}
	if reply[0] == 'N' {
		if c.cfg.TLS == TLSRequire {
			return nil, dberr.Tls("postgres: server declined TLS but Require was configured", nil)
		}
		return raw, nil
	}
	if reply[0] != 'S' {
		return nil, dberr.Protocol(fmt.Sprintf("postgres: unexpected sslrequest reply byte 0x%x", reply[0]))
	}
	tlsCfg := &tls.Config{ServerName: c.cfg.Host, InsecureSkipVerify: c.cfg.TrustServerCert}
	tlsConn := tls.Client(raw, tlsCfg)
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		return nil, dberr.Tls("postgres: tls handshake", err)
	}
	return tlsConn, nil
}

func readFull(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (c *Conn) sendStartup() error {
	params := map[string]string{
		"user":            c.cfg.Username,
		"database":        c.cfg.Database,
		"client_encoding": "UTF8",
	}
	if c.cfg.ApplicationName != "" {
		params["application_name"] = c.cfg.ApplicationName
	}
	startup := &pgproto.StartupMessage{ProtocolVersion: pgproto.ProtocolVersionNumber, Parameters: params}
	buf, err := startup.Encode(nil)
	if err != nil {
		return dberr.Protocol(fmt.Sprintf("postgres: encode startup: %v", err))
	}
	if _, err := c.net.Write(buf); err != nil {
		return dberr.Connection("postgres: write startup", err)
	}
	return nil
}

// authenticate dispatches on the Authentication message's sub-code.
func (c *Conn) authenticate() error {
	msg, err := c.fe.Receive()
	if err != nil {
		return dberr.Connection("postgres: read authentication message", err)
	}
	switch m := msg.(type) {
	case *pgproto.AuthenticationOk:
		return nil
	case *pgproto.AuthenticationCleartextPassword:
		return c.authCleartext()
	case *pgproto.AuthenticationMD5Password:
		return c.authMD5(m.Salt)
	case *pgproto.AuthenticationSASL:
		return c.authSCRAM(m.AuthMechanisms)
	case *pgproto.ErrorResponse:
		return serverErrorFromResponse(m)
	default:
		return dberr.Protocol(fmt.Sprintf("postgres: unexpected message during auth: %T", msg))
	}
}

func (c *Conn) authCleartext() error {
	pw := &pgproto.PasswordMessage{Password: c.cfg.Password}
	if err := c.send(pw); err != nil {
		return err
	}
	return c.expectAuthOK()
}

func (c *Conn) expectAuthOK() error {
	msg, err := c.fe.Receive()
	if err != nil {
		return dberr.Connection("postgres: read auth result", err)
	}
	switch m := msg.(type) {
	case *pgproto.AuthenticationOk:
		return nil
	case *pgproto.ErrorResponse:
		return serverErrorFromResponse(m)
	default:
		return dberr.Protocol(fmt.Sprintf("postgres: unexpected message after password: %T", msg))
	}
}

func (c *Conn) send(msg pgproto.FrontendMessage) error {
	buf, err := msg.Encode(nil)
	if err != nil {
		return dberr.Protocol(fmt.Sprintf("postgres: encode %T: %v", msg, err))
	}
	if _, err := c.net.Write(buf); err != nil {
		return dberr.Connection("postgres: write message", err)
	}
	return nil
}

// drainToReady consumes ParameterStatus/BackendKeyData/NoticeResponse
// messages until ReadyForQuery, per the startup-phase side channel.
func (c *Conn) drainToReady() error {
	for {
		msg, err := c.fe.Receive()
		if err != nil {
			return dberr.Connection("postgres: read startup response", err)
		}
		switch m := msg.(type) {
		case *pgproto.ParameterStatus:
			// no-op; server_version/client_encoding etc. not surfaced yet.
		case *pgproto.BackendKeyData:
			c.pid, c.secret = m.ProcessID, m.SecretKey
		case *pgproto.NoticeResponse:
			c.notify(noticeFromResponse(m))
		case *pgproto.ReadyForQuery:
			return nil
		case *pgproto.ErrorResponse:
			return serverErrorFromResponse(m)
		default:
			return dberr.Protocol(fmt.Sprintf("postgres: unexpected message during startup drain: %T", msg))
		}
	}
}

func (c *Conn) notify(n Notice) {
	if c.OnNotice != nil {
		c.OnNotice(n)
	}
}

func noticeFromResponse(m *pgproto.NoticeResponse) Notice {
	return Notice{Severity: m.Severity, Message: m.Message, Detail: m.Detail}
}

func serverErrorFromResponse(m *pgproto.ErrorResponse) *dberr.Error {
	return dberr.Server(0, m.Code, m.Message)
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
	term := &pgproto.Terminate{}
	_ = c.send(term)
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
	_ = c.net.Close()
}
