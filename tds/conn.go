package tds

import (
	"context"
	"encoding/binary"
	"errors"
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

// EncryptMode is the client's TLS policy for the pre-login encryption
// negotiation.
type EncryptMode uint8

const (
	// EncryptDisable never upgrades, and fails if the server demands
	// encryption.
	EncryptDisable EncryptMode = iota
	// EncryptPrefer upgrades when the server offers encryption and falls
	// back to cleartext when it does not.
	EncryptPrefer
	// EncryptRequire fails the connection attempt unless TLS is
	// negotiated.
	EncryptRequire
)

// Config holds everything needed to dial and authenticate a connection.
// Domain non-empty selects NTLM over SQL authentication.
type Config struct {
	Host            string
	Port            int
	Database        string
	Username        string
	Password        string
	Domain          string
	Encrypt         EncryptMode
	TrustServerCert bool
	ConnectTimeout  time.Duration
	QueryTimeout    time.Duration
	ReadOnly        bool
	AppName         string
	Logger          *slog.Logger
}

// Conn is a single SQL Server connection. Only one request may be in
// flight at a time; Conn serializes callers with an internal mutex.
type Conn struct {
	cfg    Config
	log    *slog.Logger
	pc     *packetConn
	q      *asyncio.Queue[tdsMessage]
	mu     sync.Mutex
	state  value.ConnState
	txOpen bool
}

// tdsMessage is one reassembled TDS message as pulled off the inbound
// queue.
type tdsMessage struct {
	typ     byte
	payload []byte
}

const defaultPort = 1433

// Connect dials the server and runs the full connection sequence:
// pre-login negotiation, optional intra-TDS TLS upgrade, then Login7 (SQL
// auth) or the three-message NTLM exchange. ConnectTimeout bounds the
// whole sequence end to end.
func Connect(ctx context.Context, cfg Config) (*Conn, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	var dialer net.Dialer
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, dberr.Connection("tds: dial", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = raw.SetDeadline(deadline)
	}

	c := &Conn{cfg: cfg, log: cfg.Logger, pc: newPacketConn(raw), state: value.StateConnecting}

	if err := c.prelogin(ctx); err != nil {
		raw.Close()
		return nil, err
	}

	c.state = value.StateAuthenticating
	c.startQueue(ctx)
	if err := c.login(ctx); err != nil {
		c.q.Close()
		raw.Close()
		return nil, err
	}

	_ = raw.SetDeadline(time.Time{})
	c.state = value.StateReady
	c.log.Debug("tds: connected", "host", cfg.Host, "database", cfg.Database)
	return c, nil
}

// prelogin exchanges the pre-login token streams and, depending on the
// negotiated encryption, runs the intra-TDS TLS handshake.
func (c *Conn) prelogin(ctx context.Context) error {
	want := EncryptOff
	switch c.cfg.Encrypt {
	case EncryptDisable:
		want = EncryptNotSup
	case EncryptRequire:
		want = EncryptOn
	}
	if err := c.pc.writePacket(pktPrelogin, buildPreloginRequest(want)); err != nil {
		return err
	}
	typ, payload, err := c.pc.readMessage()
	if err != nil {
		return err
	}
	if typ != pktTabularResult && typ != pktPrelogin {
		return dberr.Protocol("tds: unexpected prelogin response packet type")
	}
	resp, err := parsePreloginResponse(payload)
	if err != nil {
		return err
	}

	serverWants := resp.encryption == EncryptOn || resp.encryption == EncryptReq
	switch {
	case c.cfg.Encrypt == EncryptRequire && !serverWants:
		return dberr.Tls("tds: server declined encryption but Encrypt=Require was configured", nil)
	case c.cfg.Encrypt == EncryptDisable && resp.encryption == EncryptReq:
		return dberr.Tls("tds: server requires encryption but Encrypt=Disable was configured", nil)
	case c.cfg.Encrypt != EncryptDisable && serverWants:
		return c.pc.upgradeToTLS(ctx, c.cfg.Host, c.cfg.TrustServerCert)
	default:
		return nil
	}
}

// startQueue attaches the inbound message queue: one pump goroutine
// reassembling TDS messages off the socket, consumed in lockstep by
// whichever request is in flight. The queue is started only after the
// pre-login/TLS phase because that phase reads raw and TLS-wrapped frames
// that never reach the message layer.
func (c *Conn) startQueue(ctx context.Context) {
	c.q = asyncio.NewQueue(context.WithoutCancel(ctx), 1, func() (tdsMessage, error) {
		typ, payload, err := c.pc.readMessage()
		return tdsMessage{typ: typ, payload: payload}, err
	})
}

func (c *Conn) nextMessage(ctx context.Context) (tdsMessage, error) {
	msg, err := c.q.Next(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
			c.poison()
			return tdsMessage{}, dberr.Timeout("tds: waiting for server response")
		}
		if de := (*dberr.Error)(nil); errors.As(err, &de) {
			return tdsMessage{}, err
		}
		return tdsMessage{}, dberr.Connection("tds: read response message", err)
	}
	return msg, nil
}

// login runs SQL authentication (single Login7 round trip) or, when a
// domain is configured, the NTLM negotiate/challenge/authenticate
// exchange.
func (c *Conn) login(ctx context.Context) error {
	hostname, _ := os.Hostname()
	p := loginParams{
		hostname:   hostname,
		username:   c.cfg.Username,
		password:   c.cfg.Password,
		appName:    c.cfg.AppName,
		serverName: c.cfg.Host,
		database:   c.cfg.Database,
		readOnly:   c.cfg.ReadOnly,
		domain:     c.cfg.Domain,
	}
	if p.appName == "" {
		p.appName = "sqlnative"
	}
	if c.cfg.Domain != "" {
		p.sspiResponse = buildNTLMNegotiate()
	}
	if err := c.pc.writePacket(pktLogin7, buildLogin7(p)); err != nil {
		return err
	}

	msg, err := c.nextMessage(ctx)
	if err != nil {
		return err
	}

	if c.cfg.Domain != "" {
		challengeToken, ok, err := extractSSPIToken(msg.payload)
		if err != nil {
			return err
		}
		if ok {
			challenge, err := parseNTLMChallenge(challengeToken)
			if err != nil {
				return err
			}
			auth, err := buildNTLMAuthenticate(c.cfg.Domain, c.cfg.Username, c.cfg.Password, challenge)
			if err != nil {
				return err
			}
			if err := c.pc.writePacket(pktSSPI, auth); err != nil {
				return err
			}
			msg, err = c.nextMessage(ctx)
			if err != nil {
				return err
			}
		}
	}

	if _, err := readTabularResult(msg.payload); err != nil {
		var de *dberr.Error
		if errors.As(err, &de) && de.Kind == dberr.KindServerError {
			return dberr.AuthenticationFailed("tds: login rejected: " + de.Message)
		}
		return err
	}
	return nil
}

// extractSSPIToken returns the payload of a leading SSPI token (0xED) in a
// login response, if present.
func extractSSPIToken(payload []byte) ([]byte, bool, error) {
	if len(payload) == 0 || payload[0] != 0xED {
		return nil, false, nil
	}
	if len(payload) < 3 {
		return nil, false, dberr.Protocol("tds: truncated SSPI token")
	}
	n := int(binary.LittleEndian.Uint16(payload[1:3]))
	if 3+n > len(payload) {
		return nil, false, dberr.Protocol("tds: SSPI token shorter than declared length")
	}
	return payload[3 : 3+n], true, nil
}

func (c *Conn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != value.StateClosed
}

func (c *Conn) Ping(ctx context.Context) error {
	_, err := c.Query(ctx, "SELECT 1", nil)
	return err
}

// Close is idempotent. It takes the connection mutex, so it waits for an
// in-flight request to finish before closing the socket.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Conn) closeLocked() error {
	if c.state == value.StateClosed {
		return nil
	}
	c.state = value.StateClosed
	c.txOpen = false
	if c.q != nil {
		c.q.Close()
	}
	return c.pc.raw.Close()
}

// poison closes the connection from inside a request path, e.g. on a
// response timeout, leaving the wire in an unknown state that a pool must
// not reuse.
func (c *Conn) poison() {
	if c.state == value.StateClosed {
		return
	}
	c.state = value.StateClosed
	c.txOpen = false
	if c.q != nil {
		c.q.Close()
	}
	_ = c.pc.raw.Close()
}

// roundTrip sends one request message and reads the tabular result it
// produces, applying the configured query timeout and the error
// propagation policy: connection-fatal errors close the connection before
// returning, server errors leave it open and ready.
func (c *Conn) roundTrip(ctx context.Context, pktType byte, payload []byte) (value.ResultBatch, error) {
	if c.state == value.StateClosed {
		return value.ResultBatch{}, dberr.ConnectionClosed("tds: connection is closed")
	}
	if c.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.QueryTimeout)
		defer cancel()
	}

	c.state = value.StateBusy
	defer func() {
		if c.state == value.StateBusy {
			c.state = value.StateReady
		}
	}()

	if err := c.pc.writePacket(pktType, payload); err != nil {
		c.poison()
		return value.ResultBatch{}, err
	}
	msg, err := c.nextMessage(ctx)
	if err != nil {
		c.poison()
		return value.ResultBatch{}, err
	}
	if msg.typ != pktTabularResult {
		c.poison()
		return value.ResultBatch{}, dberr.Protocol("tds: expected tabular result message")
	}
	batch, err := readTabularResult(msg.payload)
	if err != nil {
		var de *dberr.Error
		if errors.As(err, &de) && de.Kind.Fatal() {
			c.poison()
		}
		return batch, err
	}
	return batch, nil
}

// Query executes sql. With no parameters it is sent as a SQL batch; with
// parameters it is routed through sp_executesql so the server receives
// typed binary values rather than inline literals.
func (c *Conn) Query(ctx context.Context, sql string, params []value.SqlParameter) (value.ResultBatch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(params) == 0 {
		return c.roundTrip(ctx, pktSQLBatch, buildSQLBatch(sql))
	}
	payload, err := buildExecuteSQLRPC(sql, params)
	if err != nil {
		return value.ResultBatch{}, err
	}
	return c.roundTrip(ctx, pktRPC, payload)
}

// QueryMulti executes a batch that may produce several result sets and
// returns them in server order.
func (c *Conn) QueryMulti(ctx context.Context, sql string) ([][]value.SqlRow, error) {
	batch, err := c.Query(ctx, sql, nil)
	if err != nil {
		return nil, err
	}
	return batch.Sets, nil
}

// Execute runs a statement and returns the rows-affected count.
func (c *Conn) Execute(ctx context.Context, sql string, params []value.SqlParameter) (int64, error) {
	batch, err := c.Query(ctx, sql, params)
	if err != nil {
		return 0, err
	}
	return batch.RowsAffected, nil
}

// CallProcedure invokes a named stored procedure over RPC. Output
// parameters (value.OutParam) come back in the batch's OutputParams map;
// the procedure's RETURN code is in ReturnStatus.
func (c *Conn) CallProcedure(ctx context.Context, name string, params []value.SqlParameter) (value.ResultBatch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	payload, err := buildNamedProcRPC(name, params)
	if err != nil {
		return value.ResultBatch{}, err
	}
	return c.roundTrip(ctx, pktRPC, payload)
}

// Begin opens a transaction. Transactions do not nest: a second Begin on
// the same connection is rejected.
func (c *Conn) Begin(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.txOpen {
		return dberr.Unsupported("tds: a transaction is already open on this connection")
	}
	if _, err := c.roundTrip(ctx, pktSQLBatch, buildSQLBatch("BEGIN TRANSACTION")); err != nil {
		return err
	}
	c.txOpen = true
	return nil
}

func (c *Conn) Commit(ctx context.Context) error {
	return c.endTx(ctx, "COMMIT TRANSACTION")
}

func (c *Conn) Rollback(ctx context.Context) error {
	return c.endTx(ctx, "ROLLBACK TRANSACTION")
}

func (c *Conn) endTx(ctx context.Context, sql string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.txOpen {
		return dberr.Unsupported("tds: no transaction is open on this connection")
	}
	if _, err := c.roundTrip(ctx, pktSQLBatch, buildSQLBatch(sql)); err != nil {
		return err
	}
	c.txOpen = false
	return nil
}

// InTransaction reports whether an explicit transaction is open.
func (c *Conn) InTransaction() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txOpen
}
