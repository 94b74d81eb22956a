package tds

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/mickamy/sqlnative/dberr"
	"github.com/mickamy/sqlnative/frame"
	"github.com/mickamy/sqlnative/value"
)

// newTestConn wires a Conn to an in-memory pipe, skipping the
// prelogin/login phases so tests can script the post-login exchange
// directly.
func newTestConn(t *testing.T, cfg Config) (*Conn, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	c := &Conn{cfg: cfg, log: slog.Default(), pc: newPacketConn(client), state: value.StateReady}
	c.startQueue(context.Background())
	t.Cleanup(func() {
		c.Close()
		server.Close()
	})
	return c, server
}

// readRequestMessage drains one full client message (packets until EOM)
// from the scripted server's side of the pipe.
func readRequestMessage(t *testing.T, server net.Conn) (typ byte, payload []byte) {
	t.Helper()
	var buf bytes.Buffer
	for {
		var header [8]byte
		if _, err := io.ReadFull(server, header[:]); err != nil {
			t.Fatalf("server read header: %v", err)
		}
		typ = header[0]
		length := binary.BigEndian.Uint16(header[2:4])
		chunk := make([]byte, length-8)
		if _, err := io.ReadFull(server, chunk); err != nil {
			t.Fatalf("server read payload: %v", err)
		}
		buf.Write(chunk)
		if header[1]&statusEOM != 0 {
			return typ, buf.Bytes()
		}
	}
}

func writeResponseMessage(t *testing.T, server net.Conn, tokens []byte) {
	t.Helper()
	header := make([]byte, 8)
	header[0] = pktTabularResult
	header[1] = statusEOM
	binary.BigEndian.PutUint16(header[2:4], uint16(8+len(tokens)))
	header[6] = 1
	if _, err := server.Write(append(header, tokens...)); err != nil {
		t.Fatalf("server write response: %v", err)
	}
}

func TestConnQueryRoundTrip(t *testing.T) {
	t.Parallel()
	c, server := newTestConn(t, Config{})

	go func() {
		typ, _ := readRequestMessage(t, server)
		if typ != pktSQLBatch {
			t.Errorf("request type = %#x, want SQL batch", typ)
		}
		var tokens bytes.Buffer
		appendInt4ColMetaData(&tokens, "x")
		appendInt4Row(&tokens, 1)
		appendDone(&tokens, tokenDone, doneCount, 1)
		writeResponseMessage(t, server, tokens.Bytes())
	}()

	batch, err := c.Query(context.Background(), "SELECT 1 AS x", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch.Sets) != 1 || len(batch.Sets[0]) != 1 {
		t.Fatalf("sets = %+v", batch.Sets)
	}
	if n, ok := batch.Sets[0][0].GetByName("x").AsInt64(); !ok || n != 1 {
		t.Fatalf("x = %+v", batch.Sets[0][0].GetByName("x"))
	}
	if !c.IsOpen() {
		t.Fatalf("connection must stay open after a successful query")
	}
}

func TestConnQueryWithParametersUsesRPC(t *testing.T) {
	t.Parallel()
	c, server := newTestConn(t, Config{})

	go func() {
		typ, _ := readRequestMessage(t, server)
		if typ != pktRPC {
			t.Errorf("request type = %#x, want RPC", typ)
		}
		var tokens bytes.Buffer
		appendInt4ColMetaData(&tokens, "s")
		appendInt4Row(&tokens, 9)
		appendDone(&tokens, tokenDone, doneCount, 1)
		writeResponseMessage(t, server, tokens.Bytes())
	}()

	batch, err := c.Query(context.Background(), "SELECT @p1 AS s",
		[]value.SqlParameter{value.Param("@p1", value.Int32(9))})
	if err != nil {
		t.Fatal(err)
	}
	if n, ok := batch.Sets[0][0].GetByName("s").AsInt64(); !ok || n != 9 {
		t.Fatalf("s = %+v", batch.Sets[0][0].Get(0))
	}
}

// A server error must leave the connection open and ready for the next
// query.
func TestConnServerErrorLeavesConnectionOpen(t *testing.T) {
	t.Parallel()
	c, server := newTestConn(t, Config{})

	go func() {
		readRequestMessage(t, server)
		var tokens bytes.Buffer
		appendErrorToken(&tokens, 208, "Invalid object name 'nope'")
		appendDone(&tokens, tokenDone, doneError, 0)
		writeResponseMessage(t, server, tokens.Bytes())

		readRequestMessage(t, server)
		var ok bytes.Buffer
		appendInt4ColMetaData(&ok, "x")
		appendInt4Row(&ok, 1)
		appendDone(&ok, tokenDone, doneCount, 1)
		writeResponseMessage(t, server, ok.Bytes())
	}()

	_, err := c.Query(context.Background(), "SELECT * FROM nope", nil)
	if !dberr.Is(err, dberr.KindServerError) {
		t.Fatalf("expected server error, got %v", err)
	}
	if !c.IsOpen() {
		t.Fatalf("server error must not close the connection")
	}

	batch, err := c.Query(context.Background(), "SELECT 1 AS x", nil)
	if err != nil {
		t.Fatalf("subsequent query failed: %v", err)
	}
	if len(batch.Sets) != 1 {
		t.Fatalf("sets = %+v", batch.Sets)
	}
}

// A query timeout poisons the connection: the response stream is in an
// unknown state, so the pool must replace it.
func TestConnQueryTimeoutPoisonsConnection(t *testing.T) {
	t.Parallel()
	c, server := newTestConn(t, Config{QueryTimeout: 50 * time.Millisecond})

	go func() {
		readRequestMessage(t, server)
		// Never respond.
	}()

	_, err := c.Query(context.Background(), "WAITFOR DELAY '00:01'", nil)
	if !dberr.Is(err, dberr.KindTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if c.IsOpen() {
		t.Fatalf("timed-out connection must be closed")
	}
	if _, err := c.Query(context.Background(), "SELECT 1", nil); !dberr.Is(err, dberr.KindConnectionClosed) {
		t.Fatalf("expected connection-closed, got %v", err)
	}
}

func TestConnCallProcedure(t *testing.T) {
	t.Parallel()
	c, server := newTestConn(t, Config{})

	go func() {
		typ, _ := readRequestMessage(t, server)
		if typ != pktRPC {
			t.Errorf("request type = %#x, want RPC", typ)
		}
		var tokens bytes.Buffer
		appendInt4ColMetaData(&tokens, "echo")
		appendInt4Row(&tokens, 5)
		appendDone(&tokens, tokenDoneInProc, doneMore|doneCount, 1)

		tokens.WriteByte(tokenReturnStatus)
		frame.WriteUint32LE(&tokens, 7)

		tokens.WriteByte(tokenReturnValue)
		frame.WriteUint16LE(&tokens, 0)
		appendBVarChar(&tokens, "@out")
		tokens.WriteByte(0x01)
		frame.WriteUint32LE(&tokens, 0)
		frame.WriteUint16LE(&tokens, 0)
		tokens.WriteByte(typeIntN)
		tokens.WriteByte(8)
		tokens.WriteByte(4)
		frame.WriteUint32LE(&tokens, 10)

		appendDone(&tokens, tokenDoneProc, 0, 0)
		writeResponseMessage(t, server, tokens.Bytes())
	}()

	batch, err := c.CallProcedure(context.Background(), "p", []value.SqlParameter{
		value.Param("@in", value.Int32(5)),
		value.OutParam("@out", value.Int32(0)),
	})
	if err != nil {
		t.Fatal(err)
	}
	if batch.ReturnStatus != 7 {
		t.Fatalf("return status = %d", batch.ReturnStatus)
	}
	if n, ok := batch.OutputParams["@out"].AsInt64(); !ok || n != 10 {
		t.Fatalf("@out = %+v", batch.OutputParams["@out"])
	}
	if len(batch.Sets) != 1 || len(batch.Sets[0]) != 1 {
		t.Fatalf("sets = %+v", batch.Sets)
	}
	if n, ok := batch.Sets[0][0].GetByName("echo").AsInt64(); !ok || n != 5 {
		t.Fatalf("echo = %+v", batch.Sets[0][0].Get(0))
	}
}

func TestConnBeginRejectsNestedTransaction(t *testing.T) {
	t.Parallel()
	c, server := newTestConn(t, Config{})

	go func() {
		readRequestMessage(t, server)
		var tokens bytes.Buffer
		appendDone(&tokens, tokenDone, 0, 0)
		writeResponseMessage(t, server, tokens.Bytes())
	}()

	if err := c.Begin(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !c.InTransaction() {
		t.Fatalf("expected open transaction")
	}
	if err := c.Begin(context.Background()); !dberr.Is(err, dberr.KindUnsupported) {
		t.Fatalf("nested begin must be rejected, got %v", err)
	}
}

func TestConnCommitWithoutBegin(t *testing.T) {
	t.Parallel()
	c, _ := newTestConn(t, Config{})
	if err := c.Commit(context.Background()); !dberr.Is(err, dberr.KindUnsupported) {
		t.Fatalf("commit without begin must fail, got %v", err)
	}
}
