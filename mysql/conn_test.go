package mysql

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/mickamy/sqlnative/dberr"
	"github.com/mickamy/sqlnative/frame"
	"github.com/mickamy/sqlnative/value"
)

// newTestConn wires a Conn to an in-memory pipe, skipping the handshake
// and authentication so tests can script the post-auth exchange directly.
func newTestConn(t *testing.T, cfg Config) (*Conn, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	c := &Conn{
		cfg:          cfg,
		log:          slog.Default(),
		net:          client,
		r:            bufio.NewReader(client),
		state:        value.StateReady,
		deprecateEOF: true,
	}
	c.startQueue(context.Background())
	t.Cleanup(func() {
		server.Close()
		c.Close()
	})
	return c, server
}

func readClientPacket(t *testing.T, server net.Conn) []byte {
	t.Helper()
	var hdr [4]byte
	if _, err := io.ReadFull(server, hdr[:]); err != nil {
		t.Fatalf("server read header: %v", err)
	}
	n := int(hdr[0]) | int(hdr[1])<<8 | int(hdr[2])<<16
	payload := make([]byte, n)
	if _, err := io.ReadFull(server, payload); err != nil {
		t.Fatalf("server read payload: %v", err)
	}
	return payload
}

func writeServerPacket(t *testing.T, server net.Conn, seq byte, payload []byte) {
	t.Helper()
	hdr := []byte{byte(len(payload)), byte(len(payload) >> 8), byte(len(payload) >> 16), seq}
	if _, err := server.Write(append(hdr, payload...)); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func int4ColumnDefPacket(name string) []byte {
	var buf bytes.Buffer
	frame.WriteLenEncString(&buf, "def")
	frame.WriteLenEncString(&buf, "db")
	frame.WriteLenEncString(&buf, "t")
	frame.WriteLenEncString(&buf, "t")
	frame.WriteLenEncString(&buf, name)
	frame.WriteLenEncString(&buf, name)
	frame.WriteLenEncInt(&buf, 0x0c)
	frame.WriteUint16LE(&buf, 45) // charset
	frame.WriteUint32LE(&buf, 11) // display length
	buf.WriteByte(typeLong)
	frame.WriteUint16LE(&buf, 0) // flags
	buf.WriteByte(0)             // decimals
	frame.WriteUint16LE(&buf, 0) // filler
	return buf.Bytes()
}

func textRowPacket(vals ...string) []byte {
	var buf bytes.Buffer
	for _, v := range vals {
		frame.WriteLenEncString(&buf, v)
	}
	return buf.Bytes()
}

func okPacketBytes(affected uint64, status uint16) []byte {
	var buf bytes.Buffer
	buf.WriteByte(iOK)
	frame.WriteLenEncInt(&buf, affected)
	frame.WriteLenEncInt(&buf, 0)
	frame.WriteUint16LE(&buf, status)
	frame.WriteUint16LE(&buf, 0)
	return buf.Bytes()
}

func TestConnQueryResultSet(t *testing.T) {
	t.Parallel()
	c, server := newTestConn(t, Config{})

	go func() {
		pkt := readClientPacket(t, server)
		if pkt[0] != comQuery {
			t.Errorf("command byte = %#x, want COM_QUERY", pkt[0])
		}
		writeServerPacket(t, server, 1, []byte{0x01}) // column count
		writeServerPacket(t, server, 2, int4ColumnDefPacket("x"))
		writeServerPacket(t, server, 3, textRowPacket("1"))
		writeServerPacket(t, server, 4, okPacketBytes(0, 0))
	}()

	batch, err := c.Query(context.Background(), "SELECT 1 AS x", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch.Sets) != 1 || len(batch.Sets[0]) != 1 {
		t.Fatalf("sets = %+v", batch.Sets)
	}
	row := batch.Sets[0][0]
	if n, ok := row.GetByName("X").AsInt64(); !ok || n != 1 {
		t.Fatalf("x = %+v", row.Get(0))
	}
	if row.Columns.Len() != len(row.Values) {
		t.Fatalf("columns/values length mismatch")
	}
}

func TestConnQueryMultiFollowsMoreResults(t *testing.T) {
	t.Parallel()
	c, server := newTestConn(t, Config{})

	go func() {
		readClientPacket(t, server)
		writeServerPacket(t, server, 1, []byte{0x01})
		writeServerPacket(t, server, 2, int4ColumnDefPacket("a"))
		writeServerPacket(t, server, 3, textRowPacket("1"))
		writeServerPacket(t, server, 4, okPacketBytes(0, serverMoreResultsExist))

		writeServerPacket(t, server, 5, []byte{0x02})
		writeServerPacket(t, server, 6, int4ColumnDefPacket("b"))
		writeServerPacket(t, server, 7, int4ColumnDefPacket("c"))
		writeServerPacket(t, server, 8, textRowPacket("2", "3"))
		writeServerPacket(t, server, 9, okPacketBytes(0, 0))
	}()

	sets, err := c.QueryMulti(context.Background(), "CALL two_selects()")
	if err != nil {
		t.Fatal(err)
	}
	if len(sets) != 2 {
		t.Fatalf("expected 2 result sets, got %d", len(sets))
	}
	if len(sets[1][0].Values) != 2 {
		t.Fatalf("second set shape = %+v", sets[1])
	}
}

func TestConnServerErrorLeavesConnectionOpen(t *testing.T) {
	t.Parallel()
	c, server := newTestConn(t, Config{})

	go func() {
		readClientPacket(t, server)
		var buf bytes.Buffer
		buf.WriteByte(iERR)
		frame.WriteUint16LE(&buf, 1146)
		buf.WriteString("#42S02")
		buf.WriteString("Table 'nope' doesn't exist")
		writeServerPacket(t, server, 1, buf.Bytes())

		readClientPacket(t, server)
		writeServerPacket(t, server, 1, okPacketBytes(1, 0))
	}()

	_, err := c.Query(context.Background(), "SELECT * FROM nope", nil)
	if !dberr.Is(err, dberr.KindServerError) {
		t.Fatalf("expected server error, got %v", err)
	}
	if !c.IsOpen() {
		t.Fatalf("server error must not close the connection")
	}
	batch, err := c.Query(context.Background(), "DELETE FROM t", nil)
	if err != nil {
		t.Fatalf("subsequent query failed: %v", err)
	}
	if batch.RowsAffected != 1 {
		t.Fatalf("rows affected = %d", batch.RowsAffected)
	}
}

func TestConnLocalInfileRejected(t *testing.T) {
	t.Parallel()
	c, server := newTestConn(t, Config{})

	go func() {
		readClientPacket(t, server)
		writeServerPacket(t, server, 1, []byte{0xFB, 'f'})
	}()

	_, err := c.Query(context.Background(), "LOAD DATA LOCAL INFILE 'f' INTO TABLE t", nil)
	if !dberr.Is(err, dberr.KindUnsupported) {
		t.Fatalf("expected unsupported, got %v", err)
	}
}

func TestConnQueryTimeoutPoisonsConnection(t *testing.T) {
	t.Parallel()
	c, server := newTestConn(t, Config{QueryTimeout: 50 * time.Millisecond})

	go func() {
		readClientPacket(t, server)
		// Never respond.
	}()

	_, err := c.Query(context.Background(), "SELECT SLEEP(60)", nil)
	if !dberr.Is(err, dberr.KindTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if c.IsOpen() {
		t.Fatalf("timed-out connection must be closed")
	}
}

func TestConnBeginRejectsNestedTransaction(t *testing.T) {
	t.Parallel()
	c, server := newTestConn(t, Config{})

	go func() {
		readClientPacket(t, server)
		writeServerPacket(t, server, 1, okPacketBytes(0, 0))
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
