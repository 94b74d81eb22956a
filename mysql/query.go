package mysql

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"strings"

	"github.com/mickamy/sqlnative/dberr"
	"github.com/mickamy/sqlnative/frame"
	"github.com/mickamy/sqlnative/value"
)

const comQuery byte = 0x03

// serverMoreResultsExist is declared in mysql.go alongside the other
// capability/status flag constants.

// columnDef is one COM_QUERY column-definition packet's fields, enough to
// drive decodeText and populate value.SqlColumn.
type columnDef struct {
	name     string
	table    string
	colType  byte
	flags    uint16
	unsigned bool
}

// Query executes sql via COM_QUERY (with params rendered inline as SQL
// literals, since the text protocol carries no bind parameters) and
// returns every result set the server produces, following
// SERVER_MORE_RESULTS_EXISTS until a final terminal packet.
func (c *Conn) Query(ctx context.Context, sql string, params []value.SqlParameter) (value.ResultBatch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == value.StateClosed {
		return value.ResultBatch{}, dberr.ConnectionClosed("mysql: query: connection is closed")
	}

	rendered, err := bindParameters(sql, params)
	if err != nil {
		return value.ResultBatch{}, err
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

	c.seq = 0
	payload := append([]byte{comQuery}, []byte(rendered)...)
	if err := c.writePacket(payload); err != nil {
		c.poison()
		return value.ResultBatch{}, err
	}

	var batch value.ResultBatch
	for {
		more, err := c.readOneResultSet(ctx, &batch)
		if err != nil {
			var de *dberr.Error
			if errors.As(err, &de) && (de.Kind.Fatal() || de.Kind == dberr.KindTimeout) {
				c.poison()
			}
			return batch, err
		}
		if !more {
			return batch, nil
		}
	}
}

// QueryMulti executes a statement that may produce several result sets
// (multi-statement strings, or CALLs of procedures containing multiple
// SELECTs) and returns them in server order.
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

// CallProcedure invokes a stored procedure via CALL with the parameters
// rendered as positional literals. Result sets the procedure produces come
// back through the usual multi-result chaining; MySQL's text protocol has
// no output-parameter channel, so OUT values must be selected explicitly
// (e.g. "SELECT @outvar").
func (c *Conn) CallProcedure(ctx context.Context, name string, params []value.SqlParameter) (value.ResultBatch, error) {
	ph := make([]string, len(params))
	for i := range params {
		ph[i] = "?"
	}
	return c.Query(ctx, "CALL "+name+"("+strings.Join(ph, ", ")+")", params)
}

// Begin opens a transaction. Transactions do not nest: a second Begin on
// the same connection is rejected.
func (c *Conn) Begin(ctx context.Context) error {
	c.mu.Lock()
	open := c.txOpen
	c.mu.Unlock()
	if open {
		return dberr.Unsupported("mysql: a transaction is already open on this connection")
	}
	if _, err := c.Query(ctx, "START TRANSACTION", nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.txOpen = true
	c.mu.Unlock()
	return nil
}

func (c *Conn) Commit(ctx context.Context) error   { return c.endTx(ctx, "COMMIT") }
func (c *Conn) Rollback(ctx context.Context) error { return c.endTx(ctx, "ROLLBACK") }

func (c *Conn) endTx(ctx context.Context, sql string) error {
	c.mu.Lock()
	open := c.txOpen
	c.mu.Unlock()
	if !open {
		return dberr.Unsupported("mysql: no transaction is open on this connection")
	}
	if _, err := c.Query(ctx, sql, nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.txOpen = false
	c.mu.Unlock()
	return nil
}

// InTransaction reports whether an explicit transaction is open.
func (c *Conn) InTransaction() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txOpen
}

// readOneResultSet consumes one logical result (a scalar OK/ERR response,
// or a full column-definitions + rows + terminal-packet group) and reports
// whether SERVER_MORE_RESULTS_EXIST asks for another to follow.
func (c *Conn) readOneResultSet(ctx context.Context, batch *value.ResultBatch) (more bool, err error) {
	pkt, err := c.readPacket(ctx)
	if err != nil {
		return false, connErr("mysql: read query response", err)
	}
	if len(pkt) == 0 {
		return false, dberr.Protocol("mysql: empty query response packet")
	}

	switch pkt[0] {
	case iOK:
		ok := parseOKPacket(pkt)
		batch.RowsAffected += int64(ok.affectedRows)
		return ok.statusFlags&serverMoreResultsExist != 0, nil
	case iERR:
		return false, errFromPacket(pkt)
	case 0xFB:
		return false, dberr.Unsupported("mysql: LOAD DATA LOCAL INFILE is not supported by this engine")
	default:
		return c.readTabularResultSet(ctx, pkt, batch)
	}
}

func (c *Conn) readTabularResultSet(ctx context.Context, firstPkt []byte, batch *value.ResultBatch) (more bool, err error) {
	n, isNull, err := frame.ReadLenEncInt(bytes.NewReader(firstPkt))
	if err != nil || isNull {
		return false, dberr.Protocol("mysql: malformed column-count packet")
	}

	defs := make([]columnDef, 0, n)
	for i := uint64(0); i < n; i++ {
		pkt, err := c.readPacket(ctx)
		if err != nil {
			return false, connErr("mysql: read column definition", err)
		}
		def, err := parseColumnDef(pkt)
		if err != nil {
			return false, err
		}
		defs = append(defs, def)
	}

	if !c.deprecateEOF {
		if _, err := c.readPacket(ctx); err != nil { // EOF after column definitions
			return false, connErr("mysql: read column-definitions EOF", err)
		}
	}

	cols := make([]value.SqlColumn, len(defs))
	for i, d := range defs {
		cols[i] = value.SqlColumn{Name: d.name, TableName: d.table, ServerType: uint32(d.colType), Nullable: true}
	}
	sharedCols := value.NewColumns(cols)

	var rows []value.SqlRow
	var statusFlags uint16
	for {
		pkt, err := c.readPacket(ctx)
		if err != nil {
			return false, connErr("mysql: read result row", err)
		}
		if len(pkt) == 0 {
			return false, dberr.Protocol("mysql: empty row packet")
		}
		if pkt[0] == iERR {
			return false, errFromPacket(pkt)
		}
		if isTerminalRowPacket(pkt, c.deprecateEOF) {
			statusFlags = terminalStatusFlags(pkt, c.deprecateEOF)
			break
		}
		row, err := decodeRow(pkt, sharedCols, defs)
		if err != nil {
			return false, err
		}
		rows = append(rows, row)
	}

	batch.Sets = append(batch.Sets, rows)
	return statusFlags&serverMoreResultsExist != 0, nil
}

// isTerminalRowPacket reports whether pkt is the packet that ends a row
// sequence: an EOF packet (0xFE, length < 9) in the legacy protocol, or an
// OK packet (0x00, or 0xFE treated as OK) once CLIENT_DEPRECATE_EOF is set.
func isTerminalRowPacket(pkt []byte, deprecateEOF bool) bool {
	if deprecateEOF {
		return pkt[0] == iOK || (pkt[0] == iEOF && len(pkt) < 9)
	}
	return pkt[0] == iEOF && len(pkt) < 9
}

func terminalStatusFlags(pkt []byte, deprecateEOF bool) uint16 {
	if deprecateEOF && pkt[0] == iOK {
		return parseOKPacket(pkt).statusFlags
	}
	if len(pkt) >= 5 {
		return binary.LittleEndian.Uint16(pkt[3:5])
	}
	return 0
}

func decodeRow(pkt []byte, cols *value.Columns, defs []columnDef) (value.SqlRow, error) {
	r := bytes.NewReader(pkt)
	vals := make([]value.SqlValue, len(defs))
	var firstErr error
	for i, d := range defs {
		s, isNull, err := frame.ReadLenEncString(r)
		if err != nil {
			return value.SqlRow{}, dberr.Protocol("mysql: read row column value")
		}
		if isNull {
			vals[i] = value.Null()
			continue
		}
		v, err := decodeText(d.colType, d.flags, []byte(s))
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			vals[i] = value.Null()
			continue
		}
		vals[i] = v
	}
	return value.SqlRow{Columns: cols, Values: vals}, firstErr
}

type okPacket struct {
	affectedRows uint64
	lastInsertID uint64
	statusFlags  uint16
	warnings     uint16
}

func parseOKPacket(pkt []byte) okPacket {
	r := bytes.NewReader(pkt[1:])
	affected, _, _ := frame.ReadLenEncInt(r)
	lastID, _, _ := frame.ReadLenEncInt(r)
	var status, warnings uint16
	var b [2]byte
	if _, err := r.Read(b[:]); err == nil {
		status = binary.LittleEndian.Uint16(b[:])
	}
	if _, err := r.Read(b[:]); err == nil {
		warnings = binary.LittleEndian.Uint16(b[:])
	}
	return okPacket{affectedRows: affected, lastInsertID: lastID, statusFlags: status, warnings: warnings}
}

func parseColumnDef(pkt []byte) (columnDef, error) {
	r := bytes.NewReader(pkt)
	if _, _, err := frame.ReadLenEncString(r); err != nil { // catalog
		return columnDef{}, dberr.Protocol("mysql: read column def catalog")
	}
	if _, _, err := frame.ReadLenEncString(r); err != nil { // schema
		return columnDef{}, dberr.Protocol("mysql: read column def schema")
	}
	table, _, err := frame.ReadLenEncString(r)
	if err != nil {
		return columnDef{}, dberr.Protocol("mysql: read column def table")
	}
	if _, _, err := frame.ReadLenEncString(r); err != nil { // org_table
		return columnDef{}, dberr.Protocol("mysql: read column def org_table")
	}
	name, _, err := frame.ReadLenEncString(r)
	if err != nil {
		return columnDef{}, dberr.Protocol("mysql: read column def name")
	}
	if _, _, err := frame.ReadLenEncString(r); err != nil { // org_name
		return columnDef{}, dberr.Protocol("mysql: read column def org_name")
	}
	if _, _, err := frame.ReadLenEncInt(r); err != nil { // length-of-fixed-fields (always 0x0c)
		return columnDef{}, dberr.Protocol("mysql: read column def fixed-fields marker")
	}
	var charset [2]byte
	if _, err := r.Read(charset[:]); err != nil {
		return columnDef{}, dberr.Protocol("mysql: read column def charset")
	}
	var length [4]byte
	if _, err := r.Read(length[:]); err != nil {
		return columnDef{}, dberr.Protocol("mysql: read column def length")
	}
	colType, err := r.ReadByte()
	if err != nil {
		return columnDef{}, dberr.Protocol("mysql: read column def type")
	}
	var flagsBuf [2]byte
	if _, err := r.Read(flagsBuf[:]); err != nil {
		return columnDef{}, dberr.Protocol("mysql: read column def flags")
	}
	flags := binary.LittleEndian.Uint16(flagsBuf[:])

	return columnDef{name: name, table: table, colType: colType, flags: flags, unsigned: flags&unsignedFlag != 0}, nil
}

func readLenEncIntBytes(pkt []byte) (uint64, bool, error) {
	return frame.ReadLenEncInt(bytes.NewReader(pkt))
}
