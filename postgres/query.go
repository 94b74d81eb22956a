package postgres

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	pgproto "github.com/jackc/pgproto3/v2"

	"github.com/mickamy/sqlnative/dberr"
	"github.com/mickamy/sqlnative/value"
)

// Query executes sql (with params substituted as literals, since the
// simple query protocol carries no bind parameters of its own) and
// returns the resulting batch. Multiple ';'-separated statements in one
// call each contribute one result set, demultiplexed on CommandComplete
// boundaries.
func (c *Conn) Query(ctx context.Context, sql string, params []value.SqlParameter) (value.ResultBatch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == value.StateClosed {
		return value.ResultBatch{}, dberr.ConnectionClosed("postgres: query: connection is closed")
	}

	rendered, err := bindParameters(sql, params)
	if err != nil {
		return value.ResultBatch{}, err
	}

	if c.cfg.QueryTimeout > 0 {
		_ = c.net.SetReadDeadline(time.Now().Add(c.cfg.QueryTimeout))
		defer func() { _ = c.net.SetReadDeadline(time.Time{}) }()
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.net.SetReadDeadline(deadline)
	}

	c.state = value.StateBusy
	defer func() {
		if c.state == value.StateBusy {
			c.state = value.StateReady
		}
	}()

	if err := c.send(&pgproto.Query{String: rendered}); err != nil {
		c.poison()
		return value.ResultBatch{}, err
	}

	batch, err := c.readQueryResponse(ctx)
	if err != nil {
		var de *dberr.Error
		if errors.As(err, &de) && (de.Kind.Fatal() || de.Kind == dberr.KindTimeout) {
			c.poison()
		}
		return batch, err
	}
	return batch, nil
}

// QueryMulti executes a multi-statement string ("SELECT 1; SELECT 2, 3")
// and returns one row slice per statement that produced a result set, in
// server order.
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
// rendered as positional literals. PostgreSQL reports INOUT parameters as
// an ordinary result set, so there is no separate output-parameter map on
// this engine.
func (c *Conn) CallProcedure(ctx context.Context, name string, params []value.SqlParameter) (value.ResultBatch, error) {
	ph := make([]string, len(params))
	for i := range params {
		ph[i] = "$" + strconv.Itoa(i+1)
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
		return dberr.Unsupported("postgres: a transaction is already open on this connection")
	}
	if _, err := c.Query(ctx, "BEGIN", nil); err != nil {
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
		return dberr.Unsupported("postgres: no transaction is open on this connection")
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

// readQueryResponse drains messages until ReadyForQuery, collecting one
// result set per RowDescription/CommandComplete pair. Per the propagation
// policy, any ErrorResponse is buffered rather than returned immediately:
// the loop still drains to ReadyForQuery before the error is surfaced.
func (c *Conn) readQueryResponse(ctx context.Context) (value.ResultBatch, error) {
	var batch value.ResultBatch
	var cols *value.Columns
	var curRows []value.SqlRow
	var pending error

	for {
		msg, err := c.fe.Receive()
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return value.ResultBatch{}, dberr.Timeout("postgres: waiting for server response")
			}
			return value.ResultBatch{}, dberr.Connection("postgres: read query response", err)
		}

		switch m := msg.(type) {
		case *pgproto.RowDescription:
			cols = columnsFromDescription(m)
			curRows = nil
		case *pgproto.DataRow:
			row, err := rowFromDataRow(cols, m)
			if err != nil && pending == nil {
				pending = err
			}
			curRows = append(curRows, row)
		case *pgproto.CommandComplete:
			if cols != nil {
				batch.Sets = append(batch.Sets, curRows)
			}
			batch.RowsAffected += parseRowsAffected(string(m.CommandTag))
			cols = nil
			curRows = nil
		case *pgproto.EmptyQueryResponse:
			// no-op: an empty statement produces neither rows nor a tag.
		case *pgproto.NoticeResponse:
			n := noticeFromResponse(m)
			c.notify(n)
			batch.Messages = append(batch.Messages, n.Message)
		case *pgproto.ParameterStatus:
			// no-op.
		case *pgproto.ErrorResponse:
			if pending == nil {
				pending = serverErrorFromResponse(m)
			}
		case *pgproto.ReadyForQuery:
			if pending != nil {
				return value.ResultBatch{}, pending
			}
			return batch, nil
		default:
			// ignore messages this engine doesn't need (ParseComplete etc.
			// never occur on the simple query path).
		}
	}
}

func columnsFromDescription(m *pgproto.RowDescription) *value.Columns {
	cols := make([]value.SqlColumn, len(m.Fields))
	for i, f := range m.Fields {
		cols[i] = value.SqlColumn{
			Name:       string(f.Name),
			ServerType: f.DataTypeOID,
			Nullable:   true,
		}
	}
	return value.NewColumns(cols)
}

func rowFromDataRow(cols *value.Columns, m *pgproto.DataRow) (value.SqlRow, error) {
	vals := make([]value.SqlValue, len(m.Values))
	var firstErr error
	for i, raw := range m.Values {
		if raw == nil {
			vals[i] = value.Null()
			continue
		}
		oid := uint32(0)
		if cols != nil && i < cols.Len() {
			oid = cols.At(i).ServerType
		}
		v, err := decodeText(oid, raw)
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

// parseRowsAffected extracts the trailing row count from a CommandComplete
// tag such as "INSERT 0 3", "UPDATE 2", "DELETE 1", or "SELECT 5".
func parseRowsAffected(tag string) int64 {
	fields := strings.Fields(tag)
	if len(fields) == 0 {
		return 0
	}
	last := fields[len(fields)-1]
	n, err := strconv.ParseInt(last, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
