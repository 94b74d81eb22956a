// Package value defines the shared row/value model used by every protocol
// engine: a closed sum type for scalar values, column metadata, rows, bound
// parameters, and the result of executing a command.
package value

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind tags which case of SqlValue is populated. Go has no native sum
// types, so Kind plus one typed field per case stands in for one.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindFloat32
	KindFloat64
	KindDecimal
	KindText
	KindBytes
	KindUUID
	KindInstant
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt8:
		return "int8"
	case KindInt16:
		return "int16"
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindFloat32:
		return "float32"
	case KindFloat64:
		return "float64"
	case KindDecimal:
		return "decimal"
	case KindText:
		return "text"
	case KindBytes:
		return "bytes"
	case KindUUID:
		return "uuid"
	case KindInstant:
		return "instant"
	default:
		return "unknown"
	}
}

// SqlValue is a closed sum type: exactly one of its typed fields is
// meaningful, selected by Kind. Construct values with the constructor
// functions (Null, Bool, Int32, Text, ...) rather than populating the
// struct by hand.
type SqlValue struct {
	Kind Kind

	boolVal    bool
	int64Val   int64
	float64Val float64
	decVal     decimal.Decimal
	textVal    string
	bytesVal   []byte
	uuidVal    uuid.UUID
	timeVal    time.Time
}

func Null() SqlValue                { return SqlValue{Kind: KindNull} }
func Bool(v bool) SqlValue          { return SqlValue{Kind: KindBool, boolVal: v} }
func Int8(v int8) SqlValue          { return SqlValue{Kind: KindInt8, int64Val: int64(v)} }
func Int16(v int16) SqlValue        { return SqlValue{Kind: KindInt16, int64Val: int64(v)} }
func Int32(v int32) SqlValue        { return SqlValue{Kind: KindInt32, int64Val: int64(v)} }
func Int64(v int64) SqlValue        { return SqlValue{Kind: KindInt64, int64Val: v} }
func Float32(v float32) SqlValue    { return SqlValue{Kind: KindFloat32, float64Val: float64(v)} }
func Float64(v float64) SqlValue    { return SqlValue{Kind: KindFloat64, float64Val: v} }
func Decimal(v decimal.Decimal) SqlValue { return SqlValue{Kind: KindDecimal, decVal: v} }
func Text(v string) SqlValue        { return SqlValue{Kind: KindText, textVal: v} }
func Bytes(v []byte) SqlValue       { return SqlValue{Kind: KindBytes, bytesVal: v} }
func UUID(v uuid.UUID) SqlValue     { return SqlValue{Kind: KindUUID, uuidVal: v} }
func Instant(v time.Time) SqlValue  { return SqlValue{Kind: KindInstant, timeVal: v} }

func (v SqlValue) IsNull() bool { return v.Kind == KindNull }

// AsBool returns the bool payload and whether Kind was KindBool. No
// coercion is performed between kinds.
func (v SqlValue) AsBool() (bool, bool) {
	if v.Kind != KindBool {
		return false, false
	}
	return v.boolVal, true
}

func (v SqlValue) AsInt64() (int64, bool) {
	switch v.Kind {
	case KindInt8, KindInt16, KindInt32, KindInt64:
		return v.int64Val, true
	default:
		return 0, false
	}
}

func (v SqlValue) AsFloat64() (float64, bool) {
	switch v.Kind {
	case KindFloat32, KindFloat64:
		return v.float64Val, true
	default:
		return 0, false
	}
}

func (v SqlValue) AsDecimal() (decimal.Decimal, bool) {
	if v.Kind != KindDecimal {
		return decimal.Decimal{}, false
	}
	return v.decVal, true
}

func (v SqlValue) AsText() (string, bool) {
	if v.Kind != KindText {
		return "", false
	}
	return v.textVal, true
}

func (v SqlValue) AsBytes() ([]byte, bool) {
	if v.Kind != KindBytes {
		return nil, false
	}
	return v.bytesVal, true
}

func (v SqlValue) AsUUID() (uuid.UUID, bool) {
	if v.Kind != KindUUID {
		return uuid.UUID{}, false
	}
	return v.uuidVal, true
}

func (v SqlValue) AsInstant() (time.Time, bool) {
	if v.Kind != KindInstant {
		return time.Time{}, false
	}
	return v.timeVal, true
}

// SqlColumn describes one column of a result set.
type SqlColumn struct {
	Name       string
	TableName  string
	ServerType uint32
	Nullable   bool
}

// Columns is the shared, immutable column vector for every SqlRow in one
// result set; rows hold a pointer to it rather than copying it per row.
type Columns struct {
	cols []SqlColumn
	idx  map[string]int // lower-cased name -> first matching index
}

func NewColumns(cols []SqlColumn) *Columns {
	idx := make(map[string]int, len(cols))
	for i, c := range cols {
		key := lower(c.Name)
		if _, exists := idx[key]; !exists {
			idx[key] = i
		}
	}
	return &Columns{cols: cols, idx: idx}
}

func (c *Columns) Len() int            { return len(c.cols) }
func (c *Columns) At(i int) SqlColumn   { return c.cols[i] }
func (c *Columns) All() []SqlColumn     { return c.cols }

// IndexOf returns the first column index matching name case-insensitively,
// or -1 if none matches.
func (c *Columns) IndexOf(name string) int {
	if i, ok := c.idx[lower(name)]; ok {
		return i
	}
	return -1
}

func lower(s string) string {
	b := []byte(s)
	for i, ch := range b {
		if ch >= 'A' && ch <= 'Z' {
			b[i] = ch + ('a' - 'A')
		}
	}
	return string(b)
}

// SqlRow is one row of a result set. Values is positional and parallel to
// Columns' column vector.
type SqlRow struct {
	Columns *Columns
	Values  []SqlValue
}

// Get returns the value at position i, or a null value if i is out of
// range. Per the row-access contract, missing columns never error.
func (r SqlRow) Get(i int) SqlValue {
	if i < 0 || i >= len(r.Values) {
		return Null()
	}
	return r.Values[i]
}

// GetByName returns the first value whose column name matches name
// case-insensitively, or a null value if no column matches.
func (r SqlRow) GetByName(name string) SqlValue {
	if r.Columns == nil {
		return Null()
	}
	i := r.Columns.IndexOf(name)
	if i < 0 {
		return Null()
	}
	return r.Get(i)
}

// SqlParameter is one bound parameter of a query or stored procedure call.
type SqlParameter struct {
	Name   string // starts with "@" by convention, e.g. "@p1"
	Val    SqlValue
	Output bool
}

func Param(name string, v SqlValue) SqlParameter {
	return SqlParameter{Name: name, Val: v}
}

func OutParam(name string, v SqlValue) SqlParameter {
	return SqlParameter{Name: name, Val: v, Output: true}
}

// ResultBatch is the outcome of executing one command: zero or more result
// sets, rows-affected, any output parameters, a return status (TDS RPC
// only; zero elsewhere), and server info/notice messages collected along
// the way.
type ResultBatch struct {
	Sets         [][]SqlRow
	RowsAffected int64
	OutputParams map[string]SqlValue
	ReturnStatus int32
	Messages     []string
}

// ConnState is the lifecycle state machine every engine connection type
// enforces under its own mutex.
type ConnState uint8

const (
	StateConnecting ConnState = iota
	StateAuthenticating
	StateReady
	StateBusy
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
