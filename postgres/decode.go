package postgres

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mickamy/sqlnative/dberr"
	"github.com/mickamy/sqlnative/value"
)

// PostgreSQL OIDs for the types this engine decodes. The simple query
// protocol always returns values in text format, so every case below
// parses a textual representation rather than a binary one.
const (
	oidBool        = 16
	oidBytea       = 17
	oidInt8        = 20
	oidInt2        = 21
	oidInt4        = 23
	oidText        = 25
	oidJSON        = 114
	oidFloat4      = 700
	oidFloat8      = 701
	oidVarchar     = 1043
	oidDate        = 1082
	oidTimestamp   = 1114
	oidTimestampTZ = 1184
	oidNumeric     = 1700
	oidUUID        = 2950
	oidJSONB       = 3802
)

// decodeText converts a DataRow column's raw text bytes to a SqlValue
// using the column's reported OID. A nil raw with isNull=false is treated
// as an empty string, per the DataRow wire format's length-(-1)=NULL rule
// being handled by the caller before this function is reached.
func decodeText(oid uint32, raw []byte) (value.SqlValue, error) {
	s := string(raw)
	switch oid {
	case oidBool:
		return value.Bool(s == "t"), nil
	case oidInt2, oidInt4:
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return value.SqlValue{}, dberr.TypeMismatch(fmt.Sprintf("postgres: decode int4/int2 %q: %v", s, err))
		}
		return value.Int32(int32(n)), nil
	case oidInt8:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return value.SqlValue{}, dberr.TypeMismatch(fmt.Sprintf("postgres: decode int8 %q: %v", s, err))
		}
		return value.Int64(n), nil
	case oidFloat4:
		f, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return value.SqlValue{}, dberr.TypeMismatch(fmt.Sprintf("postgres: decode float4 %q: %v", s, err))
		}
		return value.Float32(float32(f)), nil
	case oidFloat8:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return value.SqlValue{}, dberr.TypeMismatch(fmt.Sprintf("postgres: decode float8 %q: %v", s, err))
		}
		return value.Float64(f), nil
	case oidNumeric:
		d, err := decimal.NewFromString(s)
		if err != nil {
			return value.SqlValue{}, dberr.TypeMismatch(fmt.Sprintf("postgres: decode numeric %q: %v", s, err))
		}
		return value.Decimal(d), nil
	case oidText, oidVarchar, oidJSON, oidJSONB:
		return value.Text(s), nil
	case oidBytea:
		b, err := decodeBytea(s)
		if err != nil {
			return value.SqlValue{}, err
		}
		return value.Bytes(b), nil
	case oidUUID:
		u, err := uuid.Parse(s)
		if err != nil {
			return value.SqlValue{}, dberr.TypeMismatch(fmt.Sprintf("postgres: decode uuid %q: %v", s, err))
		}
		return value.UUID(u), nil
	case oidDate:
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return value.SqlValue{}, dberr.TypeMismatch(fmt.Sprintf("postgres: decode date %q: %v", s, err))
		}
		return value.Instant(t), nil
	case oidTimestamp:
		t, err := time.Parse("2006-01-02 15:04:05.999999", s)
		if err != nil {
			return value.SqlValue{}, dberr.TypeMismatch(fmt.Sprintf("postgres: decode timestamp %q: %v", s, err))
		}
		return value.Instant(t), nil
	case oidTimestampTZ:
		t, err := time.Parse("2006-01-02 15:04:05.999999Z07", s)
		if err != nil {
			return value.SqlValue{}, dberr.TypeMismatch(fmt.Sprintf("postgres: decode timestamptz %q: %v", s, err))
		}
		return value.Instant(t), nil
	default:
		// unknown OID: surface as text rather than failing the whole row.
		return value.Text(s), nil
	}
}

// decodeBytea parses PostgreSQL's "\x"-prefixed hex bytea text format (the
// modern default; the legacy escape format is not produced by any server
// version this engine targets).
func decodeBytea(s string) ([]byte, error) {
	if !strings.HasPrefix(s, "\\x") {
		return nil, dberr.TypeMismatch(fmt.Sprintf("postgres: unsupported bytea text format %q", s))
	}
	b, err := hex.DecodeString(s[2:])
	if err != nil {
		return nil, dberr.TypeMismatch(fmt.Sprintf("postgres: decode bytea hex: %v", err))
	}
	return b, nil
}
