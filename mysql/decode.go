package mysql

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mickamy/sqlnative/dberr"
	"github.com/mickamy/sqlnative/value"
)

// MySQL column type bytes (a subset; see protocol_field_types.h upstream).
const (
	typeDecimal    byte = 0x00
	typeTiny       byte = 0x01
	typeShort      byte = 0x02
	typeLong       byte = 0x03
	typeFloat      byte = 0x04
	typeDouble     byte = 0x05
	typeNull       byte = 0x06
	typeTimestamp  byte = 0x07
	typeLonglong   byte = 0x08
	typeDate       byte = 0x0A
	typeTime       byte = 0x0B
	typeDatetime   byte = 0x0C
	typeNewDecimal byte = 0xF6
	typeBit        byte = 0x10
	typeString     byte = 0xFE
)

const unsignedFlag uint16 = 0x0020

// decodeText converts one column's raw text bytes to a SqlValue, dispatching
// on the column-definition type byte and the UNSIGNED flag.
func decodeText(colType byte, flags uint16, raw []byte) (value.SqlValue, error) {
	s := string(raw)
	switch colType {
	case typeTiny, typeShort, typeLong:
		if flags&unsignedFlag != 0 {
			n, err := strconv.ParseUint(s, 10, 64)
			if err != nil {
				return value.SqlValue{}, typeMismatch("int", s, err)
			}
			return value.Int64(int64(n)), nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return value.SqlValue{}, typeMismatch("int", s, err)
		}
		return intValueForType(colType, n), nil
	case typeLonglong:
		if flags&unsignedFlag != 0 {
			n, err := strconv.ParseUint(s, 10, 64)
			if err != nil {
				return value.SqlValue{}, typeMismatch("bigint unsigned", s, err)
			}
			return value.Int64(int64(n)), nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return value.SqlValue{}, typeMismatch("bigint", s, err)
		}
		return value.Int64(n), nil
	case typeFloat:
		f, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return value.SqlValue{}, typeMismatch("float", s, err)
		}
		return value.Float32(float32(f)), nil
	case typeDouble, typeDecimal:
		// Legacy DECIMAL (0x00) decodes as a double; only NEWDECIMAL
		// (0xF6) carries exact decimals.
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return value.SqlValue{}, typeMismatch("double", s, err)
		}
		return value.Float64(f), nil
	case typeNewDecimal:
		d, err := decimalFromString(s)
		if err != nil {
			return value.SqlValue{}, typeMismatch("decimal", s, err)
		}
		return d, nil
	case typeBit:
		return value.Bool(len(raw) > 0 && raw[0] != 0), nil
	case typeDate:
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return value.SqlValue{}, typeMismatch("date", s, err)
		}
		return value.Instant(t), nil
	case typeTimestamp, typeDatetime, typeTime:
		t, err := time.Parse("2006-01-02 15:04:05", s)
		if err != nil {
			t, err = time.Parse("2006-01-02 15:04:05.999999", s)
			if err != nil {
				return value.SqlValue{}, typeMismatch("datetime", s, err)
			}
		}
		return value.Instant(t), nil
	case typeString:
		if len(raw) == 36 {
			if u, err := parseUUIDHeuristic(s); err == nil {
				return u, nil
			}
		}
		return value.Text(s), nil
	default:
		// includes VARCHAR/VAR_STRING/BLOB/JSON/ENUM/SET and anything this
		// engine doesn't model: degrade to text per the value-model invariant.
		return value.Text(s), nil
	}
}

// intValueForType preserves the narrowest SqlValue width the wire type
// implies, per the value model's "preserved widths for wire fidelity".
func intValueForType(colType byte, n int64) value.SqlValue {
	switch colType {
	case typeTiny:
		return value.Int8(int8(n))
	case typeShort:
		return value.Int16(int16(n))
	default:
		return value.Int32(int32(n))
	}
}

func typeMismatch(kind, raw string, err error) *dberr.Error {
	return dberr.TypeMismatch(fmt.Sprintf("mysql: decode %s %q: %v", kind, raw, err))
}

func decimalFromString(s string) (value.SqlValue, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return value.SqlValue{}, err
	}
	return value.Decimal(d), nil
}

// parseUUIDHeuristic treats a 36-character fixed CHAR (0xFE) text value
// as a uuid when it parses as one.
func parseUUIDHeuristic(s string) (value.SqlValue, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return value.SqlValue{}, err
	}
	return value.UUID(u), nil
}
