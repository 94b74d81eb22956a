package tds

import (
	"bytes"
	"encoding/binary"
	"math"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mickamy/sqlnative/dberr"
	"github.com/mickamy/sqlnative/frame"
	"github.com/mickamy/sqlnative/value"
)

// Tabular-result token type bytes (MS-TDS 2.2.7).
const (
	tokenReturnStatus   byte = 0x79
	tokenColMetaData    byte = 0x81
	tokenOrder          byte = 0xA9
	tokenError          byte = 0xAA
	tokenInfo           byte = 0xAB
	tokenReturnValue    byte = 0xAC
	tokenLoginAck       byte = 0xAD
	tokenFeatureExtAck  byte = 0xAE
	tokenRow            byte = 0xD1
	tokenNbcRow         byte = 0xD2
	tokenEnvChange      byte = 0xE3
	tokenTabName        byte = 0xA4
	tokenDone           byte = 0xFD
	tokenDoneProc       byte = 0xFE
	tokenDoneInProc     byte = 0xFF
)

// DONE status bits.
const (
	doneMore  uint16 = 0x0001
	doneError uint16 = 0x0002
	doneCount uint16 = 0x0010
)

// tokenReader walks a tabular-result message's token stream and accumulates
// it into a ResultBatch, following the propagation policy: server errors
// (ERROR tokens) are buffered and only surfaced once the terminal DONE token
// for the batch arrives, so any partial result sets already decoded are not
// lost.
type tokenReader struct {
	r        *bytes.Reader
	cols     []columnMeta
	colsPtr  *value.Columns
	deferred []*dberr.Error
	infos    []string
}

type columnMeta struct {
	name     string
	userType uint32
	flags    uint16
	typeID   byte
	maxLen   int
	scale    byte
	precision byte
}

// readTabularResult consumes one full tabular-result message payload and
// accumulates it into a ResultBatch. A new result set starts at each
// COLMETADATA token; per the propagation policy, ERROR tokens are deferred
// and only surfaced once the whole stream has been consumed, so partial
// result sets and output parameters are never lost and the connection ends
// the exchange clean.
func readTabularResult(payload []byte) (value.ResultBatch, error) {
	tr := &tokenReader{r: bytes.NewReader(payload)}
	batch := value.ResultBatch{OutputParams: map[string]value.SqlValue{}}
	var curRows []value.SqlRow
	setOpen := false

	closeSet := func() {
		if setOpen {
			batch.Sets = append(batch.Sets, curRows)
			curRows = nil
			setOpen = false
		}
	}

	for tr.r.Len() > 0 {
		tok, err := tr.readByte()
		if err != nil {
			return batch, err
		}
		switch tok {
		case tokenColMetaData:
			closeSet()
			cm, err := tr.readColMetaData()
			if err != nil {
				return batch, err
			}
			tr.cols = cm
			tr.colsPtr = sharedColumns(cm)
			setOpen = cm != nil

		case tokenRow:
			row, err := tr.readRow(false)
			if err != nil {
				return batch, err
			}
			curRows = append(curRows, row)

		case tokenNbcRow:
			row, err := tr.readRow(true)
			if err != nil {
				return batch, err
			}
			curRows = append(curRows, row)

		case tokenReturnStatus:
			v, err := frame.ReadUint32LE(tr.r)
			if err != nil {
				return batch, dberr.Protocol("tds: truncated RETURNSTATUS token")
			}
			batch.ReturnStatus = int32(v)

		case tokenReturnValue:
			name, v, err := tr.readReturnValue()
			if err != nil {
				return batch, err
			}
			batch.OutputParams[name] = v

		case tokenError:
			e, err := tr.readErrorOrInfo(true)
			if err != nil {
				return batch, err
			}
			tr.deferred = append(tr.deferred, e)

		case tokenInfo:
			_, err := tr.readErrorOrInfo(false)
			if err != nil {
				return batch, err
			}

		case tokenEnvChange, tokenLoginAck, tokenFeatureExtAck, tokenOrder, tokenTabName:
			if err := tr.skipLenPrefixed(); err != nil {
				return batch, err
			}

		case tokenDone, tokenDoneProc, tokenDoneInProc:
			status, _, rowCount, err := tr.readDone()
			if err != nil {
				return batch, err
			}
			closeSet()
			if status&doneCount != 0 {
				batch.RowsAffected += rowCount
			}
			if status&doneMore == 0 && tok == tokenDone {
				batch.Messages = tr.infos
				if len(tr.deferred) > 0 {
					return batch, tr.deferred[0]
				}
				return batch, nil
			}

		default:
			return batch, dberr.Protocol("tds: unknown token byte")
		}
	}
	closeSet()
	batch.Messages = tr.infos
	if len(tr.deferred) > 0 {
		return batch, tr.deferred[0]
	}
	return batch, nil
}

func sharedColumns(cm []columnMeta) *value.Columns {
	if cm == nil {
		return nil
	}
	out := make([]value.SqlColumn, len(cm))
	for i, c := range cm {
		out[i] = value.SqlColumn{
			Name:       c.name,
			ServerType: uint32(c.typeID),
			Nullable:   c.flags&0x0001 != 0,
		}
	}
	return value.NewColumns(out)
}

func (tr *tokenReader) readByte() (byte, error) {
	b, err := tr.r.ReadByte()
	if err != nil {
		return 0, dberr.Protocol("tds: truncated token stream")
	}
	return b, nil
}

func (tr *tokenReader) skipLenPrefixed() error {
	n, err := frame.ReadUint16LE(tr.r)
	if err != nil {
		return dberr.Protocol("tds: truncated token length")
	}
	if _, err := tr.r.Seek(int64(n), 1); err != nil {
		return dberr.Protocol("tds: token shorter than declared length")
	}
	return nil
}

func (tr *tokenReader) readColMetaData() ([]columnMeta, error) {
	count, err := frame.ReadUint16LE(tr.r)
	if err != nil {
		return nil, dberr.Protocol("tds: truncated COLMETADATA count")
	}
	if count == 0xFFFF {
		return nil, nil // no metadata (e.g. DML without a result set)
	}
	cols := make([]columnMeta, count)
	for i := range cols {
		cm, err := tr.readOneColumnMeta()
		if err != nil {
			return nil, err
		}
		cols[i] = cm
	}
	return cols, nil
}

func (tr *tokenReader) readOneColumnMeta() (columnMeta, error) {
	var cm columnMeta
	userType, err := frame.ReadUint32LE(tr.r)
	if err != nil {
		return cm, dberr.Protocol("tds: truncated column user type")
	}
	cm.userType = userType
	flags, err := frame.ReadUint16LE(tr.r)
	if err != nil {
		return cm, dberr.Protocol("tds: truncated column flags")
	}
	cm.flags = flags

	typeID, err := tr.readByte()
	if err != nil {
		return cm, err
	}
	cm.typeID = typeID

	if err := tr.readTypeInfo(&cm); err != nil {
		return cm, err
	}

	name, err := readBVarChar(tr.r)
	if err != nil {
		return cm, dberr.Protocol("tds: truncated column name")
	}
	cm.name = name
	return cm, nil
}

// readTypeInfo reads the per-type metadata (length, precision/scale,
// collation) that follows a column's type byte, matching the same type
// table used to encode parameters.
func (tr *tokenReader) readTypeInfo(cm *columnMeta) error {
	switch cm.typeID {
	case 0x30, 0x32, 0x34, 0x38, 0x3A, 0x3B, 0x3C, 0x3D, 0x3E, 0x7F: // fixed-length legacy types
		return nil

	case typeIntN, typeBitN, typeFloatN, 0x6E /* MONEYN */, typeDateTimeN:
		b, err := tr.readByte()
		if err != nil {
			return err
		}
		cm.maxLen = int(b)
		return nil

	case 0x6A, 0x6C: // DECIMALN, NUMERICN
		maxLen, err := tr.readByte()
		if err != nil {
			return err
		}
		cm.maxLen = int(maxLen)
		precision, err := tr.readByte()
		if err != nil {
			return err
		}
		cm.precision = precision
		scale, err := tr.readByte()
		if err != nil {
			return err
		}
		cm.scale = scale
		return nil

	case typeGuid:
		b, err := tr.readByte()
		if err != nil {
			return err
		}
		cm.maxLen = int(b)
		return nil

	case typeNVarChar, 0xE1 /* XML-ish NVARCHAR variant not fully supported */ :
		n, err := frame.ReadUint16LE(tr.r)
		if err != nil {
			return dberr.Protocol("tds: truncated nvarchar length")
		}
		cm.maxLen = int(n)
		if _, err := tr.r.Seek(5, 1); err != nil { // collation
			return dberr.Protocol("tds: truncated collation")
		}
		return nil

	case typeVarBinary, 0x22 /* IMAGE */ :
		n, err := frame.ReadUint16LE(tr.r)
		if err != nil {
			return dberr.Protocol("tds: truncated varbinary length")
		}
		cm.maxLen = int(n)
		return nil

	case 0xA7, 0x27, 0x23, 0x63: // BIGVARCHR, VARCHAR, TEXT, NTEXT (legacy ANSI text types)
		n, err := frame.ReadUint16LE(tr.r)
		if err != nil {
			return dberr.Protocol("tds: truncated text length")
		}
		cm.maxLen = int(n)
		if _, err := tr.r.Seek(5, 1); err != nil {
			return dberr.Protocol("tds: truncated collation")
		}
		return nil

	default:
		return dberr.Unsupported("tds: unsupported column type byte")
	}
}

func (tr *tokenReader) readRow(nullBitmap bool) (value.SqlRow, error) {
	var present []bool
	if nullBitmap {
		nBytes := (len(tr.cols) + 7) / 8
		bitmap := make([]byte, nBytes)
		if _, err := tr.r.Read(bitmap); err != nil {
			return value.SqlRow{}, dberr.Protocol("tds: truncated NBCROW bitmap")
		}
		present = make([]bool, len(tr.cols))
		for i := range tr.cols {
			present[i] = bitmap[i/8]&(1<<uint(i%8)) == 0
		}
	}
	vals := make([]value.SqlValue, len(tr.cols))
	for i, cm := range tr.cols {
		if nullBitmap && !present[i] {
			vals[i] = value.Null()
			continue
		}
		v, err := decodeColumnValue(tr.r, cm)
		if err != nil {
			return value.SqlRow{}, err
		}
		vals[i] = v
	}
	return value.SqlRow{Columns: tr.colsPtr, Values: vals}, nil
}

func (tr *tokenReader) readReturnValue() (string, value.SqlValue, error) {
	if _, err := frame.ReadUint16LE(tr.r); err != nil { // param ordinal
		return "", value.SqlValue{}, dberr.Protocol("tds: truncated RETURNVALUE ordinal")
	}
	name, err := readBVarChar(tr.r)
	if err != nil {
		return "", value.SqlValue{}, err
	}
	if _, err := tr.r.Seek(1, 1); err != nil { // status
		return "", value.SqlValue{}, dberr.Protocol("tds: truncated RETURNVALUE status")
	}
	if _, err := frame.ReadUint32LE(tr.r); err != nil { // user type
		return "", value.SqlValue{}, dberr.Protocol("tds: truncated RETURNVALUE user type")
	}
	if _, err := frame.ReadUint16LE(tr.r); err != nil { // flags
		return "", value.SqlValue{}, dberr.Protocol("tds: truncated RETURNVALUE flags")
	}
	typeID, err := tr.readByte()
	if err != nil {
		return "", value.SqlValue{}, err
	}
	cm := columnMeta{typeID: typeID}
	if err := tr.readTypeInfo(&cm); err != nil {
		return "", value.SqlValue{}, err
	}
	v, err := decodeColumnValue(tr.r, cm)
	if err != nil {
		return "", value.SqlValue{}, err
	}
	return name, v, nil
}

func (tr *tokenReader) readErrorOrInfo(isError bool) (*dberr.Error, error) {
	if _, err := frame.ReadUint16LE(tr.r); err != nil {
		return nil, dberr.Protocol("tds: truncated ERROR/INFO length")
	}
	number, err := frame.ReadUint32LE(tr.r)
	if err != nil {
		return nil, dberr.Protocol("tds: truncated ERROR/INFO number")
	}
	if _, err := tr.r.Seek(2, 1); err != nil { // state, class
		return nil, dberr.Protocol("tds: truncated ERROR/INFO state/class")
	}
	msg, err := readUsVarChar(tr.r)
	if err != nil {
		return nil, err
	}
	for i := 0; i < 2; i++ { // server name, proc name (both US_VARCHAR)
		if _, err := readUsVarChar(tr.r); err != nil {
			return nil, err
		}
	}
	if _, err := frame.ReadUint32LE(tr.r); err != nil { // line number
		return nil, dberr.Protocol("tds: truncated ERROR/INFO line number")
	}
	if isError {
		e := dberr.Server(int32(number), "", msg)
		tr.infos = append(tr.infos, msg)
		return e, nil
	}
	tr.infos = append(tr.infos, msg)
	return nil, nil
}

func (tr *tokenReader) readDone() (status uint16, curCmd uint16, rowCount int64, err error) {
	status, err = frame.ReadUint16LE(tr.r)
	if err != nil {
		return 0, 0, 0, dberr.Protocol("tds: truncated DONE status")
	}
	curCmd, err = frame.ReadUint16LE(tr.r)
	if err != nil {
		return 0, 0, 0, dberr.Protocol("tds: truncated DONE curcmd")
	}
	rc, err := frame.ReadUint64LE(tr.r)
	if err != nil {
		return 0, 0, 0, dberr.Protocol("tds: truncated DONE row count")
	}
	return status, curCmd, int64(rc), nil
}

func readBVarChar(r *bytes.Reader) (string, error) {
	n, err := r.ReadByte()
	if err != nil {
		return "", dberr.Protocol("tds: truncated B_VARCHAR length")
	}
	return frame.ReadUTF16LEString(r, int(n))
}

func readUsVarChar(r *bytes.Reader) (string, error) {
	n, err := frame.ReadUint16LE(r)
	if err != nil {
		return "", dberr.Protocol("tds: truncated US_VARCHAR length")
	}
	return frame.ReadUTF16LEString(r, int(n))
}

// decodeColumnValue decodes one row's worth of data for a single column,
// using the type table shared with parameter encoding.
func decodeColumnValue(r *bytes.Reader, cm columnMeta) (value.SqlValue, error) {
	switch cm.typeID {
	case 0x30: // INT1/TINYINT
		b, err := r.ReadByte()
		if err != nil {
			return value.SqlValue{}, dberr.Protocol("tds: truncated tinyint")
		}
		return value.Int8(int8(b)), nil

	case 0x32: // BIT
		b, err := r.ReadByte()
		if err != nil {
			return value.SqlValue{}, dberr.Protocol("tds: truncated bit")
		}
		return value.Bool(b != 0), nil

	case 0x34: // INT2/SMALLINT
		n, err := frame.ReadUint16LE(r)
		if err != nil {
			return value.SqlValue{}, dberr.Protocol("tds: truncated smallint")
		}
		return value.Int16(int16(n)), nil

	case 0x38: // INT4/INT
		n, err := frame.ReadUint32LE(r)
		if err != nil {
			return value.SqlValue{}, dberr.Protocol("tds: truncated int")
		}
		return value.Int32(int32(n)), nil

	case 0x7F: // INT8/BIGINT
		n, err := frame.ReadUint64LE(r)
		if err != nil {
			return value.SqlValue{}, dberr.Protocol("tds: truncated bigint")
		}
		return value.Int64(int64(n)), nil

	case 0x3B: // FLT4/REAL
		n, err := frame.ReadUint32LE(r)
		if err != nil {
			return value.SqlValue{}, dberr.Protocol("tds: truncated real")
		}
		return value.Float32(math.Float32frombits(n)), nil

	case 0x3E: // FLT8/FLOAT
		n, err := frame.ReadUint64LE(r)
		if err != nil {
			return value.SqlValue{}, dberr.Protocol("tds: truncated float")
		}
		return value.Float64(math.Float64frombits(n)), nil

	case typeIntN:
		return decodeIntN(r)

	case typeBitN:
		return decodeSizedOrNull(r, func(b []byte) value.SqlValue { return value.Bool(b[0] != 0) })

	case typeFloatN:
		return decodeFloatN(r)

	case typeDateTimeN, 0x3A, 0x3D:
		return decodeDateTime(r, cm.typeID)

	case 0x6A, 0x6C: // DECIMALN, NUMERICN
		return decodeDecimalN(r, cm.scale)

	case typeGuid:
		return decodeGuidN(r)

	case typeNVarChar:
		return decodePLPText(r)

	case typeVarBinary, 0x22:
		return decodePLPBytes(r)

	case 0xA7, 0x27: // BIGVARCHR, VARCHAR
		return decodeLegacyVarText(r)

	case 0x23, 0x63: // TEXT, NTEXT
		return decodePLPText(r)

	default:
		return value.SqlValue{}, dberr.TypeMismatch("tds: unsupported column value type")
	}
}

func decodeSizedOrNull(r *bytes.Reader, f func([]byte) value.SqlValue) (value.SqlValue, error) {
	n, err := r.ReadByte()
	if err != nil {
		return value.SqlValue{}, dberr.Protocol("tds: truncated value length")
	}
	if n == 0 {
		return value.Null(), nil
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil {
		return value.SqlValue{}, dberr.Protocol("tds: truncated value body")
	}
	return f(b), nil
}

func decodeIntN(r *bytes.Reader) (value.SqlValue, error) {
	return decodeSizedOrNull(r, func(b []byte) value.SqlValue {
		switch len(b) {
		case 1:
			return value.Int8(int8(b[0]))
		case 2:
			return value.Int16(int16(binary.LittleEndian.Uint16(b)))
		case 4:
			return value.Int32(int32(binary.LittleEndian.Uint32(b)))
		default:
			return value.Int64(int64(binary.LittleEndian.Uint64(b)))
		}
	})
}

func decodeFloatN(r *bytes.Reader) (value.SqlValue, error) {
	return decodeSizedOrNull(r, func(b []byte) value.SqlValue {
		if len(b) == 4 {
			return value.Float32(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		}
		return value.Float64(math.Float64frombits(binary.LittleEndian.Uint64(b)))
	})
}

func decodeDateTime(r *bytes.Reader, typeID byte) (value.SqlValue, error) {
	if typeID == typeDateTimeN {
		return decodeSizedOrNull(r, func(b []byte) value.SqlValue {
			return value.Instant(instantFromDatetimeBytes(b))
		})
	}
	var size int
	if typeID == 0x3A {
		size = 4
	} else {
		size = 8
	}
	b := make([]byte, size)
	if _, err := r.Read(b); err != nil {
		return value.SqlValue{}, dberr.Protocol("tds: truncated datetime")
	}
	return value.Instant(instantFromDatetimeBytes(b)), nil
}

func instantFromDatetimeBytes(b []byte) time.Time {
	epoch := time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)
	if len(b) == 4 {
		days := int32(binary.LittleEndian.Uint16(b[0:2]))
		minutes := binary.LittleEndian.Uint16(b[2:4])
		return epoch.AddDate(0, 0, int(days)).Add(time.Duration(minutes) * time.Minute)
	}
	days := int32(binary.LittleEndian.Uint32(b[0:4]))
	ticks := binary.LittleEndian.Uint32(b[4:8])
	return epoch.AddDate(0, 0, int(days)).Add(time.Duration(int64(ticks) * int64(time.Second) / 300))
}

func decodeDecimalN(r *bytes.Reader, scale byte) (value.SqlValue, error) {
	return decodeSizedOrNull(r, func(b []byte) value.SqlValue {
		sign := b[0]
		mantissa := new(big.Int).SetBytes(reverseBytes(b[1:]))
		if sign == 0 {
			mantissa.Neg(mantissa)
		}
		d := decimal.NewFromBigInt(mantissa, -int32(scale))
		return value.Decimal(d)
	})
}

func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

func decodeGuidN(r *bytes.Reader) (value.SqlValue, error) {
	return decodeSizedOrNull(r, func(b []byte) value.SqlValue {
		rfc := make([]byte, 16)
		rfc[0], rfc[1], rfc[2], rfc[3] = b[3], b[2], b[1], b[0]
		rfc[4], rfc[5] = b[5], b[4]
		rfc[6], rfc[7] = b[7], b[6]
		copy(rfc[8:], b[8:])
		u, _ := uuid.FromBytes(rfc)
		return value.UUID(u)
	})
}

func decodePLPText(r *bytes.Reader) (value.SqlValue, error) {
	data, isNull, err := frame.ReadPLP(r)
	if err != nil {
		return value.SqlValue{}, dberr.Protocol("tds: truncated PLP text")
	}
	if isNull {
		return value.Null(), nil
	}
	s, err := frame.ReadUTF16LEString(bytes.NewReader(data), len(data)/2)
	if err != nil {
		return value.SqlValue{}, dberr.Protocol("tds: malformed utf16 text")
	}
	return value.Text(s), nil
}

func decodePLPBytes(r *bytes.Reader) (value.SqlValue, error) {
	data, isNull, err := frame.ReadPLP(r)
	if err != nil {
		return value.SqlValue{}, dberr.Protocol("tds: truncated PLP binary")
	}
	if isNull {
		return value.Null(), nil
	}
	return value.Bytes(data), nil
}

func decodeLegacyVarText(r *bytes.Reader) (value.SqlValue, error) {
	n, err := frame.ReadUint16LE(r)
	if err != nil {
		return value.SqlValue{}, dberr.Protocol("tds: truncated varchar length")
	}
	if n == 0xFFFF {
		return value.Null(), nil
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil {
		return value.SqlValue{}, dberr.Protocol("tds: truncated varchar body")
	}
	return value.Text(string(b)), nil
}
