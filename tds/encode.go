package tds

import (
	"bytes"
	"encoding/binary"
	"math"
	"time"

	"github.com/mickamy/sqlnative/frame"
	"github.com/mickamy/sqlnative/value"
)

// TDS parameter type bytes this engine emits (MS-TDS 2.2.5.5.3).
const (
	typeIntN      byte = 0x26
	typeBitN      byte = 0x68
	typeFloatN    byte = 0x6D
	typeNVarChar  byte = 0xE7
	typeVarBinary byte = 0xA5
	typeGuid      byte = 0x24
	typeDateTimeN byte = 0x6F
)

// encodeRPCParam writes one RPC parameter's name/status/type-info/value per
// MS-TDS 2.2.6.6, dispatching on value.Kind per the engine's type table.
func encodeRPCParam(buf *bytes.Buffer, p value.SqlParameter) error {
	var nameBuf bytes.Buffer
	units, _ := frame.WriteUTF16LEString(&nameBuf, p.Name)
	buf.WriteByte(byte(units))
	buf.Write(nameBuf.Bytes())

	var status byte
	if p.Output {
		status |= 0x01
	}
	buf.WriteByte(status)

	return encodeTypedValue(buf, p.Val)
}

func encodeTypedValue(buf *bytes.Buffer, v value.SqlValue) error {
	switch v.Kind {
	case value.KindNull:
		buf.WriteByte(typeIntN)
		buf.WriteByte(4) // max length
		buf.WriteByte(0) // actual length 0 == NULL
		return nil

	case value.KindBool:
		buf.WriteByte(typeBitN)
		buf.WriteByte(1)
		b, _ := v.AsBool()
		buf.WriteByte(1)
		if b {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		return nil

	case value.KindInt8, value.KindInt16, value.KindInt32, value.KindInt64:
		n, _ := v.AsInt64()
		buf.WriteByte(typeIntN)
		buf.WriteByte(8) // always send as the widest (bigint), server narrows as needed
		buf.WriteByte(8)
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, uint64(n))
		buf.Write(b)
		return nil

	case value.KindFloat32, value.KindFloat64:
		f, _ := v.AsFloat64()
		buf.WriteByte(typeFloatN)
		buf.WriteByte(8)
		buf.WriteByte(8)
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, math.Float64bits(f))
		buf.Write(b)
		return nil

	case value.KindDecimal:
		d, _ := v.AsDecimal()
		return encodeNVarCharPLP(buf, d.String())

	case value.KindText:
		s, _ := v.AsText()
		return encodeNVarCharPLP(buf, s)

	case value.KindBytes:
		b, _ := v.AsBytes()
		return encodeVarBinaryPLP(buf, b)

	case value.KindUUID:
		u, _ := v.AsUUID()
		buf.WriteByte(typeGuid)
		buf.WriteByte(16)
		buf.WriteByte(16)
		buf.Write(guidMixedEndianBytes(u[:]))
		return nil

	case value.KindInstant:
		t, _ := v.AsInstant()
		return encodeDateTimeN(buf, t)

	default:
		buf.WriteByte(typeIntN)
		buf.WriteByte(4)
		buf.WriteByte(0)
		return nil
	}
}

func encodeNVarCharPLP(buf *bytes.Buffer, s string) error {
	buf.WriteByte(typeNVarChar)
	binary.Write(buf, binary.LittleEndian, uint16(0xFFFF)) // max length: PLP
	buf.Write(collationBytes())
	var payload bytes.Buffer
	frame.WriteUTF16LEString(&payload, s)
	return frame.WritePLP(buf, payload.Bytes())
}

func encodeVarBinaryPLP(buf *bytes.Buffer, b []byte) error {
	buf.WriteByte(typeVarBinary)
	binary.Write(buf, binary.LittleEndian, uint16(0xFFFF))
	return frame.WritePLP(buf, b)
}

func encodeDateTimeN(buf *bytes.Buffer, t time.Time) error {
	buf.WriteByte(typeDateTimeN)
	buf.WriteByte(8)
	buf.WriteByte(8)
	days, ticks := datetimeParts(t)
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b[0:4], uint32(days))
	binary.LittleEndian.PutUint32(b[4:8], uint32(ticks))
	buf.Write(b)
	return nil
}

// datetimeParts converts t to legacy DATETIME wire form: days since
// 1900-01-01 and ticks of 1/300s since midnight.
func datetimeParts(t time.Time) (days int32, ticks uint32) {
	t = t.UTC()
	epoch := time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)
	d := t.Truncate(24 * time.Hour).Sub(epoch.Truncate(24 * time.Hour)).Hours() / 24
	days = int32(d)
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	secondsFraction := t.Sub(midnight).Seconds()
	ticks = uint32(secondsFraction * 300)
	return days, ticks
}

// guidMixedEndianBytes converts a 16-byte RFC4122 UUID (big-endian fields)
// into TDS GUID wire form, which stores the first three fields little-endian
// and the last two as plain bytes.
func guidMixedEndianBytes(rfc []byte) []byte {
	out := make([]byte, 16)
	out[0], out[1], out[2], out[3] = rfc[3], rfc[2], rfc[1], rfc[0]
	out[4], out[5] = rfc[5], rfc[4]
	out[6], out[7] = rfc[7], rfc[6]
	copy(out[8:], rfc[8:])
	return out
}

// collationBytes is a fixed SQL_Latin1_General_CP1_CI_AS collation; exact
// collation only matters for server-side comparison semantics, not for
// round-tripping the parameter value itself.
func collationBytes() []byte {
	return []byte{0x09, 0x04, 0xD0, 0x00, 0x34}
}
