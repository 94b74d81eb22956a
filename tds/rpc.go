package tds

import (
	"bytes"
	"encoding/binary"

	"github.com/mickamy/sqlnative/frame"
	"github.com/mickamy/sqlnative/value"
)

// procIDExecuteSQL is the well-known RPC id for sp_executesql.
const procIDExecuteSQL uint16 = 10

// buildExecuteSQLRPC frames an RPC (type 0x03) request calling
// sp_executesql: ALL_HEADERS, the well-known proc-id form of PROC NAME,
// option flags, then three parameters — the SQL text, a parameter
// declaration string built from the caller's parameters, and the
// parameters themselves bound by name.
func buildExecuteSQLRPC(sql string, params []value.SqlParameter) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(allHeadersTransactionDescriptor())

	buf.Write([]byte{0xFF, 0xFF})
	binary.Write(&buf, binary.LittleEndian, procIDExecuteSQL)

	buf.Write([]byte{0x00, 0x00}) // option flags: 3 flag bits + 13 reserved, none set

	if err := encodeRPCParam(&buf, value.Param("", value.Text(sql))); err != nil {
		return nil, err
	}
	if err := encodeRPCParam(&buf, value.Param("", value.Text(paramDeclarationString(params)))); err != nil {
		return nil, err
	}
	for _, p := range params {
		if err := encodeRPCParam(&buf, p); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// buildNamedProcRPC frames an RPC call to a named stored procedure: same
// shape as sp_executesql but with a proc name instead of a well-known id,
// and the caller's parameters passed directly (no declaration string).
func buildNamedProcRPC(procName string, params []value.SqlParameter) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(allHeadersTransactionDescriptor())

	var nameBuf bytes.Buffer
	units, _ := frame.WriteUTF16LEString(&nameBuf, procName)
	binary.Write(&buf, binary.LittleEndian, uint16(units))
	buf.Write(nameBuf.Bytes())

	buf.Write([]byte{0x00, 0x00})

	for _, p := range params {
		if err := encodeRPCParam(&buf, p); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// paramDeclarationString builds sp_executesql's second argument: a
// "@p1 bigint, @p2 nvarchar(max), ..." declaration derived from each
// parameter's SqlValue kind.
func paramDeclarationString(params []value.SqlParameter) string {
	var buf bytes.Buffer
	for i, p := range params {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(p.Name)
		buf.WriteByte(' ')
		buf.WriteString(sqlTypeNameFor(p.Val))
		if p.Output {
			buf.WriteString(" output")
		}
	}
	return buf.String()
}

func sqlTypeNameFor(v value.SqlValue) string {
	switch v.Kind {
	case value.KindBool:
		return "bit"
	case value.KindInt8, value.KindInt16, value.KindInt32, value.KindInt64:
		return "bigint"
	case value.KindFloat32, value.KindFloat64:
		return "float"
	case value.KindDecimal:
		return "nvarchar(max)"
	case value.KindText:
		return "nvarchar(max)"
	case value.KindBytes:
		return "varbinary(max)"
	case value.KindUUID:
		return "uniqueidentifier"
	case value.KindInstant:
		return "datetime"
	default:
		return "int"
	}
}
