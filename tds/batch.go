package tds

import (
	"bytes"
	"encoding/binary"

	"github.com/mickamy/sqlnative/frame"
)

// allHeadersTransactionDescriptor builds the ALL_HEADERS data stream every
// SQL-batch and RPC request carries: total length, one MARS_HEADER-shaped
// entry naming the transaction descriptor (we run autocommit/no MARS, so the
// descriptor is always zero) and an outstanding-request count of zero,
// matching the published fixtures' layout.
func allHeadersTransactionDescriptor() []byte {
	const headerLen = 0x12
	const totalLen = headerLen + 4 // +4 for the leading total-length field itself
	buf := make([]byte, 0, totalLen)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(totalLen))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(headerLen))
	buf = binary.LittleEndian.AppendUint16(buf, 0x0002) // header type: transaction descriptor
	buf = append(buf, make([]byte, 8)...)                // TransactionDescriptor (zero: autocommit)
	buf = append(buf, 0, 0, 0, 0)                        // OutstandingRequestCount
	return buf
}

// buildSQLBatch frames a SQL-batch (type 0x01) request body: ALL_HEADERS
// followed by the UTF-16LE query text.
func buildSQLBatch(sql string) []byte {
	var buf bytes.Buffer
	buf.Write(allHeadersTransactionDescriptor())
	frame.WriteUTF16LEString(&buf, sql)
	return buf.Bytes()
}
