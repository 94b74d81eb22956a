package tds

import (
	"encoding/binary"

	"github.com/mickamy/sqlnative/dberr"
)

// Pre-login option tokens (MS-TDS 2.2.6.5).
const (
	preloginVersion    byte = 0x00
	preloginEncryption byte = 0x01
	preloginInstOpt    byte = 0x02
	preloginThreadID   byte = 0x03
	preloginMARS       byte = 0x04
	preloginTerminator byte = 0xFF
)

// Encryption negotiation values.
const (
	EncryptOff    byte = 0x00
	EncryptOn     byte = 0x01
	EncryptNotSup byte = 0x02
	EncryptReq    byte = 0x03
)

// buildPreloginRequest encodes the client pre-login token stream: client
// version, the requested encryption option, an empty instance name, a
// fixed thread id, and MARS off (MARS is out of this engine's scope).
func buildPreloginRequest(encryption byte) []byte {
	version := []byte{0x09, 0x00, 0x00, 0x00, 0x00, 0x00}
	instance := []byte{0x00}
	threadID := []byte{0x00, 0x00, 0x00, 0x00}
	mars := []byte{0x00}

	options := []struct {
		token byte
		data  []byte
	}{
		{preloginVersion, version},
		{preloginEncryption, []byte{encryption}},
		{preloginInstOpt, instance},
		{preloginThreadID, threadID},
		{preloginMARS, mars},
	}

	// Option table: 5 bytes (token, offset BE u16, length BE u16) per
	// option, then the terminator token, then the concatenated data.
	tableSize := len(options)*5 + 1
	var table, data []byte
	offset := tableSize
	for _, opt := range options {
		entry := make([]byte, 5)
		entry[0] = opt.token
		binary.BigEndian.PutUint16(entry[1:3], uint16(offset))
		binary.BigEndian.PutUint16(entry[3:5], uint16(len(opt.data)))
		table = append(table, entry...)
		data = append(data, opt.data...)
		offset += len(opt.data)
	}
	table = append(table, preloginTerminator)
	return append(table, data...)
}

// preloginResponse is the subset of the server's pre-login reply this
// engine reads.
type preloginResponse struct {
	encryption byte
}

func parsePreloginResponse(payload []byte) (*preloginResponse, error) {
	resp := &preloginResponse{encryption: EncryptNotSup}
	offset := 0
	for {
		if offset >= len(payload) {
			return nil, dberr.Protocol("tds: prelogin response missing terminator")
		}
		token := payload[offset]
		if token == preloginTerminator {
			break
		}
		if offset+5 > len(payload) {
			return nil, dberr.Protocol("tds: truncated prelogin option entry")
		}
		dataOffset := binary.BigEndian.Uint16(payload[offset+1 : offset+3])
		dataLen := binary.BigEndian.Uint16(payload[offset+3 : offset+5])
		if int(dataOffset)+int(dataLen) > len(payload) {
			return nil, dberr.Protocol("tds: prelogin option data out of bounds")
		}
		optData := payload[dataOffset : dataOffset+dataLen]
		if token == preloginEncryption && len(optData) == 1 {
			resp.encryption = optData[0]
		}
		offset += 5
	}
	return resp, nil
}
