package tds

import (
	"bytes"
	"encoding/binary"

	"github.com/mickamy/sqlnative/frame"
)

// TDS 7.4 version, sent in the Login7 header and expected back in
// LOGINACK.
const tdsVersion74 uint32 = 0x74000004

// OptionFlags1/2 bits this engine sets.
const (
	optFlags1Default     byte = 0xE0 // USE_DB_ON | INIT_DB_FATAL | SET_LANG_ON
	optFlags2WithLang    byte = 0x03 // ODBC driver | user type: SQL
	optFlags2Integrated  byte = 0x83 // adds INTEGRATED_SECURITY for NTLM
)

// loginParams carries the fields this engine populates in a Login7
// request. Domain non-empty selects the NTLM/SSPI path over SQL auth.
type loginParams struct {
	hostname     string
	username     string
	password     string
	appName      string
	serverName   string
	language     string
	database     string
	readOnly     bool
	domain       string
	sspiResponse []byte // present on the second (authenticate) NTLM round-trip only
}

// buildLogin7 encodes a complete Login7 record, including its own 4-byte
// total-length prefix, offset/length table, and variable-length string
// data (UTF-16LE, except the obfuscated password which is byte-swapped
// nibbles XOR 0xA5 per MS-TDS 2.2.6.4).
func buildLogin7(p loginParams) []byte {
	const fixedHeaderLen = 4 + 4 + 4 + 4 + 4 + 4 + 1 + 1 + 1 + 1 + 4 + 4
	const offsetTableLen = 9*4 + 6 + 4 + 4 + 4 // 9 (offset,len) pairs + ClientID(6) + SSPI(offset,len) + AtchDBFile(offset,len) + ChangePassword(offset,len) -- encoded explicitly below
	_ = offsetTableLen

	hostU := utf16Bytes(p.hostname)
	userU := utf16Bytes(p.username)
	passU := obfuscatePassword(p.password)
	appU := utf16Bytes(p.appName)
	serverU := utf16Bytes(p.serverName)
	libU := utf16Bytes("sqlnative")
	langU := utf16Bytes(p.language)
	dbU := utf16Bytes(p.database)

	sspi := p.sspiResponse

	// Offsets are measured from the start of the Login7 record (including
	// its own 4-byte length prefix), per MS-TDS. The table is nine
	// (offset,length) pairs, ClientID(6), the SSPI pair, the AtchDBFile
	// and ChangePassword pairs, then cbSSPILong(4).
	offset := uint16(fixedHeaderLen + 9*4 + 6 + 4 + 4 + 4 + 4)

	type strField struct {
		data []byte
		off  uint16
	}
	next := func(b []byte) strField {
		f := strField{data: b, off: offset}
		offset += uint16(len(b))
		return f
	}

	hostF := next(hostU)
	var userF, passF strField
	if p.domain == "" {
		userF = next(userU)
		passF = next(passU)
	} else {
		// SQL auth fields are still present but empty when using NTLM.
		userF = next(nil)
		passF = next(nil)
	}
	appF := next(appU)
	serverF := next(serverU)
	extensionF := next(nil) // ibExtension/cbExtension, unused by this engine
	libF := next(libU)
	langF := next(langU)
	dbF := next(dbU)
	sspiF := next(sspi)
	atchF := next(nil)
	changePwF := next(nil)

	var buf bytes.Buffer
	buf.Write(make([]byte, 4)) // length placeholder, patched below
	binary.Write(&buf, binary.LittleEndian, tdsVersion74)
	binary.Write(&buf, binary.LittleEndian, uint32(defaultPacketSize))
	binary.Write(&buf, binary.LittleEndian, uint32(0x00000001)) // ClientProgVer
	binary.Write(&buf, binary.LittleEndian, uint32(1))          // ClientPID
	binary.Write(&buf, binary.LittleEndian, uint32(0))          // ConnectionID

	flags1 := optFlags1Default
	flags2 := optFlags2WithLang
	if p.domain != "" {
		flags2 = optFlags2Integrated
	}
	buf.WriteByte(flags1)
	buf.WriteByte(flags2)
	var typeFlags byte
	if p.readOnly {
		typeFlags |= 0x20 // fReadOnlyIntent
	}
	buf.WriteByte(typeFlags)
	buf.WriteByte(0x00) // OptionFlags3

	binary.Write(&buf, binary.LittleEndian, int32(0))        // ClientTimeZone
	binary.Write(&buf, binary.LittleEndian, uint32(0x00000409)) // ClientLCID (en-US)

	writeOffLen := func(f strField) {
		binary.Write(&buf, binary.LittleEndian, f.off)
		binary.Write(&buf, binary.LittleEndian, uint16(charCount(f.data)))
	}
	writeOffLen(hostF)
	writeOffLen(userF)
	writeOffLen(passF)
	writeOffLen(appF)
	writeOffLen(serverF)
	writeOffLen(extensionF)
	writeOffLen(libF)
	writeOffLen(langF)
	writeOffLen(dbF)
	buf.Write(make([]byte, 6)) // ClientID (MAC address), zeroed
	binary.Write(&buf, binary.LittleEndian, sspiF.off)
	binary.Write(&buf, binary.LittleEndian, uint16(len(sspiF.data)))
	writeOffLen(atchF)
	writeOffLen(changePwF)
	binary.Write(&buf, binary.LittleEndian, uint32(0)) // cbSSPILong

	buf.Write(hostF.data)
	buf.Write(userF.data)
	buf.Write(passF.data)
	buf.Write(appF.data)
	buf.Write(serverF.data)
	buf.Write(libF.data)
	buf.Write(langF.data)
	buf.Write(dbF.data)
	buf.Write(sspiF.data)

	out := buf.Bytes()
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(out)))
	return out
}

func utf16Bytes(s string) []byte {
	var buf bytes.Buffer
	frame.WriteUTF16LEString(&buf, s)
	return buf.Bytes()
}

func charCount(utf16leBytes []byte) int { return len(utf16leBytes) / 2 }

// obfuscatePassword applies Login7's password obfuscation: each byte's
// nibbles are swapped, then the byte is XORed with 0xA5.
func obfuscatePassword(password string) []byte {
	raw := utf16Bytes(password)
	out := make([]byte, len(raw))
	for i, b := range raw {
		swapped := (b<<4)&0xF0 | (b>>4)&0x0F
		out[i] = swapped ^ 0xA5
	}
	return out
}
