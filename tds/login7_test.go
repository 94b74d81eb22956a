package tds

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestBuildLogin7OffsetsPointAtTheirData(t *testing.T) {
	t.Parallel()
	p := loginParams{
		hostname:   "workstation",
		username:   "sa",
		password:   "secret",
		appName:    "app",
		serverName: "dbhost",
		database:   "orders",
	}
	rec := buildLogin7(p)

	if got := binary.LittleEndian.Uint32(rec[0:4]); got != uint32(len(rec)) {
		t.Fatalf("length prefix = %d, record length = %d", got, len(rec))
	}
	if got := binary.LittleEndian.Uint32(rec[4:8]); got != tdsVersion74 {
		t.Fatalf("tds version = %#x", got)
	}

	// The offset/length table starts right after the 36-byte fixed
	// header. Entry i is (offset u16, chars u16).
	field := func(i int) []byte {
		pos := 36 + i*4
		off := binary.LittleEndian.Uint16(rec[pos : pos+2])
		chars := binary.LittleEndian.Uint16(rec[pos+2 : pos+4])
		return rec[off : off+chars*2]
	}

	if !bytes.Equal(field(0), utf16Bytes(p.hostname)) {
		t.Fatalf("hostname field = %x", field(0))
	}
	if !bytes.Equal(field(1), utf16Bytes(p.username)) {
		t.Fatalf("username field = %x", field(1))
	}
	if !bytes.Equal(field(2), obfuscatePassword(p.password)) {
		t.Fatalf("password field = %x", field(2))
	}
	if !bytes.Equal(field(3), utf16Bytes(p.appName)) {
		t.Fatalf("app name field = %x", field(3))
	}
	if !bytes.Equal(field(4), utf16Bytes(p.serverName)) {
		t.Fatalf("server name field = %x", field(4))
	}
	if !bytes.Equal(field(8), utf16Bytes(p.database)) {
		t.Fatalf("database field = %x", field(8))
	}
}

func TestBuildLogin7NTLMCarriesNegotiateMessage(t *testing.T) {
	t.Parallel()
	neg := buildNTLMNegotiate()
	rec := buildLogin7(loginParams{
		hostname:     "ws",
		username:     "alice",
		password:     "pw",
		domain:       "CORP",
		sspiResponse: neg,
	})

	// SSPI pair sits after the nine string pairs and the 6-byte ClientID.
	pos := 36 + 9*4 + 6
	off := binary.LittleEndian.Uint16(rec[pos : pos+2])
	n := binary.LittleEndian.Uint16(rec[pos+2 : pos+4])
	if int(off)+int(n) > len(rec) {
		t.Fatalf("sspi buffer out of bounds: off=%d len=%d rec=%d", off, n, len(rec))
	}
	if !bytes.Equal(rec[off:off+n], neg) {
		t.Fatalf("sspi payload does not round trip")
	}

	// SQL-auth username/password fields must be empty under NTLM.
	for _, i := range []int{1, 2} {
		pos := 36 + i*4
		if chars := binary.LittleEndian.Uint16(rec[pos+2 : pos+4]); chars != 0 {
			t.Fatalf("field %d should be empty under NTLM, has %d chars", i, chars)
		}
	}

	// Integrated security flag set in OptionFlags2.
	if rec[25]&0x80 == 0 {
		t.Fatalf("OptionFlags2 = %#x, integrated security bit missing", rec[25])
	}
}

func TestBuildLogin7ReadOnlyIntent(t *testing.T) {
	t.Parallel()
	rec := buildLogin7(loginParams{hostname: "h", username: "u", password: "p", readOnly: true})
	if rec[26]&0x20 == 0 {
		t.Fatalf("TypeFlags = %#x, read-only intent bit missing", rec[26])
	}
}
