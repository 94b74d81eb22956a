package mysql

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/binary"
	"fmt"

	"github.com/mickamy/sqlnative/dberr"
	"github.com/mickamy/sqlnative/frame"
)

type handshakeV10 struct {
	protocolVersion byte
	serverVersion   string
	connectionID    uint32
	authPluginData  []byte
	capabilities    uint32
	charset         byte
	statusFlags     uint16
	authPluginName  string
}

// readHandshake parses the server's initial HandshakeV10 packet.
func (c *Conn) readHandshake(ctx context.Context) (*handshakeV10, error) {
	pkt, err := c.readPacket(ctx)
	if err != nil {
		return nil, dberr.Connection("mysql: read handshake", err)
	}
	if len(pkt) > 0 && pkt[0] == iERR {
		return nil, errFromPacket(pkt)
	}

	r := bytes.NewReader(pkt)
	hs := &handshakeV10{}

	protoVer, err := r.ReadByte()
	if err != nil {
		return nil, dberr.Protocol("mysql: read handshake protocol version")
	}
	hs.protocolVersion = protoVer
	if hs.protocolVersion != 10 {
		return nil, dberr.Unsupported(fmt.Sprintf("mysql: unsupported handshake protocol version %d", hs.protocolVersion))
	}

	serverVersion, err := readNulStringBytes(r)
	if err != nil {
		return nil, dberr.Protocol("mysql: read handshake server version")
	}
	hs.serverVersion = serverVersion

	var connID [4]byte
	if _, err := r.Read(connID[:]); err != nil {
		return nil, dberr.Protocol("mysql: read handshake connection id")
	}
	hs.connectionID = binary.LittleEndian.Uint32(connID[:])

	authData1 := make([]byte, 8)
	if _, err := r.Read(authData1); err != nil {
		return nil, dberr.Protocol("mysql: read handshake auth-data-1")
	}
	hs.authPluginData = append(hs.authPluginData, authData1...)

	if _, err := r.ReadByte(); err != nil { // filler
		return nil, dberr.Protocol("mysql: read handshake filler")
	}

	var capLow [2]byte
	if _, err := r.Read(capLow[:]); err != nil {
		return nil, dberr.Protocol("mysql: read handshake capability flags (low)")
	}
	capsLow := uint32(binary.LittleEndian.Uint16(capLow[:]))

	charset, err := r.ReadByte()
	if err != nil {
		return nil, dberr.Protocol("mysql: read handshake charset")
	}
	hs.charset = charset

	var status [2]byte
	if _, err := r.Read(status[:]); err != nil {
		return nil, dberr.Protocol("mysql: read handshake status flags")
	}
	hs.statusFlags = binary.LittleEndian.Uint16(status[:])

	var capHigh [2]byte
	if _, err := r.Read(capHigh[:]); err != nil {
		return nil, dberr.Protocol("mysql: read handshake capability flags (high)")
	}
	capsHigh := uint32(binary.LittleEndian.Uint16(capHigh[:]))
	hs.capabilities = capsLow | (capsHigh << 16)

	authDataLen, err := r.ReadByte()
	if err != nil {
		return nil, dberr.Protocol("mysql: read handshake auth-data length")
	}

	reserved := make([]byte, 10)
	if _, err := r.Read(reserved); err != nil {
		return nil, dberr.Protocol("mysql: read handshake reserved bytes")
	}

	if hs.capabilities&clientSecureConnection != 0 {
		n := int(authDataLen) - 8
		if n < 13 {
			n = 13
		}
		authData2 := make([]byte, n)
		if _, err := r.Read(authData2); err != nil {
			return nil, dberr.Protocol("mysql: read handshake auth-data-2")
		}
		// trailing NUL terminator trimmed from the fixed 13-byte field.
		authData2 = bytes.TrimRight(authData2, "\x00")
		hs.authPluginData = append(hs.authPluginData, authData2...)
	}

	if hs.capabilities&clientPluginAuth != 0 {
		pluginName, err := readNulStringBytes(r)
		if err != nil {
			return nil, dberr.Protocol("mysql: read handshake auth plugin name")
		}
		hs.authPluginName = pluginName
	}

	return hs, nil
}

func readNulStringBytes(r *bytes.Reader) (string, error) {
	var buf bytes.Buffer
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == 0 {
			return buf.String(), nil
		}
		buf.WriteByte(b)
	}
}

// sendSSLRequest sends the truncated HandshakeResponse41 (capability
// flags + max packet size + charset, no username/auth) that triggers a
// TLS upgrade before the real response is sent.
func (c *Conn) sendSSLRequest(caps uint32) error {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, caps)
	binary.Write(&buf, binary.LittleEndian, uint32(1<<24-1))
	buf.WriteByte(45) // utf8mb4_general_ci
	buf.Write(make([]byte, 23))
	return c.writePacket(buf.Bytes())
}

// sendHandshakeResponse41 builds and sends the full HandshakeResponse41
// packet with the computed auth response for the negotiated plugin.
func (c *Conn) sendHandshakeResponse41(caps uint32, authPlugin string, authResponse []byte) error {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, caps)
	binary.Write(&buf, binary.LittleEndian, uint32(1<<24-1))
	buf.WriteByte(45)
	buf.Write(make([]byte, 23))

	buf.WriteString(c.cfg.Username)
	buf.WriteByte(0)

	if caps&clientPluginAuthLenEnc != 0 {
		frame.WriteLenEncInt(&buf, uint64(len(authResponse)))
		buf.Write(authResponse)
	} else {
		buf.WriteByte(byte(len(authResponse)))
		buf.Write(authResponse)
	}

	if caps&clientConnectWithDB != 0 {
		buf.WriteString(c.cfg.Database)
		buf.WriteByte(0)
	}

	if caps&clientPluginAuth != 0 {
		buf.WriteString(authPlugin)
		buf.WriteByte(0)
	}

	return c.writePacket(buf.Bytes())
}

// scrambleNativePassword computes mysql_native_password's response:
// SHA1(password) XOR SHA1(challenge + SHA1(SHA1(password))).
func scrambleNativePassword(password string, challenge []byte) []byte {
	if password == "" {
		return nil
	}
	pwHash := sha1Sum([]byte(password))
	pwHashHash := sha1Sum(pwHash)

	step := sha1.New()
	step.Write(challenge)
	step.Write(pwHashHash)
	stepHash := step.Sum(nil)

	out := make([]byte, len(pwHash))
	for i := range out {
		out[i] = pwHash[i] ^ stepHash[i]
	}
	return out
}

func sha1Sum(b []byte) []byte {
	h := sha1.Sum(b)
	return h[:]
}
