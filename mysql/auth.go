package mysql

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/mickamy/sqlnative/dberr"
)

const (
	authMoreDataMarker byte = 0x01
	authSwitchMarker   byte = 0xFE

	cachingSha2FastAuthSuccess byte = 0x03
	cachingSha2FullAuth        byte = 0x04
)

// authenticate sends HandshakeResponse41 with the auth response computed
// for the plugin the server advertised, then drives any follow-up
// AuthMoreData / auth-switch-request exchange to a terminal OK/ERR.
func (c *Conn) authenticate(ctx context.Context, hs *handshakeV10, caps uint32) error {
	plugin := hs.authPluginName
	if plugin == "" {
		plugin = "mysql_native_password"
	}
	resp, err := computeAuthResponse(plugin, c.cfg.Password, hs.authPluginData)
	if err != nil {
		return err
	}

	if err := c.sendHandshakeResponse41(caps, plugin, resp); err != nil {
		return err
	}

	return c.finishAuth(ctx, plugin, hs.authPluginData)
}

func computeAuthResponse(plugin, password string, challenge []byte) ([]byte, error) {
	switch plugin {
	case "mysql_native_password":
		return scrambleNativePassword(password, challenge), nil
	case "caching_sha2_password":
		return scrambleCachingSha2(password, challenge), nil
	default:
		return nil, dberr.Unsupported(fmt.Sprintf("mysql: unsupported authentication plugin %q", plugin))
	}
}

// finishAuth reads the server's response to the handshake response packet,
// following auth-switch-request and AuthMoreData (caching_sha2 fast/full
// path) continuations through to a terminal OK or ERR packet.
func (c *Conn) finishAuth(ctx context.Context, plugin string, challenge []byte) error {
	pkt, err := c.readPacket(ctx)
	if err != nil {
		return connErr("mysql: read auth response", err)
	}

	for {
		if len(pkt) == 0 {
			return dberr.Protocol("mysql: empty auth response packet")
		}
		switch pkt[0] {
		case iOK:
			return nil
		case iERR:
			return errFromPacket(pkt)
		case authSwitchMarker:
			newPlugin, newChallenge, err := parseAuthSwitchRequest(pkt)
			if err != nil {
				return err
			}
			resp, err := computeAuthResponse(newPlugin, c.cfg.Password, newChallenge)
			if err != nil {
				return err
			}
			if err := c.writePacket(resp); err != nil {
				return err
			}
			plugin, challenge = newPlugin, newChallenge
			pkt, err = c.readPacket(ctx)
			if err != nil {
				return connErr("mysql: read auth switch response", err)
			}
			continue
		case authMoreDataMarker:
			if plugin != "caching_sha2_password" || len(pkt) < 2 {
				return dberr.Protocol("mysql: unexpected AuthMoreData for plugin " + plugin)
			}
			switch pkt[1] {
			case cachingSha2FastAuthSuccess:
				pkt, err = c.readPacket(ctx)
				if err != nil {
					return connErr("mysql: read post-fast-auth packet", err)
				}
				continue
			case cachingSha2FullAuth:
				if !c.tlsActive() {
					return dberr.Unsupported("mysql: caching_sha2_password full authentication requires TLS when the fast path fails")
				}
				if err := c.writePacket(append([]byte(c.cfg.Password), 0)); err != nil {
					return err
				}
				pkt, err = c.readPacket(ctx)
				if err != nil {
					return connErr("mysql: read full-auth response", err)
				}
				continue
			default:
				return dberr.Protocol(fmt.Sprintf("mysql: unknown AuthMoreData status 0x%x", pkt[1]))
			}
		default:
			return dberr.Protocol(fmt.Sprintf("mysql: unexpected auth response packet 0x%x", pkt[0]))
		}
	}
}

func parseAuthSwitchRequest(pkt []byte) (plugin string, challenge []byte, err error) {
	r := bytes.NewReader(pkt[1:])
	plugin, rerr := readNulStringBytes(r)
	if rerr != nil {
		return "", nil, dberr.Protocol("mysql: read auth switch plugin name")
	}
	challenge = make([]byte, r.Len())
	_, _ = r.Read(challenge)
	challenge = bytes.TrimRight(challenge, "\x00")
	return plugin, challenge, nil
}

// scrambleCachingSha2 computes caching_sha2_password's fast-auth response:
// SHA256(password) XOR SHA256(SHA256(SHA256(password)) || challenge).
func scrambleCachingSha2(password string, challenge []byte) []byte {
	if password == "" {
		return nil
	}
	pwHash := sha256Sum([]byte(password))
	pwHashHash := sha256Sum(pwHash)

	h := sha256.New()
	h.Write(pwHashHash)
	h.Write(challenge)
	stepHash := h.Sum(nil)

	out := make([]byte, len(pwHash))
	for i := range out {
		out[i] = pwHash[i] ^ stepHash[i]
	}
	return out
}

func sha256Sum(b []byte) []byte {
	h := sha256.Sum256(b)
	return h[:]
}

func (c *Conn) tlsActive() bool {
	return c.tlsUpgraded
}

// errFromPacket parses an ERR packet: header 0xFF, 2-byte error code, an
// optional '#'+5-byte sqlstate marker (present once CLIENT_PROTOCOL_41 is
// negotiated, which this engine always asserts), then the message.
func errFromPacket(pkt []byte) *dberr.Error {
	if len(pkt) < 3 {
		return dberr.Protocol("mysql: truncated ERR packet")
	}
	code := int32(binary.LittleEndian.Uint16(pkt[1:3]))
	rest := pkt[3:]
	sqlState := ""
	if len(rest) >= 6 && rest[0] == '#' {
		sqlState = string(rest[1:6])
		rest = rest[6:]
	}
	return dberr.Server(code, sqlState, string(rest))
}
