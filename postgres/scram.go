package postgres

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	pgproto "github.com/jackc/pgproto3/v2"
	"golang.org/x/crypto/pbkdf2"

	"github.com/mickamy/sqlnative/dberr"
)

// authMD5 performs PostgreSQL's legacy MD5 challenge: the client sends
// "md5" + hex(md5(hex(md5(password+user)) + salt)).
func (c *Conn) authMD5(salt [4]byte) error {
	inner := md5Hex([]byte(c.cfg.Password + c.cfg.Username))
	outer := md5Hex(append([]byte(inner), salt[:]...))
	if err := c.send(&pgproto.PasswordMessage{Password: "md5" + outer}); err != nil {
		return err
	}
	return c.expectAuthOK()
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// authSCRAM performs the full SCRAM-SHA-256 exchange. The wire framing is
// handled by pgproto3; the exchange algebra mirrors a known-good client
// implementation exactly (gs2 header, PBKDF2 salted password, HMAC-derived
// client/server keys, AuthMessage construction, final signature check).
func (c *Conn) authSCRAM(mechanisms []string) error {
	if !containsMechanism(mechanisms, "SCRAM-SHA-256") {
		return dberr.AuthenticationFailed(fmt.Sprintf("postgres: server does not support SCRAM-SHA-256, offered: %v", mechanisms))
	}

	nonceBytes := make([]byte, 18)
	if _, err := rand.Read(nonceBytes); err != nil {
		return dberr.Connection("postgres: generate scram nonce", err)
	}
	clientNonce := base64.StdEncoding.EncodeToString(nonceBytes)

	const gs2Header = "n,,"
	clientFirstBare := fmt.Sprintf("n=%s,r=%s", saslEscapeUsername(c.cfg.Username), clientNonce)
	clientFirstMsg := gs2Header + clientFirstBare

	if err := c.send(&pgproto.SASLInitialResponse{
		AuthMechanism: "SCRAM-SHA-256",
		Data:          []byte(clientFirstMsg),
	}); err != nil {
		return err
	}

	msg, err := c.fe.Receive()
	if err != nil {
		return dberr.Connection("postgres: read scram server-first-message", err)
	}
	cont, ok := msg.(*pgproto.AuthenticationSASLContinue)
	if !ok {
		if ar, ok := msg.(*pgproto.ErrorResponse); ok {
			return serverErrorFromResponse(ar)
		}
		return dberr.Protocol(fmt.Sprintf("postgres: expected AuthenticationSASLContinue, got %T", msg))
	}
	serverFirstMsg := cont.Data

	serverNonce, salt, iterations, err := parseServerFirst(string(serverFirstMsg))
	if err != nil {
		return dberr.Protocol(fmt.Sprintf("postgres: parsing scram server-first-message: %v", err))
	}
	if !strings.HasPrefix(serverNonce, clientNonce) {
		return dberr.AuthenticationFailed("postgres: scram server nonce does not extend client nonce")
	}

	saltedPassword := pbkdf2.Key([]byte(c.cfg.Password), salt, iterations, 32, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)

	channelBinding := "c=" + base64.StdEncoding.EncodeToString([]byte(gs2Header))
	clientFinalWithoutProof := fmt.Sprintf("%s,r=%s", channelBinding, serverNonce)

	authMessage := clientFirstBare + "," + string(serverFirstMsg) + "," + clientFinalWithoutProof
	clientSignature := hmacSHA256(storedKey, []byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature)

	clientFinalMsg := clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)
	if err := c.send(&pgproto.SASLResponse{Data: []byte(clientFinalMsg)}); err != nil {
		return err
	}

	msg, err = c.fe.Receive()
	if err != nil {
		return dberr.Connection("postgres: read scram server-final-message", err)
	}
	final, ok := msg.(*pgproto.AuthenticationSASLFinal)
	if !ok {
		if ar, ok := msg.(*pgproto.ErrorResponse); ok {
			return serverErrorFromResponse(ar)
		}
		return dberr.Protocol(fmt.Sprintf("postgres: expected AuthenticationSASLFinal, got %T", msg))
	}

	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	expectedServerSig := hmacSHA256(serverKey, []byte(authMessage))
	expectedServerFinal := "v=" + base64.StdEncoding.EncodeToString(expectedServerSig)
	if string(final.Data) != expectedServerFinal {
		return dberr.AuthenticationFailed("postgres: scram server signature mismatch")
	}

	return c.expectAuthOK()
}

func containsMechanism(mechs []string, target string) bool {
	for _, m := range mechs {
		if m == target {
			return true
		}
	}
	return false
}

func parseServerFirst(msg string) (nonce string, salt []byte, iterations int, err error) {
	parts := strings.Split(msg, ",")
	for _, part := range parts {
		switch {
		case strings.HasPrefix(part, "r="):
			nonce = part[2:]
		case strings.HasPrefix(part, "s="):
			salt, err = base64.StdEncoding.DecodeString(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("decoding salt: %w", err)
			}
		case strings.HasPrefix(part, "i="):
			iterations, err = strconv.Atoi(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("parsing iteration count: %w", err)
			}
		}
	}
	if nonce == "" || salt == nil || iterations == 0 {
		return "", nil, 0, fmt.Errorf("incomplete server-first-message: %q", msg)
	}
	return nonce, salt, iterations, nil
}

func saslEscapeUsername(user string) string {
	user = strings.ReplaceAll(user, "=", "=3D")
	user = strings.ReplaceAll(user, ",", "=2C")
	return user
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func sha256Sum(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

func xorBytes(a, b []byte) []byte {
	result := make([]byte, len(a))
	for i := range a {
		result[i] = a[i] ^ b[i]
	}
	return result
}
