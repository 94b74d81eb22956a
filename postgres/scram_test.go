package postgres

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"golang.org/x/crypto/pbkdf2"
)

// Simulated full exchange: the server, holding only StoredKey/ServerKey
// derived from the password, must be able to verify the client proof by
// recovering ClientKey = ClientProof XOR ClientSignature and hashing it.
func TestScramClientProofVerifiesAgainstStoredKey(t *testing.T) {
	t.Parallel()

	const (
		password    = "pencil"
		clientNonce = "rOprNGfwEbeRWgbNEkqO"
		serverNonce = clientNonce + "%hvYDpWUa2RaTCAfuxF"
		iterations  = 4096
	)
	salt := []byte("salty-salt-16byt")

	// Client side, as authSCRAM computes it.
	clientFirstBare := "n=user,r=" + clientNonce
	serverFirst := "r=" + serverNonce +
		",s=" + base64.StdEncoding.EncodeToString(salt) +
		",i=4096"
	clientFinalWithoutProof := "c=" + base64.StdEncoding.EncodeToString([]byte("n,,")) + ",r=" + serverNonce

	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)
	authMessage := clientFirstBare + "," + serverFirst + "," + clientFinalWithoutProof
	clientSignature := hmacSHA256(storedKey, []byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature)

	// Server side: knows storedKey (not clientKey), recomputes the
	// signature and recovers the client key from the proof.
	serverSideSignature := hmacSHA256(storedKey, []byte(authMessage))
	recoveredClientKey := xorBytes(clientProof, serverSideSignature)
	if !bytes.Equal(sha256Sum(recoveredClientKey), storedKey) {
		t.Fatalf("SHA256(ClientProof XOR ClientSignature) != StoredKey")
	}

	// Server signature check, as the client performs on SASL-final.
	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	serverSignature := hmacSHA256(serverKey, []byte(authMessage))
	if len(serverSignature) != 32 {
		t.Fatalf("server signature length = %d", len(serverSignature))
	}
}

// A proof computed from the wrong password must not verify.
func TestScramWrongPasswordFailsVerification(t *testing.T) {
	t.Parallel()
	salt := []byte("salty-salt-16byt")
	authMessage := "n=user,r=abc,r=abcdef,s=c2FsdA==,i=4096,c=biws,r=abcdef"

	derive := func(password string) (clientKey, storedKey []byte) {
		salted := pbkdf2.Key([]byte(password), salt, 4096, 32, sha256.New)
		clientKey = hmacSHA256(salted, []byte("Client Key"))
		return clientKey, sha256Sum(clientKey)
	}

	_, storedKey := derive("correct")
	wrongClientKey, _ := derive("wrong")

	signature := hmacSHA256(storedKey, []byte(authMessage))
	wrongProof := xorBytes(wrongClientKey, signature)

	recovered := xorBytes(wrongProof, signature)
	if bytes.Equal(sha256Sum(recovered), storedKey) {
		t.Fatalf("wrong-password proof must not verify")
	}
}

func TestParseServerFirst(t *testing.T) {
	t.Parallel()
	nonce, salt, iterations, err := parseServerFirst("r=abcXYZ,s=" + base64.StdEncoding.EncodeToString([]byte("some-salt")) + ",i=4096")
	if err != nil {
		t.Fatal(err)
	}
	if nonce != "abcXYZ" {
		t.Fatalf("nonce = %q", nonce)
	}
	if string(salt) != "some-salt" {
		t.Fatalf("salt = %q", salt)
	}
	if iterations != 4096 {
		t.Fatalf("iterations = %d", iterations)
	}
}

func TestParseServerFirstRejectsGarbage(t *testing.T) {
	t.Parallel()
	if _, _, _, err := parseServerFirst("nonsense"); err == nil {
		t.Fatalf("expected error for malformed server-first-message")
	}
}

func TestMD5HexMatchesPostgresScheme(t *testing.T) {
	t.Parallel()
	// Postgres MD5 auth: "md5" + hex(md5(hex(md5(password+user)) + salt)).
	// md5("secretadmin") has a stable value this pins.
	inner := md5Hex([]byte("secret" + "admin"))
	if len(inner) != 32 {
		t.Fatalf("inner digest length = %d", len(inner))
	}
	if inner != "ea909ccfbf42c1d230f26167db4d4fdb" {
		t.Fatalf("inner digest = %s", inner)
	}
	outer := md5Hex(append([]byte(inner), 0x01, 0x02, 0x03, 0x04))
	if len(outer) != 32 {
		t.Fatalf("outer digest length = %d", len(outer))
	}
	if inner == outer {
		t.Fatalf("salted digest must differ from inner digest")
	}
}
