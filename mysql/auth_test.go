package mysql

import "testing"

func TestScrambleNativePasswordLength(t *testing.T) {
	t.Parallel()
	challenge := []byte("01234567890123456789")
	out := scrambleNativePassword("secret", challenge)
	if len(out) != 20 {
		t.Fatalf("len = %d, want 20", len(out))
	}
}

func TestScrambleNativePasswordEmptyPassword(t *testing.T) {
	t.Parallel()
	if out := scrambleNativePassword("", []byte("challenge")); out != nil {
		t.Fatalf("expected nil auth response for empty password, got %v", out)
	}
}

func TestScrambleCachingSha2Length(t *testing.T) {
	t.Parallel()
	out := scrambleCachingSha2("secret", []byte("01234567890123456789"))
	if len(out) != 32 {
		t.Fatalf("len = %d, want 32", len(out))
	}
}

func TestParseAuthSwitchRequest(t *testing.T) {
	t.Parallel()
	pkt := append([]byte{authSwitchMarker}, []byte("caching_sha2_password\x00")...)
	pkt = append(pkt, []byte("01234567890123456789\x00")...)
	plugin, challenge, err := parseAuthSwitchRequest(pkt)
	if err != nil {
		t.Fatal(err)
	}
	if plugin != "caching_sha2_password" {
		t.Fatalf("plugin = %q", plugin)
	}
	if len(challenge) != 20 {
		t.Fatalf("challenge len = %d", len(challenge))
	}
}

func TestErrFromPacketWithoutSqlState(t *testing.T) {
	t.Parallel()
	// A pre-4.1 ERR packet (no sqlstate marker) must still parse the code
	// and message.
	pkt := []byte{iERR, 0x16, 0x04, 'b', 'a', 'd'}
	e := errFromPacket(pkt)
	if e.Code != 0x0416 {
		t.Fatalf("code = %d", e.Code)
	}
	if e.SqlState != "" {
		t.Fatalf("sqlstate = %q, want empty", e.SqlState)
	}
	if e.Message != "bad" {
		t.Fatalf("message = %q", e.Message)
	}
}
