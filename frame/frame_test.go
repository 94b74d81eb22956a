package frame

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
)

func TestUint32RoundTripLE(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := WriteUint32LE(&buf, 0xDEADBEEF); err != nil {
		t.Fatal(err)
	}
	got, err := ReadUint32LE(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0xDEADBEEF {
		t.Fatalf("got %x", got)
	}
}

func TestNulString(t *testing.T) {
	t.Parallel()
	r := bufio.NewReader(strings.NewReader("hello\x00trailer"))
	s, err := ReadNulString(r)
	if err != nil {
		t.Fatal(err)
	}
	if s != "hello" {
		t.Fatalf("got %q", s)
	}
}

func TestUTF16LEStringRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	units, err := WriteUTF16LEString(&buf, "sa")
	if err != nil {
		t.Fatal(err)
	}
	got, err := ReadUTF16LEString(&buf, units)
	if err != nil {
		t.Fatal(err)
	}
	if got != "sa" {
		t.Fatalf("got %q", got)
	}
}

func TestLenEncIntRoundTrip(t *testing.T) {
	t.Parallel()
	for _, v := range []uint64{0, 1, 250, 251, 65535, 65536, 1 << 24, 1 << 40} {
		var buf bytes.Buffer
		if err := WriteLenEncInt(&buf, v); err != nil {
			t.Fatal(err)
		}
		got, isNull, err := ReadLenEncInt(&buf)
		if err != nil {
			t.Fatal(err)
		}
		if isNull || got != v {
			t.Fatalf("v=%d: got %d null=%v", v, got, isNull)
		}
	}
}

func TestLenEncIntNullMarker(t *testing.T) {
	t.Parallel()
	r := bytes.NewReader([]byte{0xfb})
	_, isNull, err := ReadLenEncInt(r)
	if err != nil || !isNull {
		t.Fatalf("expected null, got isNull=%v err=%v", isNull, err)
	}
}

func TestLenEncStringRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := WriteLenEncString(&buf, "hello world"); err != nil {
		t.Fatal(err)
	}
	got, isNull, err := ReadLenEncString(&buf)
	if err != nil || isNull || got != "hello world" {
		t.Fatalf("got %q null=%v err=%v", got, isNull, err)
	}
}

func TestPLPRoundTripKnownLength(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	payload := []byte("some nvarchar(max) content")
	if err := WritePLP(&buf, payload); err != nil {
		t.Fatal(err)
	}
	got, isNull, err := ReadPLP(&buf)
	if err != nil || isNull {
		t.Fatalf("err=%v isNull=%v", err, isNull)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q want %q", got, payload)
	}
}

func TestPLPNullSentinel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := WritePLP(&buf, nil); err != nil {
		t.Fatal(err)
	}
	got, isNull, err := ReadPLP(&buf)
	if err != nil || !isNull || got != nil {
		t.Fatalf("got %v isNull=%v err=%v", got, isNull, err)
	}
}

func TestPLPMultiChunkReassembly(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	// unknown-length sentinel followed by two chunks then terminator.
	if err := WriteUint64LE(&buf, PlpUnknownSentinel); err != nil {
		t.Fatal(err)
	}
	chunk1 := []byte("abc")
	chunk2 := []byte("defgh")
	WriteUint32LE(&buf, uint32(len(chunk1)))
	buf.Write(chunk1)
	WriteUint32LE(&buf, uint32(len(chunk2)))
	buf.Write(chunk2)
	WriteUint32LE(&buf, 0)

	got, isNull, err := ReadPLP(&buf)
	if err != nil || isNull {
		t.Fatalf("err=%v isNull=%v", err, isNull)
	}
	if string(got) != "abcdefgh" {
		t.Fatalf("got %q", got)
	}
}
