package mysql

import (
	"testing"

	"github.com/mickamy/sqlnative/value"
)

func TestDecodeTextInt(t *testing.T) {
	t.Parallel()
	v, err := decodeText(typeLong, 0, []byte("42"))
	if err != nil {
		t.Fatal(err)
	}
	n, ok := v.AsInt64()
	if !ok || n != 42 {
		t.Fatalf("got %v", v)
	}
	if v.Kind != value.KindInt32 {
		t.Fatalf("kind = %v, want int32", v.Kind)
	}
}

func TestDecodeTextUnsignedBigint(t *testing.T) {
	t.Parallel()
	v, err := decodeText(typeLonglong, unsignedFlag, []byte("18446744073709551615"))
	if err != nil {
		t.Fatal(err)
	}
	n, _ := v.AsInt64()
	if uint64(n) != 18446744073709551615 {
		t.Fatalf("got %d", n)
	}
}

func TestDecodeTextLegacyDecimalAsDouble(t *testing.T) {
	t.Parallel()
	v, err := decodeText(typeDecimal, 0, []byte("12.50"))
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind != value.KindFloat64 {
		t.Fatalf("kind = %v, want float64", v.Kind)
	}
	f, _ := v.AsFloat64()
	if f != 12.5 {
		t.Fatalf("got %v", f)
	}
}

func TestDecodeTextNewDecimalExact(t *testing.T) {
	t.Parallel()
	v, err := decodeText(typeNewDecimal, 0, []byte("12345678901234567890.123456789"))
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind != value.KindDecimal {
		t.Fatalf("kind = %v, want decimal", v.Kind)
	}
	d, _ := v.AsDecimal()
	if d.String() != "12345678901234567890.123456789" {
		t.Fatalf("decimal text round trip = %q", d.String())
	}
}

func TestDecodeTextBitAsBool(t *testing.T) {
	t.Parallel()
	v, err := decodeText(typeBit, 0, []byte{1})
	if err != nil {
		t.Fatal(err)
	}
	b, ok := v.AsBool()
	if !ok || !b {
		t.Fatalf("got %v", v)
	}
}

func TestDecodeTextUUIDHeuristic(t *testing.T) {
	t.Parallel()
	uuidText := "550e8400-e29b-41d4-a716-446655440000"
	v, err := decodeText(typeString, 0, []byte(uuidText))
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind != value.KindUUID {
		t.Fatalf("kind = %v, want uuid", v.Kind)
	}
}

func TestDecodeTextUnknownDegradesToText(t *testing.T) {
	t.Parallel()
	v, err := decodeText(0x0F /* VARCHAR */, 0, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	s, ok := v.AsText()
	if !ok || s != "hello" {
		t.Fatalf("got %v", v)
	}
}
