// Package frame provides the low-level byte-framing primitives shared by
// the tds, postgres and mysql engines: fixed-width integer codecs, NUL- and
// length-prefixed string codecs, MySQL length-encoded integers/strings, and
// the TDS PLP (Partially Length-Prefixed) chunk codec.
package frame

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf16"
)

func ReadUint16LE(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func ReadUint16BE(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func ReadUint32LE(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func ReadUint32BE(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func ReadUint64LE(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func ReadUint64BE(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func WriteUint16LE(w io.Writer, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func WriteUint16BE(w io.Writer, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func WriteUint32LE(w io.Writer, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func WriteUint32BE(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func WriteUint64LE(w io.Writer, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

// ReadNulString reads bytes up to and including a terminating 0x00 and
// returns the content without the terminator.
func ReadNulString(r *bufio.Reader) (string, error) {
	s, err := r.ReadString(0)
	if err != nil {
		return "", err
	}
	return s[:len(s)-1], nil
}

// ReadUTF16LEString reads n UTF-16LE code units (2*n bytes) and decodes
// them to a Go string. TDS strings are always measured in UTF-16 code
// units, never bytes, so n is the unit count.
func ReadUTF16LEString(r io.Reader, units int) (string, error) {
	buf := make([]byte, units*2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	u16 := make([]uint16, units)
	for i := 0; i < units; i++ {
		u16[i] = binary.LittleEndian.Uint16(buf[i*2:])
	}
	return string(utf16.Decode(u16)), nil
}

// WriteUTF16LEString encodes s as UTF-16LE and writes it, returning the
// number of code units written (the length a TDS length-prefix field
// expects).
func WriteUTF16LEString(w io.Writer, s string) (int, error) {
	u16 := utf16.Encode([]rune(s))
	buf := make([]byte, len(u16)*2)
	for i, u := range u16 {
		binary.LittleEndian.PutUint16(buf[i*2:], u)
	}
	_, err := w.Write(buf)
	return len(u16), err
}

// ReadLenEncInt reads a MySQL length-encoded integer (the first byte
// selects a 1/3/4/9-byte encoding, or signals NULL for 0xFB).
func ReadLenEncInt(r io.Reader) (val uint64, isNull bool, err error) {
	var first [1]byte
	if _, err = io.ReadFull(r, first[:]); err != nil {
		return 0, false, err
	}
	switch {
	case first[0] < 0xfb:
		return uint64(first[0]), false, nil
	case first[0] == 0xfb:
		return 0, true, nil
	case first[0] == 0xfc:
		v, err := ReadUint16LE(r)
		return uint64(v), false, err
	case first[0] == 0xfd:
		var b [3]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, false, err
		}
		return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16, false, nil
	case first[0] == 0xfe:
		v, err := ReadUint64LE(r)
		return v, false, err
	default:
		return 0, false, fmt.Errorf("frame: invalid length-encoded integer prefix 0x%x", first[0])
	}
}

// WriteLenEncInt writes v using the smallest MySQL length-encoded integer
// representation that fits it.
func WriteLenEncInt(w io.Writer, v uint64) error {
	switch {
	case v < 251:
		_, err := w.Write([]byte{byte(v)})
		return err
	case v < 1<<16:
		if _, err := w.Write([]byte{0xfc}); err != nil {
			return err
		}
		return WriteUint16LE(w, uint16(v))
	case v < 1<<24:
		if _, err := w.Write([]byte{0xfd, byte(v), byte(v >> 8), byte(v >> 16)}); err != nil {
			return err
		}
		return nil
	default:
		if _, err := w.Write([]byte{0xfe}); err != nil {
			return err
		}
		return WriteUint64LE(w, v)
	}
}

// ReadLenEncString reads a MySQL length-encoded string: a length-encoded
// integer followed by that many bytes. A NULL length-encoding yields
// ("", true).
func ReadLenEncString(r io.Reader) (s string, isNull bool, err error) {
	n, isNull, err := ReadLenEncInt(r)
	if err != nil || isNull {
		return "", isNull, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", false, err
	}
	return string(buf), false, nil
}

// WriteLenEncString writes s as a MySQL length-encoded string.
func WriteLenEncString(w io.Writer, s string) error {
	if err := WriteLenEncInt(w, uint64(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

// PLP sentinel lengths (TDS 7.4 §2.2.5.2.3).
const (
	PlpNullSentinel    uint64 = 0xFFFFFFFFFFFFFFFF
	PlpUnknownSentinel uint64 = 0xFFFFFFFFFFFFFFFE
)

// ReadPLP reassembles a Partially Length-Prefixed value: an 8-byte total
// length (or one of the two sentinels above) followed by a sequence of
// 4-byte chunk-length + chunk-data segments, terminated by a zero chunk
// length. It returns (nil, true, nil) for the null sentinel.
func ReadPLP(r io.Reader) (data []byte, isNull bool, err error) {
	total, err := ReadUint64LE(r)
	if err != nil {
		return nil, false, err
	}
	if total == PlpNullSentinel {
		return nil, true, nil
	}
	if total != PlpUnknownSentinel && total <= uint64(^uint32(0)) {
		data = make([]byte, 0, total)
	}
	for {
		chunkLen, err := ReadUint32LE(r)
		if err != nil {
			return nil, false, err
		}
		if chunkLen == 0 {
			break
		}
		chunk := make([]byte, chunkLen)
		if _, err := io.ReadFull(r, chunk); err != nil {
			return nil, false, err
		}
		data = append(data, chunk...)
	}
	return data, false, nil
}

// WritePLP writes data as a single-chunk PLP value with an explicit total
// length (the "known length" form; TDS permits but does not require chunk
// splitting on the wire for client-originated data).
func WritePLP(w io.Writer, data []byte) error {
	if data == nil {
		return WriteUint64LE(w, PlpNullSentinel)
	}
	if err := WriteUint64LE(w, uint64(len(data))); err != nil {
		return err
	}
	if len(data) > 0 {
		if err := WriteUint32LE(w, uint32(len(data))); err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
	}
	return WriteUint32LE(w, 0)
}
