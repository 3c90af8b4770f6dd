package protocol

import (
	"encoding/binary"
	"errors"
	"io"
	"unicode/utf8"
)

// MaxStringLength is the largest encoded string the 2-byte length prefix can carry.
const MaxStringLength = 0xFFFF

var (
	ErrStringTooLong = errors.New("string exceeds maximum encoded length (65535 bytes)")
	ErrInvalidUTF8   = errors.New("string is not valid UTF-8")
	ErrInvalidCount  = errors.New("invalid element count")
)

// WriteInt32 writes a 32-bit signed big-endian integer.
func WriteInt32(w io.Writer, v int32) error {
	return WriteUint32(w, uint32(v))
}

// ReadInt32 reads a 32-bit signed big-endian integer.
func ReadInt32(r io.Reader) (int32, error) {
	v, err := ReadUint32(r)
	return int32(v), err
}

// WriteUint32 writes the same 4 bytes as WriteInt32, interpreted as unsigned.
// IDs and capacities use this form.
func WriteUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// ReadUint32 reads a 32-bit big-endian integer as unsigned.
func ReadUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// WriteBool writes a single byte, 1 for true and 0 for false.
func WriteBool(w io.Writer, v bool) error {
	var b [1]byte
	if v {
		b[0] = 1
	}
	_, err := w.Write(b[:])
	return err
}

// ReadBool reads a single byte. Any non-zero value is true.
func ReadBool(r io.Reader) (bool, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

// WriteString writes a 2-byte big-endian byte length followed by the UTF-8 bytes.
// The length counts encoded bytes, not characters.
func WriteString(w io.Writer, s string) error {
	if len(s) > MaxStringLength {
		return ErrStringTooLong
	}
	buf := make([]byte, 2+len(s))
	binary.BigEndian.PutUint16(buf[:2], uint16(len(s)))
	copy(buf[2:], s)
	_, err := w.Write(buf)
	return err
}

// ReadString reads a length-prefixed UTF-8 string.
func ReadString(r io.Reader) (string, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	if n == 0 {
		return "", nil
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", ErrInvalidUTF8
	}
	return string(data), nil
}

// readCount reads an element count prefix for list messages.
func readCount(r io.Reader) (int, error) {
	n, err := ReadInt32(r)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, ErrInvalidCount
	}
	return int(n), nil
}

// capHint bounds slice preallocation so a hostile count cannot force a huge allocation.
func capHint(n int) int {
	if n > 1024 {
		return 1024
	}
	return n
}
