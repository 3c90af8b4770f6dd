package protocol

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteInt32BigEndian(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteInt32(&buf, 0x01020304))
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, buf.Bytes())

	buf.Reset()
	require.NoError(t, WriteInt32(&buf, -1))
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, buf.Bytes())
}

func TestUint32SharesInt32Bytes(t *testing.T) {
	var a, b bytes.Buffer
	require.NoError(t, WriteInt32(&a, -2))
	require.NoError(t, WriteUint32(&b, 0xFFFFFFFE))
	assert.Equal(t, a.Bytes(), b.Bytes())
}

func TestReadBoolNonZeroIsTrue(t *testing.T) {
	tests := []struct {
		in   byte
		want bool
	}{
		{0x00, false},
		{0x01, true},
		{0x02, true},
		{0xFF, true},
	}
	for _, tt := range tests {
		v, err := ReadBool(bytes.NewReader([]byte{tt.in}))
		require.NoError(t, err)
		assert.Equal(t, tt.want, v, "byte %#x", tt.in)
	}
}

func TestWriteStringPrefixCountsBytes(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteString(&buf, "héllo"))
	// é is two bytes in UTF-8
	assert.Equal(t, []byte{0x00, 0x06, 'h', 0xC3, 0xA9, 'l', 'l', 'o'}, buf.Bytes())
}

func TestWriteStringEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteString(&buf, ""))
	assert.Equal(t, []byte{0x00, 0x00}, buf.Bytes())

	s, err := ReadString(&buf)
	require.NoError(t, err)
	assert.Equal(t, "", s)
}

func TestWriteStringTooLong(t *testing.T) {
	var buf bytes.Buffer
	err := WriteString(&buf, strings.Repeat("a", MaxStringLength+1))
	assert.ErrorIs(t, err, ErrStringTooLong)
	assert.Zero(t, buf.Len())

	require.NoError(t, WriteString(&buf, strings.Repeat("a", MaxStringLength)))
	assert.Equal(t, MaxStringLength+2, buf.Len())
}

func TestReadStringInvalidUTF8(t *testing.T) {
	_, err := ReadString(bytes.NewReader([]byte{0x00, 0x02, 0xC3, 0x28}))
	assert.ErrorIs(t, err, ErrInvalidUTF8)
}

func TestReadStringTruncated(t *testing.T) {
	_, err := ReadString(bytes.NewReader([]byte{0x00, 0x05, 'a', 'b'}))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = ReadString(bytes.NewReader([]byte{0x00}))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadInt32EOF(t *testing.T) {
	_, err := ReadInt32(bytes.NewReader(nil))
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadCountNegative(t *testing.T) {
	_, err := readCount(bytes.NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF}))
	assert.ErrorIs(t, err, ErrInvalidCount)
}

func TestCapHint(t *testing.T) {
	assert.Equal(t, 0, capHint(0))
	assert.Equal(t, 10, capHint(10))
	assert.Equal(t, 1024, capHint(1<<30))
}
