// Package protocol implements the subset of the Minecraft Java Edition wire
// protocol that quietbridge needs: primitive data types, packet framing with
// optional zlib compression and AES/CFB8 encryption, the handshake and login
// packets, and per-version packet tables that tag the few play packets the
// bridge inspects.
//
// Everything the bridge does not inspect is relayed as an opaque payload.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxStringLength is the maximum number of UTF-16 code units in a protocol
// string (32767). Byte length is bounded at four times that.
const MaxStringLength = 32767

// ErrShortBuffer is returned when a read runs past the end of the buffer.
var ErrShortBuffer = errors.New("short buffer")

// ErrVarIntTooLong is returned when a VarInt exceeds five bytes.
var ErrVarIntTooLong = errors.New("varint too long")

// Buffer reads protocol values from a byte slice. Reads advance an internal
// offset; a failed read leaves the offset unchanged.
type Buffer struct {
	data []byte
	off  int
}

// NewBuffer returns a Buffer reading from b.
func NewBuffer(b []byte) *Buffer {
	return &Buffer{data: b}
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int { return len(b.data) - b.off }

// Rest returns the unread bytes without consuming them.
func (b *Buffer) Rest() []byte { return b.data[b.off:] }

func (b *Buffer) take(n int) ([]byte, error) {
	if n < 0 || b.Len() < n {
		return nil, fmt.Errorf("read %d bytes with %d left: %w", n, b.Len(), ErrShortBuffer)
	}
	p := b.data[b.off : b.off+n]
	b.off += n
	return p, nil
}

// ReadByte reads one unsigned byte.
func (b *Buffer) ReadByte() (byte, error) {
	p, err := b.take(1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

// ReadBool reads a one-byte boolean.
func (b *Buffer) ReadBool() (bool, error) {
	v, err := b.ReadByte()
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		b.off--
		return false, fmt.Errorf("invalid boolean 0x%02x", v)
	}
}

// ReadUint16 reads a big-endian unsigned short.
func (b *Buffer) ReadUint16() (uint16, error) {
	p, err := b.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(p), nil
}

// ReadLong reads a big-endian signed 64-bit integer.
func (b *Buffer) ReadLong() (int64, error) {
	p, err := b.take(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(p)), nil
}

// ReadVarInt reads a VarInt.
func (b *Buffer) ReadVarInt() (int32, error) {
	start := b.off
	var v uint32
	for i := 0; ; i++ {
		if i == 5 {
			b.off = start
			return 0, ErrVarIntTooLong
		}
		c, err := b.ReadByte()
		if err != nil {
			b.off = start
			return 0, err
		}
		v |= uint32(c&0x7f) << (7 * i)
		if c&0x80 == 0 {
			return int32(v), nil
		}
	}
}

// ReadByteArray reads a VarInt length-prefixed byte array. The returned slice
// aliases the buffer.
func (b *Buffer) ReadByteArray() ([]byte, error) {
	start := b.off
	n, err := b.ReadVarInt()
	if err != nil {
		return nil, err
	}
	p, err := b.take(int(n))
	if err != nil {
		b.off = start
		return nil, err
	}
	return p, nil
}

// ReadString reads a VarInt length-prefixed UTF-8 string.
func (b *Buffer) ReadString() (string, error) {
	start := b.off
	p, err := b.ReadByteArray()
	if err != nil {
		return "", err
	}
	if len(p) > 4*MaxStringLength {
		b.off = start
		return "", fmt.Errorf("string of %d bytes exceeds limit", len(p))
	}
	if !utf8.Valid(p) {
		b.off = start
		return "", errors.New("string is not valid UTF-8")
	}
	return string(p), nil
}

// ReadUUID reads a 128-bit UUID.
func (b *Buffer) ReadUUID() (uuid.UUID, error) {
	p, err := b.take(16)
	if err != nil {
		return uuid.Nil, err
	}
	var id uuid.UUID
	copy(id[:], p)
	return id, nil
}

// Skip discards n bytes.
func (b *Buffer) Skip(n int) error {
	_, err := b.take(n)
	return err
}

// AppendVarInt appends v as a VarInt.
func AppendVarInt(dst []byte, v int32) []byte {
	u := uint32(v)
	for u >= 0x80 {
		dst = append(dst, byte(u)|0x80)
		u >>= 7
	}
	return append(dst, byte(u))
}

// VarIntSize returns the encoded length of v.
func VarIntSize(v int32) int {
	u := uint32(v)
	n := 1
	for u >= 0x80 {
		u >>= 7
		n++
	}
	return n
}

// AppendString appends s with a VarInt length prefix.
func AppendString(dst []byte, s string) []byte {
	dst = AppendVarInt(dst, int32(len(s)))
	return append(dst, s...)
}

// AppendByteArray appends p with a VarInt length prefix.
func AppendByteArray(dst, p []byte) []byte {
	dst = AppendVarInt(dst, int32(len(p)))
	return append(dst, p...)
}

// AppendBool appends a one-byte boolean.
func AppendBool(dst []byte, v bool) []byte {
	if v {
		return append(dst, 1)
	}
	return append(dst, 0)
}

// AppendUint16 appends a big-endian unsigned short.
func AppendUint16(dst []byte, v uint16) []byte {
	return binary.BigEndian.AppendUint16(dst, v)
}

// AppendLong appends a big-endian signed 64-bit integer.
func AppendLong(dst []byte, v int64) []byte {
	return binary.BigEndian.AppendUint64(dst, uint64(v))
}

// AppendUUID appends a 128-bit UUID.
func AppendUUID(dst []byte, id uuid.UUID) []byte {
	return append(dst, id[:]...)
}

// readVarIntFrom reads a VarInt one byte at a time from next.
func readVarIntFrom(next func() (byte, error)) (int32, error) {
	var v uint32
	for i := 0; i < 5; i++ {
		c, err := next()
		if err != nil {
			return 0, err
		}
		v |= uint32(c&0x7f) << (7 * i)
		if c&0x80 == 0 {
			if v > math.MaxInt32 {
				return 0, fmt.Errorf("negative length prefix %d", int32(v))
			}
			return int32(v), nil
		}
	}
	return 0, ErrVarIntTooLong
}
