package protocol

import (
	"bufio"
	"bytes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zlib"
)

const (
	// MaxPacketSize is the largest frame a three-byte VarInt can describe.
	MaxPacketSize = 2097151
	// maxUncompressedSize bounds the declared size of a compressed packet.
	maxUncompressedSize = 8 * 1024 * 1024
)

// Packet is one decoded frame: a packet id and its payload.
type Packet struct {
	ID      int32
	Payload []byte
}

// Conn frames packets over a net.Conn. Compression and encryption are
// switched on during login, before the connection is shared between
// goroutines; after that one goroutine may read while others write.
type Conn struct {
	raw net.Conn
	br  *bufio.Reader
	r   io.Reader
	one [1]byte

	wmu sync.Mutex
	w   io.Writer

	threshold atomic.Int32
}

// NewConn wraps c with compression and encryption disabled.
func NewConn(c net.Conn) *Conn {
	br := bufio.NewReader(c)
	conn := &Conn{raw: c, br: br, r: br, w: c}
	conn.threshold.Store(-1)
	return conn
}

// SetCompression enables zlib compression for packets of at least threshold
// bytes. A negative threshold disables compression.
func (c *Conn) SetCompression(threshold int) {
	c.threshold.Store(int32(threshold))
}

// Compression returns the current compression threshold, or -1 when disabled.
func (c *Conn) Compression() int {
	return int(c.threshold.Load())
}

// EnableEncryption switches both directions to AES/CFB8 keyed by secret.
// Bytes already buffered from the socket are decrypted as they are read.
func (c *Conn) EnableEncryption(secret []byte) error {
	enc, dec, err := newCFB8(secret)
	if err != nil {
		return err
	}
	c.r = cipher.StreamReader{S: dec, R: c.br}
	c.wmu.Lock()
	c.w = cipher.StreamWriter{S: enc, W: c.raw}
	c.wmu.Unlock()
	return nil
}

func (c *Conn) readByte() (byte, error) {
	if br, ok := c.r.(io.ByteReader); ok {
		return br.ReadByte()
	}
	if _, err := io.ReadFull(c.r, c.one[:]); err != nil {
		return 0, err
	}
	return c.one[0], nil
}

// ReadPacket reads the next packet. It returns io.EOF when the peer closed
// the connection cleanly between packets.
func (c *Conn) ReadPacket() (Packet, error) {
	n, err := readVarIntFrom(c.readByte)
	if err != nil {
		return Packet{}, err
	}
	if n <= 0 || n > MaxPacketSize {
		return Packet{}, fmt.Errorf("invalid packet length %d", n)
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(c.r, frame); err != nil {
		return Packet{}, fmt.Errorf("read packet body: %w", err)
	}

	data := frame
	if c.threshold.Load() >= 0 {
		b := NewBuffer(frame)
		size, err := b.ReadVarInt()
		if err != nil {
			return Packet{}, fmt.Errorf("read data length: %w", err)
		}
		if size != 0 {
			if size < 0 || size > maxUncompressedSize {
				return Packet{}, fmt.Errorf("invalid uncompressed length %d", size)
			}
			if data, err = inflate(b.Rest(), int(size)); err != nil {
				return Packet{}, err
			}
		} else {
			data = b.Rest()
		}
	}

	b := NewBuffer(data)
	id, err := b.ReadVarInt()
	if err != nil {
		return Packet{}, fmt.Errorf("read packet id: %w", err)
	}
	return Packet{ID: id, Payload: b.Rest()}, nil
}

// WritePacket frames and writes one packet. It is safe for concurrent use.
func (c *Conn) WritePacket(id int32, payload []byte) error {
	body := make([]byte, 0, VarIntSize(id)+len(payload))
	body = AppendVarInt(body, id)
	body = append(body, payload...)

	if t := int(c.threshold.Load()); t >= 0 {
		var inner []byte
		if len(body) >= t {
			z, err := deflate(body)
			if err != nil {
				return err
			}
			inner = AppendVarInt(make([]byte, 0, 5+len(z)), int32(len(body)))
			inner = append(inner, z...)
		} else {
			inner = append([]byte{0}, body...)
		}
		body = inner
	}
	if len(body) > MaxPacketSize {
		return fmt.Errorf("packet 0x%02x of %d bytes exceeds frame limit", id, len(body))
	}

	frame := AppendVarInt(make([]byte, 0, 3+len(body)), int32(len(body)))
	frame = append(frame, body...)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.w.Write(frame)
	return err
}

// SetReadDeadline sets the read deadline on the underlying connection.
func (c *Conn) SetReadDeadline(t time.Time) error { return c.raw.SetReadDeadline(t) }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.raw.Close() }

func deflate(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(p); err != nil {
		return nil, fmt.Errorf("compress packet: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress packet: %w", err)
	}
	return buf.Bytes(), nil
}

func inflate(p []byte, size int) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(p))
	if err != nil {
		return nil, fmt.Errorf("decompress packet: %w", err)
	}
	defer zr.Close() //nolint:errcheck // reader over a byte slice
	out := make([]byte, size)
	if _, err := io.ReadFull(zr, out); err != nil {
		return nil, fmt.Errorf("decompress packet: %w", err)
	}
	return out, nil
}

// IsClosed reports whether err signals a connection closed by either side.
func IsClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}
