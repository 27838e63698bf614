// Package binproto implements the big-endian framing and varint encoding
// used throughout the access-point wire protocol.
package binproto

import (
	"encoding/binary"
	"errors"
	"io"
)

// ErrShortBuffer is returned when a read would run past the end of the
// supplied buffer.
var ErrShortBuffer = errors.New("binproto: short buffer")

// PutUint16 writes v as big-endian into buf[0:2].
func PutUint16(buf []byte, v uint16) {
	binary.BigEndian.PutUint16(buf, v)
}

// Uint16 reads a big-endian uint16 from buf[0:2].
func Uint16(buf []byte) uint16 {
	return binary.BigEndian.Uint16(buf)
}

// PutUint32 writes v as big-endian into buf[0:4].
func PutUint32(buf []byte, v uint32) {
	binary.BigEndian.PutUint32(buf, v)
}

// Uint32 reads a big-endian uint32 from buf[0:4].
func Uint32(buf []byte) uint32 {
	return binary.BigEndian.Uint32(buf)
}

// WriteLengthPrefixed writes a 2-byte big-endian length followed by data.
func WriteLengthPrefixed(w io.Writer, data []byte) error {
	var hdr [2]byte
	if len(data) > 0xFFFF {
		return errors.New("binproto: payload exceeds uint16 length")
	}
	PutUint16(hdr[:], uint16(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// ReadLengthPrefixed reads a 2-byte big-endian length followed by that many bytes.
func ReadLengthPrefixed(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := Uint16(hdr[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadVarint reads a Spotify-style base-128 varint from buf starting at
// offset off. Only the first two bytes participate: if the high bit of the
// first byte is clear, the value is that byte; otherwise the value is
// (b0 & 0x7F) | (b1 << 7). It returns the decoded value and the number of
// bytes consumed.
func ReadVarint(buf []byte, off int) (value int, consumed int, err error) {
	if off >= len(buf) {
		return 0, 0, ErrShortBuffer
	}
	b0 := buf[off]
	if b0&0x80 == 0 {
		return int(b0), 1, nil
	}
	if off+1 >= len(buf) {
		return 0, 0, ErrShortBuffer
	}
	b1 := buf[off+1]
	value = int(b0&0x7F) | int(b1)<<7
	return value, 2, nil
}

// AppendVarint appends the varint encoding of v (v must fit in 14 bits,
// which is all this protocol ever needs) to buf and returns the result.
func AppendVarint(buf []byte, v int) []byte {
	if v < 0 {
		panic("binproto: negative varint")
	}
	if v < 0x80 {
		return append(buf, byte(v))
	}
	return append(buf, byte(v&0x7F)|0x80, byte(v>>7))
}
