// Package decrypt implements DecryptStream: a seekable AES-128-CTR
// wrapper around an encrypted content stream (§4.11). The counter is
// the fixed content IV treated as a 128-bit big-endian integer, with
// the current block index added to it — not stdlib CTR's own counter
// convention, so each block's keystream is generated by hand via
// AES-ECB so arbitrary-offset seeks can recompute it directly.
package decrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"io"
)

// ErrInvalidKeySize is returned when a non-nil key isn't 16 bytes.
var ErrInvalidKeySize = errors.New("decrypt: key must be 16 bytes")

// blockSize is the AES block size, and the unit the counter advances by.
const blockSize = 16

// contentIV is the fixed base counter value every decrypted stream adds
// its current block index to.
var contentIV = [blockSize]byte{
	0x72, 0xe0, 0x67, 0xfb, 0xdd, 0xcb, 0xcf, 0x77,
	0xeb, 0xe8, 0xbc, 0x64, 0x3f, 0x63, 0x0d, 0x93,
}

// Stream wraps a seekable ciphertext source, decrypting on Read and
// recomputing keystream on Seek. A nil key makes Stream a pass-through
// (for already-unencrypted content sharing the same pipeline).
type Stream struct {
	src         io.ReadSeeker
	block       cipher.Block
	passthrough bool
	pos         int64
}

// New wraps src, decrypting with key. key must be 16 bytes, or nil for
// pass-through mode.
func New(key []byte, src io.ReadSeeker) (*Stream, error) {
	if key == nil {
		return &Stream{src: src, passthrough: true}, nil
	}
	if len(key) != blockSize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &Stream{src: src, block: block}, nil
}

// ErrSeekNotSupported is returned by a Stream built with NewAt, whose
// underlying source need not support random access.
var ErrSeekNotSupported = errors.New("decrypt: seek not supported on this stream")

// NewAt wraps src like New, but treats src's first byte as living at
// absoluteOffset within the original ciphertext — for callers that
// fetch and decrypt one range of a larger file at a time (e.g. one
// cache chunk) rather than holding a seekable handle to the whole
// thing. The returned Stream only supports sequential reads; Seek
// always fails with ErrSeekNotSupported.
func NewAt(key []byte, src io.Reader, absoluteOffset int64) (*Stream, error) {
	s, err := New(key, sequentialSource{src})
	if err != nil {
		return nil, err
	}
	s.pos = absoluteOffset
	return s, nil
}

// sequentialSource adapts a plain io.Reader into the io.ReadSeeker
// Stream requires, rejecting any actual seek attempt.
type sequentialSource struct {
	io.Reader
}

func (sequentialSource) Seek(offset int64, whence int) (int64, error) {
	return 0, ErrSeekNotSupported
}

// Read decrypts len(p) bytes (as available) starting at the stream's
// current position, advancing it by the number of bytes read.
func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.src.Read(p)
	if n > 0 {
		if !s.passthrough {
			s.decryptInPlace(p[:n], s.pos)
		}
		s.pos += int64(n)
	}
	return n, err
}

// Seek repositions the stream. The next Read recomputes keystream from
// the new offset's block, XORing only from the offset's position within
// that block.
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	newPos, err := s.src.Seek(offset, whence)
	if err != nil {
		return 0, err
	}
	s.pos = newPos
	return newPos, nil
}

// decryptInPlace XORs buf (ciphertext read starting at absolute offset
// off) with the keystream, spanning as many blocks as buf requires.
func (s *Stream) decryptInPlace(buf []byte, off int64) {
	blockIdx := uint64(off / blockSize)
	within := int(off % blockSize)

	pos := 0
	for pos < len(buf) {
		ks := s.keystreamBlock(blockIdx)
		avail := blockSize - within
		chunk := len(buf) - pos
		if chunk > avail {
			chunk = avail
		}
		for i := 0; i < chunk; i++ {
			buf[pos+i] ^= ks[within+i]
		}
		pos += chunk
		blockIdx++
		within = 0
	}
}

// keystreamBlock computes AES-ECB-Encrypt(key, contentIV + idx), adding
// idx to contentIV as a 128-bit big-endian integer with carry
// propagating from the low byte upward.
func (s *Stream) keystreamBlock(idx uint64) [blockSize]byte {
	counter := addCounter(contentIV, idx)
	var ks [blockSize]byte
	s.block.Encrypt(ks[:], counter[:])
	return ks
}

// addCounter returns iv + n, treating iv as a 128-bit big-endian
// integer and n as the addend, carrying from the last byte upward.
func addCounter(iv [blockSize]byte, n uint64) [blockSize]byte {
	out := iv
	carry := n
	for i := blockSize - 1; i >= 0 && carry > 0; i-- {
		sum := uint64(out[i]) + carry
		out[i] = byte(sum)
		carry = sum >> 8
	}
	return out
}
