package handshake

import (
	"encoding/binary"
	"fmt"

	"connectclient/internal/binproto"
)

// encodeClientHello serializes a ClientHello as:
// [2:pubkey_len][pubkey][2:nonce_len][nonce][2:cipher_len][cipher]
func encodeClientHello(h ClientHello) []byte {
	var buf []byte
	buf = appendLP(buf, h.DHPublicKey)
	buf = appendLP(buf, h.Nonce)
	buf = appendLP(buf, []byte(h.AdvertisedCipher))
	return buf
}

// encodeClientResponse serializes a ClientResponsePlaintext as [2:len][hmac].
func encodeClientResponse(r ClientResponsePlaintext) []byte {
	return appendLP(nil, r.HMAC)
}

// decodeAPResponse parses an APResponseMessage. If the first field is the
// literal marker "ERR", the remaining field is treated as an error code
// rather than the success fields.
func decodeAPResponse(b []byte) (APResponse, error) {
	off := 0
	marker, n, err := readLP(b, off)
	if err != nil {
		return APResponse{}, fmt.Errorf("read marker: %w", err)
	}
	off += n

	if string(marker) == "ERR" {
		code, n, err := readLP(b, off)
		if err != nil {
			return APResponse{}, fmt.Errorf("read error code: %w", err)
		}
		off += n
		_ = off
		return APResponse{ErrorCode: string(code)}, nil
	}

	// marker doubles as the DH public key when not an error.
	pub := marker

	nonce, n, err := readLP(b, off)
	if err != nil {
		return APResponse{}, fmt.Errorf("read nonce: %w", err)
	}
	off += n

	cert, n, err := readLP(b, off)
	if err != nil {
		return APResponse{}, fmt.Errorf("read certificate: %w", err)
	}
	off += n

	cipher, n, err := readLP(b, off)
	if err != nil {
		return APResponse{}, fmt.Errorf("read cipher: %w", err)
	}
	off += n

	return APResponse{
		DHPublicKey: pub,
		Nonce:       nonce,
		Certificate: cert,
		Cipher:      string(cipher),
	}, nil
}

func appendLP(buf, data []byte) []byte {
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(data)))
	buf = append(buf, hdr[:]...)
	buf = append(buf, data...)
	return buf
}

func readLP(b []byte, off int) (data []byte, consumed int, err error) {
	if off+2 > len(b) {
		return nil, 0, binproto.ErrShortBuffer
	}
	n := int(binary.BigEndian.Uint16(b[off : off+2]))
	if off+2+n > len(b) {
		return nil, 0, binproto.ErrShortBuffer
	}
	return b[off+2 : off+2+n], 2 + n, nil
}
