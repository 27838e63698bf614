// Package blobcrypto decrypts the Spotify-style reusable-credentials blob
// format: PBKDF2 over the device id, AES-192-ECB, a 16-byte XOR unroll, and
// a varint-delimited {auth_type, auth_data} payload (§4.4).
package blobcrypto

import (
	"encoding/base64"
	"errors"
	"fmt"

	"connectclient/internal/auth"
	"connectclient/internal/binproto"
	"connectclient/internal/cryptoutil"
)

// ErrInvalidBlob covers every blob-decode failure: bad base64, short
// ciphertext, malformed structure, or an invalid auth_type (§4.4, §7).
var ErrInvalidBlob = errors.New("blobcrypto: invalid blob")

const (
	pbkdf2Iterations = 256
	pbkdf2KeyLen     = 20
)

// Decrypt recovers the {auth_type, auth_data} pair sealed in a base64
// reusable-credentials blob, given the owning username and the local
// device id.
func Decrypt(username string, blobBase64 string, deviceID []byte) (auth.Credential, error) {
	secret := cryptoutil.SHA1(deviceID)

	derived := cryptoutil.PBKDF2SHA1(secret, []byte(username), pbkdf2Iterations, pbkdf2KeyLen)
	derived = cryptoutil.SHA1(derived)

	var lengthSuffix [4]byte
	lengthSuffix[0] = 0
	lengthSuffix[1] = 0
	lengthSuffix[2] = 0
	lengthSuffix[3] = 20
	aesKey := append(append([]byte(nil), derived...), lengthSuffix[:]...)

	blob, err := base64.StdEncoding.DecodeString(blobBase64)
	if err != nil {
		return auth.Credential{}, fmt.Errorf("%w: base64: %v", ErrInvalidBlob, err)
	}
	if len(blob) < 16 {
		return auth.Credential{}, fmt.Errorf("%w: ciphertext too short (%d bytes)", ErrInvalidBlob, len(blob))
	}

	if err := cryptoutil.ECBDecrypt(aesKey, blob); err != nil {
		return auth.Credential{}, fmt.Errorf("%w: ecb decrypt: %v", ErrInvalidBlob, err)
	}

	unrollXOR(blob)

	authType, authData, err := parseBlobBody(blob)
	if err != nil {
		return auth.Credential{}, fmt.Errorf("%w: %v", ErrInvalidBlob, err)
	}
	if authType < 0 || authType > int(auth.TypeFacebook) {
		return auth.Credential{}, fmt.Errorf("%w: invalid auth_type %d", ErrInvalidBlob, authType)
	}

	return auth.New(username, auth.Type(authType), authData), nil
}

// unrollXOR reverses the encrypt-side chaining: for i from 0 to
// len-16-1, blob[len-1-i] ^= blob[len-1-i-16].
func unrollXOR(blob []byte) {
	l := len(blob)
	for i := 0; i < l-16; i++ {
		blob[l-1-i] ^= blob[l-1-i-16]
	}
}

// parseBlobBody reads the fixed field sequence: skip 1 byte; skip a
// length-prefixed byte slice; skip 1 byte; read varint auth_type; skip 1
// byte; read length-prefixed auth_data.
func parseBlobBody(blob []byte) (authType int, authData []byte, err error) {
	off := 0

	off, err = skip(blob, off, 1)
	if err != nil {
		return 0, nil, err
	}

	off, err = skipLengthPrefixed(blob, off)
	if err != nil {
		return 0, nil, err
	}

	off, err = skip(blob, off, 1)
	if err != nil {
		return 0, nil, err
	}

	authType, n, err := binproto.ReadVarint(blob, off)
	if err != nil {
		return 0, nil, fmt.Errorf("read auth_type varint: %w", err)
	}
	off += n

	off, err = skip(blob, off, 1)
	if err != nil {
		return 0, nil, err
	}

	authData, _, err = readLengthPrefixed(blob, off)
	if err != nil {
		return 0, nil, fmt.Errorf("read auth_data: %w", err)
	}

	return authType, authData, nil
}

func skip(blob []byte, off, n int) (int, error) {
	if off+n > len(blob) {
		return 0, fmt.Errorf("%w: read past end", binproto.ErrShortBuffer)
	}
	return off + n, nil
}

func skipLengthPrefixed(blob []byte, off int) (int, error) {
	_, n, err := readLengthPrefixed(blob, off)
	if err != nil {
		return 0, err
	}
	return off + n, nil
}

func readLengthPrefixed(blob []byte, off int) (data []byte, consumed int, err error) {
	length, n, err := binproto.ReadVarint(blob, off)
	if err != nil {
		return nil, 0, err
	}
	start := off + n
	if start+length > len(blob) {
		return nil, 0, fmt.Errorf("%w: length-prefixed field overruns buffer", binproto.ErrShortBuffer)
	}
	return blob[start : start+length], n + length, nil
}
