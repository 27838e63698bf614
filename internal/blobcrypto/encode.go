package blobcrypto

import (
	"crypto/aes"
	"encoding/base64"

	"connectclient/internal/auth"
	"connectclient/internal/binproto"
	"connectclient/internal/cryptoutil"
)

// Encrypt is the inverse of Decrypt: it builds a blob such that
// Decrypt(username, Encrypt(cred, deviceID), deviceID) recovers cred
// byte-for-byte (§8's round-trip invariant). It is not part of the wire
// protocol — the server constructs blobs, the client only ever calls
// Decrypt — but is exposed so tests (and anything emulating a blob issuer)
// can build fixtures without duplicating the format.
func Encrypt(cred auth.Credential, deviceID []byte) (string, error) {
	body := buildBlobBody(cred)

	// Pad to a whole number of 16-byte blocks; AES-ECB operates block-wise
	// and Decrypt tolerates (ignores) a short trailing block, so padding
	// with zeros here is invisible to the round trip.
	if rem := len(body) % 16; rem != 0 {
		body = append(body, make([]byte, 16-rem)...)
	}

	rollXOR(body)

	secret := cryptoutil.SHA1(deviceID)
	derived := cryptoutil.PBKDF2SHA1(secret, []byte(cred.Username), pbkdf2Iterations, pbkdf2KeyLen)
	derived = cryptoutil.SHA1(derived)
	aesKey := append(append([]byte(nil), derived...), 0, 0, 0, 20)

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return "", err
	}
	for off := 0; off < len(body); off += 16 {
		block.Encrypt(body[off:off+16], body[off:off+16])
	}

	return base64.StdEncoding.EncodeToString(body), nil
}

// buildBlobBody lays out the fields parseBlobBody expects: 1 skip byte,
// a length-prefixed skip field, 1 skip byte, varint auth_type, 1 skip byte,
// length-prefixed auth_data.
func buildBlobBody(cred auth.Credential) []byte {
	var buf []byte
	buf = append(buf, 0) // leading skip byte
	buf = appendLengthPrefixed(buf, []byte{})
	buf = append(buf, 0) // second skip byte
	buf = binproto.AppendVarint(buf, int(cred.AuthType))
	buf = append(buf, 0) // third skip byte
	buf = appendLengthPrefixed(buf, cred.AuthData)
	return buf
}

func appendLengthPrefixed(buf, data []byte) []byte {
	buf = binproto.AppendVarint(buf, len(data))
	buf = append(buf, data...)
	return buf
}

// rollXOR is the forward chaining Decrypt's unrollXOR reverses: for j from
// 16 to len-1, blob[j] ^= blob[j-16], processed low-to-high so each step
// reuses the already-chained lower byte.
func rollXOR(blob []byte) {
	for j := 16; j < len(blob); j++ {
		blob[j] ^= blob[j-16]
	}
}
