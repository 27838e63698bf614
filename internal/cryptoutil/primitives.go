// Package cryptoutil implements the primitive cryptographic building blocks
// used by the handshake, authenticator, and blob format: SHA-1/HMAC-SHA1,
// PBKDF2-HMAC-SHA1, AES-ECB/CTR, and Diffie-Hellman over the fixed
// access-point prime.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec — required by the wire protocol, not a security choice we get to make
	"errors"
	"math/big"

	"golang.org/x/crypto/pbkdf2"
)

// SHA1 returns the SHA-1 digest of data.
func SHA1(data []byte) []byte {
	h := sha1.Sum(data) //nolint:gosec
	return h[:]
}

// HMACSHA1 returns HMAC-SHA1(key, data).
func HMACSHA1(key, data []byte) []byte {
	mac := hmac.New(sha1.New, key) //nolint:gosec
	mac.Write(data)
	return mac.Sum(nil)
}

// PBKDF2SHA1 derives keyLen bytes from password/salt using PBKDF2-HMAC-SHA1.
func PBKDF2SHA1(password, salt []byte, iterations, keyLen int) []byte {
	return pbkdf2.Key(password, salt, iterations, keyLen, sha1.New) //nolint:gosec
}

// ErrInvalidKeySize is returned when an AES key is not a supported length.
var ErrInvalidKeySize = errors.New("cryptoutil: invalid AES key size")

// ECBDecrypt decrypts data in place using AES in ECB mode (no padding).
// Any trailing partial block is left untouched, matching the blob format's
// tolerance for a short final block.
func ECBDecrypt(key, data []byte) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	bs := block.BlockSize()
	n := len(data) / bs * bs
	for off := 0; off < n; off += bs {
		block.Decrypt(data[off:off+bs], data[off:off+bs])
	}
	return nil
}

// NewCTRStream returns a CTR-mode stream cipher keyed by key, with the given
// 16-byte initial counter value (IV concatenated with block index, per the
// DecryptStream spec).
func NewCTRStream(key, iv []byte) (cipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewCTR(block, iv), nil
}

// DHPrime is the fixed 768-bit Diffie-Hellman prime used by the access-point
// handshake.
var DHPrime = mustHexBig(
	"ffffffffffffffffc90fdaa22168c234c4c6628b80dc1cd129024e08" +
		"8a67cc74020bbea63b139b22514a08798e3404ddef9519b3cd3a431b" +
		"302b0a6df25f14374fe1356d6d51c245e485b576625e7ec6f44c42e9" +
		"a63a3620ffffffffffffffff",
)

// DHGenerator is the corresponding generator, g=2.
const DHGenerator = 2

func mustHexBig(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("cryptoutil: invalid DH prime literal")
	}
	return n
}

// DHKeyPair is a Diffie-Hellman key pair over DHPrime.
type DHKeyPair struct {
	Private *big.Int
	Public  *big.Int
}

// GenerateDHKeyPair generates a fresh DH key pair. privateBytes must be
// cryptographically secure random data (normally read from
// crypto/rand.Reader via io.ReadFull, passed in by the caller so this
// package stays deterministic and testable).
func GenerateDHKeyPair(privateBytes []byte) DHKeyPair {
	priv := new(big.Int).SetBytes(privateBytes)
	pub := new(big.Int).Exp(big.NewInt(DHGenerator), priv, DHPrime)
	return DHKeyPair{Private: priv, Public: pub}
}

// SharedSecret computes (peerPublic ^ private) mod DHPrime.
func SharedSecret(private, peerPublic *big.Int) []byte {
	shared := new(big.Int).Exp(peerPublic, private, DHPrime)
	return shared.Bytes()
}
