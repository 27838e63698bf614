package handshake

// ClientHello is the first message sent to the access point: a freshly
// generated DH public key, a client nonce, and advertised ciphers (§4.1).
type ClientHello struct {
	DHPublicKey      []byte
	Nonce            []byte
	AdvertisedCipher string
}

// APResponse is the access point's reply: its DH public key, its nonce, its
// certificate, and the chosen cipher.
type APResponse struct {
	DHPublicKey []byte
	Nonce       []byte
	Certificate []byte
	Cipher      string
	ErrorCode   string // set instead of the fields above on failure
}

// ClientResponsePlaintext is sent after the shared secret is derived; it
// carries the transcript HMAC that proves both sides agree on the exchange.
type ClientResponsePlaintext struct {
	HMAC []byte
}
