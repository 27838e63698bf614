package auth

import "errors"

// Taxonomy of authentication failures (§7).
var (
	ErrBadCredentials  = errors.New("auth: bad credentials")
	ErrPremiumRequired = errors.New("auth: premium required")
	ErrTryAnotherAP    = errors.New("auth: try another access point")
	ErrProtocol        = errors.New("auth: protocol error")
	ErrLoginFailed     = errors.New("auth: login failed")
	ErrUnexpectedPacket = errors.New("auth: unexpected packet")
	ErrTransportClosed  = errors.New("auth: transport closed")
)

// errorCodeTaxonomy maps a server-reported numeric error code to one of the
// sentinel errors above. Codes not present map to ErrLoginFailed.
var errorCodeTaxonomy = map[int]error{
	1:  ErrProtocol,        // ProtocolError
	2:  ErrTryAnotherAP,    // TryAnotherAP
	9:  ErrBadCredentials,  // BadCredentials
	11: ErrBadCredentials,  // BadCredentials (alternate code some APs send)
	12: ErrPremiumRequired, // PremiumRequired
}

func mapErrorCode(code int) error {
	if err, ok := errorCodeTaxonomy[code]; ok {
		return err
	}
	return ErrLoginFailed
}
