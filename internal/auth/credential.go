// Package auth builds the encrypted-credentials login packet, interprets
// the access point's welcome/failure response, and produces a reusable
// StoredBlob credential on success (§4.3).
package auth

import "fmt"

// Type enumerates the supported credential kinds (§3). Per §9's design
// notes, new code should only expose Token, StoredBlob, and
// externally-acquired OAuth-style credentials as live auth paths;
// UserPass exists for the login wire format and for the one legacy,
// deprecated bootstrap path documented at the call site that
// constructs it (see cmd/device/main.go), never as the default.
type Type int

const (
	TypeUserPass Type = iota
	TypeStoredBlob
	TypeToken
	TypeFacebook
)

func (t Type) String() string {
	switch t {
	case TypeUserPass:
		return "UserPass"
	case TypeStoredBlob:
		return "StoredBlob"
	case TypeToken:
		return "Token"
	case TypeFacebook:
		return "Facebook"
	default:
		return "Unknown"
	}
}

// ParseType parses the string form produced by Type.String(), for callers
// that round-trip a Type through a text format such as JSON.
func ParseType(s string) (Type, error) {
	switch s {
	case "UserPass":
		return TypeUserPass, nil
	case "StoredBlob":
		return TypeStoredBlob, nil
	case "Token":
		return TypeToken, nil
	case "Facebook":
		return TypeFacebook, nil
	default:
		return 0, fmt.Errorf("auth: unknown credential type %q", s)
	}
}

// Credential is an immutable login credential. Secrets never appear in its
// String/GoString form — only the type and presence of data, never AuthData
// itself (§3: "Secrets must not appear in debug output").
type Credential struct {
	Username string
	AuthType Type
	AuthData []byte
}

// New constructs a Credential explicitly.
func New(username string, authType Type, authData []byte) Credential {
	return Credential{Username: username, AuthType: authType, AuthData: append([]byte(nil), authData...)}
}

// String implements fmt.Stringer without leaking AuthData.
func (c Credential) String() string {
	return fmt.Sprintf("Credential{Username:%q, AuthType:%s, AuthData:<%d bytes>}", c.Username, c.AuthType, len(c.AuthData))
}

// GoString implements fmt.GoStringer for the same reason %#v would.
func (c Credential) GoString() string { return c.String() }
