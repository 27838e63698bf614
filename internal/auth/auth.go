package auth

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"connectclient/internal/transport"
)

// Packet commands (§3, §6).
const (
	CmdLogin       byte = 0xAB
	CmdWelcome     byte = 0xAC
	CmdAuthFailure byte = 0xAD
)

// Transport is the subset of *transport.Transport the authenticator needs.
type Transport interface {
	Send(cmd byte, payload []byte) error
	Receive() (cmd byte, payload []byte, err error)
}

var _ Transport = (*transport.Transport)(nil)

// DeviceInfo carries the client identity fields the login packet reports.
type DeviceInfo struct {
	DeviceID string
	OS       string
	CPUFamily string
	Version  string
}

// Authenticate sends an EncryptedLoginRequest built from cred and device,
// then interprets exactly one response packet (§4.3).
func Authenticate(t Transport, cred Credential, device DeviceInfo) (Credential, error) {
	body := encodeLoginRequest(cred, device)
	if err := t.Send(CmdLogin, body); err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}

	cmd, payload, err := t.Receive()
	if err != nil {
		if err == transport.ErrProtocol {
			return Credential{}, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		return Credential{}, fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}

	switch cmd {
	case CmdWelcome:
		username, authData, err := decodeWelcome(payload)
		if err != nil {
			return Credential{}, fmt.Errorf("%w: decode welcome: %v", ErrProtocol, err)
		}
		slog.Info("authenticated", "username", username)
		return New(username, TypeStoredBlob, authData), nil

	case CmdAuthFailure:
		code, err := decodeFailure(payload)
		if err != nil {
			return Credential{}, fmt.Errorf("%w: decode failure: %v", ErrProtocol, err)
		}
		mapped := mapErrorCode(code)
		slog.Warn("authentication failed", "code", code, "error", mapped)
		return Credential{}, mapped

	default:
		return Credential{}, fmt.Errorf("%w: cmd=0x%02x", ErrUnexpectedPacket, cmd)
	}
}

// encodeLoginRequest serializes an EncryptedLoginRequest as a sequence of
// 2-byte length-prefixed fields: authType(1) | authData | username |
// deviceID | os | cpuFamily | version.
func encodeLoginRequest(cred Credential, device DeviceInfo) []byte {
	var buf []byte
	buf = append(buf, byte(cred.AuthType))
	buf = appendLP(buf, cred.AuthData)
	buf = appendLP(buf, []byte(cred.Username))
	buf = appendLP(buf, []byte(device.DeviceID))
	buf = appendLP(buf, []byte(device.OS))
	buf = appendLP(buf, []byte(device.CPUFamily))
	buf = appendLP(buf, []byte(device.Version))
	return buf
}

// decodeWelcome parses a Welcome (0xAC) body: username, reusable-credentials
// type (1 byte, ignored — always StoredBlob per §4.3), reusable-credentials
// bytes.
func decodeWelcome(b []byte) (username string, authData []byte, err error) {
	off := 0
	name, n, err := readLP(b, off)
	if err != nil {
		return "", nil, fmt.Errorf("read username: %w", err)
	}
	off += n
	if off >= len(b) {
		return "", nil, fmt.Errorf("missing reusable-credentials type")
	}
	off++ // skip the type byte
	data, _, err := readLP(b, off)
	if err != nil {
		return "", nil, fmt.Errorf("read auth data: %w", err)
	}
	return string(name), data, nil
}

// decodeFailure parses an AuthFailure (0xAD) body: a 4-byte big-endian
// error code.
func decodeFailure(b []byte) (int, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("short failure body")
	}
	return int(binary.BigEndian.Uint32(b[:4])), nil
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
		return nil, 0, fmt.Errorf("short buffer reading length")
	}
	n := int(binary.BigEndian.Uint16(b[off : off+2]))
	if off+2+n > len(b) {
		return nil, 0, fmt.Errorf("short buffer reading %d bytes", n)
	}
	return b[off+2 : off+2+n], 2 + n, nil
}
