package auth

import (
	"encoding/binary"
	"testing"
)

type fakeTransport struct {
	sentCmd     byte
	sentPayload []byte
	replyCmd    byte
	replyPayload []byte
	replyErr    error
}

func (f *fakeTransport) Send(cmd byte, payload []byte) error {
	f.sentCmd = cmd
	f.sentPayload = payload
	return nil
}

func (f *fakeTransport) Receive() (byte, []byte, error) {
	return f.replyCmd, f.replyPayload, f.replyErr
}

func TestAuthenticatePasswordLoginWelcome(t *testing.T) {
	welcomeBody := appendLP(nil, []byte("alice"))
	welcomeBody = append(welcomeBody, byte(TypeStoredBlob))
	welcomeBody = appendLP(welcomeBody, []byte("reusable-blob-bytes"))

	ft := &fakeTransport{replyCmd: CmdWelcome, replyPayload: welcomeBody}

	cred := New("alice", TypeUserPass, []byte("pw"))
	got, err := Authenticate(ft, cred, DeviceInfo{DeviceID: "dev1", OS: "linux", CPUFamily: "x86_64", Version: "1.0.0"})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got.Username != "alice" || got.AuthType != TypeStoredBlob {
		t.Fatalf("got %+v", got)
	}
	if string(got.AuthData) != "reusable-blob-bytes" {
		t.Fatalf("got auth data %q", got.AuthData)
	}
	if ft.sentCmd != CmdLogin {
		t.Fatalf("expected login sent, got cmd %x", ft.sentCmd)
	}
}

func TestAuthenticateFailureMapsErrorCode(t *testing.T) {
	failBody := make([]byte, 4)
	binary.BigEndian.PutUint32(failBody, 9) // BadCredentials

	ft := &fakeTransport{replyCmd: CmdAuthFailure, replyPayload: failBody}
	_, err := Authenticate(ft, New("alice", TypeUserPass, []byte("wrong")), DeviceInfo{})
	if err != ErrBadCredentials {
		t.Fatalf("got %v, want ErrBadCredentials", err)
	}
}

func TestAuthenticateUnexpectedPacket(t *testing.T) {
	ft := &fakeTransport{replyCmd: 0x99, replyPayload: nil}
	_, err := Authenticate(ft, New("alice", TypeUserPass, []byte("pw")), DeviceInfo{})
	if err == nil {
		t.Fatal("expected error")
	}
}
