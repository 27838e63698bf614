// Package credentials persists a device's reusable login credential to
// disk between runs (§4.5). Each username gets its own file under a
// platform-appropriate data directory, plus a plain-text pointer file
// recording the most recently stored username for default lookups.
//
// Where the platform offers native at-rest encryption, the credential
// file is sealed with it; otherwise it falls back to plain JSON and logs
// that decision once at startup, rather than failing outright.
package credentials

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	"connectclient/internal/auth"
)

const (
	dirName        = "connectclient"
	lastUserFile   = "last_user.txt"
	credentialExt  = ".cred.json"
	filePermission = 0o600
	dirPermission  = 0o750
)

// record is the on-disk JSON shape: { "username", "authType", "authData" }.
// Binary fields are carried as base64 so the file stays human-inspectable
// even when encryption isn't available.
type record struct {
	Username string `json:"username"`
	AuthType string `json:"authType"`
	AuthData string `json:"authData"`
}

// Sealer seals and opens the bytes written to a credential file. A nil
// Sealer passed to NewStore or NewStoreAt means no platform-native
// encryption is available, and records are stored as plain JSON.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// Store persists credentials under dir, one file per username.
type Store struct {
	dir    string
	sealer Sealer
}

// NewStore creates a Store rooted at os.UserConfigDir()/connectclient.
// If sealer is non-nil it is used to encrypt credential files at rest;
// the caller is responsible for knowing whether native encryption is
// available on the current platform, and this call logs which policy is
// in effect (§4.5's "policy is logged at startup").
func NewStore(sealer Sealer) (*Store, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(base, dirName)
	if err := os.MkdirAll(dir, dirPermission); err != nil {
		return nil, err
	}

	if sealer != nil {
		slog.Info("credential store: at-rest encryption enabled")
	} else {
		slog.Warn("credential store: no platform encryption available, storing plain JSON")
	}

	return &Store{dir: dir, sealer: sealer}, nil
}

// NewStoreAt creates a Store rooted at an explicit directory, bypassing
// os.UserConfigDir() — used by tests and by callers that manage their
// own data directory.
func NewStoreAt(dir string, sealer Sealer) (*Store, error) {
	if err := os.MkdirAll(dir, dirPermission); err != nil {
		return nil, err
	}
	return &Store{dir: dir, sealer: sealer}, nil
}

func (s *Store) credentialPath(username string) string {
	return filepath.Join(s.dir, sanitize(username)+credentialExt)
}

func (s *Store) lastUsernamePath() string {
	return filepath.Join(s.dir, lastUserFile)
}

// sanitize keeps filenames confined to the store directory regardless
// of what characters a username contains.
func sanitize(username string) string {
	enc := base64.RawURLEncoding.EncodeToString([]byte(username))
	return enc
}

// Save writes cred to disk and updates the "last username" pointer.
func (s *Store) Save(cred auth.Credential) error {
	rec := record{
		Username: cred.Username,
		AuthType: cred.AuthType.String(),
		AuthData: base64.StdEncoding.EncodeToString(cred.AuthData),
	}
	plain, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	out := plain
	if s.sealer != nil {
		out, err = s.sealer.Seal(plain)
		if err != nil {
			return err
		}
	}

	if err := os.WriteFile(s.credentialPath(cred.Username), out, filePermission); err != nil {
		return err
	}
	return os.WriteFile(s.lastUsernamePath(), []byte(cred.Username), filePermission)
}

// Load reads the stored credential for username. A missing, corrupted,
// or undecryptable file is never a fatal error — it yields (Credential{},
// false), matching §4.5's "yield None, never a fatal error".
func (s *Store) Load(username string) (auth.Credential, bool) {
	data, err := os.ReadFile(s.credentialPath(username))
	if err != nil {
		return auth.Credential{}, false
	}

	if s.sealer != nil {
		opened, err := s.sealer.Open(data)
		if err != nil {
			slog.Warn("credential store: failed to open sealed file", "username", username, "error", err)
			return auth.Credential{}, false
		}
		data = opened
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		slog.Warn("credential store: corrupted credential file", "username", username, "error", err)
		return auth.Credential{}, false
	}

	authData, err := base64.StdEncoding.DecodeString(rec.AuthData)
	if err != nil {
		slog.Warn("credential store: corrupted auth data", "username", username, "error", err)
		return auth.Credential{}, false
	}

	authType, err := auth.ParseType(rec.AuthType)
	if err != nil {
		slog.Warn("credential store: corrupted auth type", "username", username, "error", err)
		return auth.Credential{}, false
	}

	return auth.New(rec.Username, authType, authData), true
}

// LastUsername returns the most recently saved username, if any.
func (s *Store) LastUsername() (string, bool) {
	data, err := os.ReadFile(s.lastUsernamePath())
	if err != nil {
		return "", false
	}
	return string(data), true
}

// LoadLast loads the credential for LastUsername, if one is recorded and
// its file still exists and decodes cleanly.
func (s *Store) LoadLast() (auth.Credential, bool) {
	username, ok := s.LastUsername()
	if !ok {
		return auth.Credential{}, false
	}
	return s.Load(username)
}

// Clear removes the credential file for username. Removing a file that
// doesn't exist is not an error (§4.5's "idempotently").
func (s *Store) Clear(username string) error {
	err := os.Remove(s.credentialPath(username))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
