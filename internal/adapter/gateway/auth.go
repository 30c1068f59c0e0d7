package gateway

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"chatwire/internal/domain"
	"chatwire/internal/infra/config"
)

// ClientInfo identifies an authenticated gateway connection.
type ClientInfo struct {
	Name string
}

// Authenticator validates the credential presented at connect time. The
// gateway treats the credential as opaque; what it means is the
// authenticator's business.
type Authenticator interface {
	Authenticate(key string) (*ClientInfo, error)
}

type keyEntry struct {
	name string
	salt []byte
	hash []byte
}

// KeyAuth authenticates widget API keys against Argon2id hashes from the
// config file. The plaintext key never appears in config; use
// "chatwire key NAME" to generate an entry.
type KeyAuth struct {
	entries []keyEntry
}

// NewKeyAuth builds an authenticator from hashed key entries.
func NewKeyAuth(keys []config.KeyConfig) (*KeyAuth, error) {
	a := &KeyAuth{entries: make([]keyEntry, len(keys))}
	for i, k := range keys {
		salt, err := hex.DecodeString(k.Salt)
		if err != nil {
			return nil, fmt.Errorf("gateway key %q: decode salt: %w", k.Name, err)
		}
		hash, err := hex.DecodeString(k.Hash)
		if err != nil {
			return nil, fmt.Errorf("gateway key %q: decode hash: %w", k.Name, err)
		}
		if len(hash) != 32 {
			return nil, fmt.Errorf("gateway key %q: hash must be 32 bytes, got %d", k.Name, len(hash))
		}
		a.entries[i] = keyEntry{name: k.Name, salt: salt, hash: hash}
	}
	return a, nil
}

// Authenticate derives the Argon2id hash of the presented key with each
// entry's salt and compares in constant time. Every entry is checked even
// after a match so timing does not leak which key matched.
func (a *KeyAuth) Authenticate(key string) (*ClientInfo, error) {
	if key == "" {
		return nil, domain.ErrGatewayAuthFailed
	}
	var matched *ClientInfo
	for i := range a.entries {
		derived := config.DeriveKey(key, a.entries[i].salt)
		if subtle.ConstantTimeCompare(derived, a.entries[i].hash) == 1 && matched == nil {
			matched = &ClientInfo{Name: a.entries[i].name}
		}
	}
	if matched == nil {
		return nil, domain.ErrGatewayAuthFailed
	}
	return matched, nil
}

// allowAllAuth accepts every connection. Used when no keys are configured,
// which only makes sense for local development.
type allowAllAuth struct{}

// AllowAll returns an authenticator that admits any credential, including
// an empty one. The serve command falls back to it when the config lists
// no gateway keys and logs a warning.
func AllowAll() Authenticator { return allowAllAuth{} }

func (allowAllAuth) Authenticate(string) (*ClientInfo, error) {
	return &ClientInfo{Name: "anonymous"}, nil
}
