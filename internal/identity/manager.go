package identity

import (
	"encoding/json"
	"errors"
	"io/fs"
	"strings"
	"sync"

	"github.com/Sewef/macroHero-sub001/internal/securestore"
)

type persistedSeed struct {
	Version  int    `json:"version"`
	Mnemonic string `json:"mnemonic"`
}

func decodeSeed(raw []byte, out *persistedSeed) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return err
	}
	if out.Version != 1 || strings.TrimSpace(out.Mnemonic) == "" {
		return errors.New("identity seed payload is invalid")
	}
	return nil
}

var ErrSecretRequired = errors.New("identity secret is required")

// Manager owns the bridge's requester identity. The mnemonic seed is kept
// encrypted at rest so the bridge presents the same requesterId across
// restarts; with no storage configured the identity is ephemeral.
type Manager struct {
	mu          sync.RWMutex
	requesterID string
	keys        *DerivedKeys
}

// LoadOrCreate restores the identity from the encrypted seed file, creating
// and persisting a fresh one when the file does not exist yet. path and
// secret may both be empty for an ephemeral identity.
func LoadOrCreate(path, secret string) (*Manager, error) {
	path = strings.TrimSpace(path)
	secret = strings.TrimSpace(secret)
	if path == "" {
		return createEphemeral()
	}
	if secret == "" {
		return nil, ErrSecretRequired
	}

	raw, err := securestore.ReadDecryptedFile(path, secret)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		mnemonic, err := NewMnemonic()
		if err != nil {
			return nil, err
		}
		if err := securestore.WriteEncryptedJSON(path, secret, persistedSeed{Version: 1, Mnemonic: mnemonic}); err != nil {
			return nil, err
		}
		return fromMnemonic(mnemonic)
	}

	var state persistedSeed
	if err := decodeSeed(raw, &state); err != nil {
		return nil, err
	}
	return fromMnemonic(state.Mnemonic)
}

func createEphemeral() (*Manager, error) {
	mnemonic, err := NewMnemonic()
	if err != nil {
		return nil, err
	}
	return fromMnemonic(mnemonic)
}

func fromMnemonic(mnemonic string) (*Manager, error) {
	keys, err := DeriveFromMnemonic(mnemonic)
	if err != nil {
		return nil, err
	}
	id, err := BuildRequesterID(keys.SigningPublicKey)
	if err != nil {
		return nil, err
	}
	return &Manager{requesterID: id, keys: keys}, nil
}

// RequesterID returns the stable identity used to tag outbound requests.
func (m *Manager) RequesterID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requesterID
}

// SigningPublicKey returns a copy of the identity's public key.
func (m *Manager) SigningPublicKey() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]byte(nil), m.keys.SigningPublicKey...)
}
