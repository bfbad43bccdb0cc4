package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"io"
	"strings"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"
)

const hkdfInfoSigning = "macrohero/requester/signing/v1"

var ErrInvalidMnemonic = errors.New("invalid mnemonic")

// DerivedKeys holds the key material derived from a requester seed.
type DerivedKeys struct {
	SigningPrivateKey ed25519.PrivateKey
	SigningPublicKey  ed25519.PublicKey
}

// NewMnemonic generates a fresh bip39 mnemonic for a new requester identity.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// DeriveFromMnemonic derives the requester key material from a mnemonic.
// The same mnemonic always derives the same keys, and therefore the same
// requester identity.
func DeriveFromMnemonic(mnemonic string) (*DerivedKeys, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	seedBytes := bip39.NewSeed(mnemonic, "")
	signingSeed, err := hkdfExpand(seedBytes, hkdfInfoSigning, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	priv := ed25519.NewKeyFromSeed(signingSeed)
	return &DerivedKeys{
		SigningPrivateKey: priv,
		SigningPublicKey:  priv.Public().(ed25519.PublicKey),
	}, nil
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}
