package identity

import (
	"crypto/ed25519"
	"fmt"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
)

// RequesterIDPrefix marks macroHero requester identities on the shared
// broadcast topic.
const RequesterIDPrefix = "mh1"

// BuildRequesterID derives the stable requester identity from the signing
// public key. Responses on the shared channel are filtered by this value, so
// it must be identical across restarts of the same bridge.
func BuildRequesterID(signingPublicKey []byte) (string, error) {
	if len(signingPublicKey) != ed25519.PublicKeySize {
		return "", fmt.Errorf("invalid signing public key size: %d", len(signingPublicKey))
	}
	h := blake2b.Sum256(signingPublicKey)
	return RequesterIDPrefix + base58.Encode(h[:]), nil
}

// VerifyRequesterID reports whether requesterID matches the public key.
func VerifyRequesterID(requesterID string, signingPublicKey []byte) (bool, error) {
	expected, err := BuildRequesterID(signingPublicKey)
	if err != nil {
		return false, err
	}
	return requesterID == expected, nil
}
