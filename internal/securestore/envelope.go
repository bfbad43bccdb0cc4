package securestore

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Files start with this marker so a plaintext or foreign file is recognized
// before any decryption work happens.
var fileMagic = []byte("MHENC1\n")

const (
	envelopeVersion = 1
	saltSize        = 16

	// argon2id cost defaults for new envelopes. Decrypt honors the costs
	// recorded in the envelope, bounded below, so these can be raised later
	// without breaking existing files.
	kdfTime     = 2
	kdfMemoryKB = 64 * 1024
	kdfThreads  = 1

	// Upper bound on recorded KDF memory accepted at decrypt time; a crafted
	// envelope must not be able to demand gigabytes.
	kdfMemoryKBMax = 512 * 1024
)

var (
	ErrAuthFailed = errors.New("securestore authentication failed")
	ErrInvalid    = errors.New("securestore envelope is invalid")
	ErrLegacyData = errors.New("securestore legacy plaintext data")
)

// envelope is the on-disk JSON record that follows the file magic. It names
// its own KDF costs so parameters can evolve per file.
type envelope struct {
	Version  uint32 `json:"version"`
	KDF      string `json:"kdf"`
	Time     uint32 `json:"time"`
	MemoryKB uint32 `json:"memoryKb"`
	Threads  uint8  `json:"threads"`
	Salt     []byte `json:"salt"`
	Nonce    []byte `json:"nonce"`
	Data     []byte `json:"data"`
}

// Encrypt seals plaintext under a passphrase-derived key and returns the
// complete file content: magic, then the JSON envelope.
func Encrypt(passphrase string, plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := argon2.IDKey([]byte(passphrase), salt, kdfTime, kdfMemoryKB, kdfThreads, chacha20poly1305.KeySize)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	env := envelope{
		Version:  envelopeVersion,
		KDF:      "argon2id",
		Time:     kdfTime,
		MemoryKB: kdfMemoryKB,
		Threads:  kdfThreads,
		Salt:     salt,
		Nonce:    nonce,
		Data:     aead.Seal(nil, nonce, plaintext, nil),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append(append([]byte(nil), fileMagic...), raw...), nil
}

// Decrypt opens file content produced by Encrypt. The KDF costs come from
// the envelope itself, validated against sane bounds first.
func Decrypt(passphrase string, data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, fileMagic) {
		return nil, ErrLegacyData
	}
	var env envelope
	if err := json.Unmarshal(data[len(fileMagic):], &env); err != nil {
		return nil, ErrInvalid
	}
	if err := env.validate(); err != nil {
		return nil, err
	}

	key := argon2.IDKey([]byte(passphrase), env.Salt, env.Time, env.MemoryKB, env.Threads, chacha20poly1305.KeySize)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Data, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func (e *envelope) validate() error {
	if e.Version != envelopeVersion || e.KDF != "argon2id" {
		return ErrInvalid
	}
	if e.Time == 0 || e.Threads == 0 || e.MemoryKB == 0 || e.MemoryKB > kdfMemoryKBMax {
		return ErrInvalid
	}
	if len(e.Salt) != saltSize || len(e.Nonce) != chacha20poly1305.NonceSizeX {
		return ErrInvalid
	}
	return nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
