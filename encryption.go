package storesync

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// encryptionNonceSize is the nonce size for AES-GCM.
	encryptionNonceSize = 12
	// encryptionSaltSize is the salt size for key derivation.
	encryptionSaltSize = 32
	// encryptionKeySize is the AES-256 key size.
	encryptionKeySize = 32
	// pbkdf2Iterations is the number of iterations for key derivation.
	pbkdf2Iterations = 100000
)

// EncryptionConfig configures at-rest encryption of record payloads
// and snapshot blobs.
type EncryptionConfig struct {
	// Enabled turns on encryption.
	Enabled bool `yaml:"enabled"`

	// Key is the encryption key (must be 32 bytes for AES-256).
	// If empty, KeyPassword is used to derive a key.
	Key []byte `yaml:"-"`

	// KeyPassword is used to derive the encryption key via PBKDF2.
	KeyPassword string `yaml:"key_password"`
}

// Encryptor provides AES-GCM encryption for stored blobs. A nil
// *Encryptor disables encryption.
type Encryptor struct {
	gcm      cipher.AEAD
	password string
	salt     []byte
}

// NewEncryptor creates an encryptor from a key or password. Returns
// (nil, nil) when the config is disabled. A password-derived key uses
// a fresh random salt; the store persists it at first open and
// re-derives against it on later opens (see NewEncryptorWithSalt).
func NewEncryptor(cfg EncryptionConfig) (*Encryptor, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	switch {
	case len(cfg.Key) == encryptionKeySize:
		gcm, err := newGCM(cfg.Key)
		if err != nil {
			return nil, err
		}
		return &Encryptor{gcm: gcm}, nil
	case len(cfg.Key) > 0:
		return nil, errors.New("encryption key must be 32 bytes")
	case cfg.KeyPassword != "":
		salt := make([]byte, encryptionSaltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, err
		}
		return NewEncryptorWithSalt(cfg.KeyPassword, salt)
	default:
		return nil, errors.New("encryption enabled but no key or password provided")
	}
}

// NewEncryptorWithSalt derives the key from a password and a known
// salt. Reopening data encrypted in an earlier process requires the
// salt that was generated back then; a key derived from a different
// salt cannot authenticate any existing ciphertext.
func NewEncryptorWithSalt(password string, salt []byte) (*Encryptor, error) {
	if password == "" {
		return nil, errors.New("password is required")
	}
	if len(salt) != encryptionSaltSize {
		return nil, errors.New("salt must be 32 bytes")
	}
	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, encryptionKeySize, sha256.New)
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return &Encryptor{
		gcm:      gcm,
		password: password,
		salt:     append([]byte(nil), salt...),
	}, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Salt returns the key-derivation salt, or nil for a direct-key
// encryptor.
func (e *Encryptor) Salt() []byte {
	return e.salt
}

// withSalt re-derives a password-based encryptor against a different
// salt. Direct-key encryptors are salt-independent and returned as is.
func (e *Encryptor) withSalt(salt []byte) (*Encryptor, error) {
	if e.password == "" || bytes.Equal(salt, e.salt) {
		return e, nil
	}
	return NewEncryptorWithSalt(e.password, salt)
}

// Encrypt seals data, prepending the random nonce.
func (e *Encryptor) Encrypt(data []byte) ([]byte, error) {
	nonce := make([]byte, encryptionNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return e.gcm.Seal(nonce, nonce, data, nil), nil
}

// Decrypt opens data sealed by Encrypt.
func (e *Encryptor) Decrypt(data []byte) ([]byte, error) {
	if len(data) < encryptionNonceSize {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := data[:encryptionNonceSize], data[encryptionNonceSize:]
	return e.gcm.Open(nil, nonce, ciphertext, nil)
}
