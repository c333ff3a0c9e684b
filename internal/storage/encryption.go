package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

const (
	// KeySize is the required size for the encryption key (32 bytes for AES-256)
	KeySize = 32
	// NonceSize is the size of the nonce used in AES-GCM
	NonceSize = 12
)

var (
	ErrInvalidKeySize = errors.New("invalid key size: must be 32 bytes for AES-256")
	ErrInvalidNonce   = errors.New("invalid nonce size")
	// ErrDecryption covers malformed iv, truncated ciphertext and tag failures.
	ErrDecryption = errors.New("decryption failed")
	// ErrCorruptSecret means an iv was stored without its ciphertext.
	ErrCorruptSecret = errors.New("stored secret is corrupt")
)

// EncryptedSecret is the persisted form of an encrypted token. Both fields are
// standard base64 and are always written together.
type EncryptedSecret struct {
	Ciphertext string
	IV         string
}

// EncryptToken encrypts a token using AES-256-GCM
func EncryptToken(key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext = aesGCM.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// DecryptToken decrypts a token using AES-256-GCM
func DecryptToken(key, ciphertext, nonce []byte) (plaintext []byte, err error) {
	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: %w", ErrDecryption, ErrInvalidNonce)
	}

	plaintext, err = aesGCM.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aesGCM, nil
}

// Cipher seals and opens OAuth secrets with a fixed key.
type Cipher struct {
	key []byte
}

// NewCipher validates the key and returns a Cipher.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	k := make([]byte, KeySize)
	copy(k, key)
	return &Cipher{key: k}, nil
}

// Encrypt seals plaintext under a fresh random iv.
func (c *Cipher) Encrypt(plaintext string) (EncryptedSecret, error) {
	ct, nonce, err := EncryptToken(c.key, []byte(plaintext))
	if err != nil {
		return EncryptedSecret{}, err
	}
	return EncryptedSecret{
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		IV:         base64.StdEncoding.EncodeToString(nonce),
	}, nil
}

// Decrypt opens a secret produced by Encrypt. Any failure is ErrDecryption;
// the caller never gets partial plaintext.
func (c *Cipher) Decrypt(s EncryptedSecret) (string, error) {
	ct, err := base64.StdEncoding.DecodeString(s.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: malformed ciphertext", ErrDecryption)
	}
	nonce, err := base64.StdEncoding.DecodeString(s.IV)
	if err != nil {
		return "", fmt.Errorf("%w: malformed iv", ErrDecryption)
	}
	pt, err := DecryptToken(c.key, ct, nonce)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// Open reads a stored column pair. A value with no iv is legacy plaintext and
// is returned as-is with legacy set; writers must re-encrypt it.
func (c *Cipher) Open(value string, iv sql.NullString) (plaintext string, legacy bool, err error) {
	if !iv.Valid {
		return value, true, nil
	}
	if value == "" || iv.String == "" {
		return "", false, ErrCorruptSecret
	}
	pt, err := c.Decrypt(EncryptedSecret{Ciphertext: value, IV: iv.String})
	return pt, false, err
}

// Seal encrypts plaintext into the column pair stored by the connection table.
func (c *Cipher) Seal(plaintext string) (value string, iv sql.NullString, err error) {
	s, err := c.Encrypt(plaintext)
	if err != nil {
		return "", sql.NullString{}, err
	}
	return s.Ciphertext, sql.NullString{String: s.IV, Valid: true}, nil
}
