// Package secrets stores plugin secrets encrypted at rest and decrypts them on
// demand for the authenticated session.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/hkdf"
)

const keyFilename = ".vault-key"

// keySalt is fixed so the derived key depends only on the keyfile and the
// session handle, not on the path used to reach the data directory.
var keySalt = []byte("walletagent/local-vault/v1")

// ErrHashMismatch is returned when a decrypted value does not match its recorded hash.
var ErrHashMismatch = errors.New("decrypted data does not match its hash")

// Encrypted is a ciphertext together with the hash of the data it encrypts.
type Encrypted struct {
	Ciphertext        string `json:"ciphertext"`
	DataToEncryptHash string `json:"dataToEncryptHash"`
}

// Vault decrypts and encrypts secret values for a session.
type Vault interface {
	Decrypt(ctx context.Context, sessionHandle string, secret Encrypted) (string, error)
	Encrypt(ctx context.Context, plaintext, sessionHandle string) (Encrypted, error)
}

// LocalVault encrypts with AES-256-GCM. The key is derived with HKDF from a
// machine-local keyfile, using the session handle as context, so ciphertexts
// only open on the same machine for the same wallet session.
type LocalVault struct {
	dir string

	mu          sync.Mutex
	keyMaterial []byte
}

// NewLocalVault creates a vault keyed by dir/.vault-key. The keyfile is
// created on first use.
func NewLocalVault(dir string) *LocalVault {
	return &LocalVault{dir: dir}
}

// Encrypt seals plaintext for the session.
func (v *LocalVault) Encrypt(ctx context.Context, plaintext, sessionHandle string) (Encrypted, error) {
	if err := ctx.Err(); err != nil {
		return Encrypted{}, err
	}

	gcm, err := v.cipher(sessionHandle)
	if err != nil {
		return Encrypted{}, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Encrypted{}, fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)

	return Encrypted{
		Ciphertext:        base64.StdEncoding.EncodeToString(sealed),
		DataToEncryptHash: HashData(plaintext),
	}, nil
}

// Decrypt opens a ciphertext sealed for the session and checks its hash.
func (v *LocalVault) Decrypt(ctx context.Context, sessionHandle string, secret Encrypted) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	data, err := base64.StdEncoding.DecodeString(secret.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}

	gcm, err := v.cipher(sessionHandle)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	if secret.DataToEncryptHash != "" && HashData(string(plaintext)) != secret.DataToEncryptHash {
		return "", ErrHashMismatch
	}
	return string(plaintext), nil
}

// HashData returns the hex SHA-256 of a plaintext value.
func HashData(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

func (v *LocalVault) cipher(sessionHandle string) (cipher.AEAD, error) {
	material, err := v.loadKeyMaterial()
	if err != nil {
		return nil, err
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, material, keySalt, []byte(sessionHandle))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (v *LocalVault) loadKeyMaterial() ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.keyMaterial != nil {
		return v.keyMaterial, nil
	}

	keyPath := filepath.Join(v.dir, keyFilename)
	material, err := os.ReadFile(keyPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		material = make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, material); err != nil {
			return nil, fmt.Errorf("generate key material: %w", err)
		}
		if err := os.MkdirAll(v.dir, 0700); err != nil {
			return nil, fmt.Errorf("create vault directory: %w", err)
		}
		if err := os.WriteFile(keyPath, material, 0600); err != nil {
			return nil, fmt.Errorf("write key file: %w", err)
		}
	}

	v.keyMaterial = material
	return material, nil
}
