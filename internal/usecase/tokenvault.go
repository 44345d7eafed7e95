package usecase

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"

	"github.com/poer2023/chusea-sub003/internal/domain"
)

// tokenVault persists the token pair at rest, encrypted with AES-GCM under
// an argon2id-derived key. File layout: magic | salt(16) | nonce(12) | sealed.
type tokenVault struct {
	path       string
	passphrase []byte
}

var vaultMagic = []byte("CHUSEA1\x00")

const (
	vaultSaltLen = 16

	// argon2id parameters
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
)

func newTokenVault(path string, passphrase []byte) *tokenVault {
	return &tokenVault{path: path, passphrase: passphrase}
}

func (v *tokenVault) key(salt []byte) []byte {
	return argon2.IDKey(v.passphrase, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// save encrypts and writes the token pair. A fresh salt and nonce are drawn
// per write.
func (v *tokenVault) save(pair domain.TokenPair) error {
	plaintext, err := json.Marshal(pair)
	if err != nil {
		return fmt.Errorf("tokenvault: marshal: %w", err)
	}

	salt := make([]byte, vaultSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("tokenvault: salt: %w", err)
	}

	block, err := aes.NewCipher(v.key(salt))
	if err != nil {
		return fmt.Errorf("tokenvault: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("tokenvault: gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("tokenvault: nonce: %w", err)
	}

	out := append([]byte(nil), vaultMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plaintext, vaultMagic)

	if err := os.MkdirAll(filepath.Dir(v.path), 0o700); err != nil {
		return fmt.Errorf("tokenvault: mkdir: %w", err)
	}
	if err := os.WriteFile(v.path, out, 0o600); err != nil {
		return fmt.Errorf("tokenvault: write: %w", err)
	}
	return nil
}

// load reads and decrypts the persisted token pair. A missing file returns
// (nil, nil); a tampered or wrong-key file is an error.
func (v *tokenVault) load() (*domain.TokenPair, error) {
	data, err := os.ReadFile(v.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("tokenvault: read: %w", err)
	}

	if len(data) < len(vaultMagic)+vaultSaltLen || string(data[:len(vaultMagic)]) != string(vaultMagic) {
		return nil, fmt.Errorf("tokenvault: not a token vault file")
	}
	data = data[len(vaultMagic):]
	salt, data := data[:vaultSaltLen], data[vaultSaltLen:]

	block, err := aes.NewCipher(v.key(salt))
	if err != nil {
		return nil, fmt.Errorf("tokenvault: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("tokenvault: gcm: %w", err)
	}
	if len(data) < gcm.NonceSize() {
		return nil, fmt.Errorf("tokenvault: truncated file")
	}
	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, sealed, vaultMagic)
	if err != nil {
		return nil, fmt.Errorf("tokenvault: decrypt: %w", err)
	}

	var pair domain.TokenPair
	if err := json.Unmarshal(plaintext, &pair); err != nil {
		return nil, fmt.Errorf("tokenvault: unmarshal: %w", err)
	}
	return &pair, nil
}

// clear removes the persisted token file.
func (v *tokenVault) clear() error {
	if err := os.Remove(v.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("tokenvault: remove: %w", err)
	}
	return nil
}
