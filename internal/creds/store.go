// Package creds provides scoped secret retrieval for broker adapters and the
// webhook signer.
//
// Lookup order for Get("tradovate", "client_secret"):
//
//  1. process env        TRADOVATE_CLIENT_SECRET
//  2. .env file          loaded once via godotenv if configured
//  3. encrypted vault    AES-GCM JSON file unlocked by TT_CREDS_KEY
//
// Only locators (file paths) appear in configuration; secret values never do.
// The vault is held in memory copy-on-write, so reads never block a Reload.
package creds

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/joho/godotenv"

	"github.com/grimmolf/traderterminal/internal/config"
)

// ErrNotFound is returned when no layer holds the requested secret.
var ErrNotFound = fmt.Errorf("credential not found")

// Store resolves scoped secrets.
type Store struct {
	cfg config.CredsConfig

	// vault holds the decrypted map[scope/key]value. Replaced wholesale on
	// Reload; readers load the pointer without locking.
	vault atomic.Pointer[map[string]string]
}

// Open creates a store, loading the optional .env file and decrypting the
// vault if one is configured. A missing vault file is not an error — live
// brokers simply won't find credentials until one is provisioned.
func Open(cfg config.CredsConfig) (*Store, error) {
	if cfg.EnvFile != "" {
		if err := godotenv.Load(cfg.EnvFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}

	s := &Store{cfg: cfg}
	empty := map[string]string{}
	s.vault.Store(&empty)

	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the secret for scope/key, consulting env first, then the vault.
func (s *Store) Get(scope, key string) (string, error) {
	envKey := strings.ToUpper(scope + "_" + key)
	if v := os.Getenv(envKey); v != "" {
		return v, nil
	}

	vault := *s.vault.Load()
	if v, ok := vault[scope+"/"+key]; ok && v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s/%s", ErrNotFound, scope, key)
}

// Reload re-reads and decrypts the vault file, swapping it in atomically.
func (s *Store) Reload() error {
	if s.cfg.EncryptedFile == "" {
		return nil
	}

	data, err := os.ReadFile(s.cfg.EncryptedFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read vault: %w", err)
	}

	key := os.Getenv("TT_CREDS_KEY")
	if key == "" {
		return fmt.Errorf("vault present but TT_CREDS_KEY is not set")
	}

	plain, err := decrypt(data, key)
	if err != nil {
		return fmt.Errorf("decrypt vault: %w", err)
	}

	vault := make(map[string]string)
	if err := json.Unmarshal(plain, &vault); err != nil {
		return fmt.Errorf("unmarshal vault: %w", err)
	}

	s.vault.Store(&vault)
	return nil
}

// Put stores a secret into the vault and persists it atomically
// (write .tmp, then rename). Used by provisioning tooling, not the hot path.
func (s *Store) Put(scope, key, value string) error {
	if s.cfg.EncryptedFile == "" {
		return fmt.Errorf("no encrypted_file configured")
	}
	passphrase := os.Getenv("TT_CREDS_KEY")
	if passphrase == "" {
		return fmt.Errorf("TT_CREDS_KEY is not set")
	}

	old := *s.vault.Load()
	vault := make(map[string]string, len(old)+1)
	for k, v := range old {
		vault[k] = v
	}
	vault[scope+"/"+key] = value

	plain, err := json.Marshal(vault)
	if err != nil {
		return fmt.Errorf("marshal vault: %w", err)
	}
	sealed, err := encrypt(plain, passphrase)
	if err != nil {
		return fmt.Errorf("encrypt vault: %w", err)
	}

	tmp := s.cfg.EncryptedFile + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return fmt.Errorf("write vault: %w", err)
	}
	if err := os.Rename(tmp, s.cfg.EncryptedFile); err != nil {
		return fmt.Errorf("rename vault: %w", err)
	}

	s.vault.Store(&vault)
	return nil
}

// encrypt seals plaintext with AES-256-GCM; the key is SHA-256(passphrase)
// and the random nonce is prepended to the ciphertext.
func encrypt(plain []byte, passphrase string) ([]byte, error) {
	sum := sha256.Sum256([]byte(passphrase))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

func decrypt(sealed []byte, passphrase string) ([]byte, error) {
	sum := sha256.Sum256([]byte(passphrase))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("vault too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
