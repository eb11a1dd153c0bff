package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"golang.org/x/crypto/scrypt"
)

// Secrets file layout: scrypt salt, GCM nonce, then ciphertext over a JSON
// name→value map.
const (
	SecretsFileName = "secrets.json.enc"
	saltSize        = 16
	nonceSize       = 12
	scryptN         = 32768
	scryptR         = 8
	scryptP         = 1
	keySize         = 32 // AES-256
)

//nolint:gochecknoglobals // In-memory secrets live for the process lifetime
var (
	secretsMu sync.RWMutex
	secrets   map[string]string
)

// GetSecret resolves name, preferring the environment over the decrypted
// secrets store. Provider credentials (API keys) come through here.
func GetSecret(name string) (string, error) {
	if v := os.Getenv(name); v != "" {
		return v, nil
	}

	secretsMu.RLock()
	defer secretsMu.RUnlock()
	if v, ok := secrets[name]; ok && v != "" {
		return v, nil
	}
	return "", fmt.Errorf("secret %s not set (environment or secrets file)", name)
}

// SetSecret stores a secret in memory. Persist with SaveSecretsFile.
func SetSecret(name, value string) {
	secretsMu.Lock()
	defer secretsMu.Unlock()
	if secrets == nil {
		secrets = make(map[string]string)
	}
	secrets[name] = value
}

// DeleteSecret removes a secret from memory.
func DeleteSecret(name string) {
	secretsMu.Lock()
	defer secretsMu.Unlock()
	delete(secrets, name)
}

// SecretNames lists the in-memory secret names, sorted.
func SecretNames() []string {
	secretsMu.RLock()
	defer secretsMu.RUnlock()
	names := make([]string, 0, len(secrets))
	for name := range secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SecretsFileExists reports whether an encrypted secrets file is present.
func SecretsFileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// LoadSecretsFile decrypts the secrets file at path into memory.
func LoadSecretsFile(path, password string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read secrets file: %w", err)
	}
	if len(data) < saltSize+nonceSize {
		return fmt.Errorf("secrets file too short")
	}

	salt := data[:saltSize]
	nonce := data[saltSize : saltSize+nonceSize]
	ciphertext := data[saltSize+nonceSize:]

	gcm, err := newGCM(password, salt)
	if err != nil {
		return err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return fmt.Errorf("failed to decrypt secrets (wrong password?): %w", err)
	}

	var loaded map[string]string
	if err := json.Unmarshal(plaintext, &loaded); err != nil {
		return fmt.Errorf("failed to parse secrets: %w", err)
	}

	secretsMu.Lock()
	secrets = loaded
	secretsMu.Unlock()
	return nil
}

// SaveSecretsFile encrypts the in-memory secrets to path.
func SaveSecretsFile(path, password string) error {
	secretsMu.RLock()
	plaintext, err := json.Marshal(secrets)
	secretsMu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal secrets: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return err
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, saltSize+nonceSize+len(ciphertext))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)

	if err := os.WriteFile(path, out, 0600); err != nil {
		return fmt.Errorf("failed to write secrets file: %w", err)
	}
	return nil
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return gcm, nil
}
