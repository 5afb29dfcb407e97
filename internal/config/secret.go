package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// secretFile is where the generated gateway secret lives under data_dir.
const secretFile = "gateway.secret"

// secretBytes is the length of generated secrets before hex encoding.
const secretBytes = 32

// GenerateSecret writes a new random HMAC secret to path and returns it.
// The file is written with owner-only permissions.
func GenerateSecret(path string) (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	secret := hex.EncodeToString(buf)

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("create secret directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(secret+"\n"), 0600); err != nil {
		return "", fmt.Errorf("write secret: %w", err)
	}
	return secret, nil
}

// LoadSecret reads a secret written by GenerateSecret.
func LoadSecret(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return "", fmt.Errorf("secret file %s is empty", path)
	}
	return secret, nil
}

// EnsureSecret loads the secret at path, generating it on first use.
func EnsureSecret(path string) (string, error) {
	secret, err := LoadSecret(path)
	if err == nil {
		return secret, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	return GenerateSecret(path)
}

// GatewaySecret returns the configured gateway secret, or the one stored
// under data_dir.
func (c *Config) GatewaySecret() (string, error) {
	if c.Gateway.Secret != "" {
		return c.Gateway.Secret, nil
	}
	return EnsureSecret(filepath.Join(c.Deployment.DataDir, secretFile))
}
