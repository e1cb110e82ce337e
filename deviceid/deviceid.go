// Package deviceid generates and persists the stable per-install device
// identifier each endpoint presents to the relay.
package deviceid

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"

	"github.com/google/uuid"
)

// FileName is the name of the plain-text file a device id is persisted
// under, relative to an endpoint's config directory.
const FileName = "device-id"

// Generate derives a stable hex device id from a freshly generated random
// UUID and the current OS username. The UUID makes the id unique per
// install; hashing in the username keeps the persisted value unambiguous
// to a human scanning the config directory without leaking the raw UUID.
func Generate() (string, error) {
	u := uuid.New()
	username := currentUsername()
	sum := sha256.Sum256([]byte(u.String() + ":" + username))
	return hex.EncodeToString(sum[:]), nil
}

func currentUsername() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "unknown"
}

// LoadOrCreate reads the device id persisted at <configDir>/device-id,
// creating it lazily on first use. The file is never overwritten once
// written.
func LoadOrCreate(configDir string) (string, error) {
	path := filepath.Join(configDir, FileName)

	existing, err := os.ReadFile(path)
	if err == nil {
		id := string(existing)
		if id == "" {
			return "", errors.New("deviceid: device-id file is empty")
		}
		return id, nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("deviceid: read device-id: %w", err)
	}

	id, err := Generate()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", fmt.Errorf("deviceid: create config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id), 0600); err != nil {
		return "", fmt.Errorf("deviceid: write device-id: %w", err)
	}
	return id, nil
}
