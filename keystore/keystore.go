// Package keystore bootstraps the symmetric detection key and keeps a base64
// copy on disk for manual distribution to subscribers.
package keystore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"TrackCastServer/envelope"
	"TrackCastServer/logger"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

type Config struct {
	File      string `yaml:"File"`
	Reuse     bool   `yaml:"Reuse"`
	Algorithm string `yaml:"Algorithm"`
}

func Generate() ([]byte, error) {
	key := make([]byte, envelope.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

func Encode(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

func Decode(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(key) != envelope.KeySize {
		return nil, fmt.Errorf("%w, got %d", envelope.ErrInvalidKey, len(key))
	}
	return key, nil
}

// Fingerprint identifies a key in logs without revealing it.
func Fingerprint(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:8])
}

func lockFor(path string) *flock.Flock {
	return flock.New(path + ".lock")
}

// Save writes the key as base64 with owner-only permissions, replacing any
// previous key atomically.
func Save(path string, key []byte) error {
	if path == "" {
		return errors.New("key file path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create key dir: %w", err)
		}
	}
	lock := lockFor(path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock key file: %w", err)
	}
	defer func() {
		_ = lock.Unlock()
	}()

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp key file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod key file: %w", err)
	}
	if _, err := tmp.WriteString(Encode(key)); err != nil {
		tmp.Close()
		return fmt.Errorf("write key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close key file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("install key file: %w", err)
	}
	return nil
}

func Load(path string) ([]byte, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	lock := lockFor(path)
	if err := lock.RLock(); err != nil {
		return nil, fmt.Errorf("lock key file: %w", err)
	}
	defer func() {
		_ = lock.Unlock()
	}()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(string(data))
}

// Bootstrap returns the key for this process: the stored one when Reuse is
// set and the file exists, otherwise a freshly generated key that is then
// persisted.
func Bootstrap(cfg Config) ([]byte, error) {
	if cfg.Reuse {
		key, err := Load(cfg.File)
		switch {
		case err == nil:
			logger.Log().Info("reusing detection key", zap.String("file", cfg.File), zap.String("fingerprint", Fingerprint(key)))
			return key, nil
		case !errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("load key: %w", err)
		}
	}
	key, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := Save(cfg.File, key); err != nil {
		return nil, err
	}
	logger.Log().Info("generated detection key", zap.String("file", cfg.File), zap.String("fingerprint", Fingerprint(key)))
	return key, nil
}
