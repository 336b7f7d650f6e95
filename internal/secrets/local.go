package secrets

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

// LocalStore keeps credentials in encrypted files on the local filesystem.
// This is intended for development and single-node deployments.
//
// Each credential is one file:
//
//	<base_dir>/<id>.cred
//
// File layout: 16-byte scrypt salt, 24-byte nonce, secretbox ciphertext of
// the JSON-encoded field map. The box key is derived from a passphrase, so
// files at rest are useless without it.
type LocalStore struct {
	baseDir    string
	passphrase []byte
	logger     *slog.Logger

	mu    sync.RWMutex
	cache map[string]map[string]string
}

const (
	credFileExt = ".cred"
	saltSize    = 16
	nonceSize   = 24

	// scrypt parameters, interactive profile.
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// NewLocalStore creates a local encrypted credential store. If baseDir is
// empty, it defaults to ~/.opswatch/credentials.
func NewLocalStore(baseDir, passphrase string, logger *slog.Logger) (*LocalStore, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("local credential store requires a passphrase")
	}
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".opswatch", "credentials")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("creating credential directory: %w", err)
	}

	logger.Info("using local credential store", "path", baseDir)

	return &LocalStore{
		baseDir:    baseDir,
		passphrase: []byte(passphrase),
		logger:     logger,
		cache:      make(map[string]map[string]string),
	}, nil
}

// Resolve returns the decrypted fields of the named credential.
func (s *LocalStore) Resolve(ctx context.Context, id string) (map[string]string, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	s.mu.RLock()
	if cached, ok := s.cache[id]; ok {
		s.mu.RUnlock()
		return cached, nil
	}
	s.mu.RUnlock()

	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("credential not found: %s", id)
		}
		return nil, fmt.Errorf("reading credential: %w", err)
	}

	fields, err := s.decrypt(data)
	if err != nil {
		return nil, fmt.Errorf("decrypting credential %s: %w", id, err)
	}

	s.mu.Lock()
	s.cache[id] = fields
	s.mu.Unlock()

	return fields, nil
}

// Put encrypts and writes the credential, replacing any existing file.
func (s *LocalStore) Put(ctx context.Context, id string, fields map[string]string) error {
	if err := validateID(id); err != nil {
		return err
	}
	if len(fields) == 0 {
		return fmt.Errorf("credential %s has no fields", id)
	}

	data, err := s.encrypt(fields)
	if err != nil {
		return fmt.Errorf("encrypting credential %s: %w", id, err)
	}
	if err := os.WriteFile(s.path(id), data, 0600); err != nil {
		return fmt.Errorf("writing credential: %w", err)
	}

	s.mu.Lock()
	s.cache[id] = fields
	s.mu.Unlock()

	s.logger.Info("stored local credential", "credential", id)
	return nil
}

// List returns the ids of stored credentials.
func (s *LocalStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, credFileExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, credFileExt))
	}
	return ids, nil
}

// Close releases any resources.
func (s *LocalStore) Close() error {
	s.mu.Lock()
	s.cache = make(map[string]map[string]string)
	s.mu.Unlock()
	return nil
}

func (s *LocalStore) path(id string) string {
	return filepath.Join(s.baseDir, id+credFileExt)
}

func (s *LocalStore) encrypt(fields map[string]string) ([]byte, error) {
	plaintext, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encoding fields: %w", err)
	}

	var salt [saltSize]byte
	if _, err := io.ReadFull(rand.Reader, salt[:]); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	key, err := s.deriveKey(salt[:])
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, saltSize+nonceSize+len(plaintext)+secretbox.Overhead)
	out = append(out, salt[:]...)
	out = append(out, nonce[:]...)
	return secretbox.Seal(out, plaintext, &nonce, key), nil
}

func (s *LocalStore) decrypt(data []byte) (map[string]string, error) {
	if len(data) < saltSize+nonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("credential file truncated")
	}

	key, err := s.deriveKey(data[:saltSize])
	if err != nil {
		return nil, err
	}
	var nonce [nonceSize]byte
	copy(nonce[:], data[saltSize:saltSize+nonceSize])

	plaintext, ok := secretbox.Open(nil, data[saltSize+nonceSize:], &nonce, key)
	if !ok {
		return nil, fmt.Errorf("wrong passphrase or corrupted file")
	}

	var fields map[string]string
	if err := json.Unmarshal(plaintext, &fields); err != nil {
		return nil, fmt.Errorf("decoding fields: %w", err)
	}
	return fields, nil
}

func (s *LocalStore) deriveKey(salt []byte) (*[32]byte, error) {
	derived, err := scrypt.Key(s.passphrase, salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	var key [32]byte
	copy(key[:], derived)
	return &key, nil
}

// validateID rejects ids that would escape the credential directory.
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("credential id is empty")
	}
	if strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return fmt.Errorf("invalid credential id: %s", id)
	}
	return nil
}
