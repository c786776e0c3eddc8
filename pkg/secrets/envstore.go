package secrets

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

const (
	ciphertextSuffix = "_CIPHERTEXT"
	hashSuffix       = "_HASH"
)

var secretNameRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// EnvStore keeps encrypted secrets in a dotenv file as NAME_CIPHERTEXT and
// NAME_HASH pairs. Plaintext never touches the file.
type EnvStore struct {
	path string
	mu   sync.Mutex
}

// NewEnvStore creates a store backed by path.
func NewEnvStore(path string) *EnvStore {
	return &EnvStore{path: path}
}

// Path returns the backing file path.
func (s *EnvStore) Path() string {
	return s.path
}

// Load returns every complete ciphertext/hash pair in the file. A missing
// file yields an empty map.
func (s *EnvStore) Load() (map[string]Encrypted, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, err := s.read()
	if err != nil {
		return nil, err
	}

	result := make(map[string]Encrypted)
	for key, value := range env {
		if !strings.HasSuffix(key, ciphertextSuffix) {
			continue
		}
		name := strings.TrimSuffix(key, ciphertextSuffix)
		if name == "" || value == "" {
			continue
		}
		result[name] = Encrypted{
			Ciphertext:        value,
			DataToEncryptHash: env[name+hashSuffix],
		}
	}
	return result, nil
}

// Put stores or replaces the ciphertext for name.
func (s *EnvStore) Put(name string, secret Encrypted) error {
	if !secretNameRegex.MatchString(name) {
		return fmt.Errorf("invalid secret name %q (letters, digits and underscores only)", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	env, err := s.read()
	if err != nil {
		return err
	}
	env[name+ciphertextSuffix] = secret.Ciphertext
	env[name+hashSuffix] = secret.DataToEncryptHash
	return s.write(env)
}

// Delete removes name from the store. Unknown names are ignored.
func (s *EnvStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, err := s.read()
	if err != nil {
		return err
	}
	delete(env, name+ciphertextSuffix)
	delete(env, name+hashSuffix)
	return s.write(env)
}

// Names lists stored secret names in sorted order.
func (s *EnvStore) Names() ([]string, error) {
	all, err := s.Load()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *EnvStore) read() (map[string]string, error) {
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	env, err := godotenv.Read(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}
	return env, nil
}

func (s *EnvStore) write(env map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create secrets directory: %w", err)
	}
	if err := godotenv.Write(env, s.path); err != nil {
		return fmt.Errorf("failed to write secrets file: %w", err)
	}
	return os.Chmod(s.path, 0600)
}
