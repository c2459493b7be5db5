package auth

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/danmuck/autofab/internal/logging"
)

const peerKeySuffix = ".pub"

// TrustStore maps claimed host names to public keys, one <host>.pub per host.
// Entries are created or overwritten by Register and never deleted here.
type TrustStore struct {
	dir string
}

var (
	_ Verifier  = (*TrustStore)(nil)
	_ Registrar = (*TrustStore)(nil)
)

func NewTrustStore(dir string) *TrustStore {
	return &TrustStore{dir: dir}
}

func (s *TrustStore) Dir() string {
	return s.dir
}

// Path returns the key file location for host.
func (s *TrustStore) Path(host string) (string, error) {
	if err := ValidateHost(host); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, host+peerKeySuffix), nil
}

// Register decodes a base64 DER public key and persists it under host.
func (s *TrustStore) Register(host, encodedKey string) (string, error) {
	pub, err := DecodePublicKey(strings.TrimSpace(encodedKey))
	if err != nil {
		return "", err
	}
	return s.Put(host, pub)
}

// Put persists pub under host, replacing any previous entry.
func (s *TrustStore) Put(host string, pub *ecdsa.PublicKey) (string, error) {
	path, err := s.Path(host)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return "", err
	}
	if err := writePublicKeyFile(path, pub); err != nil {
		return "", err
	}
	log := logging.Component("auth")
	log.Info().Str("host", host).Str("path", path).Msg("registered host key")
	return path, nil
}

// Lookup returns the stored key for host. Missing or undecodable entries
// are reported as ErrUntrusted.
func (s *TrustStore) Lookup(host string) (*ecdsa.PublicKey, error) {
	path, err := s.Path(host)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUntrusted, err)
	}
	pub, err := ReadPublicKeyFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: no key on file for %q", ErrUntrusted, host)
		}
		return nil, fmt.Errorf("%w: %v", ErrUntrusted, err)
	}
	return pub, nil
}

// Verify checks signature over payload against host's stored key.
func (s *TrustStore) Verify(host string, payload []byte, signature string) error {
	pub, err := s.Lookup(host)
	if err != nil {
		return err
	}
	if !Verify(pub, payload, signature) {
		return fmt.Errorf("%w: signature mismatch for %q", ErrUnauthorized, host)
	}
	return nil
}

// Hosts lists host names with a key file, sorted.
func (s *TrustStore) Hosts() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	hosts := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, peerKeySuffix) {
			continue
		}
		hosts = append(hosts, strings.TrimSuffix(name, peerKeySuffix))
	}
	sort.Strings(hosts)
	return hosts, nil
}

// LoadPeerPublicKey is Lookup against the trust store rooted at dir.
func LoadPeerPublicKey(dir, host string) (*ecdsa.PublicKey, error) {
	return NewTrustStore(dir).Lookup(host)
}

// ValidateHost rejects names that cannot be a single file inside the store.
func ValidateHost(host string) error {
	if strings.TrimSpace(host) == "" || host != strings.TrimSpace(host) {
		return fmt.Errorf("%w: %q", ErrInvalidHost, host)
	}
	if len(host) > 253 || host == "." || strings.Contains(host, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidHost, host)
	}
	for i := 0; i < len(host); i++ {
		c := host[i]
		if c == '/' || c == '\\' || c < 0x20 || c == 0x7f {
			return fmt.Errorf("%w: %q", ErrInvalidHost, host)
		}
	}
	return nil
}
