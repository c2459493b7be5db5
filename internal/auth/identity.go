package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/danmuck/autofab/internal/logging"
)

const (
	PrivateKeyFile = "privateKey.pem"
	PublicKeyFile  = "publicKey.pem"
)

// Identity is this node's signing keypair.
type Identity struct {
	Private *ecdsa.PrivateKey
	Public  *ecdsa.PublicKey
}

// GenerateIdentity creates a fresh secp256r1 keypair without persisting it.
func GenerateIdentity() (Identity, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Private: priv, Public: &priv.PublicKey}, nil
}

// EncodedPublicKey returns the base64 DER public half as sent in REGISTER.
func (id Identity) EncodedPublicKey() (string, error) {
	return EncodePublicKey(id.Public)
}

// Sign signs data with the identity's private key.
func (id Identity) Sign(data []byte) (string, error) {
	return Sign(id.Private, data)
}

// IssueOrLoadIdentity loads the keypair from dir when both files exist and
// otherwise generates and persists a new one.
func IssueOrLoadIdentity(dir string) (Identity, error) {
	logger := logging.Component("auth")
	privatePath := filepath.Join(dir, PrivateKeyFile)
	publicPath := filepath.Join(dir, PublicKeyFile)

	privateExists, err := fileExists(privatePath)
	if err != nil {
		return Identity{}, err
	}
	publicExists, err := fileExists(publicPath)
	if err != nil {
		return Identity{}, err
	}

	if privateExists && publicExists {
		logger.Info().Str("private", privatePath).Str("public", publicPath).Msg("reading key pair")
		priv, err := ReadPrivateKeyFile(privatePath)
		if err != nil {
			return Identity{}, err
		}
		pub, err := ReadPublicKeyFile(publicPath)
		if err != nil {
			return Identity{}, err
		}
		return Identity{Private: priv, Public: pub}, nil
	}

	logger.Info().Str("private", privatePath).Str("public", publicPath).Msg("no key pair found, generating")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Identity{}, fmt.Errorf("auth: create identity dir: %w", err)
	}
	id, err := GenerateIdentity()
	if err != nil {
		return Identity{}, err
	}
	if err := writePrivateKeyFile(privatePath, id.Private); err != nil {
		return Identity{}, err
	}
	if err := writePublicKeyFile(publicPath, id.Public); err != nil {
		return Identity{}, err
	}
	logger.Info().Msg("new key pair created")
	return id, nil
}

func fileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err == nil {
		return !info.IsDir(), nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}
