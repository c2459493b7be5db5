package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

const (
	privateKeyBlock = "ECDSA PRIVATE KEY"
	publicKeyBlock  = "ECDSA PUBLIC KEY"
)

// Key files hold the whole base64 body on one line between the markers.
func encodeKeyFile(blockType string, der []byte) []byte {
	out := "-----BEGIN " + blockType + "-----\n" +
		base64.StdEncoding.EncodeToString(der) +
		"\n-----END " + blockType + "-----\n"
	return []byte(out)
}

func decodeKeyFile(blockType string, data []byte) ([]byte, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: missing %q markers", ErrKeyFormat, blockType)
	}
	if block.Type != blockType {
		return nil, fmt.Errorf("%w: got block %q want %q", ErrKeyFormat, block.Type, blockType)
	}
	return block.Bytes, nil
}

// EncodePublicKey returns the base64 X.509 (PKIX) DER form sent on the wire.
func EncodePublicKey(pub *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyFormat, err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// DecodePublicKey parses the base64 X.509 DER wire form.
func DecodePublicKey(encoded string) (*ecdsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFormat, err)
	}
	return parsePublicDER(der)
}

func parsePublicDER(der []byte) (*ecdsa.PublicKey, error) {
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFormat, err)
	}
	pub, ok := key.(*ecdsa.PublicKey)
	if !ok || pub.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: not a secp256r1 public key", ErrKeyFormat)
	}
	return pub, nil
}

func parsePrivateDER(der []byte) (*ecdsa.PrivateKey, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFormat, err)
	}
	priv, ok := key.(*ecdsa.PrivateKey)
	if !ok || priv.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: not a secp256r1 private key", ErrKeyFormat)
	}
	return priv, nil
}

func writePublicKeyFile(path string, pub *ecdsa.PublicKey) error {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyFormat, err)
	}
	return writeFileAtomic(path, encodeKeyFile(publicKeyBlock, der), 0o644)
}

func writePrivateKeyFile(path string, priv *ecdsa.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyFormat, err)
	}
	return writeFileAtomic(path, encodeKeyFile(privateKeyBlock, der), 0o600)
}

// ReadPublicKeyFile loads one marker-wrapped public key file.
func ReadPublicKeyFile(path string) (*ecdsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	der, err := decodeKeyFile(publicKeyBlock, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	pub, err := parsePublicDER(der)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return pub, nil
}

// ReadPrivateKeyFile loads one marker-wrapped private key file.
func ReadPrivateKeyFile(path string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	der, err := decodeKeyFile(privateKeyBlock, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	priv, err := parsePrivateDER(der)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return priv, nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
