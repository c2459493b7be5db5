package auth

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

// Sign produces a base64 ASN.1 ECDSA signature over SHA-256(data).
// Signatures are randomized; two calls over the same data differ.
func Sign(priv *ecdsa.PrivateKey, data []byte) (string, error) {
	if priv == nil {
		return "", errors.New("auth: nil private key")
	}
	digest := sha256.Sum256(data)
	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify reports whether signature is a valid signature of data by pub.
// Any decode or cryptographic failure yields false.
func Verify(pub *ecdsa.PublicKey, data []byte, signature string) bool {
	if pub == nil || signature == "" {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(data)
	return ecdsa.VerifyASN1(pub, digest[:], sig)
}
