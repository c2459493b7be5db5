// Package auth owns node identity and peer trust.
//
// Ownership boundary:
// - identity issue/load (privateKey.pem, publicKey.pem)
// - per-host trust store (<host>.pub)
// - ECDSA P-256 / SHA-256 signing and verification
//
// A host is trusted for LAUNCH only while its key file exists and decodes.
// Policy beyond "signed by a key on file" is out of scope.
package auth

import "errors"

var (
	ErrKeyFormat    = errors.New("auth: invalid key format")
	ErrUntrusted    = errors.New("auth: untrusted host")
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrInvalidHost  = errors.New("auth: invalid host name")
)

// Verifier checks a signature against the key on file for host.
type Verifier interface {
	Verify(host string, payload []byte, signature string) error
}

// Registrar persists a base64 DER public key under a claimed host name.
type Registrar interface {
	Register(host, encodedKey string) (string, error)
}
