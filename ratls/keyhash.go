// Package ratls implements RA-TLS: self-signed X.509 certificates that
// embed an SGX quote binding the certificate key to an attested enclave,
// and the verification pipeline that validates such certificates against
// the Intel Attestation Service.
package ratls

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"

	"github.com/graphene-dev/ratls/infrastructure/errors"
)

const (
	// KeyBits is the only supported RSA key size.
	KeyBits = 3072

	// RSAPub3072KeyDERLen is the exact DER SubjectPublicKeyInfo length of
	// a supported public key. Attester and verifier hash this encoding, so
	// the fixed length is what guarantees both sides hash identical bytes.
	RSAPub3072KeyDERLen = 422
)

// HashPublicKey returns SHA-256 over the DER SubjectPublicKeyInfo of pub.
// Keys whose encoding is not exactly RSAPub3072KeyDERLen bytes are refused;
// the length check is what pins the key form on both sides of the handshake.
func HashPublicKey(pub *rsa.PublicKey) ([sha256.Size]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return [sha256.Size]byte{}, errors.Wrap(errors.ErrCodeUnsupportedKey, "public key could not be DER-encoded", err)
	}
	if len(der) != RSAPub3072KeyDERLen {
		return [sha256.Size]byte{}, errors.UnsupportedKey(len(der), RSAPub3072KeyDERLen)
	}
	return sha256.Sum256(der), nil
}
