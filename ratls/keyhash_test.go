package ratls

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"math/big"
	"testing"

	"github.com/graphene-dev/ratls/infrastructure/errors"
)

func TestHashPublicKey(t *testing.T) {
	key := testRSAKey(t, 0)

	hash, err := HashPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("HashPublicKey: %v", err)
	}

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	if len(der) != RSAPub3072KeyDERLen {
		t.Fatalf("SPKI length = %d, want %d", len(der), RSAPub3072KeyDERLen)
	}
	want := sha256.Sum256(der)
	if hash != want {
		t.Error("hash is not SHA-256 over the SPKI encoding")
	}
}

func TestHashPublicKeyDeterministic(t *testing.T) {
	key := testRSAKey(t, 0)

	a, err := HashPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("HashPublicKey: %v", err)
	}
	b, err := HashPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("HashPublicKey: %v", err)
	}
	if a != b {
		t.Error("hash must be deterministic for the same key")
	}
}

func TestHashPublicKeyRejectsOtherKeyForms(t *testing.T) {
	// N values need not belong to real keys; only the encoding length matters
	bits := func(n int) *big.Int {
		v := new(big.Int).Lsh(big.NewInt(1), uint(n-1))
		return v.Or(v, big.NewInt(1))
	}

	tests := []struct {
		name string
		pub  *rsa.PublicKey
	}{
		{"RSA-2048", &rsa.PublicKey{N: bits(2048), E: 65537}},
		{"RSA-4096", &rsa.PublicKey{N: bits(4096), E: 65537}},
		{"RSA-3072 with short exponent", &rsa.PublicKey{N: bits(3072), E: 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := HashPublicKey(tt.pub)
			if !errors.HasCode(err, errors.ErrCodeUnsupportedKey) {
				t.Errorf("error = %v, want UnsupportedKey", err)
			}
		})
	}
}
