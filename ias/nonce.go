package ias

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/graphene-dev/ratls/infrastructure/errors"
)

// NonceLength is the length of the hex-encoded nonce submitted to IAS.
// IAS caps nonces at 32 characters; 16 random bytes fill that exactly.
const NonceLength = 32

// GenerateNonce draws 16 bytes from random (crypto/rand when nil) and
// returns them hex-encoded. Every verification must use a fresh nonce.
func GenerateNonce(random io.Reader) (string, error) {
	if random == nil {
		random = rand.Reader
	}

	var raw [NonceLength / 2]byte
	if _, err := io.ReadFull(random, raw[:]); err != nil {
		return "", errors.IASUnavailable(fmt.Errorf("nonce entropy: %w", err))
	}
	return hex.EncodeToString(raw[:]), nil
}
