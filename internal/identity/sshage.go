package identity

import (
	"crypto/ed25519"
	"crypto/sha512"
	"fmt"
	"strings"

	"filippo.io/age"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"golang.org/x/crypto/ssh"
)

// FromOpenSSH converts an OpenSSH ed25519 private key into the age X25519
// identity that SOPS documents are encrypted to. The ed25519 seed is hashed
// with SHA-512 and the first 32 bytes become the X25519 scalar, which is
// bech32 encoded in the age secret key format.
func FromOpenSSH(pemBytes []byte) (*age.X25519Identity, error) {
	key, err := ssh.ParseRawPrivateKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}

	edKey, ok := key.(*ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: %T, only ed25519 keys can be converted", ErrUnsupportedKeyType, key)
	}

	digest := sha512.Sum512(edKey.Seed())

	conv, err := bech32.ConvertBits(digest[:32], 8, 5, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	encoded, err := bech32.Encode("age-secret-key-", conv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}

	return age.ParseX25519Identity(strings.ToUpper(encoded))
}
