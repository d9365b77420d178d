package sops

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"
	"time"
)

// SOPS uses AES-256-GCM with an oversized 32 byte nonce per leaf value.
const nonceSize = 32

const gcmTagSize = 16

// DataKeySize is the length of the per-document symmetric key.
const DataKeySize = 32

// Version written into freshly encrypted documents.
const writerVersion = "3.8.1"

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	return cipher.NewGCMWithNonceSize(block, nonceSize)
}

// additionalData authenticates the structural position of a leaf: its key
// path joined with colons, with a trailing colon.
func additionalData(path []string) []byte {
	return []byte(strings.Join(path, ":") + ":")
}

func encryptValue(key []byte, v interface{}, aad []byte) (string, error) {
	plaintext, valueType, err := valueBytes(v)
	if err != nil {
		return "", err
	}

	iv := make([]byte, nonceSize)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	sealed := gcm.Seal(nil, iv, plaintext, aad)
	ev := encryptedValue{
		data:      sealed[:len(sealed)-gcmTagSize],
		iv:        iv,
		tag:       sealed[len(sealed)-gcmTagSize:],
		valueType: valueType,
	}

	return ev.String(), nil
}

func decryptValue(key []byte, s string, aad []byte) (interface{}, error) {
	ev, err := parseEncryptedValue(s)
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ev.data)+len(ev.tag))
	sealed = append(sealed, ev.data...)
	sealed = append(sealed, ev.tag...)

	plaintext, err := gcm.Open(nil, ev.iv, sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMACMismatch, err)
	}

	return valueFromBytes(plaintext, ev.valueType)
}

// DecryptTree decrypts every leaf of the document with the unwrapped data
// key, then recomputes the MAC over the plaintext values in traversal order
// and compares it constant-time against the stored one. A mismatch is fatal:
// the decrypted tree is never returned with unverified content.
func DecryptTree(d *Document, dataKey []byte) (TreeBranch, error) {
	h := sha512.New()
	tree, err := decryptBranch(d.Tree, dataKey, nil, false, d.Metadata.unencryptedSuffix(), h)
	if err != nil {
		return nil, err
	}

	storedMAC, err := decryptValue(dataKey, d.Metadata.MAC, []byte(d.Metadata.LastModified))
	if err != nil {
		return nil, fmt.Errorf("decrypt stored mac: %w", err)
	}
	macString, ok := storedMAC.(string)
	if !ok {
		return nil, fmt.Errorf("%w: stored mac is not a string", ErrMalformedDocument)
	}

	computed := strings.ToUpper(hex.EncodeToString(h.Sum(nil)))
	if subtle.ConstantTimeCompare([]byte(computed), []byte(strings.ToUpper(macString))) != 1 {
		return nil, ErrMACMismatch
	}

	return tree, nil
}

func decryptBranch(b TreeBranch, key []byte, path []string, unencrypted bool, suffix string, h hash.Hash) (TreeBranch, error) {
	out := make(TreeBranch, 0, len(b))
	for _, item := range b {
		p := childPath(path, item.Key)
		v, err := decryptAny(item.Value, key, p, unencrypted || strings.HasSuffix(item.Key, suffix), suffix, h)
		if err != nil {
			return nil, err
		}
		out = append(out, TreeItem{Key: item.Key, Value: v})
	}

	return out, nil
}

func decryptAny(v interface{}, key []byte, path []string, unencrypted bool, suffix string, h hash.Hash) (interface{}, error) {
	switch t := v.(type) {
	case TreeBranch:
		return decryptBranch(t, key, path, unencrypted, suffix, h)
	case []interface{}:
		out := make([]interface{}, 0, len(t))
		for _, e := range t {
			d, err := decryptAny(e, key, path, unencrypted, suffix, h)
			if err != nil {
				return nil, err
			}
			out = append(out, d)
		}

		return out, nil
	case nil:
		return nil, nil
	case string:
		if unencrypted {
			hashValue(h, t)

			return t, nil
		}

		plain, err := decryptValue(key, t, additionalData(path))
		if err != nil {
			if errors.Is(err, errNotEncrypted) {
				return nil, fmt.Errorf("%w: plaintext value outside %q subtree at %s",
					ErrMalformedDocument, suffix, strings.Join(path, "."))
			}

			return nil, fmt.Errorf("%s: %w", strings.Join(path, "."), err)
		}
		hashValue(h, plain)

		return plain, nil
	default:
		// non-string scalars can only appear in plaintext subtrees
		if !unencrypted {
			return nil, fmt.Errorf("%w: unencrypted scalar at %s",
				ErrMalformedDocument, strings.Join(path, "."))
		}
		hashValue(h, t)

		return t, nil
	}
}

// EncryptTree is the inverse of DecryptTree: it encrypts every leaf of the
// plaintext tree under a fresh per-leaf nonce, computes the document MAC and
// fills the metadata block. Recipient stanzas are attached separately via
// WrapDataKey.
func EncryptTree(d *Document, dataKey []byte) error {
	d.Metadata.LastModified = time.Now().UTC().Format(time.RFC3339)
	d.Metadata.Version = writerVersion
	if d.Metadata.UnencryptedSuffix == "" {
		d.Metadata.UnencryptedSuffix = defaultUnencryptedSuffix
	}

	h := sha512.New()
	tree, err := encryptBranch(d.Tree, dataKey, nil, false, d.Metadata.UnencryptedSuffix, h)
	if err != nil {
		return err
	}
	d.Tree = tree

	computed := strings.ToUpper(hex.EncodeToString(h.Sum(nil)))
	mac, err := encryptValue(dataKey, computed, []byte(d.Metadata.LastModified))
	if err != nil {
		return err
	}
	d.Metadata.MAC = mac

	return nil
}

func encryptBranch(b TreeBranch, key []byte, path []string, unencrypted bool, suffix string, h hash.Hash) (TreeBranch, error) {
	out := make(TreeBranch, 0, len(b))
	for _, item := range b {
		p := childPath(path, item.Key)
		v, err := encryptAny(item.Value, key, p, unencrypted || strings.HasSuffix(item.Key, suffix), suffix, h)
		if err != nil {
			return nil, err
		}
		out = append(out, TreeItem{Key: item.Key, Value: v})
	}

	return out, nil
}

func encryptAny(v interface{}, key []byte, path []string, unencrypted bool, suffix string, h hash.Hash) (interface{}, error) {
	switch t := v.(type) {
	case TreeBranch:
		return encryptBranch(t, key, path, unencrypted, suffix, h)
	case []interface{}:
		out := make([]interface{}, 0, len(t))
		for _, e := range t {
			enc, err := encryptAny(e, key, path, unencrypted, suffix, h)
			if err != nil {
				return nil, err
			}
			out = append(out, enc)
		}

		return out, nil
	case nil:
		return nil, nil
	default:
		hashValue(h, t)
		if unencrypted {
			return t, nil
		}

		return encryptValue(key, t, additionalData(path))
	}
}

func hashValue(h hash.Hash, v interface{}) {
	// the MAC covers plaintext and encrypted leaves alike
	if b, _, err := valueBytes(v); err == nil {
		h.Write(b)
	}
}

func childPath(path []string, key string) []string {
	p := make([]string, 0, len(path)+1)
	p = append(p, path...)
	p = append(p, key)

	return p
}

// NewDataKey generates a fresh random symmetric data key.
func NewDataKey() ([]byte, error) {
	key := make([]byte, DataKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}

	return key, nil
}
