package sops

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"
)

// UnwrapDataKey walks the metadata's recipient stanzas and attempts to
// unwrap each armored data key with every available identity, stopping at
// the first success. Failure reasons are collected only when all
// combinations fail.
func UnwrapDataKey(md Metadata, identities []age.Identity) ([]byte, error) {
	if len(md.Age) == 0 {
		return nil, fmt.Errorf("%w: document has no age recipients", ErrNoUsableIdentity)
	}
	if len(identities) == 0 {
		return nil, fmt.Errorf("%w: no identities resolved", ErrNoUsableIdentity)
	}

	var reasons []string
	for _, stanza := range md.Age {
		r, err := age.Decrypt(armor.NewReader(strings.NewReader(stanza.EncryptedKey)), identities...)
		if err != nil {
			reasons = append(reasons, fmt.Sprintf("%s: %v", stanza.Recipient, err))

			continue
		}

		dataKey, err := io.ReadAll(r)
		if err != nil {
			reasons = append(reasons, fmt.Sprintf("%s: %v", stanza.Recipient, err))

			continue
		}

		return dataKey, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrNoUsableIdentity, strings.Join(reasons, "; "))
}

// WrapDataKey encrypts the data key to each recipient, producing the
// metadata stanzas of a freshly encrypted document.
func WrapDataKey(dataKey []byte, recipients []age.Recipient) ([]AgeStanza, error) {
	stanzas := make([]AgeStanza, 0, len(recipients))
	for _, rcpt := range recipients {
		var buf bytes.Buffer
		aw := armor.NewWriter(&buf)

		w, err := age.Encrypt(aw, rcpt)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(dataKey); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		if err := aw.Close(); err != nil {
			return nil, err
		}

		var id string
		if s, ok := rcpt.(fmt.Stringer); ok {
			id = s.String()
		}
		stanzas = append(stanzas, AgeStanza{Recipient: id, EncryptedKey: buf.String()})
	}

	return stanzas, nil
}
