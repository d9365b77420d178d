// Package sops reads documents encrypted in the SOPS convention: a reserved
// metadata block carrying per-recipient wrapped data keys and a document MAC,
// next to a content tree whose leaf values are individually encrypted with
// AES-256-GCM under the shared data key.
package sops

import (
	"encoding/json"
	"fmt"

	"filippo.io/age"
	"github.com/blang/semver/v4"
	"github.com/spf13/afero"
)

// Format selects the container serialization of an encrypted document.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"

	// FormatBinary documents are the JSON store holding the whole payload
	// under the single "data" key.
	FormatBinary Format = "binary"
)

// metadataKey is the reserved top level key holding the cryptographic metadata.
const metadataKey = "sops"

// supportedVersionMajor is the SOPS convention revision this codec understands.
const supportedVersionMajor = 3

// defaultUnencryptedSuffix marks subtrees whose values are stored in plaintext.
const defaultUnencryptedSuffix = "_unencrypted"

// AgeStanza is one (recipient, wrapped data key) pair of the metadata block.
type AgeStanza struct {
	Recipient    string `json:"recipient" yaml:"recipient"`
	EncryptedKey string `json:"enc" yaml:"enc"`
}

// Metadata is the cryptographic metadata block of an encrypted document.
type Metadata struct {
	Age               []AgeStanza `json:"age" yaml:"age"`
	LastModified      string      `json:"lastmodified" yaml:"lastmodified"`
	MAC               string      `json:"mac" yaml:"mac"`
	UnencryptedSuffix string      `json:"unencrypted_suffix" yaml:"unencrypted_suffix"`
	Version           string      `json:"version" yaml:"version"`
}

func (m *Metadata) unencryptedSuffix() string {
	if m.UnencryptedSuffix == "" {
		return defaultUnencryptedSuffix
	}

	return m.UnencryptedSuffix
}

// Document is a parsed encrypted document: the content tree with the
// metadata block split out.
type Document struct {
	Format   Format
	Metadata Metadata
	Tree     TreeBranch
}

// Load reads and parses an encrypted document from the filesystem.
func Load(fs afero.Fs, path string, format Format) (*Document, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}

	doc, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return doc, nil
}

// Parse decodes raw document bytes and locates the metadata block.
func Parse(data []byte, format Format) (*Document, error) {
	var full TreeBranch
	var err error
	switch format {
	case FormatYAML:
		full, err = parseYAML(data)
	case FormatJSON, FormatBinary:
		full, err = parseJSON(data)
	default:
		return nil, fmt.Errorf("%w: unknown format %q", ErrMalformedDocument, format)
	}
	if err != nil {
		return nil, err
	}

	doc := Document{Format: format}
	var found bool
	for _, item := range full {
		if item.Key == metadataKey {
			doc.Metadata, err = decodeMetadata(item.Value)
			if err != nil {
				return nil, err
			}
			found = true

			continue
		}
		doc.Tree = append(doc.Tree, item)
	}
	if !found {
		return nil, ErrMetadataNotFound
	}

	if err := doc.Metadata.validate(); err != nil {
		return nil, err
	}

	return &doc, nil
}

func decodeMetadata(v interface{}) (Metadata, error) {
	var md Metadata

	branch, ok := v.(TreeBranch)
	if !ok {
		return md, fmt.Errorf("%w: metadata block is not a mapping", ErrMalformedDocument)
	}

	b, err := json.Marshal(branch)
	if err != nil {
		return md, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	if err := json.Unmarshal(b, &md); err != nil {
		return md, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}

	return md, nil
}

func (m *Metadata) validate() error {
	if m.MAC == "" {
		return fmt.Errorf("%w: metadata has no mac", ErrMalformedDocument)
	}
	if m.LastModified == "" {
		return fmt.Errorf("%w: metadata has no lastmodified timestamp", ErrMalformedDocument)
	}
	if m.Version == "" {
		return fmt.Errorf("%w: metadata has no version", ErrMalformedDocument)
	}

	v, err := semver.ParseTolerant(m.Version)
	if err != nil {
		return fmt.Errorf("%w: version %q is not semver", ErrMalformedDocument, m.Version)
	}
	if v.Major != supportedVersionMajor {
		return fmt.Errorf("%w: %s, this codec supports major version %d",
			ErrUnsupportedVersion, m.Version, supportedVersionMajor)
	}

	return nil
}

// Decrypt unwraps the data key with the given identities, decrypts every
// leaf and verifies the document MAC.
func (d *Document) Decrypt(identities []age.Identity) (TreeBranch, error) {
	dataKey, err := UnwrapDataKey(d.Metadata, identities)
	if err != nil {
		return nil, err
	}

	return DecryptTree(d, dataKey)
}

// Emit serializes the document, reattaching the metadata block.
func Emit(d *Document) ([]byte, error) {
	md, err := json.Marshal(&d.Metadata)
	if err != nil {
		return nil, err
	}
	mdBranch, err := parseJSON(md)
	if err != nil {
		return nil, err
	}

	full := make(TreeBranch, 0, len(d.Tree)+1)
	full = append(full, d.Tree...)
	full = append(full, TreeItem{Key: metadataKey, Value: mdBranch})

	if d.Format == FormatYAML {
		return emitYAML(full)
	}

	return emitJSON(full)
}
