// Package manifest loads and validates the declarative document produced by
// the configuration tooling. Validation here is structural only: referenced
// source files are allowed to fail lazily at decryption time.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// MaxSupportedVersion is the newest manifest schema revision this binary understands.
const MaxSupportedVersion = 1

// FileType describes the serialization of an encrypted source document.
type FileType string

const (
	FileTypeYAML   FileType = "yaml"
	FileTypeJSON   FileType = "json"
	FileTypeBinary FileType = "binary"
)

// UnmarshalJSON normalizes the declared type, accepting "yml" as an alias.
func (t *FileType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	switch FileType(s) {
	case FileTypeYAML, FileTypeJSON, FileTypeBinary:
		*t = FileType(s)
	case "yml":
		*t = FileTypeYAML
	default:
		return fmt.Errorf("%w: unknown file type %q", ErrInvalidManifest, s)
	}

	return nil
}

// Secret is one encrypted document entry to be decrypted and deployed.
type Secret struct {
	Name   string   `json:"name"`
	Source string   `json:"source"`
	Key    string   `json:"key,omitempty"`
	Type   FileType `json:"type"`
	Mode   string   `json:"mode,omitempty"`
	Owner  string   `json:"owner,omitempty"`
	Group  string   `json:"group,omitempty"`
	Link   string   `json:"link,omitempty"`
}

const defaultMode = os.FileMode(0600)

// FileMode parses the configured octal mode, defaulting to owner read-write.
func (s *Secret) FileMode() (os.FileMode, error) {
	return parseMode(s.Mode)
}

// Template is a plain text document rendered with secret values substituted.
type Template struct {
	Name   string `json:"name"`
	Source string `json:"source"`
	Target string `json:"target"`
	Copy   bool   `json:"copy,omitempty"`
	Mode   string `json:"mode,omitempty"`
	Owner  string `json:"owner,omitempty"`
	Group  string `json:"group,omitempty"`
}

// FileMode parses the configured octal mode, defaulting to owner read-write.
func (t *Template) FileMode() (os.FileMode, error) {
	return parseMode(t.Mode)
}

func parseMode(mode string) (os.FileMode, error) {
	if mode == "" {
		return defaultMode, nil
	}

	m, err := strconv.ParseUint(mode, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: mode %q is not octal", ErrInvalidManifest, mode)
	}

	return os.FileMode(m), nil
}

// Manifest is the top level activation document.
type Manifest struct {
	Version         int        `json:"version"`
	Secrets         []Secret   `json:"secrets"`
	Templates       []Template `json:"templates,omitempty"`
	SSHKeys         []string   `json:"ssh_keys"`
	SecretDirectory string     `json:"secret_directory"`
	WriteManifest   bool       `json:"write_manifest"`
}

// Load reads and validates a manifest file.
func Load(fs afero.Fs, path string) (*Manifest, error) {
	exists, err := afero.Exists(fs, path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}

	return Parse(data)
}

// Parse decodes manifest bytes and validates the result.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	if err := m.validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// basenames the deployment layout reserves inside a generation directory
const (
	reservedTemplatesDir = "templates"
	reservedMetaFile     = ".metadata.json"
)

// validateName rejects names that would escape or collide within the
// generation directory, where every entry name becomes a file name.
func validateName(name string) error {
	if name == "." || name == ".." || strings.ContainsRune(name, '/') {
		return fmt.Errorf("%w: name %q is not a plain filename", ErrInvalidManifest, name)
	}
	if name == reservedTemplatesDir || name == reservedMetaFile {
		return fmt.Errorf("%w: name %q is reserved", ErrInvalidManifest, name)
	}

	return nil
}

func (m *Manifest) validate() error {
	if m.Version < 1 || m.Version > MaxSupportedVersion {
		return fmt.Errorf("%w: %d, the maximum supported version is %d",
			ErrUnsupportedVersion, m.Version, MaxSupportedVersion)
	}

	if m.SecretDirectory == "" {
		return fmt.Errorf("%w: secret_directory is required", ErrInvalidManifest)
	}

	names := make(map[string]struct{}, len(m.Secrets))
	for i := range m.Secrets {
		s := &m.Secrets[i]

		if s.Name == "" {
			return fmt.Errorf("%w: secret %d has no name", ErrInvalidManifest, i)
		}
		if err := validateName(s.Name); err != nil {
			return fmt.Errorf("secret %d: %w", i, err)
		}
		if _, dup := names[s.Name]; dup {
			return fmt.Errorf("%w: duplicate secret name %q", ErrInvalidManifest, s.Name)
		}
		names[s.Name] = struct{}{}

		if s.Source == "" {
			return fmt.Errorf("%w: secret %q has no source", ErrInvalidManifest, s.Name)
		}
		if s.Type == "" {
			return fmt.Errorf("%w: secret %q has no type", ErrInvalidManifest, s.Name)
		}
		if s.Key == "" && s.Type != FileTypeBinary {
			return fmt.Errorf("%w: secret %q of type %q requires a key", ErrInvalidManifest, s.Name, s.Type)
		}
		if _, err := s.FileMode(); err != nil {
			return fmt.Errorf("secret %q: %w", s.Name, err)
		}
	}

	tnames := make(map[string]struct{}, len(m.Templates))
	for i := range m.Templates {
		t := &m.Templates[i]

		if t.Name == "" {
			return fmt.Errorf("%w: template %d has no name", ErrInvalidManifest, i)
		}
		if err := validateName(t.Name); err != nil {
			return fmt.Errorf("template %d: %w", i, err)
		}
		if _, dup := tnames[t.Name]; dup {
			return fmt.Errorf("%w: duplicate template name %q", ErrInvalidManifest, t.Name)
		}
		tnames[t.Name] = struct{}{}

		if t.Source == "" {
			return fmt.Errorf("%w: template %q has no source", ErrInvalidManifest, t.Name)
		}
		if t.Target == "" {
			return fmt.Errorf("%w: template %q has no target", ErrInvalidManifest, t.Name)
		}
		if _, err := t.FileMode(); err != nil {
			return fmt.Errorf("template %q: %w", t.Name, err)
		}
	}

	return nil
}
