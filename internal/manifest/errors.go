package manifest

import "errors"

var (
	ErrNotFound           = errors.New("manifest file does not exist")
	ErrInvalidManifest    = errors.New("invalid manifest")
	ErrUnsupportedVersion = errors.New("unsupported manifest version")
)
