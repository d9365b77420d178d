package sops

import "errors"

var (
	ErrMalformedDocument  = errors.New("malformed encrypted document")
	ErrMetadataNotFound   = errors.New("sops metadata not found")
	ErrUnsupportedVersion = errors.New("unsupported sops version")
	ErrNoUsableIdentity   = errors.New("no usable identity could unwrap the data key")
	ErrMACMismatch        = errors.New("integrity check failed")
	ErrKeyNotFound        = errors.New("key not found in document")

	errNotEncrypted = errors.New("value is not encrypted")
)
