package sops

import (
	"fmt"
	"strconv"
	"strings"
)

// KeyPath splits a dotted key like "db.password" into path segments.
func KeyPath(key string) []string {
	return strings.Split(key, ".")
}

// Extract navigates the decrypted tree along the given path.
func Extract(tree TreeBranch, path []string) (interface{}, error) {
	var cur interface{} = tree
	for i, seg := range path {
		at := strings.Join(path[:i+1], ".")

		switch t := cur.(type) {
		case TreeBranch:
			v, ok := t.get(seg)
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, at)
			}
			cur = v
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(t) {
				return nil, fmt.Errorf("%w: %q is not a valid list index", ErrKeyNotFound, at)
			}
			cur = t[idx]
		default:
			return nil, fmt.Errorf("%w: %q traverses into a scalar", ErrKeyNotFound, at)
		}
	}

	return cur, nil
}

// ExtractBytes resolves the path to a leaf and returns its plaintext bytes.
func ExtractBytes(tree TreeBranch, path []string) ([]byte, error) {
	v, err := Extract(tree, path)
	if err != nil {
		return nil, err
	}

	switch v.(type) {
	case TreeBranch, []interface{}:
		return nil, fmt.Errorf("%w: %q is not a leaf value", ErrKeyNotFound, strings.Join(path, "."))
	}

	b, _, err := valueBytes(v)
	if err != nil {
		return nil, err
	}

	return b, nil
}
