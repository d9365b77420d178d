// Package identity turns configured key references into age identities
// capable of unwrapping a document's data key.
package identity

import (
	"bytes"
	"context"
	"errors"
	"strings"

	"filippo.io/age"
	"github.com/mrkirby153/secnix/pkg/logger"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

var (
	ErrUnsupportedKeyType = errors.New("unsupported private key type")
	ErrMalformedKey       = errors.New("malformed key material")
)

// Failure records one key reference that could not be resolved. Resolution
// failures are not fatal: an identity that fails to resolve is simply
// unavailable for unwrapping.
type Failure struct {
	Ref string
	Err error
}

type Resolver struct {
	fs afero.Fs
}

func NewResolver(fs afero.Fs) *Resolver {
	return &Resolver{fs: fs}
}

// Resolve loads every configured key reference. A reference is either an
// inline bech32 age secret key, a path to an OpenSSH ed25519 private key, or
// a path to an age identity file.
func (r *Resolver) Resolve(ctx context.Context, refs []string) ([]age.Identity, []Failure) {
	var ids []age.Identity
	var failures []Failure

	for _, ref := range refs {
		resolved, err := r.resolve(ref)
		if err != nil {
			logger.WarnCtx(ctx, err, "resolve identity", zap.String("ref", displayRef(ref)))
			failures = append(failures, Failure{Ref: displayRef(ref), Err: err})

			continue
		}

		logger.DebugCtx(ctx, nil, "resolved identities",
			zap.String("ref", displayRef(ref)),
			zap.Int("count", len(resolved)))
		ids = append(ids, resolved...)
	}

	return ids, failures
}

func (r *Resolver) resolve(ref string) ([]age.Identity, error) {
	trimmed := strings.TrimSpace(ref)
	if strings.HasPrefix(trimmed, "AGE-SECRET-KEY-") {
		id, err := age.ParseX25519Identity(trimmed)
		if err != nil {
			return nil, err
		}

		return []age.Identity{id}, nil
	}

	data, err := afero.ReadFile(r.fs, ref)
	if err != nil {
		return nil, err
	}

	if bytes.Contains(data, []byte("OPENSSH PRIVATE KEY")) {
		id, err := FromOpenSSH(data)
		if err != nil {
			return nil, err
		}

		return []age.Identity{id}, nil
	}

	return age.ParseIdentities(bytes.NewReader(data))
}

// displayRef keeps inline secret keys out of logs and error reports.
func displayRef(ref string) string {
	if strings.HasPrefix(strings.TrimSpace(ref), "AGE-SECRET-KEY-") {
		return "AGE-SECRET-KEY-..."
	}

	return ref
}
