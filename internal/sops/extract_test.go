package sops

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract(t *testing.T) {
	tree := TreeBranch{
		{Key: "db", Value: TreeBranch{
			{Key: "password", Value: "hunter2"},
			{Key: "hosts", Value: []interface{}{"primary", "replica"}},
		}},
		{Key: "port", Value: 5432},
	}

	tests := []struct {
		name    string
		key     string
		want    interface{}
		wantErr error
	}{
		{name: "nested key", key: "db.password", want: "hunter2"},
		{name: "top level key", key: "port", want: 5432},
		{name: "list index", key: "db.hosts.1", want: "replica"},
		{name: "missing key", key: "db.username", wantErr: ErrKeyNotFound},
		{name: "missing root", key: "cache.url", wantErr: ErrKeyNotFound},
		{name: "index out of range", key: "db.hosts.5", wantErr: ErrKeyNotFound},
		{name: "non numeric index", key: "db.hosts.first", wantErr: ErrKeyNotFound},
		{name: "path through scalar", key: "port.nested", wantErr: ErrKeyNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Extract(tree, KeyPath(tt.key))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)

				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractBytes(t *testing.T) {
	tree := TreeBranch{
		{Key: "token", Value: "tok-123"},
		{Key: "count", Value: 7},
		{Key: "nested", Value: TreeBranch{{Key: "a", Value: "b"}}},
	}

	b, err := ExtractBytes(tree, KeyPath("token"))
	require.NoError(t, err)
	assert.Equal(t, "tok-123", string(b))

	b, err = ExtractBytes(tree, KeyPath("count"))
	require.NoError(t, err)
	assert.Equal(t, "7", string(b))

	_, err = ExtractBytes(tree, KeyPath("nested"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}
