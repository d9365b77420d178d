package manifest

import (
	"os"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validManifest = `{
	"version": 1,
	"secret_directory": "/run/secnix",
	"ssh_keys": ["/etc/ssh/ssh_host_ed25519_key"],
	"secrets": [
		{
			"name": "db-password",
			"source": "/etc/secnix/app.yaml",
			"key": "db.password",
			"type": "yaml",
			"mode": "0400",
			"owner": "postgres",
			"group": "postgres",
			"link": "/run/keys/db-password"
		},
		{
			"name": "tls-cert",
			"source": "/etc/secnix/cert.bin",
			"type": "binary"
		}
	],
	"templates": [
		{
			"name": "db.conf",
			"source": "/etc/secnix/db.conf.tpl",
			"target": "/etc/app/db.conf",
			"copy": true,
			"mode": "0640"
		}
	],
	"write_manifest": true
}`

func TestParse(t *testing.T) {
	m, err := Parse([]byte(validManifest))
	require.NoError(t, err)

	assert.Equal(t, 1, m.Version)
	assert.Equal(t, "/run/secnix", m.SecretDirectory)
	assert.True(t, m.WriteManifest)
	require.Len(t, m.Secrets, 2)
	require.Len(t, m.Templates, 1)

	db := m.Secrets[0]
	assert.Equal(t, FileTypeYAML, db.Type)
	assert.Equal(t, "db.password", db.Key)
	assert.Equal(t, "/run/keys/db-password", db.Link)

	mode, err := db.FileMode()
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0400), mode)

	// binary entries need no key
	assert.Equal(t, FileTypeBinary, m.Secrets[1].Type)
	assert.Empty(t, m.Secrets[1].Key)

	tpl := m.Templates[0]
	assert.True(t, tpl.Copy)
	mode, err = tpl.FileMode()
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0640), mode)
}

func TestParseDefaultsMode(t *testing.T) {
	m, err := Parse([]byte(`{
		"version": 1,
		"secret_directory": "/run/secnix",
		"ssh_keys": [],
		"secrets": [{"name": "a", "source": "/s", "key": "k", "type": "yaml"}]
	}`))
	require.NoError(t, err)

	mode, err := m.Secrets[0].FileMode()
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), mode)
}

func TestFileTypeYmlAlias(t *testing.T) {
	m, err := Parse([]byte(`{
		"version": 1,
		"secret_directory": "/run/secnix",
		"secrets": [{"name": "a", "source": "/s", "key": "k", "type": "yml"}]
	}`))
	require.NoError(t, err)
	assert.Equal(t, FileTypeYAML, m.Secrets[0].Type)
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr error
	}{
		{
			name:    "not json",
			doc:     "version: 1",
			wantErr: ErrInvalidManifest,
		},
		{
			name:    "version zero",
			doc:     `{"version": 0, "secret_directory": "/d"}`,
			wantErr: ErrUnsupportedVersion,
		},
		{
			name:    "version from the future",
			doc:     `{"version": 99, "secret_directory": "/d"}`,
			wantErr: ErrUnsupportedVersion,
		},
		{
			name:    "missing secret directory",
			doc:     `{"version": 1}`,
			wantErr: ErrInvalidManifest,
		},
		{
			name: "unnamed secret",
			doc: `{"version": 1, "secret_directory": "/d",
				"secrets": [{"source": "/s", "key": "k", "type": "yaml"}]}`,
			wantErr: ErrInvalidManifest,
		},
		{
			name: "secret name with path separator",
			doc: `{"version": 1, "secret_directory": "/d",
				"secrets": [{"name": "../escape", "source": "/s", "key": "k", "type": "yaml"}]}`,
			wantErr: ErrInvalidManifest,
		},
		{
			name: "secret name shadowing templates directory",
			doc: `{"version": 1, "secret_directory": "/d",
				"secrets": [{"name": "templates", "source": "/s", "key": "k", "type": "yaml"}]}`,
			wantErr: ErrInvalidManifest,
		},
		{
			name: "secret name shadowing generation metadata",
			doc: `{"version": 1, "secret_directory": "/d",
				"secrets": [{"name": ".metadata.json", "source": "/s", "key": "k", "type": "yaml"}]}`,
			wantErr: ErrInvalidManifest,
		},
		{
			name: "template name with path separator",
			doc: `{"version": 1, "secret_directory": "/d",
				"templates": [{"name": "a/b", "source": "/s", "target": "/x"}]}`,
			wantErr: ErrInvalidManifest,
		},
		{
			name: "duplicate secret names",
			doc: `{"version": 1, "secret_directory": "/d", "secrets": [
				{"name": "a", "source": "/s", "key": "k", "type": "yaml"},
				{"name": "a", "source": "/s", "key": "k", "type": "yaml"}]}`,
			wantErr: ErrInvalidManifest,
		},
		{
			name: "missing source",
			doc: `{"version": 1, "secret_directory": "/d",
				"secrets": [{"name": "a", "key": "k", "type": "yaml"}]}`,
			wantErr: ErrInvalidManifest,
		},
		{
			name: "unknown file type",
			doc: `{"version": 1, "secret_directory": "/d",
				"secrets": [{"name": "a", "source": "/s", "key": "k", "type": "toml"}]}`,
			wantErr: ErrInvalidManifest,
		},
		{
			name: "structured secret without key",
			doc: `{"version": 1, "secret_directory": "/d",
				"secrets": [{"name": "a", "source": "/s", "type": "yaml"}]}`,
			wantErr: ErrInvalidManifest,
		},
		{
			name: "mode is not octal",
			doc: `{"version": 1, "secret_directory": "/d",
				"secrets": [{"name": "a", "source": "/s", "key": "k", "type": "yaml", "mode": "rw-r--r--"}]}`,
			wantErr: ErrInvalidManifest,
		},
		{
			name: "template without target",
			doc: `{"version": 1, "secret_directory": "/d",
				"templates": [{"name": "t", "source": "/s"}]}`,
			wantErr: ErrInvalidManifest,
		},
		{
			name: "duplicate template names",
			doc: `{"version": 1, "secret_directory": "/d", "templates": [
				{"name": "t", "source": "/s", "target": "/x"},
				{"name": "t", "source": "/s", "target": "/y"}]}`,
			wantErr: ErrInvalidManifest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/secnix/manifest.json", []byte(validManifest), 0644))

	m, err := Load(fs, "/etc/secnix/manifest.json")
	require.NoError(t, err)
	assert.Len(t, m.Secrets, 2)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(afero.NewMemMapFs(), "/nope.json")
	assert.ErrorIs(t, err, ErrNotFound)
}
