package sops

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEncryptedValue(t *testing.T) {
	ev, err := parseEncryptedValue("ENC[AES256_GCM,data:aGk=,iv:aXY=,tag:dGFn,type:str]")
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), ev.data)
	assert.Equal(t, []byte("iv"), ev.iv)
	assert.Equal(t, []byte("tag"), ev.tag)
	assert.Equal(t, "str", ev.valueType)

	// formatting round trips
	assert.Equal(t, "ENC[AES256_GCM,data:aGk=,iv:aXY=,tag:dGFn,type:str]", ev.String())
}

func TestParseEncryptedValueNotEncrypted(t *testing.T) {
	for _, s := range []string{"plaintext", "ENC[AES256_GCM]", ""} {
		_, err := parseEncryptedValue(s)
		assert.ErrorIs(t, err, errNotEncrypted, s)
	}
}

func TestParseEncryptedValueBadBase64(t *testing.T) {
	_, err := parseEncryptedValue("ENC[AES256_GCM,data:!!,iv:aXY=,tag:dGFn,type:str]")
	assert.ErrorIs(t, err, ErrMalformedDocument)
}

func TestValueBytesBooleans(t *testing.T) {
	// upstream tooling spells booleans with a capital letter, and the MAC
	// depends on reproducing that exactly
	b, typ, err := valueBytes(true)
	require.NoError(t, err)
	assert.Equal(t, "True", string(b))
	assert.Equal(t, "bool", typ)

	b, _, err = valueBytes(false)
	require.NoError(t, err)
	assert.Equal(t, "False", string(b))
}

func TestValueBytesFloatFormatting(t *testing.T) {
	b, typ, err := valueBytes(0.5)
	require.NoError(t, err)
	assert.Equal(t, "0.5", string(b))
	assert.Equal(t, "float", typ)

	b, _, err = valueBytes(float64(3))
	require.NoError(t, err)
	assert.Equal(t, "3", string(b))
}

func TestValueFromBytesComment(t *testing.T) {
	v, err := valueFromBytes([]byte("# note"), "comment")
	require.NoError(t, err)
	assert.Equal(t, "# note", v)
}

func TestValueFromBytesUnknownType(t *testing.T) {
	_, err := valueFromBytes([]byte("x"), "blob")
	assert.ErrorIs(t, err, ErrMalformedDocument)
}
