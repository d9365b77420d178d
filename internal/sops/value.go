package sops

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"
)

// Encrypted leaf values are strings of the shape
// ENC[AES256_GCM,data:...,iv:...,tag:...,type:...] with base64 encoded parts.
var encRegex = regexp.MustCompile(`^ENC\[AES256_GCM,data:(.*),iv:(.*),tag:(.*),type:(.*)\]$`)

type encryptedValue struct {
	data      []byte
	iv        []byte
	tag       []byte
	valueType string
}

func parseEncryptedValue(s string) (*encryptedValue, error) {
	m := encRegex.FindStringSubmatch(s)
	if m == nil {
		return nil, errNotEncrypted
	}

	data, err := base64.StdEncoding.DecodeString(m[1])
	if err != nil {
		return nil, fmt.Errorf("%w: bad data part: %v", ErrMalformedDocument, err)
	}
	iv, err := base64.StdEncoding.DecodeString(m[2])
	if err != nil {
		return nil, fmt.Errorf("%w: bad iv part: %v", ErrMalformedDocument, err)
	}
	tag, err := base64.StdEncoding.DecodeString(m[3])
	if err != nil {
		return nil, fmt.Errorf("%w: bad tag part: %v", ErrMalformedDocument, err)
	}

	return &encryptedValue{data: data, iv: iv, tag: tag, valueType: m[4]}, nil
}

func (v *encryptedValue) String() string {
	return fmt.Sprintf("ENC[AES256_GCM,data:%s,iv:%s,tag:%s,type:%s]",
		base64.StdEncoding.EncodeToString(v.data),
		base64.StdEncoding.EncodeToString(v.iv),
		base64.StdEncoding.EncodeToString(v.tag),
		v.valueType)
}

// valueBytes converts a scalar tree value to its plaintext byte
// representation and type tag. The same bytes feed both the leaf cipher and
// the document MAC, so the mapping must stay stable.
func valueBytes(v interface{}) ([]byte, string, error) {
	switch t := v.(type) {
	case string:
		return []byte(t), "str", nil
	case []byte:
		return t, "bytes", nil
	case int:
		return []byte(strconv.Itoa(t)), "int", nil
	case int64:
		return []byte(strconv.FormatInt(t, 10)), "int", nil
	case float64:
		return []byte(strconv.FormatFloat(t, 'f', -1, 64)), "float", nil
	case bool:
		if t {
			return []byte("True"), "bool", nil
		}

		return []byte("False"), "bool", nil
	default:
		return nil, "", fmt.Errorf("%w: unsupported value type %T", ErrMalformedDocument, v)
	}
}

func valueFromBytes(b []byte, valueType string) (interface{}, error) {
	switch valueType {
	case "str", "comment":
		return string(b), nil
	case "bytes":
		return b, nil
	case "int":
		i, err := strconv.ParseInt(string(b), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad int plaintext: %v", ErrMalformedDocument, err)
		}

		return int(i), nil
	case "float":
		f, err := strconv.ParseFloat(string(b), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad float plaintext: %v", ErrMalformedDocument, err)
		}

		return f, nil
	case "bool":
		switch string(b) {
		case "True":
			return true, nil
		case "False":
			return false, nil
		default:
			return nil, fmt.Errorf("%w: bad bool plaintext %q", ErrMalformedDocument, string(b))
		}
	default:
		return nil, fmt.Errorf("%w: unknown value type %q", ErrMalformedDocument, valueType)
	}
}
