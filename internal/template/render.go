// Package template renders plain text documents with deployed secret values
// substituted via the `secret` template function.
package template

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"text/template"

	"github.com/spf13/afero"
)

var ErrUnknownSecret = errors.New("template references unknown secret")

type Renderer struct {
	fs afero.Fs
}

func NewRenderer(fs afero.Fs) *Renderer {
	return &Renderer{fs: fs}
}

// Render reads the template source and executes it. The secrets map holds
// the already-decrypted plaintext of every secret the template may
// reference; a reference outside the map fails the render.
func (r *Renderer) Render(source string, secrets map[string]string) ([]byte, error) {
	data, err := afero.ReadFile(r.fs, source)
	if err != nil {
		return nil, err
	}

	tpl, err := template.New(filepath.Base(source)).Funcs(template.FuncMap{
		"secret": func(name string) (string, error) {
			v, ok := secrets[name]
			if !ok {
				return "", fmt.Errorf("%w: %q", ErrUnknownSecret, name)
			}

			return v, nil
		},
	}).Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", source, err)
	}

	var buf bytes.Buffer
	if err := tpl.Execute(&buf, nil); err != nil {
		return nil, fmt.Errorf("render template %s: %w", source, err)
	}

	return buf.Bytes(), nil
}
