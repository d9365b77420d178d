package sops

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// TreeItem is one key-value pair of a document mapping.
type TreeItem struct {
	Key   string
	Value interface{}
}

// TreeBranch is a document mapping with its original key order preserved.
// Order matters: the document MAC is computed over values in traversal order.
type TreeBranch []TreeItem

func (b TreeBranch) get(key string) (interface{}, bool) {
	for _, item := range b {
		if item.Key == key {
			return item.Value, true
		}
	}

	return nil, false
}

// MarshalJSON emits the branch as a JSON object keeping key order.
func (b TreeBranch) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, item := range b {
		if i > 0 {
			buf.WriteByte(',')
		}

		k, err := json.Marshal(item.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')

		v, err := json.Marshal(item.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(v)
	}
	buf.WriteByte('}')

	return buf.Bytes(), nil
}

func parseYAML(data []byte) (TreeBranch, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}

	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, fmt.Errorf("%w: empty yaml document", ErrMalformedDocument)
	}

	v, err := yamlValue(root.Content[0])
	if err != nil {
		return nil, err
	}

	branch, ok := v.(TreeBranch)
	if !ok {
		return nil, fmt.Errorf("%w: top level yaml node is not a mapping", ErrMalformedDocument)
	}

	return branch, nil
}

func yamlValue(n *yaml.Node) (interface{}, error) {
	switch n.Kind {
	case yaml.MappingNode:
		branch := make(TreeBranch, 0, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			v, err := yamlValue(n.Content[i+1])
			if err != nil {
				return nil, err
			}
			branch = append(branch, TreeItem{Key: n.Content[i].Value, Value: v})
		}

		return branch, nil
	case yaml.SequenceNode:
		list := make([]interface{}, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := yamlValue(c)
			if err != nil {
				return nil, err
			}
			list = append(list, v)
		}

		return list, nil
	case yaml.AliasNode:
		return yamlValue(n.Alias)
	case yaml.ScalarNode:
		var v interface{}
		if err := n.Decode(&v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
		}

		return v, nil
	default:
		return nil, fmt.Errorf("%w: unexpected yaml node kind %d", ErrMalformedDocument, n.Kind)
	}
}

func emitYAML(branch TreeBranch) ([]byte, error) {
	n, err := yamlNode(branch)
	if err != nil {
		return nil, err
	}

	return yaml.Marshal(n)
}

func yamlNode(v interface{}) (*yaml.Node, error) {
	switch t := v.(type) {
	case TreeBranch:
		n := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		for _, item := range t {
			k := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: item.Key}
			c, err := yamlNode(item.Value)
			if err != nil {
				return nil, err
			}
			n.Content = append(n.Content, k, c)
		}

		return n, nil
	case []interface{}:
		n := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, item := range t {
			c, err := yamlNode(item)
			if err != nil {
				return nil, err
			}
			n.Content = append(n.Content, c)
		}

		return n, nil
	default:
		n := &yaml.Node{}
		if err := n.Encode(v); err != nil {
			return nil, err
		}

		return n, nil
	}
}

func parseJSON(data []byte) (TreeBranch, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("%w: top level json value is not an object", ErrMalformedDocument)
	}

	branch, err := jsonBranch(dec)
	if err != nil {
		return nil, err
	}

	return branch, nil
}

func jsonBranch(dec *json.Decoder) (TreeBranch, error) {
	branch := TreeBranch{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
		}

		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("%w: non-string object key", ErrMalformedDocument)
		}

		v, err := jsonValue(dec)
		if err != nil {
			return nil, err
		}
		branch = append(branch, TreeItem{Key: key, Value: v})
	}

	// consume the closing brace
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}

	return branch, nil
}

func jsonValue(dec *json.Decoder) (interface{}, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}

	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			return jsonBranch(dec)
		case '[':
			list := []interface{}{}
			for dec.More() {
				v, err := jsonValue(dec)
				if err != nil {
					return nil, err
				}
				list = append(list, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
			}

			return list, nil
		default:
			return nil, fmt.Errorf("%w: unexpected delimiter %q", ErrMalformedDocument, t.String())
		}
	case json.Number:
		if strings.ContainsAny(t.String(), ".eE") {
			return t.Float64()
		}

		i, err := t.Int64()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
		}

		return int(i), nil
	default:
		// string, bool or nil
		return t, nil
	}
}

func emitJSON(branch TreeBranch) ([]byte, error) {
	return json.MarshalIndent(branch, "", "\t")
}
