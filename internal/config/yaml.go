package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// toStrictJSON prepares raw config bytes for the strict decoder in
// Manager.Parse. Files named *.yaml/*.yml are converted to JSON; anything
// else is assumed to already be JSON and passes through untouched, so a
// single decode path (with DisallowUnknownFields) serves both formats.
func toStrictJSON(path string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config %s: %w", filepath.Base(path), err)
	}
	out, err := json.Marshal(stringifyKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", filepath.Base(path), err)
	}
	return out, nil
}

// stringifyKeys rewrites YAML's map[any]any nodes into map[string]any so
// the document can be marshaled as JSON.
func stringifyKeys(node any) any {
	switch n := node.(type) {
	case map[any]any:
		out := make(map[string]any, len(n))
		for k, v := range n {
			out[fmt.Sprint(k)] = stringifyKeys(v)
		}
		return out
	case map[string]any:
		for k, v := range n {
			n[k] = stringifyKeys(v)
		}
		return n
	case []any:
		for i, v := range n {
			n[i] = stringifyKeys(v)
		}
		return n
	}
	return node
}
