// Package fixtures reads campaigns and rules from JSON or YAML files.
package fixtures

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load decodes path into v. YAML is converted to JSON first so the domain
// types' JSON decoding rules apply to both formats.
func Load(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := Decode(b, filepath.Ext(path), v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Decode decodes b according to ext (".json", ".yaml", ".yml").
func Decode(b []byte, ext string, v any) error {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(b, &doc); err != nil {
			return err
		}
		jb, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		b = jb
	case ".json", "":
	default:
		return fmt.Errorf("unsupported file type %q", ext)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}
