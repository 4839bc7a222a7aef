package manifest

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// AppFile and MetaFile are the two documents every app directory must carry.
const (
	AppFile  = "app.yml"
	MetaFile = "metadata.yml"
)

//go:embed app.schema.json
var appSchemaJSON []byte

//go:embed metadata.schema.json
var metaSchemaJSON []byte

var (
	appSchema  = mustCompileSchema("app.schema.json", appSchemaJSON)
	metaSchema = mustCompileSchema("metadata.schema.json", metaSchemaJSON)
)

func mustCompileSchema(name string, raw []byte) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, bytes.NewReader(raw)); err != nil {
		panic(err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		panic(err)
	}
	return schema
}

// ParseApp decodes and validates an app.yml document.
func ParseApp(data []byte) (*App, error) {
	if err := validateDoc(appSchema, data); err != nil {
		return nil, fmt.Errorf("app definition rejected by schema: %w", err)
	}
	var app App
	if err := decodeYAMLStrict(data, &app); err != nil {
		return nil, err
	}
	if app.Version != 1 {
		return nil, fmt.Errorf("unsupported manifest version: %d", app.Version)
	}
	return &app, nil
}

// ParseMeta decodes and validates a metadata.yml document.
func ParseMeta(data []byte) (*Meta, error) {
	if err := validateDoc(metaSchema, data); err != nil {
		return nil, fmt.Errorf("app metadata rejected by schema: %w", err)
	}
	var meta Meta
	if err := decodeYAMLStrict(data, &meta); err != nil {
		return nil, err
	}
	if meta.Version != 1 {
		return nil, fmt.Errorf("unsupported manifest version: %d", meta.Version)
	}
	return &meta, nil
}

// LoadApp reads and parses path as an app.yml document.
func LoadApp(path string) (*App, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	app, err := ParseApp(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return app, nil
}

// LoadMeta reads and parses path as a metadata.yml document.
func LoadMeta(path string) (*Meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	meta, err := ParseMeta(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return meta, nil
}

// validateDoc checks data against schema. The document is normalized through
// a JSON round-trip first so YAML-specific key and number types do not leak
// into validation.
func validateDoc(schema *jsonschema.Schema, data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode yaml: %w", err)
	}
	b, err := json.Marshal(jsonify(doc))
	if err != nil {
		return fmt.Errorf("normalize document: %w", err)
	}
	var norm any
	if err := json.Unmarshal(b, &norm); err != nil {
		return fmt.Errorf("normalize document: %w", err)
	}
	return schema.Validate(norm)
}

// jsonify rewrites the map keys yaml produces into strings so the document
// can round-trip through encoding/json.
func jsonify(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = jsonify(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = jsonify(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = jsonify(val)
		}
		return out
	default:
		return v
	}
}

func decodeYAMLStrict(data []byte, v any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode yaml: %w", err)
	}
	var extra any
	if err := dec.Decode(&extra); err == nil {
		return errors.New("unexpected trailing yaml document")
	} else if err != io.EOF {
		return fmt.Errorf("decode yaml: %w", err)
	}
	return nil
}
