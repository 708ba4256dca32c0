// Package schema validates ruleset documents against the published JSON
// Schema. The typed decoder in package rules remains the source of truth for
// error codes; the schema is offered to authors and editors as a portable
// description of the document shape.
package schema

import (
	"bytes"
	_ "embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed ruleset.schema.json
var document []byte

const schemaURL = "https://github.com/liamcoop/fraudrules/ruleset.schema.json"

var (
	once       sync.Once
	compiled   *jsonschema.Schema
	compileErr error
)

// Document returns the raw schema
func Document() []byte {
	out := make([]byte, len(document))
	copy(out, document)
	return out
}

func load() (*jsonschema.Schema, error) {
	once.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(document))
		if err != nil {
			compileErr = fmt.Errorf("parse embedded schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaURL, doc); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiled, compileErr = c.Compile(schemaURL)
	})
	return compiled, compileErr
}

// Validate checks an already decoded document (as produced by
// encoding/json or yaml.v3 into any)
func Validate(doc any) error {
	s, err := load()
	if err != nil {
		return err
	}
	return s.Validate(doc)
}

// ValidateJSON decodes and validates a JSON document
func ValidateJSON(data []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode ruleset json: %w", err)
	}
	return Validate(doc)
}
