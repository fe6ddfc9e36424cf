package remote

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// schemaBase only names the embedded resources; nothing is fetched.
const schemaBase = "https://tinysync.local/schemas/"

// schemaGuard validates normalized rows before they leave the process, so a
// normalization gap shows up as ErrMalformedPayload locally instead of a
// store rejection after the network round trip.
type schemaGuard struct {
	schemas map[string]*jsonschema.Schema
}

func newSchemaGuard() (*schemaGuard, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, fmt.Errorf("remote: reading embedded schemas: %w", err)
	}

	for _, e := range entries {
		data, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("remote: reading schema %s: %w", e.Name(), err)
		}

		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("remote: parsing schema %s: %w", e.Name(), err)
		}

		if err := c.AddResource(schemaBase+e.Name(), doc); err != nil {
			return nil, fmt.Errorf("remote: adding schema %s: %w", e.Name(), err)
		}
	}

	g := &schemaGuard{schemas: make(map[string]*jsonschema.Schema, len(tableSpecs))}

	for _, spec := range tableSpecs {
		sch, err := c.Compile(schemaBase + spec.Table + ".json")
		if err != nil {
			return nil, fmt.Errorf("remote: compiling schema for %s: %w", spec.Table, err)
		}

		g.schemas[spec.Table] = sch
	}

	return g, nil
}

// Check validates row against the schema of table. Tables without a schema
// pass.
func (g *schemaGuard) Check(table string, row Row) error {
	sch, ok := g.schemas[table]
	if !ok {
		return nil
	}

	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMalformedPayload, table, err)
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMalformedPayload, table, err)
	}

	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMalformedPayload, table, err)
	}

	return nil
}
