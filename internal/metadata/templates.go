// Package metadata resolves event metadata from named deployment templates
// and series level enrichment.
package metadata

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/foxseedlab/ingestbridge/internal/ingest"
	"github.com/kaptinlin/jsonschema"
)

//go:embed templates.schema.json
var templatesSchema []byte

type Template struct {
	Subjects     []string          `json:"subjects,omitempty"`
	Description  string            `json:"description,omitempty"`
	Language     string            `json:"language,omitempty"`
	License      string            `json:"license,omitempty"`
	Rights       string            `json:"rights,omitempty"`
	Contributors []string          `json:"contributors,omitempty"`
	Creators     []string          `json:"creators,omitempty"`
	Publishers   []string          `json:"publishers,omitempty"`
	Processing   ingest.Processing `json:"processing"`
}

type Templates map[string]Template

type templatesFile struct {
	Templates Templates `json:"templates"`
}

func LoadTemplates(path string) (Templates, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata templates: %w", err)
	}
	return ParseTemplates(data)
}

// ParseTemplates validates data against the templates schema before decoding it.
func ParseTemplates(data []byte) (Templates, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	schema, err := compiler.Compile(templatesSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to compile templates schema: %w", err)
	}
	result := schema.ValidateJSON(data)
	if !result.IsValid() {
		return nil, fmt.Errorf("metadata templates are invalid: %v", result.Errors)
	}

	var file templatesFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to decode metadata templates: %w", err)
	}
	return file.Templates, nil
}
