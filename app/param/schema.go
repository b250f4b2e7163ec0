package param

import (
	"github.com/invopop/jsonschema"
)

//go:generate go run ./internal/schema param.schema.json

// Schema returns JSON schema of worker-visible parameters
func Schema() *jsonschema.Schema {
	r := jsonschema.Reflector{ExpandedStruct: true}
	schema := r.Reflect(&Param{})
	schema.Title = "Reconstruction parameters"
	schema.Description = "Parameters handed to the reconstruction worker in [GUI] section"
	return schema
}
