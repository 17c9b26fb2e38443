// Package toolschema generates genai function-declaration schemas from Go
// argument structs, mirroring the teacher's invopop/jsonschema ->
// genai.Schema conversion so the Function-Calling Loop can hand the LLM
// client a tool list without hand-writing JSON Schema by hand.
package toolschema

import (
	"strings"

	"github.com/invopop/jsonschema"
	"google.golang.org/genai"
)

// Declaration is one tool's name, description and generated parameter
// schema, ready to be grouped into a genai.Tool.
type Declaration struct {
	Name        string
	Description string
	Parameters  *genai.Schema
}

// Generate builds a genai.Schema for argType (typically a pointer to a
// zero-valued struct, e.g. (*SearchArgs)(nil)) using its jsonschema
// struct tags.
func Generate(argType any) *genai.Schema {
	reflector := &jsonschema.Reflector{
		ExpandedStruct:            true,
		DoNotReference:            true,
		AllowAdditionalProperties: false,
	}
	schema := reflector.Reflect(argType)
	return convertSchema(schema)
}

// ToGenAITools groups declarations into the single genai.Tool Gemini
// expects (all function declarations under one Tool, unlike providers
// that expect one Tool per function).
func ToGenAITools(decls []Declaration) []*genai.Tool {
	if len(decls) == 0 {
		return nil
	}
	fns := make([]*genai.FunctionDeclaration, 0, len(decls))
	for _, d := range decls {
		fns = append(fns, &genai.FunctionDeclaration{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: fns}}
}

func convertSchema(schema *jsonschema.Schema) *genai.Schema {
	if schema == nil {
		return nil
	}

	out := &genai.Schema{
		Type: convertType(schema.Type),
	}

	if schema.Description != "" {
		out.Description = schema.Description
	}

	if schema.Properties != nil {
		out.Properties = make(map[string]*genai.Schema)
		for pair := schema.Properties.Oldest(); pair != nil; pair = pair.Next() {
			out.Properties[pair.Key] = convertSchema(pair.Value)
		}
	}

	if len(schema.Required) > 0 {
		out.Required = schema.Required
	}

	if schema.Items != nil {
		out.Items = convertSchema(schema.Items)
	}

	if len(schema.Enum) > 0 {
		enum := make([]string, 0, len(schema.Enum))
		for _, v := range schema.Enum {
			if s, ok := v.(string); ok {
				enum = append(enum, s)
			}
		}
		out.Enum = enum
	}

	return out
}

func convertType(schemaType string) genai.Type {
	switch strings.ToLower(schemaType) {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}
