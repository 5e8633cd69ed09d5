package capability

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type PropertySchema struct {
	Type        ParamType `json:"type"`
	Description string    `json:"description,omitempty"`
	Enum        []string  `json:"enum,omitempty"`
	Default     any       `json:"default,omitempty"`
}

type InputSchema struct {
	Type       string                    `json:"type"`
	Properties map[string]PropertySchema `json:"properties"`
	Required   []string                  `json:"required"`
}

// ProviderTool is the tool shape model providers consume.
type ProviderTool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"input_schema"`
}

func (d Definition) InputSchema() InputSchema {
	s := InputSchema{
		Type:       "object",
		Properties: make(map[string]PropertySchema, len(d.Parameters)),
		Required:   []string{},
	}
	for _, p := range d.Parameters {
		s.Properties[p.Name] = PropertySchema{
			Type:        p.Type,
			Description: p.Description,
			Enum:        append([]string(nil), p.Enum...),
			Default:     p.Default,
		}
		if p.Required {
			s.Required = append(s.Required, p.Name)
		}
	}
	return s
}

func (d Definition) ProviderTool() ProviderTool {
	return ProviderTool{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema()}
}

// ProviderTools converts every effective definition.
func (r *Registry) ProviderTools() []ProviderTool {
	defs := r.Definitions()
	out := make([]ProviderTool, 0, len(defs))
	for _, d := range defs {
		out = append(out, d.ProviderTool())
	}
	return out
}

// ValidateArgs checks args against the definition's input schema.
func ValidateArgs(def Definition, args map[string]any) error {
	raw, err := json.Marshal(def.InputSchema())
	if err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}
	schema, err := compileSchema(raw)
	if err != nil {
		return fmt.Errorf("compile %s schema: %w", def.Name, err)
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	return nil
}

var schemaCache sync.Map

func compileSchema(schema []byte) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	compiled, err := jsonschema.CompileString("capability.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}
