package config

import (
	"fmt"

	"github.com/liveframe/liveframe/pkg/schema"
)

// FieldYAML is the on-disk declaration of a single resource field, mirroring
// schema.Field's contract but with a string Kind so it round-trips through
// YAML without a custom unmarshaller.
type FieldYAML struct {
	Kind                string   `yaml:"kind"`
	Nullable            bool     `yaml:"nullable,omitempty"`
	Default             any      `yaml:"default,omitempty"`
	EnumValues          []string `yaml:"enum_values,omitempty"`
	ReferenceTarget     string   `yaml:"reference_target,omitempty"`
	RelationName        string   `yaml:"relation_name,omitempty"`
	InverseRelationName string   `yaml:"inverse_relation_name,omitempty"`
}

// ResourceYAML is the on-disk declaration of one resource: its field set,
// keyed by field name so the YAML reads as `fields: { title: {kind: string} }`.
type ResourceYAML struct {
	Fields map[string]FieldYAML `yaml:"fields"`
}

var fieldKinds = map[string]schema.Kind{
	"string":    schema.KindString,
	"number":    schema.KindNumber,
	"boolean":   schema.KindBoolean,
	"timestamp": schema.KindTimestamp,
	"enum":      schema.KindEnum,
	"json":      schema.KindJSON,
	"reference": schema.KindReference,
}

// BuildRegistry compiles the YAML-declared resources into a finalized
// schema.Registry, the same build-then-validate shape the teacher's
// AgentRegistry/ChainRegistry use.
func BuildRegistry(resources map[string]ResourceYAML) (*schema.Registry, error) {
	reg := schema.NewRegistry()
	for name, res := range resources {
		def := schema.ResourceDef{Name: name}
		for fieldName, fy := range res.Fields {
			kind, ok := fieldKinds[fy.Kind]
			if !ok {
				return nil, NewValidationError("resource", name, fieldName,
					fmt.Errorf("%w: unknown field kind %q", ErrInvalidValue, fy.Kind))
			}
			def.Fields = append(def.Fields, schema.Field{
				Name:                fieldName,
				Kind:                kind,
				Nullable:            fy.Nullable,
				HasDefault:          fy.Default != nil,
				Default:             fy.Default,
				EnumValues:          fy.EnumValues,
				ReferenceTarget:     fy.ReferenceTarget,
				RelationName:        fy.RelationName,
				InverseRelationName: fy.InverseRelationName,
			})
		}
		if err := reg.Register(def); err != nil {
			return nil, NewLoadError("resources", err)
		}
	}
	if err := reg.Finalize(); err != nil {
		return nil, NewLoadError("resources", err)
	}
	return reg, nil
}
