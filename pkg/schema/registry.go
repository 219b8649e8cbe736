package schema

import (
	"fmt"
	"sort"
)

// ResourceDef is the declarative input to Registry.Register: a resource
// name plus its fields. Reference fields are declared inline; Finalize
// derives the one/many relation pair they induce.
type ResourceDef struct {
	Name   string
	Fields []Field
}

// Registry is the compiled set of resources an application has declared.
// Build it once at startup: Register every resource, then Finalize to
// resolve cross-resource relations; after that it is read-only and safe for
// concurrent use by the query engine, store and session layers.
type Registry struct {
	resources map[string]*Resource
	finalized bool
}

// NewRegistry returns an empty, unfinalized registry.
func NewRegistry() *Registry {
	return &Registry{resources: make(map[string]*Resource)}
}

// Register validates and adds a resource definition. It must be called
// before Finalize; registering after Finalize returns an error.
func (r *Registry) Register(def ResourceDef) error {
	if r.finalized {
		return fmt.Errorf("schema: cannot register %q after Finalize", def.Name)
	}
	if def.Name == "" {
		return fmt.Errorf("schema: resource name must not be empty")
	}
	if _, exists := r.resources[def.Name]; exists {
		return fmt.Errorf("schema: duplicate resource %q", def.Name)
	}

	res := &Resource{
		Name:      def.Name,
		fields:    make(map[string]Field, len(def.Fields)),
		relations: make(map[string]Relation),
	}
	for _, f := range def.Fields {
		if f.Name == "" {
			return newValidationError(def.Name, "", fmt.Errorf("field name must not be empty"))
		}
		if _, dup := res.fields[f.Name]; dup {
			return newValidationError(def.Name, f.Name, fmt.Errorf("duplicate field"))
		}
		if f.Kind == KindEnum && len(f.EnumValues) == 0 {
			return newValidationError(def.Name, f.Name, fmt.Errorf("enum field must declare at least one label"))
		}
		if f.Kind == KindReference {
			if f.ReferenceTarget == "" {
				return newValidationError(def.Name, f.Name, fmt.Errorf("reference field must declare ReferenceTarget"))
			}
			if f.RelationName == "" || f.InverseRelationName == "" {
				return newValidationError(def.Name, f.Name, fmt.Errorf("reference field must declare RelationName and InverseRelationName"))
			}
			f.Optional = f.Nullable
		}
		res.fields[f.Name] = f
		res.fieldOrder = append(res.fieldOrder, f.Name)
	}
	r.resources[def.Name] = res
	return nil
}

// Finalize resolves every reference field into the one/many relation pair
// spec.md §3 describes, validating that every reference target exists.
// Once Finalize succeeds the registry is immutable.
func (r *Registry) Finalize() error {
	if r.finalized {
		return nil
	}
	for _, res := range r.resources {
		for _, fieldName := range res.fieldOrder {
			f := res.fields[fieldName]
			if f.Kind != KindReference {
				continue
			}
			target, ok := r.resources[f.ReferenceTarget]
			if !ok {
				return newValidationError(res.Name, f.Name,
					fmt.Errorf("%w: reference target %q", ErrUnknownResource, f.ReferenceTarget))
			}
			if _, dup := res.relations[f.RelationName]; dup {
				return newValidationError(res.Name, f.Name,
					fmt.Errorf("relation name %q collides with an existing relation", f.RelationName))
			}
			if _, dup := target.relations[f.InverseRelationName]; dup {
				return newValidationError(target.Name, f.InverseRelationName,
					fmt.Errorf("inverse relation name collides with an existing relation on %q", target.Name))
			}
			res.relations[f.RelationName] = Relation{
				Name:     f.RelationName,
				Kind:     RelationOne,
				Target:   target.Name,
				Field:    f.Name,
				Optional: f.Optional,
			}
			target.relations[f.InverseRelationName] = Relation{
				Name:   f.InverseRelationName,
				Kind:   RelationMany,
				Target: res.Name,
				Field:  f.Name,
			}
		}
	}
	r.finalized = true
	return nil
}

// Get returns the named resource, or ErrUnknownResource.
func (r *Registry) Get(name string) (*Resource, error) {
	res, ok := r.resources[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownResource, name)
	}
	return res, nil
}

// MustGet is Get but panics on failure; intended for wiring code at startup
// where an unknown resource name is a programmer error, not a runtime one.
func (r *Registry) MustGet(name string) *Resource {
	res, err := r.Get(name)
	if err != nil {
		panic(err)
	}
	return res
}

// Resources returns every registered resource, sorted by name for
// deterministic iteration (migrations, schema hashing).
func (r *Registry) Resources() []*Resource {
	out := make([]*Resource, 0, len(r.resources))
	for _, res := range r.resources {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
