package schema

// Kind is the declared type of a resource field.
type Kind int

const (
	// KindString is an unstructured UTF-8 string field.
	KindString Kind = iota
	// KindNumber is a float64-precision numeric field.
	KindNumber
	// KindBoolean is a boolean field.
	KindBoolean
	// KindTimestamp is an instant, stored and compared as an ISO 8601 UTC string.
	KindTimestamp
	// KindEnum is a field restricted to a declared set of string labels.
	KindEnum
	// KindJSON is an opaque JSON document field.
	KindJSON
	// KindReference is a foreign key to another resource's id.
	KindReference
)

// String renders the field kind for logs and error messages.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBoolean:
		return "boolean"
	case KindTimestamp:
		return "timestamp"
	case KindEnum:
		return "enum"
	case KindJSON:
		return "json"
	case KindReference:
		return "reference"
	default:
		return "unknown"
	}
}

// Field is a single declared field on a Resource.
type Field struct {
	Name string
	Kind Kind

	// Nullable marks a field that may hold a null value in place of Kind's
	// natural zero value.
	Nullable bool

	// HasDefault and Default describe the default(v) modifier. Default is
	// applied on INSERT when the field is absent from the mutation payload.
	HasDefault bool
	Default    any

	// EnumValues is the declared label set for KindEnum fields.
	EnumValues []string

	// ReferenceTarget is the target resource name for KindReference fields
	// (the "T" in reference(T.id)).
	ReferenceTarget string

	// RelationName is the name of the "one" relation this reference field
	// induces on its own resource (e.g. a posts.orgId field might induce a
	// one relation named "org"). Required for KindReference fields.
	RelationName string

	// InverseRelationName is the name of the "many" relation induced on the
	// reference target (e.g. "posts" on the org resource). Required for
	// KindReference fields.
	InverseRelationName string

	// Optional marks a KindReference's "one" relation as optional, i.e. the
	// field itself is Nullable. Kept distinct from Nullable so non-reference
	// validation doesn't need to special-case relations.
	Optional bool
}

// ZeroValue returns the natural zero value for the field's kind, used to
// decide whether an explicit payload entry differs from "absent".
func (f Field) ZeroValue() any {
	switch f.Kind {
	case KindString, KindTimestamp, KindEnum, KindReference:
		return ""
	case KindNumber:
		return float64(0)
	case KindBoolean:
		return false
	case KindJSON:
		return nil
	default:
		return nil
	}
}
