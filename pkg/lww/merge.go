package lww

import (
	"fmt"

	"github.com/liveframe/liveframe/pkg/schema"
)

// Procedure names the two core mutation procedures every resource supports.
// Custom application procedures bypass this codec entirely (spec.md §4.6).
type Procedure string

const (
	ProcedureInsert Procedure = "INSERT"
	ProcedureUpdate Procedure = "UPDATE"
)

// MergeMutation implements spec.md §4.1's single operation: it folds a
// mutation payload into an optional previous object and returns the merged
// object, the delta (fields actually written), and any reference fields
// whose target changed.
//
// prev must be nil for ProcedureInsert and non-nil for ProcedureUpdate;
// passing the wrong combination is a programmer error and returns an error
// rather than guessing.
func MergeMutation(res *schema.Resource, procedure Procedure, payload Payload, prev *Object) (*Object, Payload, []ReferenceChange, error) {
	switch procedure {
	case ProcedureInsert:
		if prev != nil {
			return nil, nil, nil, fmt.Errorf("lww: INSERT must not be given a previous object for resource %q", res.Name)
		}
		return mergeInsert(res, payload)
	case ProcedureUpdate:
		if prev == nil {
			return nil, nil, nil, fmt.Errorf("lww: UPDATE requires a previous object for resource %q", res.Name)
		}
		return mergeUpdate(res, payload, prev)
	default:
		return nil, nil, nil, fmt.Errorf("lww: unsupported core procedure %q (custom procedures bypass LWW)", procedure)
	}
}

func mergeInsert(res *schema.Resource, payload Payload) (*Object, Payload, []ReferenceChange, error) {
	creationTS := maxTimestamp(payload)

	values := make(map[string]FieldValue, len(res.FieldNames()))
	delta := make(Payload, len(res.FieldNames()))
	var refs []ReferenceChange

	for _, name := range res.FieldNames() {
		field, _ := res.Field(name)
		if fv, ok := payload[name]; ok {
			values[name] = fv
			delta[name] = fv
			if field.Kind == schema.KindReference {
				refs = append(refs, ReferenceChange{Field: name, OldTarget: "", NewTarget: toTargetID(fv.Value)})
			}
			continue
		}
		switch {
		case field.HasDefault:
			fv := FieldValue{Value: field.Default, Timestamp: creationTS}
			values[name] = fv
			delta[name] = fv
		case field.Nullable:
			fv := FieldValue{Value: nil, Timestamp: creationTS}
			values[name] = fv
			delta[name] = fv
		default:
			return nil, nil, nil, &MergeError{Resource: res.Name, Field: name, Reason: "missing required field on INSERT"}
		}
	}

	obj := &Object{Values: values, Timestamp: objectTimestamp(values)}
	return obj, delta, refs, nil
}

func mergeUpdate(res *schema.Resource, payload Payload, prev *Object) (*Object, Payload, []ReferenceChange, error) {
	merged := prev.Clone()
	delta := make(Payload)
	var refs []ReferenceChange

	for name, fv := range payload {
		field, ok := res.Field(name)
		if !ok {
			return nil, nil, nil, &MergeError{Resource: res.Name, Field: name, Reason: "unknown field in UPDATE payload"}
		}

		prevFV, hadPrev := merged.Values[name]
		// Tie-break: strictly greater wins; equal or lesser keeps prev.
		if hadPrev && prevFV.Timestamp >= fv.Timestamp {
			continue
		}
		merged.Values[name] = fv
		delta[name] = fv

		if field.Kind == schema.KindReference {
			old := ""
			if hadPrev {
				old = toTargetID(prevFV.Value)
			}
			refs = append(refs, ReferenceChange{Field: name, OldTarget: old, NewTarget: toTargetID(fv.Value)})
		}
	}

	merged.Timestamp = objectTimestamp(merged.Values)
	return merged, delta, refs, nil
}

func objectTimestamp(values map[string]FieldValue) string {
	max := ""
	for _, fv := range values {
		if fv.Timestamp > max {
			max = fv.Timestamp
		}
	}
	return max
}

func maxTimestamp(payload Payload) string {
	max := ""
	for _, fv := range payload {
		if fv.Timestamp > max {
			max = fv.Timestamp
		}
	}
	return max
}

func toTargetID(v any) string {
	if v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

// MergeError reports a payload that cannot be merged against a resource's
// declared fields: an unknown field name, or a required field missing on
// INSERT. It is a validation error per spec.md §7's taxonomy.
type MergeError struct {
	Resource string
	Field    string
	Reason   string
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("lww: resource %q field %q: %s", e.Resource, e.Field, e.Reason)
}
