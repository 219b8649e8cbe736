package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Hash returns a stable fingerprint of the registry's resource/field shape.
// The client persists this under schemaHash (§6) and drops every resource
// store for a full SYNC rebuild when it no longer matches.
func (r *Registry) Hash() string {
	var b strings.Builder
	for _, res := range r.Resources() {
		fmt.Fprintf(&b, "resource %s\n", res.Name)
		for _, name := range res.fieldOrder {
			f := res.fields[name]
			fmt.Fprintf(&b, "  field %s kind=%s nullable=%v default=%v enum=%v ref=%s\n",
				f.Name, f.Kind, f.Nullable, f.HasDefault, f.EnumValues, f.ReferenceTarget)
		}
		relNames := res.RelationNames()
		sort.Strings(relNames)
		for _, name := range relNames {
			rel := res.relations[name]
			fmt.Fprintf(&b, "  relation %s kind=%d target=%s field=%s\n", rel.Name, rel.Kind, rel.Target, rel.Field)
		}
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
