package lww

import (
	"testing"

	"github.com/liveframe/liveframe/pkg/schema"
)

func usersResource(t *testing.T) *schema.Resource {
	t.Helper()
	reg := schema.NewRegistry()
	if err := reg.Register(schema.ResourceDef{
		Name: "users",
		Fields: []schema.Field{
			{Name: "name", Kind: schema.KindString},
			{Name: "bio", Kind: schema.KindString, Nullable: true},
			{Name: "role", Kind: schema.KindEnum, EnumValues: []string{"admin", "user"}, HasDefault: true, Default: "user"},
		},
	}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Finalize(); err != nil {
		t.Fatal(err)
	}
	res, err := reg.Get("users")
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestMergeInsertFillsDefaultsAndNulls(t *testing.T) {
	res := usersResource(t)
	obj, delta, _, err := MergeMutation(res, ProcedureInsert, Payload{
		"name": {Value: "Ana", Timestamp: "2026-01-01T00:00:00.000Z"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := obj.Get("name"); v != "Ana" {
		t.Fatalf("expected name Ana, got %v", v)
	}
	if v, _ := obj.Get("role"); v != "user" {
		t.Fatalf("expected default role user, got %v", v)
	}
	if v, ok := obj.Get("bio"); !ok || v != nil {
		t.Fatalf("expected nullable bio to be nil, got %v ok=%v", v, ok)
	}
	if len(delta) != 3 {
		t.Fatalf("expected full delta of 3 fields on insert, got %d", len(delta))
	}
	if obj.Timestamp != "2026-01-01T00:00:00.000Z" {
		t.Fatalf("expected object timestamp to match sole payload field, got %q", obj.Timestamp)
	}
}

func TestMergeInsertMissingRequiredFieldErrors(t *testing.T) {
	res := usersResource(t)
	_, _, _, err := MergeMutation(res, ProcedureInsert, Payload{}, nil)
	if err == nil {
		t.Fatal("expected error for missing required field 'name'")
	}
}

func TestMergeUpdateAdoptsNewerTimestamp(t *testing.T) {
	res := usersResource(t)
	prev := &Object{
		Values: map[string]FieldValue{
			"name": {Value: "Ana", Timestamp: "2026-01-01T00:00:00.000Z"},
			"bio":  {Value: nil, Timestamp: "2026-01-01T00:00:00.000Z"},
			"role": {Value: "user", Timestamp: "2026-01-01T00:00:00.000Z"},
		},
		Timestamp: "2026-01-01T00:00:00.000Z",
	}
	merged, delta, _, err := MergeMutation(res, ProcedureUpdate, Payload{
		"name": {Value: "Ann", Timestamp: "2026-01-02T00:00:00.000Z"},
	}, prev)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := merged.Get("name"); v != "Ann" {
		t.Fatalf("expected updated name Ann, got %v", v)
	}
	if len(delta) != 1 {
		t.Fatalf("expected delta of 1 field, got %d", len(delta))
	}
	if merged.Timestamp != "2026-01-02T00:00:00.000Z" {
		t.Fatalf("expected object timestamp to bump to newest field, got %q", merged.Timestamp)
	}
}

func TestMergeUpdateKeepsOlderOrEqualTimestamp(t *testing.T) {
	res := usersResource(t)
	prev := &Object{
		Values: map[string]FieldValue{
			"name": {Value: "Ana", Timestamp: "2026-01-05T00:00:00.000Z"},
		},
		Timestamp: "2026-01-05T00:00:00.000Z",
	}

	// Strictly older timestamp: kept.
	merged, delta, _, err := MergeMutation(res, ProcedureUpdate, Payload{
		"name": {Value: "Older", Timestamp: "2026-01-01T00:00:00.000Z"},
	}, prev)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := merged.Get("name"); v != "Ana" {
		t.Fatalf("expected prev value retained for older timestamp, got %v", v)
	}
	if len(delta) != 0 {
		t.Fatalf("expected empty delta when prev wins, got %v", delta)
	}

	// Equal timestamp: tie-break keeps prev (spec.md §4.1).
	merged2, delta2, _, err := MergeMutation(res, ProcedureUpdate, Payload{
		"name": {Value: "Tie", Timestamp: "2026-01-05T00:00:00.000Z"},
	}, prev)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := merged2.Get("name"); v != "Ana" {
		t.Fatalf("expected tie-break to keep prev, got %v", v)
	}
	if len(delta2) != 0 {
		t.Fatalf("expected empty delta on tie, got %v", delta2)
	}
}

// TestLWWDeterminism is the quantified invariant from spec.md §8: merging
// m1 then m2 produces the same result as merging m2 then m1, for any two
// mutations on the same field with distinct timestamps.
func TestLWWDeterminism(t *testing.T) {
	res := usersResource(t)
	base := &Object{
		Values:    map[string]FieldValue{"name": {Value: "Ana", Timestamp: "2026-01-01T00:00:00.000Z"}},
		Timestamp: "2026-01-01T00:00:00.000Z",
	}
	m1 := Payload{"name": {Value: "Bea", Timestamp: "2026-01-02T00:00:00.000Z"}}
	m2 := Payload{"name": {Value: "Cid", Timestamp: "2026-01-03T00:00:00.000Z"}}

	orderA := base.Clone()
	orderA, _, _, err := MergeMutation(res, ProcedureUpdate, m1, orderA)
	if err != nil {
		t.Fatal(err)
	}
	orderA, _, _, err = MergeMutation(res, ProcedureUpdate, m2, orderA)
	if err != nil {
		t.Fatal(err)
	}

	orderB := base.Clone()
	orderB, _, _, err = MergeMutation(res, ProcedureUpdate, m2, orderB)
	if err != nil {
		t.Fatal(err)
	}
	orderB, _, _, err = MergeMutation(res, ProcedureUpdate, m1, orderB)
	if err != nil {
		t.Fatal(err)
	}

	va, _ := orderA.Get("name")
	vb, _ := orderB.Get("name")
	if va != vb || va != "Cid" {
		t.Fatalf("expected order-independent convergence to 'Cid', got %v and %v", va, vb)
	}
}

// TestEchoIdempotence is spec.md §8: applying the same server-origin
// mutation twice is a no-op.
func TestEchoIdempotence(t *testing.T) {
	res := usersResource(t)
	prev := &Object{
		Values:    map[string]FieldValue{"name": {Value: "Ana", Timestamp: "2026-01-01T00:00:00.000Z"}},
		Timestamp: "2026-01-01T00:00:00.000Z",
	}
	mutation := Payload{"name": {Value: "Ann", Timestamp: "2026-01-02T00:00:00.000Z"}}

	once, _, _, err := MergeMutation(res, ProcedureUpdate, mutation, prev)
	if err != nil {
		t.Fatal(err)
	}
	twice, delta, _, err := MergeMutation(res, ProcedureUpdate, mutation, once)
	if err != nil {
		t.Fatal(err)
	}
	if len(delta) != 0 {
		t.Fatalf("expected no-op delta on repeated application, got %v", delta)
	}
	v1, _ := once.Get("name")
	v2, _ := twice.Get("name")
	if v1 != v2 {
		t.Fatalf("expected idempotent result, got %v then %v", v1, v2)
	}
}

func TestMergeReferenceFieldSignalsRelink(t *testing.T) {
	reg := schema.NewRegistry()
	if err := reg.Register(schema.ResourceDef{Name: "orgs"}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(schema.ResourceDef{
		Name: "posts",
		Fields: []schema.Field{
			{Name: "orgId", Kind: schema.KindReference, ReferenceTarget: "orgs", RelationName: "org", InverseRelationName: "posts", Nullable: true},
		},
	}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Finalize(); err != nil {
		t.Fatal(err)
	}
	posts, _ := reg.Get("posts")

	obj, _, refs, err := MergeMutation(posts, ProcedureInsert, Payload{
		"orgId": {Value: "org-1", Timestamp: "2026-01-01T00:00:00.000Z"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 || refs[0].NewTarget != "org-1" || refs[0].OldTarget != "" {
		t.Fatalf("expected insert relink signal to org-1, got %+v", refs)
	}

	moved, _, refs2, err := MergeMutation(posts, ProcedureUpdate, Payload{
		"orgId": {Value: "org-2", Timestamp: "2026-01-02T00:00:00.000Z"},
	}, obj)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs2) != 1 || refs2[0].OldTarget != "org-1" || refs2[0].NewTarget != "org-2" {
		t.Fatalf("expected update relink from org-1 to org-2, got %+v", refs2)
	}
	if v, _ := moved.Get("orgId"); v != "org-2" {
		t.Fatalf("expected merged value org-2, got %v", v)
	}
}
