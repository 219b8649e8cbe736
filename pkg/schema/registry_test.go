package schema

import "testing"

func orgsPostsSchema(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	must(reg.Register(ResourceDef{
		Name: "orgs",
		Fields: []Field{
			{Name: "name", Kind: KindString},
		},
	}))
	must(reg.Register(ResourceDef{
		Name: "posts",
		Fields: []Field{
			{Name: "title", Kind: KindString},
			{
				Name:                "orgId",
				Kind:                KindReference,
				ReferenceTarget:     "orgs",
				RelationName:        "org",
				InverseRelationName: "posts",
			},
		},
	}))
	if err := reg.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	return reg
}

func TestRegistryDerivesRelationPair(t *testing.T) {
	reg := orgsPostsSchema(t)

	posts, err := reg.Get("posts")
	if err != nil {
		t.Fatal(err)
	}
	rel, ok := posts.Relation("org")
	if !ok || rel.Kind != RelationOne || rel.Target != "orgs" || rel.Field != "orgId" {
		t.Fatalf("unexpected posts.org relation: %+v ok=%v", rel, ok)
	}

	orgs, err := reg.Get("orgs")
	if err != nil {
		t.Fatal(err)
	}
	inv, ok := orgs.Relation("posts")
	if !ok || inv.Kind != RelationMany || inv.Target != "posts" || inv.Field != "orgId" {
		t.Fatalf("unexpected orgs.posts relation: %+v ok=%v", inv, ok)
	}
}

func TestRegisterUnknownReferenceTargetFailsAtFinalize(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(ResourceDef{
		Name: "posts",
		Fields: []Field{
			{Name: "orgId", Kind: KindReference, ReferenceTarget: "orgs", RelationName: "org", InverseRelationName: "posts"},
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Finalize(); err == nil {
		t.Fatal("expected finalize to fail on unknown reference target")
	}
}

func TestRegisterDuplicateResource(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(ResourceDef{Name: "orgs"}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ResourceDef{Name: "orgs"}); err == nil {
		t.Fatal("expected duplicate resource error")
	}
}

func TestHashStableAcrossEquivalentSchemas(t *testing.T) {
	a := orgsPostsSchema(t).Hash()
	b := orgsPostsSchema(t).Hash()
	if a != b {
		t.Fatalf("expected stable hash, got %q vs %q", a, b)
	}
}

func TestGetUnknownResource(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Get("nope"); err == nil {
		t.Fatal("expected error for unknown resource")
	}
}
