package query

import (
	"context"
	"testing"

	"github.com/liveframe/liveframe/pkg/queryshape"
	"github.com/liveframe/liveframe/pkg/schema"
)

type Posts struct{}

func (Posts) ResourceName() string { return "posts" }

const (
	PostsOrg RelationOf[Posts] = "org"
)

type fakeTransport struct {
	rows []map[string]any
}

func (f *fakeTransport) Get(_ context.Context, q queryshape.RawQueryRequest, _ string, _ bool) ([]map[string]any, error) {
	if q.Resource != "posts" {
		return nil, nil
	}
	return f.rows, nil
}

func (f *fakeTransport) Subscribe(q queryshape.RawQueryRequest, cb func([]map[string]any)) (func(), error) {
	cb(f.rows)
	return func() {}, nil
}

func TestTypedBuilderBuildsRequestAndGet(t *testing.T) {
	transport := &fakeTransport{rows: []map[string]any{{"id": "post-1", "title": "hi"}}}
	b := NewBuilder[Posts](transport).Include(PostsOrg).Limit(10).OrderBy("title", false)

	req := b.BuildQueryRequest()
	if req.Resource != "posts" {
		t.Fatalf("expected resource posts, got %q", req.Resource)
	}
	if _, ok := req.Include["org"]; !ok {
		t.Fatalf("expected org include, got %+v", req.Include)
	}

	result, err := b.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Rows()) != 1 {
		t.Fatalf("expected 1 row, got %d", len(result.Rows()))
	}
}

func TestTypedBuilderOneCollapsesToSingle(t *testing.T) {
	transport := &fakeTransport{rows: []map[string]any{{"id": "post-1"}}}
	b := NewBuilder[Posts](transport).One("post-1")
	result, err := b.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	row, ok := result.One()
	if !ok || row["id"] != "post-1" {
		t.Fatalf("expected collapsed single row, got %+v ok=%v", row, ok)
	}
}

func TestTypedBuilderIsImmutable(t *testing.T) {
	transport := &fakeTransport{}
	base := NewBuilder[Posts](transport)
	withLimit := base.Limit(5)
	if base.BuildQueryRequest().Limit != 0 {
		t.Fatalf("expected base builder unaffected by derived builder's Limit call")
	}
	if withLimit.BuildQueryRequest().Limit != 5 {
		t.Fatal("expected derived builder to carry the limit")
	}
}

func postsRegistry(t *testing.T) *schema.Registry {
	t.Helper()
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
	return reg
}

func TestDynamicBuilderValidatesIncludeAtRuntime(t *testing.T) {
	reg := postsRegistry(t)
	transport := &fakeTransport{rows: []map[string]any{{"id": "post-1"}}}

	ok := NewDynamicBuilder(reg, transport, "posts").Include("org")
	if _, err := ok.BuildQueryRequest(); err != nil {
		t.Fatalf("expected valid include to pass, got %v", err)
	}

	bad := NewDynamicBuilder(reg, transport, "posts").Include("bogus")
	if _, err := bad.BuildQueryRequest(); err == nil {
		t.Fatal("expected runtime error for unknown relation")
	}
}

func TestDynamicBuilderGet(t *testing.T) {
	reg := postsRegistry(t)
	transport := &fakeTransport{rows: []map[string]any{{"id": "post-1"}}}
	result, err := NewDynamicBuilder(reg, transport, "posts").Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Rows()) != 1 {
		t.Fatalf("expected 1 row, got %d", len(result.Rows()))
	}
}
