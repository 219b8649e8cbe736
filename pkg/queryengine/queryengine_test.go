package queryengine

import (
	"context"
	"errors"
	"testing"

	"github.com/liveframe/liveframe/pkg/lww"
	"github.com/liveframe/liveframe/pkg/queryshape"
	"github.com/liveframe/liveframe/pkg/schema"
	"github.com/liveframe/liveframe/pkg/storage/memstore"
)

func orgsPostsStore(t *testing.T) (*memstore.Store, *schema.Registry) {
	t.Helper()
	reg := schema.NewRegistry()
	if err := reg.Register(schema.ResourceDef{
		Name:   "orgs",
		Fields: []schema.Field{{Name: "name", Kind: schema.KindString}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(schema.ResourceDef{
		Name: "posts",
		Fields: []schema.Field{
			{Name: "title", Kind: schema.KindString},
			{Name: "orgId", Kind: schema.KindReference, ReferenceTarget: "orgs", RelationName: "org", InverseRelationName: "posts"},
		},
	}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Finalize(); err != nil {
		t.Fatal(err)
	}

	store := memstore.New()
	ctx := context.Background()
	if err := store.Init(ctx, reg); err != nil {
		t.Fatal(err)
	}

	mustInsert(t, store, "orgs", "org-1", lww.Payload{"name": {Value: "acme", Timestamp: "t1"}})
	mustInsert(t, store, "orgs", "org-2", lww.Payload{"name": {Value: "globex", Timestamp: "t1"}})
	mustInsert(t, store, "orgs", "org-3", lww.Payload{"name": {Value: "initech", Timestamp: "t1"}})
	mustInsert(t, store, "posts", "post-1", lww.Payload{
		"title": {Value: "hello", Timestamp: "t1"},
		"orgId": {Value: "org-1", Timestamp: "t1"},
	})
	mustInsert(t, store, "posts", "post-2", lww.Payload{
		"title": {Value: "world", Timestamp: "t1"},
		"orgId": {Value: "org-1", Timestamp: "t1"},
	})
	mustInsert(t, store, "posts", "post-3", lww.Payload{
		"title": {Value: "other org", Timestamp: "t1"},
		"orgId": {Value: "org-2", Timestamp: "t1"},
	})
	return store, reg
}

func mustInsert(t *testing.T, store *memstore.Store, resource, id string, row lww.Payload) {
	t.Helper()
	if err := store.Insert(context.Background(), resource, id, row); err != nil {
		t.Fatal(err)
	}
}

func TestExecuteRootOnlyQuery(t *testing.T) {
	store, reg := orgsPostsStore(t)
	exec := NewExecutor(store, reg, nil)

	rows, err := exec.Execute(context.Background(), queryshape.RawQueryRequest{Resource: "orgs"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 orgs, got %d", len(rows))
	}
}

func TestExecuteIncludeManyRelation(t *testing.T) {
	store, reg := orgsPostsStore(t)
	exec := NewExecutor(store, reg, nil)

	rows, err := exec.Execute(context.Background(), queryshape.RawQueryRequest{
		Resource: "orgs",
		Where:    queryshape.Where{"id": "org-1"},
		Include:  queryshape.Include{"posts": nil},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 org, got %d", len(rows))
	}
	posts, ok := rows[0]["posts"].([]map[string]any)
	if !ok || len(posts) != 2 {
		t.Fatalf("expected 2 joined posts, got %+v", rows[0]["posts"])
	}
}

func TestExecuteIncludeManyRelationEmptyIsEmptySliceNotNil(t *testing.T) {
	store, reg := orgsPostsStore(t)
	exec := NewExecutor(store, reg, nil)

	rows, err := exec.Execute(context.Background(), queryshape.RawQueryRequest{
		Resource: "orgs",
		Where:    queryshape.Where{"id": "org-3"},
		Include:  queryshape.Include{"posts": nil},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 org, got %d", len(rows))
	}
	posts, ok := rows[0]["posts"].([]map[string]any)
	if !ok {
		t.Fatalf("expected posts to be a []map[string]any, got %T", rows[0]["posts"])
	}
	if posts == nil || len(posts) != 0 {
		t.Fatalf("expected an empty, non-nil posts slice for an org with no posts, got %+v", rows[0]["posts"])
	}
}

func TestExecuteIncludeOneRelation(t *testing.T) {
	store, reg := orgsPostsStore(t)
	exec := NewExecutor(store, reg, nil)

	rows, err := exec.Execute(context.Background(), queryshape.RawQueryRequest{
		Resource: "posts",
		Where:    queryshape.Where{"id": "post-1"},
		Include:  queryshape.Include{"org": nil},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatal("expected 1 post")
	}
	org, ok := rows[0]["org"].(map[string]any)
	if !ok || org["name"] != "acme" {
		t.Fatalf("expected joined org acme, got %+v", rows[0]["org"])
	}
}

func TestExecuteMalformedIncludeFailsPlanning(t *testing.T) {
	store, reg := orgsPostsStore(t)
	exec := NewExecutor(store, reg, nil)

	_, err := exec.Execute(context.Background(), queryshape.RawQueryRequest{
		Resource: "orgs",
		Include:  queryshape.Include{"bogus": nil},
	})
	if err == nil {
		t.Fatal("expected planning error for unknown relation")
	}
}

func TestExecuteGuardRewriteNarrowsResults(t *testing.T) {
	store, reg := orgsPostsStore(t)
	router := NewRouter()
	router.Register("posts", ActionRead, GuardFunc(func(ctx context.Context) (queryshape.Where, error) {
		return queryshape.Where{"orgId": "org-1"}, nil
	}))
	exec := NewExecutor(store, reg, router)

	rows, err := exec.Execute(context.Background(), queryshape.RawQueryRequest{Resource: "posts"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected guard to narrow to 2 posts, got %d", len(rows))
	}
}

func TestExecuteGuardRejectionFailsUnauthorised(t *testing.T) {
	store, reg := orgsPostsStore(t)
	router := NewRouter()
	router.Register("posts", ActionRead, GuardFunc(func(ctx context.Context) (queryshape.Where, error) {
		return nil, errors.New("not allowed")
	}))
	exec := NewExecutor(store, reg, router)

	_, err := exec.Execute(context.Background(), queryshape.RawQueryRequest{Resource: "posts"})
	if !errors.Is(err, ErrUnauthorised) {
		t.Fatalf("expected ErrUnauthorised, got %v", err)
	}
}

func TestExecuteLimitAndSortApplyToRootOnly(t *testing.T) {
	store, reg := orgsPostsStore(t)
	exec := NewExecutor(store, reg, nil)

	rows, err := exec.Execute(context.Background(), queryshape.RawQueryRequest{
		Resource: "posts",
		Sort:     []queryshape.Sort{{Key: "title", Desc: true}},
		Limit:    2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected limit to cap at 2, got %d", len(rows))
	}
	if rows[0]["title"] != "world" {
		t.Fatalf("expected descending sort to put 'world' first, got %+v", rows[0])
	}
}
