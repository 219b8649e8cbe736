package graph

import (
	"sync/atomic"
	"testing"
)

func TestCreateNodeRejectsDuplicate(t *testing.T) {
	g := New()
	if err := g.CreateNode("u1", "users"); err != nil {
		t.Fatal(err)
	}
	if err := g.CreateNode("u1", "users"); err == nil {
		t.Fatal("expected error creating duplicate node")
	}
}

func TestCreateLinkNotifiesTargetOnly(t *testing.T) {
	g := New()
	mustCreate(t, g, "org-1", "orgs")
	mustCreate(t, g, "post-1", "posts")

	var targetNotified, sourceNotified int32
	unsubTarget, err := g.Subscribe("org-1", func() { atomic.AddInt32(&targetNotified, 1) })
	if err != nil {
		t.Fatal(err)
	}
	defer unsubTarget()
	unsubSource, err := g.Subscribe("post-1", func() { atomic.AddInt32(&sourceNotified, 1) })
	if err != nil {
		t.Fatal(err)
	}
	defer unsubSource()

	if err := g.CreateLink("post-1", "org-1", "orgId"); err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(&targetNotified) != 1 {
		t.Fatalf("expected target to be notified once, got %d", targetNotified)
	}
	if atomic.LoadInt32(&sourceNotified) != 0 {
		t.Fatalf("expected source to not be notified, got %d", sourceNotified)
	}

	target, ok := g.Reference("post-1", "orgId")
	if !ok || target != "org-1" {
		t.Fatalf("expected post-1.orgId -> org-1, got %q ok=%v", target, ok)
	}
	members := g.ReferencedBy("org-1", "orgId")
	if len(members) != 1 || members[0] != "post-1" {
		t.Fatalf("expected org-1's orgId backlink to contain post-1, got %v", members)
	}
}

func TestRemoveLinkIsSymmetricAndNotifiesOldTarget(t *testing.T) {
	g := New()
	mustCreate(t, g, "org-1", "orgs")
	mustCreate(t, g, "post-1", "posts")
	if err := g.CreateLink("post-1", "org-1", "orgId"); err != nil {
		t.Fatal(err)
	}

	var notified int32
	unsub, err := g.Subscribe("org-1", func() { atomic.AddInt32(&notified, 1) })
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	if err := g.RemoveLink("post-1", "orgId"); err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(&notified) != 1 {
		t.Fatalf("expected old target notified once, got %d", notified)
	}
	if _, ok := g.Reference("post-1", "orgId"); ok {
		t.Fatal("expected edge to be gone")
	}
	if members := g.ReferencedBy("org-1", "orgId"); len(members) != 0 {
		t.Fatalf("expected org-1's backlink set to be empty, got %v", members)
	}
}

func TestRemoveLinkNoOpWhenNoEdge(t *testing.T) {
	g := New()
	mustCreate(t, g, "post-1", "posts")
	if err := g.RemoveLink("post-1", "orgId"); err != nil {
		t.Fatalf("expected no-op, got error: %v", err)
	}
}

func TestSubscribeUnknownNodeFails(t *testing.T) {
	g := New()
	if _, err := g.Subscribe("missing", func() {}); err == nil {
		t.Fatal("expected error subscribing to unknown node")
	}
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	g := New()
	mustCreate(t, g, "u1", "users")
	var count int32
	unsub, err := g.Subscribe("u1", func() { atomic.AddInt32(&count, 1) })
	if err != nil {
		t.Fatal(err)
	}
	g.NotifySubscribers("u1")
	unsub()
	g.NotifySubscribers("u1")
	if count != 1 {
		t.Fatalf("expected exactly one notification before unsubscribe, got %d", count)
	}
}

func TestNotifySubscribersIsolatesPanickingCallback(t *testing.T) {
	g := New()
	mustCreate(t, g, "u1", "users")

	var secondRan int32
	if _, err := g.Subscribe("u1", func() { panic("boom") }); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Subscribe("u1", func() { atomic.AddInt32(&secondRan, 1) }); err != nil {
		t.Fatal(err)
	}

	g.NotifySubscribers("u1")

	if secondRan != 1 {
		t.Fatalf("expected second subscriber to still run after first panicked, got %d", secondRan)
	}
}

func TestRemoveNodeUnlinksBothDirections(t *testing.T) {
	g := New()
	mustCreate(t, g, "org-1", "orgs")
	mustCreate(t, g, "post-1", "posts")
	if err := g.CreateLink("post-1", "org-1", "orgId"); err != nil {
		t.Fatal(err)
	}

	g.RemoveNode("org-1")

	if g.Exists("org-1") {
		t.Fatal("expected org-1 removed")
	}
	if _, ok := g.Reference("post-1", "orgId"); ok {
		t.Fatal("expected post-1's dangling reference to be cleared")
	}
}

func mustCreate(t *testing.T, g *Graph, id, typ string) {
	t.Helper()
	if err := g.CreateNode(id, typ); err != nil {
		t.Fatal(err)
	}
}
