package sombra

import (
	"errors"
	"os"
	"testing"

	"github.com/maskdotdev/sombra/graph"
	"github.com/maskdotdev/sombra/metrics"
	"github.com/maskdotdev/sombra/storage"
)

func tempDBPath(t *testing.T) string {
	t.Helper()
	f, err := os.CreateTemp("", "sombra_test_*.db")
	if err != nil {
		t.Fatal(err)
	}
	path := f.Name()
	f.Close()
	os.Remove(path)
	return path
}

func TestAddAndGetNode(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	n, err := db.AddNode([]string{"Person"}, []storage.Property{
		{Key: "name", Value: storage.NewStringValue("Ada")},
		{Key: "age", Value: storage.NewInt64Value(36)},
	})
	if err != nil {
		t.Fatalf("add node: %v", err)
	}
	if n.ID == 0 {
		t.Fatal("expected non-zero node id")
	}

	got, err := db.GetNode(n.ID)
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if len(got.Labels) != 1 || got.Labels[0] != "Person" {
		t.Errorf("expected label Person, got %v", got.Labels)
	}
	if v, _ := got.Get("name"); v.String != "Ada" {
		t.Errorf("expected name=Ada, got %v", v)
	}
}

func TestGetNodeNotFound(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	_, err = db.GetNode(999)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestUpdateAndDeleteNode(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	n, err := db.AddNode([]string{"Person"}, nil)
	if err != nil {
		t.Fatalf("add node: %v", err)
	}

	updated, err := db.UpdateNode(n.ID, []string{"Person", "Employee"}, []storage.Property{
		{Key: "title", Value: storage.NewStringValue("engineer")},
	})
	if err != nil {
		t.Fatalf("update node: %v", err)
	}
	if len(updated.Labels) != 2 {
		t.Errorf("expected 2 labels, got %d", len(updated.Labels))
	}

	if err := db.DeleteNode(n.ID, graph.DeleteRestrict); err != nil {
		t.Fatalf("delete node: %v", err)
	}
	if _, err := db.GetNode(n.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected NotFound after delete, got %v", err)
	}
}

func TestSetAndRemoveNodeProperty(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	n, err := db.AddNode([]string{"City"}, nil)
	if err != nil {
		t.Fatalf("add node: %v", err)
	}

	n, err = db.SetNodeProperty(n.ID, "population", storage.NewInt64Value(2000000))
	if err != nil {
		t.Fatalf("set property: %v", err)
	}
	if v, ok := n.Get("population"); !ok || v.Int64 != 2000000 {
		t.Fatalf("expected population=2000000, got %v", v)
	}

	n, err = db.RemoveNodeProperty(n.ID, "population")
	if err != nil {
		t.Fatalf("remove property: %v", err)
	}
	if _, ok := n.Get("population"); ok {
		t.Error("expected population removed")
	}
}

func TestDeleteNodeRestrictWithIncidentEdges(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	a, _ := db.AddNode([]string{"Person"}, nil)
	b, _ := db.AddNode([]string{"Person"}, nil)
	if _, err := db.AddEdge(a.ID, b.ID, "KNOWS", nil); err != nil {
		t.Fatalf("add edge: %v", err)
	}

	if err := db.DeleteNode(a.ID, graph.DeleteRestrict); err == nil {
		t.Fatal("expected restrict delete to fail with incident edges")
	}
}

func TestDeleteNodeCascadeRemovesEdges(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	a, _ := db.AddNode([]string{"Person"}, nil)
	b, _ := db.AddNode([]string{"Person"}, nil)
	c, _ := db.AddNode([]string{"Person"}, nil)
	e1, err := db.AddEdge(a.ID, b.ID, "KNOWS", nil)
	if err != nil {
		t.Fatalf("add edge 1: %v", err)
	}
	e2, err := db.AddEdge(c.ID, a.ID, "KNOWS", nil)
	if err != nil {
		t.Fatalf("add edge 2: %v", err)
	}

	if err := db.DeleteNode(a.ID, graph.DeleteCascade); err != nil {
		t.Fatalf("cascade delete: %v", err)
	}

	if _, err := db.GetEdge(e1.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected edge 1 gone, got %v", err)
	}
	if _, err := db.GetEdge(e2.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected edge 2 gone, got %v", err)
	}
	if _, err := db.GetNode(b.ID); err != nil {
		t.Errorf("expected node b to survive cascade, got %v", err)
	}
}

func TestAddEdgeSelfLoop(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	a, _ := db.AddNode([]string{"Person"}, nil)
	e, err := db.AddEdge(a.ID, a.ID, "FOLLOWS", nil)
	if err != nil {
		t.Fatalf("add self-loop: %v", err)
	}

	out, err := db.GetOutgoingEdges(a.ID)
	if err != nil {
		t.Fatalf("get outgoing: %v", err)
	}
	if len(out) != 1 || out[0].ID != e.ID {
		t.Fatalf("expected 1 outgoing self-loop, got %v", out)
	}

	in, err := db.GetIncomingEdges(a.ID)
	if err != nil {
		t.Fatalf("get incoming: %v", err)
	}
	if len(in) != 1 || in[0].ID != e.ID {
		t.Fatalf("expected 1 incoming self-loop, got %v", in)
	}
}

func TestAddEdgeMissingEndpoint(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	a, _ := db.AddNode([]string{"Person"}, nil)
	if _, err := db.AddEdge(a.ID, 99999, "KNOWS", nil); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected NotFound for missing target, got %v", err)
	}
}

func TestEdgeChainOrderAndCounts(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	a, _ := db.AddNode([]string{"Person"}, nil)
	var targets []storage.Node
	for i := 0; i < 5; i++ {
		n, _ := db.AddNode([]string{"Person"}, nil)
		targets = append(targets, n)
		if _, err := db.AddEdge(a.ID, n.ID, "KNOWS", nil); err != nil {
			t.Fatalf("add edge %d: %v", i, err)
		}
	}

	count, err := db.CountOutgoingEdges(a.ID)
	if err != nil {
		t.Fatalf("count outgoing: %v", err)
	}
	if count != 5 {
		t.Errorf("expected 5 outgoing edges, got %d", count)
	}

	out, err := db.GetOutgoingEdges(a.ID)
	if err != nil {
		t.Fatalf("get outgoing: %v", err)
	}
	if len(out) != 5 {
		t.Fatalf("expected 5 edges, got %d", len(out))
	}
	if out[0].Target != targets[4].ID {
		t.Errorf("expected most recent edge first (target %d), got %d", targets[4].ID, out[0].Target)
	}
}

func TestDeleteEdgeUnlinksChain(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	a, _ := db.AddNode([]string{"Person"}, nil)
	b, _ := db.AddNode([]string{"Person"}, nil)
	c, _ := db.AddNode([]string{"Person"}, nil)
	e1, _ := db.AddEdge(a.ID, b.ID, "KNOWS", nil)
	e2, _ := db.AddEdge(a.ID, c.ID, "KNOWS", nil)

	if err := db.DeleteEdge(e1.ID); err != nil {
		t.Fatalf("delete edge: %v", err)
	}

	out, err := db.GetOutgoingEdges(a.ID)
	if err != nil {
		t.Fatalf("get outgoing: %v", err)
	}
	if len(out) != 1 || out[0].ID != e2.ID {
		t.Fatalf("expected only e2 remaining, got %v", out)
	}
}

func TestLabelIndex(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	for i := 0; i < 5; i++ {
		if _, err := db.AddNode([]string{"Person"}, nil); err != nil {
			t.Fatalf("add node %d: %v", i, err)
		}
	}
	if _, err := db.AddNode([]string{"City"}, nil); err != nil {
		t.Fatalf("add city: %v", err)
	}

	if got := db.CountNodesByLabel("Person"); got != 5 {
		t.Errorf("expected 5 Person nodes, got %d", got)
	}
	if got := db.CountNodesByLabel("City"); got != 1 {
		t.Errorf("expected 1 City node, got %d", got)
	}
}

func TestPropertyIndexPointAndRange(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	db.CreatePropertyIndex("Person", "age")

	for age := int64(20); age < 30; age++ {
		if _, err := db.AddNode([]string{"Person"}, []storage.Property{
			{Key: "age", Value: storage.NewInt64Value(age)},
		}); err != nil {
			t.Fatalf("add node age=%d: %v", age, err)
		}
	}

	ids, err := db.FindNodeByProperty("Person", "age", storage.NewInt64Value(25))
	if err != nil {
		t.Fatalf("find by property: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected 1 match for age=25, got %d", len(ids))
	}

	ids, err = db.FindNodesByPropertyRange("Person", "age", storage.NewInt64Value(22), storage.NewInt64Value(25))
	if err != nil {
		t.Fatalf("range query: %v", err)
	}
	if len(ids) != 4 {
		t.Errorf("expected 4 matches in [22,25], got %d", len(ids))
	}
}

func TestFindNodeByPropertyWithoutIndex(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if _, err := db.FindNodeByProperty("Person", "age", storage.NewInt64Value(1)); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected NotFound for missing index, got %v", err)
	}
}

func TestRebuildPropertyIndexAfterInsert(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	for i := 0; i < 3; i++ {
		if _, err := db.AddNode([]string{"Person"}, []storage.Property{
			{Key: "age", Value: storage.NewInt64Value(int64(i))},
		}); err != nil {
			t.Fatalf("add node: %v", err)
		}
	}

	db.CreatePropertyIndex("Person", "age")
	if err := db.RebuildPropertyIndex("Person", "age"); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	ids, err := db.FindNodeByProperty("Person", "age", storage.NewInt64Value(1))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(ids) != 1 {
		t.Errorf("expected 1 match, got %d", len(ids))
	}
}

func TestOrderedNodeIteration(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	var ids []uint64
	for i := 0; i < 10; i++ {
		n, err := db.AddNode(nil, nil)
		if err != nil {
			t.Fatalf("add node: %v", err)
		}
		ids = append(ids, n.ID)
	}

	all, err := db.GetAllNodeIDsOrdered()
	if err != nil {
		t.Fatalf("all ordered: %v", err)
	}
	if len(all) != 10 {
		t.Fatalf("expected 10 ids, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i] <= all[i-1] {
			t.Fatalf("expected strictly increasing ids, got %v", all)
		}
	}

	first, ok, err := db.GetFirstNode()
	if err != nil || !ok {
		t.Fatalf("first node: ok=%v err=%v", ok, err)
	}
	if first != all[0] {
		t.Errorf("expected first=%d, got %d", all[0], first)
	}

	last, ok, err := db.GetLastNode()
	if err != nil || !ok {
		t.Fatalf("last node: ok=%v err=%v", ok, err)
	}
	if last != all[len(all)-1] {
		t.Errorf("expected last=%d, got %d", all[len(all)-1], last)
	}
}

func TestTransactionCommitsAllOrNothing(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	tx, err := db.BeginTransaction()
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	a, err := tx.AddNode([]string{"Person"}, nil)
	if err != nil {
		t.Fatalf("add node in tx: %v", err)
	}
	b, err := tx.AddNode([]string{"Person"}, nil)
	if err != nil {
		t.Fatalf("add node in tx: %v", err)
	}
	if _, err := tx.AddEdge(a.ID, b.ID, "KNOWS", nil); err != nil {
		t.Fatalf("add edge in tx: %v", err)
	}
	if _, err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, err := db.GetNode(a.ID); err != nil {
		t.Errorf("expected node a visible after commit: %v", err)
	}
	if _, err := db.GetNode(b.ID); err != nil {
		t.Errorf("expected node b visible after commit: %v", err)
	}
}

func TestTransactionRollbackDiscardsChanges(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	tx, err := db.BeginTransaction()
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	n, err := tx.AddNode([]string{"Person"}, nil)
	if err != nil {
		t.Fatalf("add node: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	if _, err := db.GetNode(n.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected node gone after rollback, got %v", err)
	}

	// Rollback doit être idempotent.
	if err := tx.Rollback(); err != nil {
		t.Errorf("expected idempotent rollback, got %v", err)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := tempDBPath(t)
	defer os.Remove(path)

	db, err := Open(path)
	if err != nil {
		t.Fatalf("open1: %v", err)
	}
	n, err := db.AddNode([]string{"Person"}, []storage.Property{
		{Key: "name", Value: storage.NewStringValue("Grace")},
	})
	if err != nil {
		t.Fatalf("add node: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db2, err := Open(path)
	if err != nil {
		t.Fatalf("open2: %v", err)
	}
	defer db2.Close()

	got, err := db2.GetNode(n.ID)
	if err != nil {
		t.Fatalf("get node after reopen: %v", err)
	}
	if v, _ := got.Get("name"); v.String != "Grace" {
		t.Errorf("expected name=Grace after reopen, got %v", v)
	}
}

func TestVerifyIntegrityClean(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	a, _ := db.AddNode([]string{"Person"}, nil)
	b, _ := db.AddNode([]string{"Person"}, nil)
	if _, err := db.AddEdge(a.ID, b.ID, "KNOWS", nil); err != nil {
		t.Fatalf("add edge: %v", err)
	}

	report, err := db.VerifyIntegrity()
	if err != nil {
		t.Fatalf("verify integrity: %v", err)
	}
	if !report.Clean() {
		t.Errorf("expected clean report, got %+v", report)
	}
}

func TestVacuumReportsAfterDeletes(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	var ids []uint64
	for i := 0; i < 10; i++ {
		n, err := db.AddNode(nil, nil)
		if err != nil {
			t.Fatalf("add node: %v", err)
		}
		ids = append(ids, n.ID)
	}
	for _, id := range ids[:5] {
		if err := db.DeleteNode(id, graph.DeleteRestrict); err != nil {
			t.Fatalf("delete node %d: %v", id, err)
		}
	}

	if _, err := db.Vacuum(); err != nil {
		t.Fatalf("vacuum: %v", err)
	}

	all, err := db.GetAllNodeIDsOrdered()
	if err != nil {
		t.Fatalf("all ordered: %v", err)
	}
	if len(all) != 5 {
		t.Errorf("expected 5 remaining nodes, got %d", len(all))
	}
}

func TestHealthStatusHealthyOnFreshDatabase(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	status := db.Health()
	if status.Status.String() == "" {
		t.Error("expected a non-empty health status string")
	}
	if status.Status != metrics.Healthy {
		t.Errorf("expected Healthy on a fresh database, got %s (reasons: %v)", status.Status, status.Reasons)
	}
}
