package index

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/maskdotdev/sombra/storage"
)

func tempPager(t *testing.T) *storage.Pager {
	t.Helper()
	p, err := storage.OpenPagerMemory(storage.DefaultConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("open pager: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func beginWrite(t *testing.T, p *storage.Pager) {
	t.Helper()
	if err := p.BeginWriteTx(); err != nil {
		t.Fatalf("begin write: %v", err)
	}
}

func commitWrite(t *testing.T, p *storage.Pager) {
	t.Helper()
	if _, err := p.CommitWriteTx(); err != nil {
		t.Fatalf("commit write: %v", err)
	}
}

func TestPrimaryIndexPutGetDelete(t *testing.T) {
	p := tempPager(t)
	beginWrite(t, p)
	idx, err := NewPrimaryIndex(p)
	if err != nil {
		t.Fatalf("new primary index: %v", err)
	}
	if err := idx.Put(1, storage.RecordPointer{PageID: 3, Slot: 0}); err != nil {
		t.Fatalf("put 1: %v", err)
	}
	if err := idx.Put(2, storage.RecordPointer{PageID: 3, Slot: 1}); err != nil {
		t.Fatalf("put 2: %v", err)
	}
	commitWrite(t, p)

	ptr, err := idx.Get(1)
	if err != nil {
		t.Fatalf("get 1: %v", err)
	}
	if ptr.Slot != 0 {
		t.Errorf("expected slot 0, got %d", ptr.Slot)
	}

	if _, err := idx.Get(999); err == nil {
		t.Fatal("expected error for missing key")
	}

	beginWrite(t, p)
	if err := idx.Delete(1); err != nil {
		t.Fatalf("delete 1: %v", err)
	}
	commitWrite(t, p)

	if _, err := idx.Get(1); err == nil {
		t.Fatal("expected error for deleted key")
	}
}

func TestPrimaryIndexOrderedIteration(t *testing.T) {
	p := tempPager(t)
	beginWrite(t, p)
	idx, err := NewPrimaryIndex(p)
	if err != nil {
		t.Fatalf("new primary index: %v", err)
	}
	for _, id := range []uint64{5, 1, 3, 2, 4} {
		if err := idx.Put(id, storage.RecordPointer{PageID: storage.PageID(id), Slot: 0}); err != nil {
			t.Fatalf("put %d: %v", id, err)
		}
	}
	commitWrite(t, p)

	all, err := idx.AllOrdered()
	if err != nil {
		t.Fatalf("all ordered: %v", err)
	}
	want := []uint64{1, 2, 3, 4, 5}
	if len(all) != len(want) {
		t.Fatalf("expected %v, got %v", want, all)
	}
	for i := range want {
		if all[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, all)
		}
	}

	rng, err := idx.Range(2, 4)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(rng) != 3 {
		t.Errorf("expected 3 ids in [2,4], got %v", rng)
	}

	first, ok, err := idx.First()
	if err != nil || !ok || first != 1 {
		t.Errorf("expected first=1, got %d ok=%v err=%v", first, ok, err)
	}
	last, ok, err := idx.Last()
	if err != nil || !ok || last != 5 {
		t.Errorf("expected last=5, got %d ok=%v err=%v", last, ok, err)
	}
}

func TestPrimaryIndexPersistenceAcrossReopen(t *testing.T) {
	p := tempPager(t)
	beginWrite(t, p)
	idx, err := NewPrimaryIndex(p)
	if err != nil {
		t.Fatalf("new primary index: %v", err)
	}
	if err := idx.Put(42, storage.RecordPointer{PageID: 7, Slot: 2}); err != nil {
		t.Fatalf("put: %v", err)
	}
	commitWrite(t, p)

	root := idx.RootPageID()
	reopened := OpenPrimaryIndex(p, root)
	ptr, err := reopened.Get(42)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if ptr.PageID != 7 || ptr.Slot != 2 {
		t.Errorf("expected {7,2}, got %+v", ptr)
	}
}

func TestLabelIndexInsertRemoveScan(t *testing.T) {
	li := NewLabelIndex(zerolog.Nop())
	li.Insert("Person", 1)
	li.Insert("Person", 2)
	li.Insert("City", 3)

	if got := li.Count("Person"); got != 2 {
		t.Errorf("expected 2 Person, got %d", got)
	}
	if got := li.Scan("Person"); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("expected [1 2], got %v", got)
	}

	li.Remove("Person", 1)
	if got := li.Scan("Person"); len(got) != 1 || got[0] != 2 {
		t.Errorf("expected [2] after remove, got %v", got)
	}

	if got := li.Scan("Nonexistent"); got != nil {
		t.Errorf("expected nil scan for unknown label, got %v", got)
	}
}

func TestEdgeTypeIndexInsertRemoveScan(t *testing.T) {
	ei := NewEdgeTypeIndex()
	ei.Insert("KNOWS", 10)
	ei.Insert("KNOWS", 11)
	ei.Insert("FOLLOWS", 12)

	if got := ei.Count("KNOWS"); got != 2 {
		t.Errorf("expected 2, got %d", got)
	}
	ei.Remove("KNOWS", 10)
	if got := ei.Scan("KNOWS"); len(got) != 1 || got[0] != 11 {
		t.Errorf("expected [11], got %v", got)
	}
}

func TestPropertyIndexPointAndRangeScan(t *testing.T) {
	pi := NewPropertyIndex(zerolog.Nop())
	for i := int64(0); i < 10; i++ {
		pi.Insert(storage.NewInt64Value(i), uint64(i))
	}
	// Doublon de valeur : deux nœuds différents partageant la même valeur.
	pi.Insert(storage.NewInt64Value(5), 100)

	ids := pi.Scan(storage.NewInt64Value(5))
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids for value 5, got %v", ids)
	}

	ranged := pi.Range(storage.NewInt64Value(3), storage.NewInt64Value(6))
	if len(ranged) != 5 { // 3,4,5(x2),6
		t.Errorf("expected 5 ids in [3,6], got %d: %v", len(ranged), ranged)
	}

	pi.Remove(storage.NewInt64Value(5), 5)
	if got := pi.Count(storage.NewInt64Value(5)); got != 1 {
		t.Errorf("expected 1 remaining for value 5, got %d", got)
	}
}

func TestSecondaryIndexesReindexNode(t *testing.T) {
	si := NewSecondaryIndexes(zerolog.Nop())
	si.CreatePropertyIndex("Person", "age")

	before := &storage.Node{
		ID:     1,
		Labels: []string{"Person"},
		Properties: []storage.Property{
			{Key: "age", Value: storage.NewInt64Value(30)},
		},
	}
	si.IndexNode(before)

	if got := si.Labels.Count("Person"); got != 1 {
		t.Fatalf("expected 1 Person, got %d", got)
	}
	pi, ok := si.PropertyIndexFor("Person", "age")
	if !ok {
		t.Fatal("expected property index to exist")
	}
	if ids := pi.Scan(storage.NewInt64Value(30)); len(ids) != 1 {
		t.Errorf("expected 1 match for age=30, got %v", ids)
	}

	after := &storage.Node{
		ID:     1,
		Labels: []string{"Person"},
		Properties: []storage.Property{
			{Key: "age", Value: storage.NewInt64Value(31)},
		},
	}
	si.ReindexNode(before, after)

	if ids := pi.Scan(storage.NewInt64Value(30)); len(ids) != 0 {
		t.Errorf("expected no match for stale age=30, got %v", ids)
	}
	if ids := pi.Scan(storage.NewInt64Value(31)); len(ids) != 1 {
		t.Errorf("expected 1 match for age=31, got %v", ids)
	}
}

func TestSecondaryIndexesRebuildFromNodes(t *testing.T) {
	si := NewSecondaryIndexes(zerolog.Nop())
	si.CreatePropertyIndex("Person", "age")

	nodes := []*storage.Node{
		{ID: 1, Labels: []string{"Person"}, Properties: []storage.Property{{Key: "age", Value: storage.NewInt64Value(20)}}},
		{ID: 2, Labels: []string{"Person"}, Properties: []storage.Property{{Key: "age", Value: storage.NewInt64Value(25)}}},
	}

	err := si.RebuildFromNodes(func(yield func(n *storage.Node) error) error {
		for _, n := range nodes {
			if err := yield(n); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	if got := si.Labels.Count("Person"); got != 2 {
		t.Errorf("expected 2 Person after rebuild, got %d", got)
	}
	pi, _ := si.PropertyIndexFor("Person", "age")
	if ids := pi.Scan(storage.NewInt64Value(25)); len(ids) != 1 {
		t.Errorf("expected 1 match for age=25, got %v", ids)
	}
}
