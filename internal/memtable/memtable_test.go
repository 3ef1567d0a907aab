package memtable

import "testing"

func TestInsertAndGetByExternalID(t *testing.T) {
	m := New(3)
	m.Insert("a", []float32{1, 2, 3}, []byte(`{"cat":"x"}`))

	vec, payload, ok := m.GetByExternalID("a")
	if !ok {
		t.Fatal("expected document a to be found")
	}
	if len(vec) != 3 || vec[0] != 1 || vec[1] != 2 || vec[2] != 3 {
		t.Errorf("unexpected vector: %v", vec)
	}
	if string(payload) != `{"cat":"x"}` {
		t.Errorf("unexpected payload: %s", payload)
	}
}

func TestReinsertRetainsInternalID(t *testing.T) {
	m := New(2)
	id1 := m.Insert("a", []float32{1, 1}, nil)
	id2 := m.Insert("a", []float32{2, 2}, nil)
	if id1 != id2 {
		t.Fatalf("re-inserting the same external ID should retain the internal ID: %d != %d", id1, id2)
	}
	vec, _, ok := m.GetByExternalID("a")
	if !ok || vec[0] != 2 {
		t.Errorf("expected updated vector, got %v ok=%v", vec, ok)
	}
}

func TestDeleteTombstonesEvenUnknownID(t *testing.T) {
	m := New(2)
	m.Delete("ghost")
	if !m.IsDeleted("ghost") {
		t.Error("expected ghost to be tombstoned even though it was never inserted")
	}
}

func TestDeleteThenGetNotFound(t *testing.T) {
	m := New(2)
	m.Insert("a", []float32{1, 1}, nil)
	m.Delete("a")
	if _, _, ok := m.GetByExternalID("a"); ok {
		t.Error("expected a deleted document to not be returned")
	}
	if m.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after delete", m.Len())
	}
}

func TestFreezeOrdersByInternalIDAndExcludesDeleted(t *testing.T) {
	m := New(1)
	m.Insert("c", []float32{3}, nil)
	m.Insert("a", []float32{1}, nil)
	m.Insert("b", []float32{2}, nil)
	m.Delete("a")

	frozen := m.Freeze()
	if len(frozen.Entries) != 2 {
		t.Fatalf("expected 2 live entries, got %d", len(frozen.Entries))
	}
	for i := 1; i < len(frozen.Entries); i++ {
		if frozen.Entries[i-1].InternalID > frozen.Entries[i].InternalID {
			t.Errorf("Freeze entries not sorted by internal id: %+v", frozen.Entries)
		}
	}
}

func TestRangeVisitsOnlyLiveDocuments(t *testing.T) {
	m := New(1)
	m.Insert("a", []float32{1}, nil)
	m.Insert("b", []float32{2}, nil)
	m.Delete("b")

	seen := map[string]bool{}
	m.Range(func(e Entry) bool {
		seen[e.ExternalID] = true
		return true
	})
	if len(seen) != 1 || !seen["a"] {
		t.Errorf("expected only a to be visited, got %v", seen)
	}
}
