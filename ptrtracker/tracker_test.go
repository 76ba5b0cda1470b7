package ptrtracker

import "testing"

func TestAddOrdersAndDedups(t *testing.T) {
	tr := New()
	tr.Add(300)
	tr.Add(100)
	tr.Add(200)
	tr.Add(100)

	got := tr.Locations()
	want := []uint64{100, 200, 300}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i, v := range want {
		if got[i] != v {
			t.Errorf("got[%d] = %d, want %d", i, got[i], v)
		}
	}
	if tr.Len() != 3 {
		t.Errorf("Len() = %d, want 3", tr.Len())
	}
}
