package stubfix

import "testing"

func TestAddToMapAppendsInOrder(t *testing.T) {
	m := symbolPtrMap{}
	addToMap(m, "_foo", 0x1000, false)
	addToMap(m, "_foo", 0x2000, false)
	want := []uint64{0x1000, 0x2000}
	got := m["_foo"]
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %#x, want %#x", got, want)
	}
}

func TestAddToMapAuthGotTakesPriority(t *testing.T) {
	m := symbolPtrMap{}
	addToMap(m, "_foo", 0x1000, false)
	addToMap(m, "_foo", 0x3000, true) // __auth_got pointer, must sort first
	addToMap(m, "_foo", 0x2000, false)

	want := []uint64{0x3000, 0x1000, 0x2000}
	got := m["_foo"]
	if len(got) != len(want) {
		t.Fatalf("got %#x, want %#x", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got[%d] = %#x, want %#x (full: %#x)", i, got[i], want[i], got)
		}
	}
}

func TestContainsAddr(t *testing.T) {
	addrs := []uint64{0x10, 0x20, 0x30}
	if !containsAddr(addrs, 0x20) {
		t.Fatalf("expected 0x20 to be found")
	}
	if containsAddr(addrs, 0x40) {
		t.Fatalf("expected 0x40 to be absent")
	}
}

func TestNameForAddr(t *testing.T) {
	m := symbolPtrMap{"_foo": {0x10, 0x20}, "_bar": {0x30}}
	name, ok := nameForAddr(m, 0x20)
	if !ok || name != "_foo" {
		t.Fatalf("nameForAddr(0x20) = %q, %v, want _foo, true", name, ok)
	}
	if _, ok := nameForAddr(m, 0x99); ok {
		t.Fatalf("nameForAddr(0x99) should miss")
	}
}

func TestCstr(t *testing.T) {
	b := [16]byte{}
	copy(b[:], "__auth_got")
	if got := cstr(b[:]); got != "__auth_got" {
		t.Fatalf("cstr = %q, want __auth_got", got)
	}
	full := [4]byte{'a', 'b', 'c', 'd'}
	if got := cstr(full[:]); got != "abcd" {
		t.Fatalf("cstr (no NUL) = %q, want abcd", got)
	}
}
