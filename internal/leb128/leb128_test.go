package leb128

import "testing"

func TestUleb128RoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 127, 128, 300, 0xFFFFFFFF, 1 << 40}
	for _, v := range cases {
		b := PutUleb128(nil, v)
		got, n, err := GetUleb128(b, 0)
		if err != nil {
			t.Fatalf("GetUleb128(%d): %v", v, err)
		}
		if got != v {
			t.Errorf("GetUleb128 roundtrip = %d, want %d", got, v)
		}
		if n != len(b) {
			t.Errorf("GetUleb128 consumed %d bytes, want %d", n, len(b))
		}
	}
}

func TestSleb128RoundTrip(t *testing.T) {
	cases := []int64{0, 1, -1, 63, -64, 64, -65, 1 << 30, -(1 << 30)}
	for _, v := range cases {
		b := PutSleb128(nil, v)
		got, n, err := GetSleb128(b, 0)
		if err != nil {
			t.Fatalf("GetSleb128(%d): %v", v, err)
		}
		if got != v {
			t.Errorf("GetSleb128 roundtrip = %d, want %d", got, v)
		}
		if n != len(b) {
			t.Errorf("GetSleb128 consumed %d bytes, want %d", n, len(b))
		}
	}
}

func TestGetUleb128Truncated(t *testing.T) {
	if _, _, err := GetUleb128([]byte{0x80, 0x80}, 0); err != ErrTruncated {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}
