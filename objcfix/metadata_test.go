package objcfix

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"

	objctypes "github.com/blacktop/go-dyldextractor/types/objc"
)

func TestAddExtraDataAlignsTo8Bytes(t *testing.T) {
	f := &fixer{extraDataBase: 0x1000, extraDataHead: 0x1000}

	a := f.addExtraData([]byte("hi")) // 2 bytes, pads to 8
	if a != 0x1000 {
		t.Fatalf("first addr = %#x, want 0x1000", a)
	}
	if f.extraDataHead != 0x1008 {
		t.Fatalf("head after first add = %#x, want 0x1008", f.extraDataHead)
	}

	b := f.addExtraData([]byte("exactly8")) // already 8 bytes
	if b != 0x1008 {
		t.Fatalf("second addr = %#x, want 0x1008", b)
	}
	if f.extraDataHead != 0x1010 {
		t.Fatalf("head after second add = %#x, want 0x1010", f.extraDataHead)
	}
	if len(f.extraData) != 16 {
		t.Fatalf("extraData len = %d, want 16", len(f.extraData))
	}
}

func TestReadWriteStructRoundTrip(t *testing.T) {
	in := objctypes.IvarT{
		Offset:       0x1000,
		NameVMAddr:   0x2000,
		TypesVMAddr:  0x3000,
		AlignmentRaw: 3,
		Size:         8,
	}
	buf := make([]byte, ivarSize)
	writeStruct(buf, in)

	var out objctypes.IvarT
	if err := readStruct(buf, &out); err != nil {
		t.Fatalf("readStruct: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("roundtrip mismatch (-want +got):\n%s", diff)
	}
}

func TestCstrBytesNoTrailingNUL(t *testing.T) {
	if got := cstrBytes([]byte("abcd")); got != "abcd" {
		t.Fatalf("cstrBytes = %q, want abcd", got)
	}
	if got := cstrBytes(append([]byte("ab"), 0, 0)); got != "ab" {
		t.Fatalf("cstrBytes = %q, want ab", got)
	}
}

func TestReadU32ReadU64(t *testing.T) {
	b := []byte{0x01, 0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00}
	if got := readU32(b[0:4]); got != 1 {
		t.Fatalf("readU32 = %d, want 1", got)
	}
	if got := readU64(b); got != 0x0000000200000001 {
		t.Fatalf("readU64 = %#x, want 0x200000001", got)
	}
}

func TestPutU32PutU64(t *testing.T) {
	out := make([]byte, 16)
	putU32(out, 0, 0xAABBCCDD)
	if !bytes.Equal(out[0:4], []byte{0xDD, 0xCC, 0xBB, 0xAA}) {
		t.Fatalf("putU32 wrote %x", out[0:4])
	}
	putU64(out, 8, 0x1122334455667788)
	want := []byte{0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}
	if !bytes.Equal(out[8:16], want) {
		t.Fatalf("putU64 wrote %x, want %x", out[8:16], want)
	}
}
