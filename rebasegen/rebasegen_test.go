package rebasegen

import (
	"testing"

	"github.com/blacktop/go-dyldextractor/internal/leb128"
	"github.com/blacktop/go-dyldextractor/machoimage"
	"github.com/blacktop/go-dyldextractor/ptrtracker"
	"github.com/blacktop/go-dyldextractor/types"
)

func newSeg(addr, size uint64) *machoimage.Segment {
	s := &machoimage.Segment{}
	s.Addr = addr
	s.Memsz = size
	return s
}

func TestGenerate(t *testing.T) {
	img := &machoimage.Image{
		Segments: []*machoimage.Segment{
			newSeg(0x1000, 0x1000), // segment 0
			newSeg(0x2000, 0x1000), // segment 1
		},
	}

	tr := ptrtracker.New()
	tr.Add(0x2008) // segment 1, offset 8
	tr.Add(0x1010) // segment 0, offset 0x10
	tr.Add(0x1018) // segment 0, offset 0x18

	out := Generate(img, tr)

	want := []byte{byte(types.REBASE_OPCODE_SET_TYPE_IMM | types.REBASE_TYPE_POINTER)}
	want = append(want, byte(types.REBASE_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB|0))
	want = leb128.PutUleb128(want, 0x10)
	want = append(want, byte(types.REBASE_OPCODE_DO_REBASE_IMM_TIMES|1))
	want = append(want, byte(types.REBASE_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB|0))
	want = leb128.PutUleb128(want, 0x18)
	want = append(want, byte(types.REBASE_OPCODE_DO_REBASE_IMM_TIMES|1))
	want = append(want, byte(types.REBASE_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB|1))
	want = leb128.PutUleb128(want, 0x8)
	want = append(want, byte(types.REBASE_OPCODE_DO_REBASE_IMM_TIMES|1))
	want = append(want, types.REBASE_OPCODE_DONE)

	if len(out) != len(want) {
		t.Fatalf("len(out) = %d, want %d\ngot:  %x\nwant: %x", len(out), len(want), out, want)
	}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("byte %d = %#x, want %#x\ngot:  %x\nwant: %x", i, out[i], want[i], out, want)
		}
	}
}

func TestGenerateEmpty(t *testing.T) {
	img := &machoimage.Image{Segments: []*machoimage.Segment{newSeg(0x1000, 0x1000)}}
	out := Generate(img, ptrtracker.New())

	want := []byte{
		byte(types.REBASE_OPCODE_SET_TYPE_IMM | types.REBASE_TYPE_POINTER),
		types.REBASE_OPCODE_DONE,
	}
	if len(out) != len(want) || out[0] != want[0] || out[1] != want[1] {
		t.Fatalf("got %x, want %x", out, want)
	}
}
