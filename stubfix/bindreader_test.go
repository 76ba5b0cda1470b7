package stubfix

import (
	"testing"

	"github.com/blacktop/go-dyldextractor/types"
)

func TestReadBindRecordsLazy(t *testing.T) {
	var data []byte
	data = append(data, byte(types.BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB|1), 0x20)
	data = append(data, byte(types.BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM|0))
	data = append(data, []byte("_malloc")...)
	data = append(data, 0)
	data = append(data, byte(types.BIND_OPCODE_DO_BIND))
	data = append(data, byte(types.BIND_OPCODE_DONE))

	var got []bindRecord
	err := readBindRecords(data, 0, len(data), func(r bindRecord) bool {
		got = append(got, r)
		return true
	})
	if err != nil {
		t.Fatalf("readBindRecords: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d records, want 1", len(got))
	}
	r := got[0]
	if r.symbol != "_malloc" || !r.haveSymbol {
		t.Fatalf("symbol = %q, haveSymbol = %v", r.symbol, r.haveSymbol)
	}
	if r.segment != 1 || r.offset != 0x20 || !r.haveSlot {
		t.Fatalf("segment = %d, offset = %#x, haveSlot = %v", r.segment, r.offset, r.haveSlot)
	}
}

func TestReadBindRecordsStopsEarly(t *testing.T) {
	var data []byte
	data = append(data, byte(types.BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB|0), 0x8)
	data = append(data, byte(types.BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM|0))
	data = append(data, []byte("_foo")...)
	data = append(data, 0)
	data = append(data, byte(types.BIND_OPCODE_DO_BIND))
	data = append(data, byte(types.BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM|0))
	data = append(data, []byte("_bar")...)
	data = append(data, 0)
	data = append(data, byte(types.BIND_OPCODE_DO_BIND))
	data = append(data, byte(types.BIND_OPCODE_DONE))

	calls := 0
	err := readBindRecords(data, 0, len(data), func(r bindRecord) bool {
		calls++
		return false
	})
	if err != nil {
		t.Fatalf("readBindRecords: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (caller stopped early)", calls)
	}
}

func TestReadBindRecordsTimesSkipping(t *testing.T) {
	var data []byte
	data = append(data, byte(types.BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB|0), 0x0)
	data = append(data, byte(types.BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM|0))
	data = append(data, []byte("_weak")...)
	data = append(data, 0)
	data = append(data, byte(types.BIND_OPCODE_DO_BIND_ULEB_TIMES_SKIPPING_ULEB), 3, 8)
	data = append(data, byte(types.BIND_OPCODE_DONE))

	var offsets []uint64
	err := readBindRecords(data, 0, len(data), func(r bindRecord) bool {
		offsets = append(offsets, r.offset)
		return true
	})
	if err != nil {
		t.Fatalf("readBindRecords: %v", err)
	}
	want := []uint64{0, 16, 32}
	if len(offsets) != len(want) {
		t.Fatalf("got %d offsets, want %d: %v", len(offsets), len(want), offsets)
	}
	for i, w := range want {
		if offsets[i] != w {
			t.Fatalf("offset[%d] = %#x, want %#x", i, offsets[i], w)
		}
	}
}

func TestReadBindRecordsUnknownOpcode(t *testing.T) {
	data := []byte{0xF0}
	err := readBindRecords(data, 0, len(data), func(bindRecord) bool { return true })
	if err == nil {
		t.Fatalf("expected an error for an unknown bind opcode")
	}
}
