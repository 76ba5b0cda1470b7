// Package rebasegen implements the rebase generator (§4.7): once the
// slide-info rebaser and stub fixer have recorded every pointer
// location an extracted image needs rebased at load time, this
// package emits the minimal legacy rebase-opcode stream dyld's old
// (non-chained-fixups) loader expects in LC_DYLD_INFO.
package rebasegen

import (
	"github.com/blacktop/go-dyldextractor/internal/leb128"
	"github.com/blacktop/go-dyldextractor/machoimage"
	"github.com/blacktop/go-dyldextractor/ptrtracker"
	"github.com/blacktop/go-dyldextractor/types"
)

// Generate emits a rebase-opcode stream covering every location
// recorded in tracker, bucketed by the segment that contains it, each
// bucket in ascending address order. Uses only the four opcodes a
// straight pointer rebase needs: SET_TYPE_IMM(POINTER),
// SET_SEGMENT_AND_OFFSET_ULEB, DO_REBASE_IMM_TIMES(1), DONE.
func Generate(img *machoimage.Image, tracker *ptrtracker.Tracker) []byte {
	buckets := make([][]uint64, len(img.Segments))
	for _, addr := range tracker.Locations() {
		for i, seg := range img.Segments {
			if addr >= seg.Addr && addr < seg.Addr+seg.Memsz {
				buckets[i] = append(buckets[i], addr)
				break
			}
		}
	}

	out := []byte{byte(types.REBASE_OPCODE_SET_TYPE_IMM | types.REBASE_TYPE_POINTER)}
	for segIndex, locs := range buckets {
		for _, addr := range locs {
			out = append(out, byte(types.REBASE_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB|segIndex))
			out = leb128.PutUleb128(out, addr-img.Segments[segIndex].Addr)
			out = append(out, byte(types.REBASE_OPCODE_DO_REBASE_IMM_TIMES|1))
		}
	}
	out = append(out, types.REBASE_OPCODE_DONE)
	return out
}
