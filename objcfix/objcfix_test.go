package objcfix

import (
	"testing"

	"github.com/blacktop/go-dyldextractor/machoimage"
	"github.com/blacktop/go-dyldextractor/types"
)

func TestCstrName(t *testing.T) {
	seg := &machoimage.Segment{}
	copy(seg.Name[:], "__LINKEDIT")
	if got := cstrName(seg); got != "__LINKEDIT" {
		t.Fatalf("cstrName = %q, want __LINKEDIT", got)
	}

	full := &machoimage.Segment{}
	copy(full.Name[:], "0123456789ABCDEF")
	if got := cstrName(full); got != "0123456789ABCDEF" {
		t.Fatalf("cstrName (no NUL) = %q, want 0123456789ABCDEF", got)
	}
}

func TestCstrBytes(t *testing.T) {
	b := [16]byte{}
	copy(b[:], "__objc_selrefs")
	if got := cstrBytes(b[:]); got != "__objc_selrefs" {
		t.Fatalf("cstrBytes = %q, want __objc_selrefs", got)
	}
}

func TestGenericLinkeditDataCmds(t *testing.T) {
	for _, lc := range []types.LoadCmd{
		types.LC_SEGMENT_SPLIT_INFO,
		types.LC_FUNCTION_STARTS,
		types.LC_DATA_IN_CODE,
		types.LC_DYLIB_CODE_SIGN_DRS,
		types.LC_DYLD_EXPORTS_TRIE,
		types.LC_DYLD_CHAINED_FIXUPS,
	} {
		if !genericLinkeditDataCmds[lc] {
			t.Errorf("genericLinkeditDataCmds missing %v", lc)
		}
	}
	if genericLinkeditDataCmds[types.LC_SEGMENT_64] {
		t.Errorf("genericLinkeditDataCmds should not include LC_SEGMENT_64")
	}
}
