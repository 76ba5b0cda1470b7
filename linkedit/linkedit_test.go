package linkedit

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/blacktop/go-dyldextractor/dyldcache"
	"github.com/blacktop/go-dyldextractor/machoimage"
	"github.com/blacktop/go-dyldextractor/types"
)

// buildCache writes a single-file, single-mapping cache containing one
// Mach-O image with __TEXT and __LINKEDIT segments, a 4-entry symbol
// table (1 imported, 2 exported, 1 unused), and a 3-entry indirect
// symbol table whose middle slot is redacted (points at symbol 0).
func buildCache(t *testing.T, dir string) string {
	t.Helper()

	const mappingAddr = 0x100000000
	const mappingFileOff = 0x4000
	const machOff = mappingFileOff
	const symoff = 0x14000
	const stroff = 0x14040
	const indoff = 0x14050

	buf := make([]byte, 0x15000)
	copy(buf[0:16], "dyld_v0  arm64e ")
	binary.LittleEndian.PutUint32(buf[16:], 512) // mappingOffset
	binary.LittleEndian.PutUint32(buf[20:], 1)   // mappingCount
	binary.LittleEndian.PutUint32(buf[24:], 0)   // imagesOffsetOld
	binary.LittleEndian.PutUint32(buf[28:], 0)   // imagesCountOld

	binary.LittleEndian.PutUint64(buf[512:], mappingAddr)
	binary.LittleEndian.PutUint64(buf[512+8:], 0x100000)
	binary.LittleEndian.PutUint64(buf[512+16:], mappingFileOff)
	binary.LittleEndian.PutUint32(buf[512+24:], 1)
	binary.LittleEndian.PutUint32(buf[512+28:], 1)

	// mach_header_64
	binary.LittleEndian.PutUint32(buf[machOff:], uint32(types.Magic64))
	binary.LittleEndian.PutUint32(buf[machOff+16:], 4)   // ncmds
	binary.LittleEndian.PutUint32(buf[machOff+20:], 248) // sizeofcmds

	cmd := machOff + 32

	// __TEXT
	binary.LittleEndian.PutUint32(buf[cmd:], uint32(types.LC_SEGMENT_64))
	binary.LittleEndian.PutUint32(buf[cmd+4:], 72)
	copy(buf[cmd+8:], "__TEXT\x00")
	binary.LittleEndian.PutUint64(buf[cmd+24:], mappingAddr)
	binary.LittleEndian.PutUint64(buf[cmd+32:], 0x10000)
	binary.LittleEndian.PutUint64(buf[cmd+40:], mappingFileOff)
	binary.LittleEndian.PutUint64(buf[cmd+48:], 0x10000)
	cmd += 72

	// __LINKEDIT
	binary.LittleEndian.PutUint32(buf[cmd:], uint32(types.LC_SEGMENT_64))
	binary.LittleEndian.PutUint32(buf[cmd+4:], 72)
	copy(buf[cmd+8:], "__LINKEDIT\x00")
	binary.LittleEndian.PutUint64(buf[cmd+24:], mappingAddr+0x10000)
	binary.LittleEndian.PutUint64(buf[cmd+32:], 0xf0000)
	binary.LittleEndian.PutUint64(buf[cmd+40:], symoff)
	binary.LittleEndian.PutUint64(buf[cmd+48:], 0xf0000)
	cmd += 72

	// LC_SYMTAB
	binary.LittleEndian.PutUint32(buf[cmd:], uint32(types.LC_SYMTAB))
	binary.LittleEndian.PutUint32(buf[cmd+4:], 24)
	binary.LittleEndian.PutUint32(buf[cmd+8:], symoff)
	binary.LittleEndian.PutUint32(buf[cmd+12:], 4)
	binary.LittleEndian.PutUint32(buf[cmd+16:], stroff)
	binary.LittleEndian.PutUint32(buf[cmd+20:], 16)
	cmd += 24

	// LC_DYSYMTAB
	binary.LittleEndian.PutUint32(buf[cmd:], uint32(types.LC_DYSYMTAB))
	binary.LittleEndian.PutUint32(buf[cmd+4:], 80)
	binary.LittleEndian.PutUint32(buf[cmd+8:], 0)  // ilocalsym
	binary.LittleEndian.PutUint32(buf[cmd+12:], 0) // nlocalsym
	binary.LittleEndian.PutUint32(buf[cmd+16:], 1) // iextdefsym
	binary.LittleEndian.PutUint32(buf[cmd+20:], 2) // nextdefsym
	binary.LittleEndian.PutUint32(buf[cmd+24:], 3) // iundefsym
	binary.LittleEndian.PutUint32(buf[cmd+28:], 1) // nundefsym
	binary.LittleEndian.PutUint32(buf[cmd+56:], indoff)
	binary.LittleEndian.PutUint32(buf[cmd+60:], 3) // nindirectsyms
	cmd += 80

	// symbol table: [0]=unused [1]="_bar" exported [2]="_baz" exported [3]="_foo" imported
	putNlist := func(i int, strx uint32, typ uint8, value uint64) {
		off := symoff + i*16
		binary.LittleEndian.PutUint32(buf[off:], strx)
		buf[off+4] = typ
		binary.LittleEndian.PutUint64(buf[off+8:], value)
	}
	putNlist(0, 0, 0, 0)
	putNlist(1, 6, 0xf, 0x1000)
	putNlist(2, 11, 0xf, 0x1010)
	putNlist(3, 1, 0, 0)

	// string pool: \0 _foo\0 _bar\0 _baz\0
	copy(buf[stroff+1:], "_foo\x00")
	copy(buf[stroff+6:], "_bar\x00")
	copy(buf[stroff+11:], "_baz\x00")

	// indirect symbol table: [3, 0, 1]
	binary.LittleEndian.PutUint32(buf[indoff:], 3)
	binary.LittleEndian.PutUint32(buf[indoff+4:], 0)
	binary.LittleEndian.PutUint32(buf[indoff+8:], 1)

	path := filepath.Join(dir, "dyld_shared_cache_arm64e")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write cache: %v", err)
	}
	return path
}

func TestOptimize(t *testing.T) {
	dir := t.TempDir()
	path := buildCache(t, dir)

	c, err := dyldcache.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	img, err := machoimage.Parse(c, c.Main, 0x4000)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	res, err := Optimize(img, c, nil)
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}

	if !res.HasRedactedIndirect {
		t.Errorf("HasRedactedIndirect = false, want true")
	}

	// redacted + _bar + _baz + _foo = 4 symbols.
	if got := len(res.Symbols) / types.Nlist64Size; got != 4 {
		t.Fatalf("symbol count = %d, want 4", got)
	}
	if res.Dysymtab.Nextdefsym != 2 || res.Dysymtab.Nundefsym != 1 {
		t.Errorf("unexpected dysymtab counts: %+v", res.Dysymtab)
	}
	if res.Dysymtab.Ilocalsym != 1 {
		// redacted symbol occupies index 0, local range starts at 1
		// (empty here since this cache has no .symbols sub-cache).
		t.Errorf("Ilocalsym = %d, want 1", res.Dysymtab.Ilocalsym)
	}
	if res.Dysymtab.Iextdefsym != 1 || res.Dysymtab.Iundefsym != 3 {
		t.Errorf("unexpected index layout: %+v", res.Dysymtab)
	}

	// string pool must dedup and contain exactly the four names used.
	wantStrings := "\x00<redacted>\x00_bar\x00_baz\x00_foo\x00"
	if string(res.Strings) != wantStrings {
		t.Errorf("strings = %q, want %q", res.Strings, wantStrings)
	}

	// indirect table: old index 3 (_foo, imported) -> new index 3;
	// old index 0 (redacted) passes through unchanged; old index 1
	// (_bar, exported) -> new index 1.
	if len(res.IndirectSyms) != 12 {
		t.Fatalf("indirect syms size = %d, want 12", len(res.IndirectSyms))
	}
	got0 := binary.LittleEndian.Uint32(res.IndirectSyms[0:])
	got1 := binary.LittleEndian.Uint32(res.IndirectSyms[4:])
	got2 := binary.LittleEndian.Uint32(res.IndirectSyms[8:])
	if got0 != 3 || got1 != 0 || got2 != 1 {
		t.Errorf("indirect syms = [%d %d %d], want [3 0 1]", got0, got1, got2)
	}
}
