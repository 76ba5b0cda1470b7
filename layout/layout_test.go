package layout

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/blacktop/go-dyldextractor/dyldcache"
	"github.com/blacktop/go-dyldextractor/linkedit"
	"github.com/blacktop/go-dyldextractor/machoimage"
	"github.com/blacktop/go-dyldextractor/types"
)

// buildCache writes a single-file, single-mapping cache containing one
// Mach-O image with __TEXT, __DATA, and __LINKEDIT segments, an
// LC_DYLD_INFO_ONLY command with a tiny export blob, an
// LC_FUNCTION_STARTS command, and a minimal symtab/dysymtab so the
// layouter has something to relocate in every category it handles.
func buildCache(t *testing.T) string {
	t.Helper()

	const mappingAddr = 0x100000000
	const textFileOff = 0x4000
	const dataFileOff = 0x8000
	const symoff = 0x14000
	const stroff = 0x14020
	const exportOff = 0x14100
	const funcStartsOff = 0x14110

	buf := make([]byte, 0x15000)
	copy(buf[0:16], "dyld_v0  arm64e ")
	binary.LittleEndian.PutUint32(buf[16:], 512) // mappingOffset
	binary.LittleEndian.PutUint32(buf[20:], 1)   // mappingCount

	binary.LittleEndian.PutUint64(buf[512:], mappingAddr)
	binary.LittleEndian.PutUint64(buf[512+8:], 0x100000)
	binary.LittleEndian.PutUint64(buf[512+16:], 0)
	binary.LittleEndian.PutUint32(buf[512+24:], 1)
	binary.LittleEndian.PutUint32(buf[512+28:], 1)

	binary.LittleEndian.PutUint32(buf[textFileOff:], uint32(types.Magic64))
	binary.LittleEndian.PutUint32(buf[textFileOff+16:], 6)          // ncmds
	binary.LittleEndian.PutUint32(buf[textFileOff+20:], 72*3+24+48+16) // sizeofcmds

	cmd := textFileOff + 32

	// __TEXT, misaligned on purpose (starts mid-page) to exercise the
	// page-align pass.
	textOrigOff := uint64(textFileOff + 0x100)
	binary.LittleEndian.PutUint32(buf[cmd:], uint32(types.LC_SEGMENT_64))
	binary.LittleEndian.PutUint32(buf[cmd+4:], 72)
	copy(buf[cmd+8:], "__TEXT\x00")
	binary.LittleEndian.PutUint64(buf[cmd+24:], mappingAddr)
	binary.LittleEndian.PutUint64(buf[cmd+32:], 0x4000)
	binary.LittleEndian.PutUint64(buf[cmd+40:], textOrigOff)
	binary.LittleEndian.PutUint64(buf[cmd+48:], 0x100)
	cmd += 72

	// __DATA
	binary.LittleEndian.PutUint32(buf[cmd:], uint32(types.LC_SEGMENT_64))
	binary.LittleEndian.PutUint32(buf[cmd+4:], 72)
	copy(buf[cmd+8:], "__DATA\x00")
	binary.LittleEndian.PutUint64(buf[cmd+24:], mappingAddr+0x4000)
	binary.LittleEndian.PutUint64(buf[cmd+32:], 0x4000)
	binary.LittleEndian.PutUint64(buf[cmd+40:], dataFileOff)
	binary.LittleEndian.PutUint64(buf[cmd+48:], 0x100)
	cmd += 72

	// __LINKEDIT
	binary.LittleEndian.PutUint32(buf[cmd:], uint32(types.LC_SEGMENT_64))
	binary.LittleEndian.PutUint32(buf[cmd+4:], 72)
	copy(buf[cmd+8:], "__LINKEDIT\x00")
	binary.LittleEndian.PutUint64(buf[cmd+24:], mappingAddr+0x8000)
	binary.LittleEndian.PutUint64(buf[cmd+32:], 0x1000)
	binary.LittleEndian.PutUint64(buf[cmd+40:], symoff)
	binary.LittleEndian.PutUint64(buf[cmd+48:], 0x1000)
	cmd += 72

	// LC_SYMTAB: present so the optimizer has something to run against;
	// with no LC_DYSYMTAB alongside it, no symbols get copied.
	binary.LittleEndian.PutUint32(buf[cmd:], uint32(types.LC_SYMTAB))
	binary.LittleEndian.PutUint32(buf[cmd+4:], 24)
	binary.LittleEndian.PutUint32(buf[cmd+8:], symoff)
	binary.LittleEndian.PutUint32(buf[cmd+12:], 1)
	binary.LittleEndian.PutUint32(buf[cmd+16:], stroff)
	binary.LittleEndian.PutUint32(buf[cmd+20:], 8)
	cmd += 24

	// LC_DYLD_INFO_ONLY: only an export trie blob is non-empty.
	binary.LittleEndian.PutUint32(buf[cmd:], uint32(types.LC_DYLD_INFO_ONLY))
	binary.LittleEndian.PutUint32(buf[cmd+4:], 48)
	binary.LittleEndian.PutUint32(buf[cmd+40:], exportOff)
	binary.LittleEndian.PutUint32(buf[cmd+44:], 4)
	cmd += 48

	// LC_FUNCTION_STARTS: one byte of payload.
	binary.LittleEndian.PutUint32(buf[cmd:], uint32(types.LC_FUNCTION_STARTS))
	binary.LittleEndian.PutUint32(buf[cmd+4:], 16)
	binary.LittleEndian.PutUint32(buf[cmd+8:], funcStartsOff)
	binary.LittleEndian.PutUint32(buf[cmd+12:], 1)

	putNlist := func(i int, strx uint32) {
		off := symoff + i*16
		binary.LittleEndian.PutUint32(buf[off:], strx)
	}
	putNlist(0, 1)
	copy(buf[stroff+1:], "_foo\x00")
	copy(buf[exportOff:], []byte{0xde, 0xad, 0xbe, 0xef})
	buf[funcStartsOff] = 0x2a

	path := filepath.Join(t.TempDir(), "dyld_shared_cache_arm64e")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write cache: %v", err)
	}
	return path
}

func TestLayout(t *testing.T) {
	path := buildCache(t)

	c, err := dyldcache.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	img, err := machoimage.Parse(c, c.Main, 0x4000)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	opt, err := linkedit.Optimize(img, c, nil)
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}

	plan, err := Layout(img, c, &Input{Optimized: opt}, nil)
	if err != nil {
		t.Fatalf("Layout: %v", err)
	}

	if len(plan.Procedures) != 3 {
		t.Fatalf("procedures = %d, want 3 (TEXT, DATA, LINKEDIT)", len(plan.Procedures))
	}
	for i, p := range plan.Procedures {
		if p.DestOffset%pageSize != 0 {
			t.Errorf("procedure %d dest offset %#x not page-aligned", i, p.DestOffset)
		}
	}

	textSeg := img.Segment("__TEXT")
	if textSeg.Offset != plan.Procedures[0].DestOffset {
		t.Errorf("__TEXT fileoff = %#x, want %#x", textSeg.Offset, plan.Procedures[0].DestOffset)
	}
	if textSeg.Offset%pageSize != 0 {
		t.Errorf("__TEXT fileoff %#x not page-aligned", textSeg.Offset)
	}

	linkeditSeg := img.Segment("__LINKEDIT")
	if linkeditSeg.Offset != plan.Procedures[2].DestOffset {
		t.Errorf("__LINKEDIT fileoff = %#x, want %#x", linkeditSeg.Offset, plan.Procedures[2].DestOffset)
	}

	// Symtab, dyld_info export, and function-starts offsets must all
	// land inside the relocated LINKEDIT blob.
	linkeditData := plan.Procedures[2].Data
	lo, hi := linkeditSeg.Offset, linkeditSeg.Offset+uint64(len(linkeditData))
	check := func(name string, off uint64) {
		if off < lo || off >= hi {
			t.Errorf("%s offset %#x outside relocated LINKEDIT range [%#x,%#x)", name, off, lo, hi)
		}
	}
	// The image has no LC_DYSYMTAB, so the optimizer copies no symbols;
	// only the (always non-empty) string pool's NUL byte lands here.
	check("symtab.Stroff", uint64(img.Symtab.Stroff))
	check("dyldinfo.ExportOff", uint64(img.DyldInfo.ExportOff))

	entries := img.LinkEditEntries()
	if len(entries) != 1 {
		t.Fatalf("linkedit entries = %d, want 1", len(entries))
	}
	check("function-starts", uint64(entries[0].Offset))

	exportBytes := linkeditData[img.DyldInfo.ExportOff-linkeditSeg.Offset:][:img.DyldInfo.ExportSize]
	if string(exportBytes) != "\xde\xad\xbe\xef" {
		t.Errorf("export blob corrupted during relayout: %x", exportBytes)
	}

	if len(plan.Header) == 0 {
		t.Errorf("Header is empty")
	}
}
