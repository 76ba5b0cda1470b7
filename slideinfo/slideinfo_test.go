package slideinfo

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/blacktop/go-dyldextractor/dyldcache"
	"github.com/blacktop/go-dyldextractor/machoimage"
	"github.com/blacktop/go-dyldextractor/ptrtracker"
	"github.com/blacktop/go-dyldextractor/types"
)

// buildV2Cache writes a single-file cache with two mappings (the
// second carrying legacy slideInfoOffsetUnused slide info) and one
// Mach-O image whose sole __DATA segment sits entirely inside the
// second mapping, so the V2 rebaser has exactly one page to process.
func buildV2Cache(t *testing.T, dir string) (path string, dataAddr uint64, machAddr uint64) {
	t.Helper()

	const mapping0Addr = 0x180000000
	const mapping1Addr = 0x181000000
	const mapping1FileOff = 0x2000
	const slideOff = 0x1000
	const machOff = 0x6000

	buf := make([]byte, 0x6100)
	copy(buf[0:16], "dyld_v0  arm64e ")
	binary.LittleEndian.PutUint32(buf[16:], 512) // mappingOffset
	binary.LittleEndian.PutUint32(buf[20:], 2)   // mappingCount
	binary.LittleEndian.PutUint32(buf[24:], 0)   // imagesOffsetOld
	binary.LittleEndian.PutUint32(buf[28:], 0)   // imagesCountOld
	binary.LittleEndian.PutUint64(buf[56:], slideOff) // slideInfoOffsetUnused

	binary.LittleEndian.PutUint64(buf[512:], mapping0Addr)
	binary.LittleEndian.PutUint64(buf[512+8:], 0x100000)
	binary.LittleEndian.PutUint64(buf[512+16:], 0)
	binary.LittleEndian.PutUint32(buf[512+24:], 1)
	binary.LittleEndian.PutUint32(buf[512+28:], 1)

	binary.LittleEndian.PutUint64(buf[544:], mapping1Addr)
	binary.LittleEndian.PutUint64(buf[544+8:], 0x100000)
	binary.LittleEndian.PutUint64(buf[544+16:], mapping1FileOff)
	binary.LittleEndian.PutUint32(buf[544+24:], 1)
	binary.LittleEndian.PutUint32(buf[544+28:], 1)

	// dyld_cache_slide_info2 at slideOff: version, pageSize,
	// pageStartsOffset, pageStartsCount, pageExtrasOffset,
	// pageExtrasCount, deltaMask, valueAdd.
	binary.LittleEndian.PutUint32(buf[slideOff:], 2)
	binary.LittleEndian.PutUint32(buf[slideOff+4:], 4096)
	binary.LittleEndian.PutUint32(buf[slideOff+8:], 40)
	binary.LittleEndian.PutUint32(buf[slideOff+12:], 1)
	binary.LittleEndian.PutUint32(buf[slideOff+16:], 0)
	binary.LittleEndian.PutUint32(buf[slideOff+20:], 0)
	binary.LittleEndian.PutUint64(buf[slideOff+24:], 0xFFFF000000000000)
	binary.LittleEndian.PutUint64(buf[slideOff+32:], mapping0Addr)
	binary.LittleEndian.PutUint16(buf[slideOff+32+8:], 2) // page_starts[0] = 2 -> byte offset 8

	// chained pointer raw value: low 48 bits = 0x1234, top 16 bits
	// (the delta field) zero, so this is a single-link chain.
	binary.LittleEndian.PutUint64(buf[mapping1FileOff+8:], 0x0000000000001234)

	// mach_header_64 + one LC_SEGMENT_64 (__DATA, no sections)
	binary.LittleEndian.PutUint32(buf[machOff:], uint32(types.Magic64))
	binary.LittleEndian.PutUint32(buf[machOff+16:], 1)  // ncmds
	binary.LittleEndian.PutUint32(buf[machOff+20:], 72) // sizeofcmds

	cmdOff := machOff + 32
	binary.LittleEndian.PutUint32(buf[cmdOff:], uint32(types.LC_SEGMENT_64))
	binary.LittleEndian.PutUint32(buf[cmdOff+4:], 72)
	copy(buf[cmdOff+8:], "__DATA\x00")
	binary.LittleEndian.PutUint64(buf[cmdOff+24:], mapping1Addr)
	binary.LittleEndian.PutUint64(buf[cmdOff+32:], 0x4000)
	binary.LittleEndian.PutUint64(buf[cmdOff+40:], mapping1FileOff)
	binary.LittleEndian.PutUint64(buf[cmdOff+48:], 0x4000)

	path = filepath.Join(dir, "dyld_shared_cache_arm64e")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write cache: %v", err)
	}
	return path, mapping1Addr, mapping0Addr + machOff // mapping 0 maps file offset 0, so the header's vmaddr is base + machOff
}

func TestRebaseV2(t *testing.T) {
	dir := t.TempDir()
	path, dataAddr, _ := buildV2Cache(t, dir)

	c, err := dyldcache.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	img, err := machoimage.Parse(c, c.Main, 0x6000)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	slides, err := CollectMappingSlides(c)
	if err != nil {
		t.Fatalf("CollectMappingSlides: %v", err)
	}
	if len(slides) != 1 {
		t.Fatalf("slides = %d, want 1", len(slides))
	}
	if slides[0].Version != 2 {
		t.Fatalf("version = %d, want 2", slides[0].Version)
	}

	tracker := ptrtracker.New()
	if err := Rebase(img, slides, tracker, nil); err != nil {
		t.Fatalf("Rebase: %v", err)
	}

	if tracker.Len() != 1 {
		t.Fatalf("tracker recorded %d locations, want 1", tracker.Len())
	}

	want := dataAddr + 8
	if tracker.Locations()[0] != want {
		t.Errorf("recorded location = %#x, want %#x", tracker.Locations()[0], want)
	}

	got, err := img.ReadUint64At(want)
	if err != nil {
		t.Fatalf("ReadUint64At: %v", err)
	}
	const wantValue = 0x1234 + 0x180000000
	if got != wantValue {
		t.Errorf("rebased value = %#x, want %#x", got, uint64(wantValue))
	}
}
