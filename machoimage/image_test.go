package machoimage

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/blacktop/go-dyldextractor/dyldcache"
	"github.com/blacktop/go-dyldextractor/types"
)

// buildImageCache writes a single-file cache containing one Mach-O
// image with a __TEXT segment (one section) and a __DATA segment, at
// vmaddr 0x180000000, backed entirely by mapping[0].
func buildImageCache(t *testing.T, dir string) (string, uint64) {
	t.Helper()

	const headerSize = 512
	const mappingOff = headerSize
	const imagesOff = mappingOff + 32
	const pathOff = imagesOff + 32
	const machOff = 0x1000 // where the mach-o header begins, file-relative

	const base = 0x180000000

	buf := make([]byte, machOff+0x5000)
	copy(buf[0:16], "dyld_v0  arm64e ")
	binary.LittleEndian.PutUint32(buf[16:], mappingOff)
	binary.LittleEndian.PutUint32(buf[20:], 1)
	binary.LittleEndian.PutUint32(buf[24:], imagesOff)
	binary.LittleEndian.PutUint32(buf[28:], 1)

	binary.LittleEndian.PutUint64(buf[mappingOff:], base)
	binary.LittleEndian.PutUint64(buf[mappingOff+8:], 0x100000)
	binary.LittleEndian.PutUint64(buf[mappingOff+16:], 0)
	binary.LittleEndian.PutUint32(buf[mappingOff+24:], 1)
	binary.LittleEndian.PutUint32(buf[mappingOff+28:], 1)

	binary.LittleEndian.PutUint64(buf[imagesOff:], base+machOff)
	binary.LittleEndian.PutUint32(buf[imagesOff+24:], pathOff)
	copy(buf[pathOff:], "/usr/lib/libfoo.dylib\x00")

	// mach_header_64
	binary.LittleEndian.PutUint32(buf[machOff:], uint32(types.Magic64))
	binary.LittleEndian.PutUint32(buf[machOff+16:], 1) // ncmds
	textCmdSize := uint32(72 + types.Section64Size)
	binary.LittleEndian.PutUint32(buf[machOff+20:], textCmdSize) // sizeofcmds

	cmdOff := machOff + 32
	binary.LittleEndian.PutUint32(buf[cmdOff:], uint32(types.LC_SEGMENT_64))
	binary.LittleEndian.PutUint32(buf[cmdOff+4:], textCmdSize)
	copy(buf[cmdOff+8:], "__TEXT\x00")
	binary.LittleEndian.PutUint64(buf[cmdOff+24:], base) // addr
	binary.LittleEndian.PutUint64(buf[cmdOff+32:], 0x4000) // memsz
	binary.LittleEndian.PutUint64(buf[cmdOff+40:], machOff) // offset
	binary.LittleEndian.PutUint64(buf[cmdOff+48:], 0x4000) // filesz
	binary.LittleEndian.PutUint32(buf[cmdOff+64:], 1)      // nsect

	secOff := cmdOff + 72
	copy(buf[secOff:], "__text\x00")
	copy(buf[secOff+16:], "__TEXT\x00")
	binary.LittleEndian.PutUint64(buf[secOff+32:], base+0x100) // section addr
	binary.LittleEndian.PutUint64(buf[secOff+40:], 0x10)       // section size

	// a recognizable instruction word in __text so ReadAt can be checked
	binary.LittleEndian.PutUint32(buf[machOff+0x100:], 0xAABBCCDD)

	path := filepath.Join(dir, "dyld_shared_cache_arm64e")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write cache: %v", err)
	}
	return path, base + machOff
}

func TestParseAndReadWrite(t *testing.T) {
	dir := t.TempDir()
	path, machAddr := buildImageCache(t, dir)

	c, err := dyldcache.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	sf, off, err := c.Resolve(machAddr)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	img, err := Parse(c, sf, off)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	text := img.Segment("__TEXT")
	if text == nil {
		t.Fatal("missing __TEXT segment")
	}
	if len(text.Sections) != 1 {
		t.Fatalf("sections = %d, want 1", len(text.Sections))
	}

	seg, sec := img.Section("__TEXT", "__text")
	if seg == nil || sec == nil {
		t.Fatal("Section lookup failed")
	}

	// The word was written at file offset machOff+0x100; mapping[0] is
	// identity-offset from base, so that is vmaddr base+machOff+0x100.
	textAddr := machAddr + 0x100
	if !img.ContainsAddr(textAddr) {
		t.Error("ContainsAddr false for known address")
	}

	b, err := img.ReadAt(textAddr, 4)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if binary.LittleEndian.Uint32(b) != 0xAABBCCDD {
		t.Errorf("ReadAt = %#x, want 0xAABBCCDD", binary.LittleEndian.Uint32(b))
	}

	if err := img.WriteUint64At(textAddr, 0x1122334455667788); err != nil {
		t.Fatalf("WriteUint64At: %v", err)
	}
	v, err := img.ReadUint64At(textAddr)
	if err != nil {
		t.Fatalf("ReadUint64At: %v", err)
	}
	if v != 0x1122334455667788 {
		t.Errorf("read back = %#x", v)
	}

	if img.ContainsAddr(0xdeadbeef) {
		t.Error("ContainsAddr true for unrelated address")
	}
}
