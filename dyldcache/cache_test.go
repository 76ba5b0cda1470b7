package dyldcache

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// buildMinimalCache writes a single-file cache (no sub-caches) with
// one mapping and one image, enough to exercise Open/Resolve.
func buildMinimalCache(t *testing.T, dir string) string {
	t.Helper()

	const headerSize = 512
	const mappingOff = headerSize
	const imagesOff = mappingOff + 32
	const pathOff = imagesOff + 32

	buf := make([]byte, pathOff+64)
	copy(buf[0:16], "dyld_v0  arm64e ")
	binary.LittleEndian.PutUint32(buf[16:], mappingOff) // mappingOffset
	binary.LittleEndian.PutUint32(buf[20:], 1)           // mappingCount
	binary.LittleEndian.PutUint32(buf[24:], imagesOff)   // imagesOffsetOld
	binary.LittleEndian.PutUint32(buf[28:], 1)           // imagesCountOld

	// dyld_cache_mapping_info at mappingOff
	binary.LittleEndian.PutUint64(buf[mappingOff:], 0x180000000)    // address
	binary.LittleEndian.PutUint64(buf[mappingOff+8:], 0x100000)     // size
	binary.LittleEndian.PutUint64(buf[mappingOff+16:], 0)           // fileOffset
	binary.LittleEndian.PutUint32(buf[mappingOff+24:], 1)           // maxProt
	binary.LittleEndian.PutUint32(buf[mappingOff+28:], 1)           // initProt

	// dyld_cache_image_info at imagesOff
	binary.LittleEndian.PutUint64(buf[imagesOff:], 0x180001000) // address
	binary.LittleEndian.PutUint64(buf[imagesOff+8:], 0)
	binary.LittleEndian.PutUint64(buf[imagesOff+16:], 0)
	binary.LittleEndian.PutUint32(buf[imagesOff+24:], pathOff)

	copy(buf[pathOff:], "/usr/lib/libfoo.dylib\x00")

	path := filepath.Join(dir, "dyld_shared_cache_arm64e")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write cache: %v", err)
	}
	return path
}

func TestOpenAndResolve(t *testing.T) {
	dir := t.TempDir()
	path := buildMinimalCache(t, dir)

	c, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	if len(c.Mappings) != 1 {
		t.Fatalf("mappings = %d, want 1", len(c.Mappings))
	}
	if len(c.Images) != 1 {
		t.Fatalf("images = %d, want 1", len(c.Images))
	}
	if c.Images[0].Name != "/usr/lib/libfoo.dylib" {
		t.Errorf("image name = %q", c.Images[0].Name)
	}

	sf, off, err := c.Resolve(0x180001008)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if sf != c.Main {
		t.Errorf("Resolve returned wrong file")
	}
	if off != 0x1008 {
		t.Errorf("Resolve offset = %#x, want %#x", off, 0x1008)
	}

	if _, _, err := c.Resolve(0xFFFFFFFF); err == nil {
		t.Error("expected ErrMappingMiss for out-of-range vmaddr")
	}
}

func TestOpenSymlink(t *testing.T) {
	dir := t.TempDir()
	real := buildMinimalCache(t, dir)
	link := filepath.Join(dir, "dyld_shared_cache_arm64e_link")
	if err := os.Symlink(real, link); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	c, err := Open(link)
	if err != nil {
		t.Fatalf("Open via symlink: %v", err)
	}
	defer c.Close()

	if len(c.Images) != 1 {
		t.Fatalf("images = %d, want 1", len(c.Images))
	}
}
