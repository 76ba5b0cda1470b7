package dyldcache

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/blacktop/go-dyldextractor/types"
)

func openEntriesFile(t *testing.T, dir string, buf []byte) *SubFile {
	t.Helper()
	path := filepath.Join(dir, "entries.bin")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write entries file: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open entries file: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return &SubFile{Path: path, Handle: f}
}

// TestDetectLocalSymbolsEntrySize64BitDylibOffset covers a cache whose
// shared region starts above 4GB and whose dylib's offset from the
// region start itself exceeds 2^32. The
// bounds-only heuristic this replaced would misread the 16-byte
// format's low 32 bits as a plausible 12-byte dylibOffset and pick the
// wrong entry size.
func TestDetectLocalSymbolsEntrySize64BitDylibOffset(t *testing.T) {
	const region = 0x180000000    // > 2^32
	const imageAddr = region + 0x100000010 // dylibOffset itself exceeds 2^32
	const dylibOffset = imageAddr - region

	// The old region-boundary check compared uint64(e32.DylibOffset),
	// i.e. dylibOffset truncated mod 2^32 (here 0x10), against the
	// region size: that truncated value is always "in bounds", so the
	// check could never distinguish this case from a genuine 12-byte
	// cache. The image[0] probe below catches it because the
	// truncated low bits can't equal the real offset.
	buf := make([]byte, types.DyldCacheLocalSymbolsEntry64Size)
	binary.LittleEndian.PutUint64(buf[0:], uint64(dylibOffset))
	binary.LittleEndian.PutUint32(buf[8:], 0)  // nlistStartIndex
	binary.LittleEndian.PutUint32(buf[12:], 5) // nlistCount

	sf := openEntriesFile(t, t.TempDir(), buf)
	sf.Header.SharedRegionStart = region
	sf.Header.SharedRegionSize = 0x200000000

	images := []Image{{Address: imageAddr}}

	size, err := detectLocalSymbolsEntrySize(sf, 0, 1, images)
	if err != nil {
		t.Fatalf("detectLocalSymbolsEntrySize: %v", err)
	}
	if size != types.DyldCacheLocalSymbolsEntry64Size {
		t.Fatalf("entry size = %d, want %d (16-byte format)", size, types.DyldCacheLocalSymbolsEntry64Size)
	}
}

// TestDetectLocalSymbolsEntrySize32BitDylibOffset covers the ordinary
// small-cache case: a 12-byte entry, which the image[0] probe must pick
// even though detection also reads the same bytes as a 16-byte entry.
func TestDetectLocalSymbolsEntrySize32BitDylibOffset(t *testing.T) {
	const region = 0x1000
	const imageAddr = region + 0x2000
	const dylibOffset = imageAddr - region

	// Padded to 16 bytes since detection always probes both
	// interpretations; a nonzero nlistStartIndex pushes the 16-byte
	// reinterpretation's dylibOffset (low32 | nlistStartIndex<<32) well
	// past the image address, so only the correct format matches it.
	buf := make([]byte, types.DyldCacheLocalSymbolsEntry64Size)
	binary.LittleEndian.PutUint32(buf[0:], uint32(dylibOffset))
	binary.LittleEndian.PutUint32(buf[4:], 7) // nlistStartIndex
	binary.LittleEndian.PutUint32(buf[8:], 3) // nlistCount

	sf := openEntriesFile(t, t.TempDir(), buf)
	sf.Header.SharedRegionStart = region
	sf.Header.SharedRegionSize = 0x100000

	images := []Image{{Address: imageAddr}}

	size, err := detectLocalSymbolsEntrySize(sf, 0, 1, images)
	if err != nil {
		t.Fatalf("detectLocalSymbolsEntrySize: %v", err)
	}
	if size != types.DyldCacheLocalSymbolsEntrySize {
		t.Fatalf("entry size = %d, want %d (12-byte format)", size, types.DyldCacheLocalSymbolsEntrySize)
	}
}
