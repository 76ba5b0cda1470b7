package dyldcache

import (
	"github.com/pkg/errors"

	"github.com/blacktop/go-dyldextractor/types"
	"github.com/blacktop/go-dyldextractor/xerr"
)

// LocalSymbolsEntry is one image's slice of the shared local-symbols
// nlist array, keyed by dylibOffset = image.vmaddr - sharedRegionStart.
type LocalSymbolsEntry struct {
	DylibOffset     uint64
	NlistStartIndex uint32
	NlistCount      uint32
}

// LocalSymbols holds a parsed `.symbols` sub-cache chunk: the raw
// nlist/string blobs plus the per-image entry table. Nlist records are
// returned raw (16-byte nlist_64) since only the LINKEDIT optimizer's
// consumer needs to interpret n_strx against the chunk's own string
// pool, not this package.
type LocalSymbols struct {
	NlistData []byte
	StrData   []byte
	Entries   []LocalSymbolsEntry
}

// LocalSymbols returns the local-symbols chunk, parsed once, for
// the symbols sub-cache (or the main cache, if it's self-contained).
// Exposed standalone per spec's supplemented local-symbols-only mode,
// not only as LINKEDIT-optimizer plumbing.
func (c *Cache) LocalSymbols() (*LocalSymbols, error) {
	sf := c.SymbolsCache()
	if sf == nil {
		return nil, errors.Wrap(xerr.ErrContainerParse, "no .symbols sub-cache present")
	}
	h := &sf.Header
	if h.LocalSymbolsSize == 0 {
		return &LocalSymbols{}, nil
	}

	var info types.DyldCacheLocalSymbolsInfo
	if err := readStruct(sf.Handle, int64(h.LocalSymbolsOffset), &info); err != nil {
		return nil, err
	}

	base := int64(h.LocalSymbolsOffset)

	nlist := make([]byte, int(info.NlistCount)*16) // nlist_64 is 16 bytes
	if _, err := sf.Handle.ReadAt(nlist, base+int64(info.NlistOffset)); err != nil {
		return nil, errors.Wrap(xerr.ErrContainerParse, err.Error())
	}

	strs := make([]byte, info.StringsSize)
	if _, err := sf.Handle.ReadAt(strs, base+int64(info.StringsOffset)); err != nil {
		return nil, errors.Wrap(xerr.ErrContainerParse, err.Error())
	}

	entryStructSize, err := detectLocalSymbolsEntrySize(sf, base+int64(info.EntriesOffset), info.EntriesCount, c.Images)
	if err != nil {
		return nil, err
	}

	entries := make([]LocalSymbolsEntry, 0, info.EntriesCount)
	entriesBase := base + int64(info.EntriesOffset)
	for i := uint32(0); i < info.EntriesCount; i++ {
		off := entriesBase + int64(i)*int64(entryStructSize)
		if entryStructSize == types.DyldCacheLocalSymbolsEntry64Size {
			var e types.DyldCacheLocalSymbolsEntry64
			if err := readStruct(sf.Handle, off, &e); err != nil {
				return nil, err
			}
			entries = append(entries, LocalSymbolsEntry{e.DylibOffset, e.NlistStartIndex, e.NlistCount})
		} else {
			var e types.DyldCacheLocalSymbolsEntry
			if err := readStruct(sf.Handle, off, &e); err != nil {
				return nil, err
			}
			entries = append(entries, LocalSymbolsEntry{uint64(e.DylibOffset), e.NlistStartIndex, e.NlistCount})
		}
	}

	return &LocalSymbols{NlistData: nlist, StrData: strs, Entries: entries}, nil
}

// detectLocalSymbolsEntrySize picks between the legacy 12-byte entry
// (dylibOffset:uint32) and the 16-byte entry (dylibOffset:uint64) that
// large (>4GB) shared caches require. It does this by probing against
// the main cache's own image table rather than comparing dylibOffset
// against the shared region's size: once dylibOffset exceeds 2^32, the
// 12-byte field is a truncation of the real value, not an out-of-range
// one, so it can still read back smaller than the region size and a
// pure bounds check can't tell the formats apart.
//
// The first LocalSymbolsEntry always describes the first cache image,
// so entries[0].dylibOffset must equal images[0].Address-region
// exactly under the correct interpretation; the wrong one almost never
// matches the same value by chance.
func detectLocalSymbolsEntrySize(sf *SubFile, entriesOffset int64, count uint32, images []Image) (int, error) {
	if count < 1 || len(images) < 1 {
		return types.DyldCacheLocalSymbolsEntrySize, nil
	}
	var e32 types.DyldCacheLocalSymbolsEntry
	if err := readStruct(sf.Handle, entriesOffset, &e32); err != nil {
		return 0, err
	}
	var e64 types.DyldCacheLocalSymbolsEntry64
	if err := readStruct(sf.Handle, entriesOffset, &e64); err != nil {
		return 0, err
	}

	region := sf.Header.SharedRegionStart
	want := images[0].Address - region

	if e64.DylibOffset == want {
		return types.DyldCacheLocalSymbolsEntry64Size, nil
	}
	if uint64(e32.DylibOffset) == want {
		return types.DyldCacheLocalSymbolsEntrySize, nil
	}
	// Neither interpretation matches image[0] exactly (a cache built
	// without dyld's usual image ordering); fall back to the bounds
	// heuristic, which is still correct below the 4GB boundary.
	size := sf.Header.SharedRegionSize
	if e64.DylibOffset < size && uint64(e32.DylibOffset) >= size {
		return types.DyldCacheLocalSymbolsEntry64Size, nil
	}
	return types.DyldCacheLocalSymbolsEntrySize, nil
}
