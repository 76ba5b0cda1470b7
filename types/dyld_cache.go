package types

import "encoding/binary"

// DyldCacheHeader mirrors `dyld_cache_header`. Apple has grown this
// struct many times; only the prefix up to a given header's own
// MappingOffset is ever actually present in the file — callers must
// use HeaderFieldPresent (or the cache package's wrapper) rather than
// assuming every field below is populated.
type DyldCacheHeader struct {
	Magic                      [16]byte
	MappingOffset              uint32
	MappingCount               uint32
	ImagesOffsetOld            uint32
	ImagesCountOld             uint32
	DyldBaseAddress            uint64
	CodeSignatureOffset        uint64
	CodeSignatureSize          uint64
	SlideInfoOffsetUnused      uint64
	SlideInfoSizeUnused        uint64
	LocalSymbolsOffset         uint64
	LocalSymbolsSize           uint64
	UUID                       [16]byte
	CacheType                  uint64
	BranchPoolsOffset          uint32
	BranchPoolsCount           uint32
	AccelerateInfoAddr         uint64
	AccelerateInfoSize         uint64
	ImagesTextOffset           uint64
	ImagesTextCount            uint64
	PatchInfoAddr              uint64
	PatchInfoSize              uint64
	OtherImageGroupAddrUnused  uint64
	OtherImageGroupSizeUnused  uint64
	ProgClosuresAddr           uint64
	ProgClosuresSize           uint64
	ProgClosuresTrieAddr       uint64
	ProgClosuresTrieSize       uint64
	Platform                   uint32
	FormatVersionAndFlags      uint32 // formatVersion:8, dylibsExpectedOnDisk:1, simulator:1, locallyBuiltCache:1, builtFromChainedFixups:1, padding:20
	SharedRegionStart          uint64
	SharedRegionSize           uint64
	MaxSlide                   uint64
	DylibsImageArrayAddr       uint64
	DylibsImageArraySize       uint64
	DylibsTrieAddr             uint64
	DylibsTrieSize             uint64
	OtherImageArrayAddr        uint64
	OtherImageArraySize        uint64
	OtherTrieAddr              uint64
	OtherTrieSize              uint64
	MappingWithSlideOffset     uint32
	MappingWithSlideCount      uint32
	// Tail, added in later cache formats; present only when the
	// header's own MappingOffset extends this far.
	ImagesOffset      uint32
	ImagesCount       uint32
	SubCacheArrayOffset uint32
	SubCacheArrayCount  uint32
	SymbolFileUUID      [16]byte
}

// FormatVersion extracts the formatVersion:8 bitfield.
func (h *DyldCacheHeader) FormatVersion() uint32 { return h.FormatVersionAndFlags & 0xFF }

// BuiltFromChainedFixups extracts the builtFromChainedFixups:1 bitfield.
func (h *DyldCacheHeader) BuiltFromChainedFixups() bool {
	return (h.FormatVersionAndFlags>>10)&1 != 0
}

// UsesV2SubCacheEntries reports whether sub-cache entries use the
// `dyld_subcache_entry2` (uuid+address+fileExtension) layout, selected
// by cacheType==2.
func (h *DyldCacheHeader) UsesV2SubCacheEntries() bool { return h.CacheType == 2 }

// fieldOffset mirrors the Python original's headerContainsField: a
// field is present only if its byte offset in the struct is smaller
// than this header's own MappingOffset, since the mapping table
// immediately follows the header and its start marks how much of the
// header this particular cache build actually carries.
//
// Offsets below match the field order above for a 64-bit cache.
const (
	OffMappingWithSlideCount = 316
	OffImagesOffset          = 320
	OffImagesCount           = 324
	OffSubCacheArrayOffset   = 328
	OffSubCacheArrayCount    = 332
	OffSymbolFileUUID        = 336
)

// HeaderFieldPresent reports whether the field at byteOffset is
// present, given this header's MappingOffset.
func (h *DyldCacheHeader) HeaderFieldPresent(byteOffset uint32) bool {
	return byteOffset < h.MappingOffset
}

// DyldCacheMappingInfo mirrors `dyld_cache_mapping_info` (32 bytes).
type DyldCacheMappingInfo struct {
	Address  uint64
	Size     uint64
	FileOffset uint64
	MaxProt  uint32
	InitProt uint32
}

const DyldCacheMappingInfoSize = 32

// DyldCacheMappingAndSlideInfo mirrors
// `dyld_cache_mapping_and_slide_info` (56 bytes), the per-mapping
// slide-info layout that supersedes the legacy single
// `slideInfoOffsetUnused` field.
type DyldCacheMappingAndSlideInfo struct {
	Address              uint64
	Size                 uint64
	FileOffset           uint64
	SlideInfoFileOffset  uint64
	SlideInfoFileSize    uint64
	Flags                uint64
	MaxProt              uint32
	InitProt             uint32
}

const DyldCacheMappingAndSlideInfoSize = 56

// DyldCacheImageInfo mirrors `dyld_cache_image_info` (32 bytes).
type DyldCacheImageInfo struct {
	Address        uint64
	ModTime        uint64
	Inode          uint64
	PathFileOffset uint32
	Pad            uint32
}

const DyldCacheImageInfoSize = 32

// DyldSubcacheEntry mirrors the legacy `dyld_subcache_entry`: the
// sub-cache file is the main cache path with suffix `.<1-based index>`.
type DyldSubcacheEntry struct {
	UUID    [16]byte
	Address uint64
}

const DyldSubcacheEntrySize = 24

// DyldSubcacheEntry2 mirrors `dyld_subcache_entry2`: an explicit file
// extension (e.g. ".01", ".symbols") replaces the positional suffix.
type DyldSubcacheEntry2 struct {
	UUID          [16]byte
	Address       uint64
	FileExtension [32]byte
}

const DyldSubcacheEntry2Size = 56

// Extension returns the NUL-trimmed file extension.
func (e *DyldSubcacheEntry2) Extension() string {
	n := 0
	for n < len(e.FileExtension) && e.FileExtension[n] != 0 {
		n++
	}
	return string(e.FileExtension[:n])
}

// DyldCacheLocalSymbolsInfo mirrors `dyld_cache_local_symbols_info`.
type DyldCacheLocalSymbolsInfo struct {
	NlistOffset   uint32
	NlistCount    uint32
	StringsOffset uint32
	StringsSize   uint32
	EntriesOffset uint32
	EntriesCount  uint32
}

// DyldCacheLocalSymbolsEntry mirrors `dyld_cache_local_symbols_entry`
// (12 bytes): one dylib's slice of the shared local-symbols nlist array.
type DyldCacheLocalSymbolsEntry struct {
	DylibOffset    uint32
	NlistStartIndex uint32
	NlistCount     uint32
}

const DyldCacheLocalSymbolsEntrySize = 12

// DyldCacheLocalSymbolsEntry64 mirrors the newer, 64-bit-dylibOffset
// variant some caches use; detected empirically rather than trusted a
// priori, by checking which reading of entry 0's dylibOffset equals the
// first image's offset from the shared region start (see
// dyldcache.detectLocalSymbolsEntrySize). The stride between entries is
// not measured.
type DyldCacheLocalSymbolsEntry64 struct {
	DylibOffset     uint64
	NlistStartIndex uint32
	NlistCount      uint32
}

const DyldCacheLocalSymbolsEntry64Size = 16

var nativeEndian = binary.LittleEndian
