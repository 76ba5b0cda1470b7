package types

// Cache-specific slide-info structures describing the raw, per-mapping
// slide-info blob a dyld shared cache stores out-of-line. The rebaser
// walks these directly against a page array, never against a load
// command.

// DyldCacheSlideInfo2 mirrors `dyld_cache_slide_info2`.
type DyldCacheSlideInfo2 struct {
	Version         uint32
	PageSize        uint32
	PageStartsOffset uint32
	PageStartsCount uint32
	PageExtrasOffset uint32
	PageExtrasCount uint32
	DeltaMask       uint64
	ValueAdd        uint64
}

const (
	DyldCacheSlideV2PageStartNone = 0xFFFF
	// DyldCacheSlideV2PageUsesExtra flags a page_starts entry whose
	// chain has more than one start and must be walked through the
	// page_extras array instead. Spec's §9(a): real caches should not
	// emit this on a V2 page; seeing it is reported and the page
	// skipped rather than treated as corrupt.
	DyldCacheSlideV2PageUsesExtra = 0x8000
	DyldCacheSlideV2PageExtraEnd  = 0x8000
)

// DyldCacheSlideInfo3 mirrors `dyld_cache_slide_info3`. The explicit
// pad field matches the 4 bytes the C struct's natural alignment
// inserts before the uint64, since nothing else forces that padding
// when decoding field-by-field with encoding/binary.
type DyldCacheSlideInfo3 struct {
	Version         uint32
	PageSize        uint32
	PageStartsCount uint32
	Pad             uint32 // natural-alignment padding, always 0; binary.Read needs an exported field to decode into
	AuthValueAdd    uint64
}

const DyldCacheSlideInfo3Size = 24

const DyldCacheSlideV3PageStartNone = 0xFFFF

// DyldCacheSlidePointer3 is the raw 64-bit union dyld_cache_slide_pointer3
// decodes as either a plain rebase or an authenticated rebase,
// distinguished by bit 63 ("authenticated").
type DyldCacheSlidePointer3 uint64

func (p DyldCacheSlidePointer3) Authenticated() bool { return ExtractBits(uint64(p), 63, 1) != 0 }

// --- plain (pointerValue:51, offsetToNextPointer:11, unused:2) ---

func (p DyldCacheSlidePointer3) PlainPointerValue() uint64 {
	return ExtractBits(uint64(p), 0, 51)
}

func (p DyldCacheSlidePointer3) PlainOffsetToNextPointer() uint64 {
	return ExtractBits(uint64(p), 51, 11)
}

// PlainTarget folds the 51-bit raw value into a 64-bit VM address: the
// top 8 bits (43-50) are re-shifted up by 13 and OR'd with the low 43
// bits, undoing the packing dyld applies so a tagged pointer still
// fits in 51 bits.
func (p DyldCacheSlidePointer3) PlainTarget() uint64 {
	value := p.PlainPointerValue()
	top8Bits := value & 0x0007F80000000000
	bottom43Bits := value & 0x000007FFFFFFFFFF
	return (top8Bits << 13) | bottom43Bits
}

// --- auth (offsetFromSharedCacheBase:32, diversityData:16, hasAddressDiversity:1, key:2, offsetToNextPointer:11, unused:1, authenticated:1) ---

func (p DyldCacheSlidePointer3) AuthOffsetFromSharedCacheBase() uint64 {
	return ExtractBits(uint64(p), 0, 32)
}

func (p DyldCacheSlidePointer3) AuthDiversityData() uint64 { return ExtractBits(uint64(p), 32, 16) }

func (p DyldCacheSlidePointer3) AuthHasAddressDiversity() bool {
	return ExtractBits(uint64(p), 48, 1) != 0
}

func (p DyldCacheSlidePointer3) AuthKey() uint64 { return ExtractBits(uint64(p), 49, 2) }

func (p DyldCacheSlidePointer3) AuthOffsetToNextPointer() uint64 {
	return ExtractBits(uint64(p), 51, 11)
}

// AuthTarget resolves an authenticated slot's unslid VM address, given
// the slide info's auth_value_add.
func (p DyldCacheSlidePointer3) AuthTarget(authValueAdd uint64) uint64 {
	return authValueAdd + p.AuthOffsetFromSharedCacheBase()
}

// NextPointerDelta returns the byte delta (already scaled) to the next
// chained pointer, or 0 if this is the chain's last link.
func (p DyldCacheSlidePointer3) NextPointerDelta() uint64 {
	if p.Authenticated() {
		return p.AuthOffsetToNextPointer() * 8
	}
	return p.PlainOffsetToNextPointer() * 8
}
