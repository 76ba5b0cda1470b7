package stubfix

import (
	"github.com/blacktop/go-dyldextractor/internal/arm64"
	"github.com/blacktop/go-dyldextractor/machoimage"
	"github.com/blacktop/go-dyldextractor/slideinfo"
)

// stubFormat names the six shapes a stub or stub helper can take, the
// same six the original stub fixer distinguishes.
type stubFormat int

const (
	// stubNormal is a non-optimized stub: a symbol pointer load
	// followed by a stub helper. No fix needed.
	stubNormal stubFormat = iota + 1
	// stubOptimized is an unauthenticated stub that dyld folded into a
	// direct ADRP/ADD/BR to its target; needs relinking back to a
	// normal stub through the pointer.
	stubOptimized
	// authStubNormal loads an authenticated pointer and branches
	// through it; only the pointer needs repointing.
	authStubNormal
	// authStubOptimized folded an authenticated stub into a direct
	// branch; both the stub and its pointer need relinking.
	authStubOptimized
	// authStubResolver loads an authenticated pointer to a resolver
	// function. Never needs fixing.
	authStubResolver
	// resolverFormat is a stub helper whose lazy-bind slot is backed by a
	// resolver function instead of a plain pointer.
	resolverFormat
)

const resolverSearchLimit = 0xC8

// arm64Utils resolves and regenerates arm64 stub shapes for one image,
// given a pointer slider to follow an optimized stub's symbol pointer
// to its unslid target.
type arm64Utils struct {
	slider *slideinfo.PointerSlider
}

func newArm64Utils(slider *slideinfo.PointerSlider) *arm64Utils { return &arm64Utils{slider: slider} }

func (u *arm64Utils) read32(img *machoimage.Image, addr uint64, n int) ([]uint32, bool) {
	b, err := img.ReadAt(addr, n*4)
	if err != nil {
		return nil, false
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = le32(b[i*4:])
	}
	return out, true
}

// resolveStub classifies the stub at address and returns the target its
// branch ultimately reaches, or ok=false if no known shape matches.
func (u *arm64Utils) resolveStub(img *machoimage.Image, address uint64) (target uint64, format stubFormat, ok bool) {
	if t, ok := u.stubNormalTarget(img, address); ok {
		return t, stubNormal, true
	}
	if t, ok := u.stubOptimizedTarget(img, address); ok {
		return t, stubOptimized, true
	}
	if t, ok := u.authStubNormalTarget(img, address); ok {
		return t, authStubNormal, true
	}
	if t, ok := u.authStubOptimizedTarget(img, address); ok {
		return t, authStubOptimized, true
	}
	if t, ok := u.authStubResolverTarget(img, address); ok {
		return t, authStubResolver, true
	}
	if size, t, ok := u.resolverData(img, address); ok {
		_ = size
		return t, resolverFormat, true
	}
	return 0, 0, false
}

// resolveStubChain follows a chain of stubs (an optimized stub can
// target another stub) to its final, non-stub target.
func (u *arm64Utils) resolveStubChain(img *machoimage.Image, address uint64) uint64 {
	target := address
	for {
		t, _, ok := u.resolveStub(img, target)
		if !ok {
			break
		}
		target = t
	}
	return target
}

// stubNormalTarget matches ADRP x16 / LDR x16,[x16] / BR x16 and
// resolves the symbol pointer's stored (possibly still slid) value.
func (u *arm64Utils) stubNormalTarget(img *machoimage.Image, address uint64) (uint64, bool) {
	words, ok := u.read32(img, address, 3)
	if !ok {
		return 0, false
	}
	adrp, ldr, br := words[0], words[1], words[2]
	if !arm64.IsAdrpToX16(adrp) || (ldr&0xFFC003FF) != 0xF9400210 || br != 0xD61F0200 {
		return 0, false
	}
	ldrTarget := adrpLdrTarget(address, adrp, ldr)
	return u.slideAddress(ldrTarget)
}

func (u *arm64Utils) stubOptimizedTarget(img *machoimage.Image, address uint64) (uint64, bool) {
	words, ok := u.read32(img, address, 3)
	if !ok {
		return 0, false
	}
	adrp, add, br := words[0], words[1], words[2]
	if !arm64.IsAdrpToX16(adrp) || (add&0xFFC003FF) != 0x91000210 || br != 0xD61F0200 {
		return 0, false
	}
	_, _, addImm := arm64.DecodeAddImm(add)
	_, pageDelta := arm64.DecodeAdrp(adrp)
	return arm64.AdrpTarget(address, pageDelta) + uint64(addImm), true
}

func (u *arm64Utils) authStubNormalTarget(img *machoimage.Image, address uint64) (uint64, bool) {
	words, ok := u.read32(img, address, 4)
	if !ok {
		return 0, false
	}
	adrp, add, ldr, braa := words[0], words[1], words[2], words[3]
	if adrp&0x9F000000 != 0x90000000 || add&0xFFC00000 != 0x91000000 ||
		ldr&0xFFC00000 != 0xF9400000 || !arm64.IsBraa(braa) {
		return 0, false
	}
	_, pageDelta := arm64.DecodeAdrp(adrp)
	adrpResult := arm64.AdrpTarget(address, pageDelta)
	_, _, addImm := arm64.DecodeAddImm(add)
	_, _, ldrImm := arm64.DecodeLdrImm64(ldr)
	ldrTarget := adrpResult + uint64(addImm) + uint64(ldrImm)*8
	return u.slideAddress(ldrTarget)
}

func (u *arm64Utils) authStubOptimizedTarget(img *machoimage.Image, address uint64) (uint64, bool) {
	words, ok := u.read32(img, address, 4)
	if !ok {
		return 0, false
	}
	adrp, add, br, trap := words[0], words[1], words[2], words[3]
	if adrp&0x9F000000 != 0x90000000 || add&0xFFC00000 != 0x91000000 ||
		br != 0xD61F0200 || trap != 0xD4200020 {
		return 0, false
	}
	_, pageDelta := arm64.DecodeAdrp(adrp)
	adrpResult := arm64.AdrpTarget(address, pageDelta)
	_, _, addImm := arm64.DecodeAddImm(add)
	return adrpResult + uint64(addImm), true
}

func (u *arm64Utils) authStubResolverTarget(img *machoimage.Image, address uint64) (uint64, bool) {
	words, ok := u.read32(img, address, 3)
	if !ok {
		return 0, false
	}
	adrp, ldr, braaz := words[0], words[1], words[2]
	if adrp&0x9F000000 != 0x90000000 || ldr&0xFFC00000 != 0xF9400000 || braaz&0xFEFFF800 != 0xD61F0800 {
		return 0, false
	}
	_, pageDelta := arm64.DecodeAdrp(adrp)
	adrpResult := arm64.AdrpTarget(address, pageDelta)
	_, _, ldrImm := arm64.DecodeLdrImm64(ldr)
	return u.slideAddress(adrpResult + uint64(ldrImm)*8)
}

func (u *arm64Utils) slideAddress(addr uint64) (uint64, bool) {
	target, ok, err := u.slider.SlideAddress(addr)
	if err != nil || !ok {
		return 0, false
	}
	return target, true
}

func adrpLdrTarget(instrAddr uint64, adrp, ldr uint32) uint64 {
	_, pageDelta := arm64.DecodeAdrp(adrp)
	_, _, ldrImm := arm64.DecodeLdrImm64(ldr)
	return arm64.AdrpTarget(instrAddr, pageDelta) + uint64(ldrImm)*8
}

// stubLdrAddr resolves the symbol-pointer address a non-optimized
// (authenticated or not) stub's LDR targets, used to match a stub back
// to its entry in the symbol-pointer map.
func (u *arm64Utils) stubLdrAddr(img *machoimage.Image, address uint64) (uint64, bool) {
	if words, ok := u.read32(img, address, 3); ok {
		adrp, ldr, br := words[0], words[1], words[2]
		if arm64.IsAdrpToX16(adrp) && (ldr&0xFFC003FF) == 0xF9400210 && br == 0xD61F0200 {
			return adrpLdrTarget(address, adrp, ldr), true
		}
	}
	if words, ok := u.read32(img, address, 4); ok {
		adrp, add, ldr, braa := words[0], words[1], words[2], words[3]
		if adrp&0x9F000000 == 0x90000000 && add&0xFFC00000 == 0x91000000 &&
			ldr&0xFFC00000 == 0xF9400000 && arm64.IsBraa(braa) {
			_, pageDelta := arm64.DecodeAdrp(adrp)
			adrpResult := arm64.AdrpTarget(address, pageDelta)
			_, _, addImm := arm64.DecodeAddImm(add)
			_, _, ldrImm := arm64.DecodeLdrImm64(ldr)
			return adrpResult + uint64(addImm) + uint64(ldrImm)*8, true
		}
	}
	return 0, false
}

// stubHelperBindOff decodes a regular (non-resolver) stub helper: `LDR
// w1, #imm` loading a literal word, `B stubBinder`, then the literal
// word itself holding the byte offset into the lazy-bind opcode
// stream. The fixed 3-word layout is assumed rather than following the
// LDR's own PC-relative literal offset, matching every stub helper
// dyld has been observed to emit.
func (u *arm64Utils) stubHelperBindOff(img *machoimage.Image, address uint64) (uint32, bool) {
	words, ok := u.read32(img, address, 3)
	if !ok {
		return 0, false
	}
	ldr, b, data := words[0], words[1], words[2]
	if !arm64.IsLdrLiteral32(ldr) || b&0xFC000000 != 0x14000000 {
		return 0, false
	}
	return data, true
}

// resolverData detects the fixed-shape resolver prologue: a run of
// register-saving STP/MOV instructions, a BL to the resolver function,
// an ADRP/ADD caching the result, then the saved registers restored
// before a BRAAZ/BR back out. Returns the resolver's target and its
// total size in the stub helper section.
func (u *arm64Utils) resolverData(img *machoimage.Image, address uint64) (size int, target uint64, ok bool) {
	words, ok2 := u.read32(img, address, 2)
	if !ok2 {
		return 0, 0, false
	}
	if !arm64.IsStp64(words[0]) || !arm64.IsMovSp(words[1]) {
		return 0, 0, false
	}

	// The search window can run past the containing segment near its
	// end; shrink it 16 bytes at a time until a read succeeds.
	var raw []byte
	for n := resolverSearchLimit; n >= 16; n -= 16 {
		b, err := img.ReadAt(address, n)
		if err == nil {
			raw = b
			break
		}
	}
	if raw == nil {
		return 0, 0, false
	}

	branchRegOff := -1
	for off := 0; off+4 <= len(raw); off += 4 {
		instr := le32(raw[off:])
		if arm64.IsBranchRegisterFamily(instr) {
			branchRegOff = off
			break
		}
	}
	if branchRegOff < 0 {
		return 0, 0, false
	}

	blOff := -1
	for off := 0; off < branchRegOff; off += 4 {
		instr := le32(raw[off:])
		if instr&0xFC000000 == 0x94000000 {
			blOff = off
			break
		}
	}
	if blOff < 0 {
		return 0, 0, false
	}

	if blOff+8 > len(raw) || branchRegOff-4 < 0 {
		return 0, 0, false
	}
	adrp := le32(raw[blOff+4:])
	ldp := le32(raw[branchRegOff-4:])
	if !arm64.IsAdrpToX16(adrp) || !arm64.IsLdp64(ldp) {
		return 0, 0, false
	}

	blInstr := le32(raw[blOff:])
	pcDelta := arm64.DecodeBranchImm26(blInstr)
	blResult := arm64.BranchTarget(address+uint64(blOff), pcDelta)

	return branchRegOff + 4, blResult, true
}

const pageMask = ^uint64(0xFFF)

// generateStubNormal builds a standalone-compatible stub: `ADRP X16,
// lp@page`, `LDR X16, [X16, lp@pageoff]`, `BR X16`, where lp is
// ldrAddress, the slot holding the real target's pointer.
func generateStubNormal(stubAddress, ldrAddress uint64) []byte {
	adrpDelta := int64(ldrAddress&pageMask) - int64(stubAddress&pageMask)
	immhi := uint32(adrpDelta>>9) & 0x00FFFFE0
	immlo := uint32(adrpDelta<<17) & 0x60000000
	adrp := 0x90000010 | immlo | immhi

	ldrOffset := ldrAddress - (ldrAddress & pageMask)
	imm12 := uint32(ldrOffset<<7) & 0x3FFC00
	ldr := uint32(0xF9400210) | imm12

	br := uint32(0xD61F0200)

	return packLE32(adrp, ldr, br)
}

// generateAuthStubNormal builds an authenticated standalone stub:
// `ADRP X17, lp@page`, `ADD X17, X17, lp@pageoff`, `LDR X16, [X17]`,
// `BRAA X16, X17`.
func generateAuthStubNormal(stubAddress, ldrAddress uint64) []byte {
	adrpDelta := int64(ldrAddress&pageMask) - int64(stubAddress&pageMask)
	immhi := uint32(adrpDelta>>9) & 0x00FFFFE0
	immlo := uint32(adrpDelta<<17) & 0x60000000
	adrp := 0x90000011 | immlo | immhi

	addOffset := ldrAddress - (ldrAddress & pageMask)
	imm12 := uint32(addOffset<<10) & 0x3FFC00
	add := uint32(0x91000231) | imm12

	ldr := uint32(0xF9400230)
	braa := uint32(0xD71F0A11)

	return packLE32(adrp, add, ldr, braa)
}

func packLE32(words ...uint32) []byte {
	out := make([]byte, len(words)*4)
	for i, w := range words {
		out[i*4] = byte(w)
		out[i*4+1] = byte(w >> 8)
		out[i*4+2] = byte(w >> 16)
		out[i*4+3] = byte(w >> 24)
	}
	return out
}
