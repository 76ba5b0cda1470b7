// Package arm64 implements the small set of instruction encode/decode
// helpers the stub fixer and ObjC fixer need: ADRP/ADD/LDR/BR/BRAA
// signature checks and bit-level field packing. It is not a
// disassembler — every function here targets one fixed instruction
// shape, the way the shapes dyld itself emits for stubs and direct
// selector loads.
package arm64

// SignExtend sign-extends the low `size` bits of value to a full int64.
func SignExtend(value uint64, size uint) int64 {
	shift := 64 - size
	return int64(value<<shift) >> shift
}

// page truncates an address to its containing 4 KiB page.
func page(addr uint64) uint64 { return addr &^ 0xFFF }

// --- ADRP (PC-relative address of 4 KiB page) ---

func IsAdrp(instr uint32) bool { return instr&0x9F000000 == 0x90000000 }

// DecodeAdrp returns the destination register and the signed page
// delta (already multiplied by 4096) encoded by instr.
func DecodeAdrp(instr uint32) (rd uint32, pageDelta int64) {
	rd = instr & 0x1F
	immlo := uint64(instr>>29) & 0x3
	immhi := uint64(instr>>5) & 0x7FFFF
	imm := (immhi << 2) | immlo
	pageDelta = SignExtend(imm, 21) * 4096
	return
}

// EncodeAdrp builds `ADRP rd, #pageDelta` where pageDelta is relative
// to the page containing the instruction and is a multiple of 4096.
func EncodeAdrp(rd uint32, pageDelta int64) uint32 {
	imm := uint32(pageDelta/4096) & 0x1FFFFF
	immlo := imm & 0x3
	immhi := (imm >> 2) & 0x7FFFF
	return 0x90000000 | (immlo << 29) | (immhi << 5) | (rd & 0x1F)
}

// AdrpTarget resolves the page-aligned target address of an ADRP at
// instrAddr encoding pageDelta.
func AdrpTarget(instrAddr uint64, pageDelta int64) uint64 {
	return uint64(int64(page(instrAddr)) + pageDelta)
}

// --- ADD (immediate, unshifted, 64-bit) ---

func IsAddImm(instr uint32) bool { return instr&0xFFC00000 == 0x91000000 }

func DecodeAddImm(instr uint32) (rd, rn, imm uint32) {
	rd = instr & 0x1F
	rn = (instr >> 5) & 0x1F
	imm = (instr >> 10) & 0xFFF
	return
}

func EncodeAddImm(rd, rn, imm uint32) uint32 {
	return 0x91000000 | ((imm & 0xFFF) << 10) | ((rn & 0x1F) << 5) | (rd & 0x1F)
}

// --- LDR (immediate, unsigned offset, 64-bit) ---

func IsLdrImm64(instr uint32) bool { return instr&0xFFC00000 == 0xF9400000 }

func DecodeLdrImm64(instr uint32) (rt, rn, imm uint32) {
	rt = instr & 0x1F
	rn = (instr >> 5) & 0x1F
	imm = (instr >> 10) & 0xFFF
	return
}

// EncodeLdrImm64 builds `LDR rt, [rn, #(imm*8)]`; imm is the scaled
// 12-bit immediate field, not a byte offset.
func EncodeLdrImm64(rt, rn, imm uint32) uint32 {
	return 0xF9400000 | ((imm & 0xFFF) << 10) | ((rn & 0x1F) << 5) | (rt & 0x1F)
}

// IsLdrLiteral32 matches `LDR Wt, label` (PC-relative literal load),
// the shape used in a dyld stub helper's bind-offset load.
func IsLdrLiteral32(instr uint32) bool { return instr&0xBF000000 == 0x18000000 }

func DecodeLdrLiteral32(instr uint32) (rt uint32, pcDelta int64) {
	rt = instr & 0x1F
	imm19 := (instr >> 5) & 0x7FFFF
	pcDelta = SignExtend(uint64(imm19), 19) * 4
	return
}

// --- unconditional branches ---

func IsB(instr uint32) bool  { return instr&0xFC000000 == 0x14000000 }
func IsBL(instr uint32) bool { return instr&0xFC000000 == 0x94000000 }

func DecodeBranchImm26(instr uint32) int64 {
	imm26 := instr & 0x3FFFFFF
	return SignExtend(uint64(imm26), 26) * 4
}

func EncodeB(pcDelta int64) uint32 {
	imm26 := uint32(pcDelta/4) & 0x3FFFFFF
	return 0x14000000 | imm26
}

func EncodeBl(pcDelta int64) uint32 {
	imm26 := uint32(pcDelta/4) & 0x3FFFFFF
	return 0x94000000 | imm26
}

// BranchTarget resolves a B/BL target address.
func BranchTarget(instrAddr uint64, pcDelta int64) uint64 {
	return uint64(int64(instrAddr) + pcDelta)
}

// --- branch-to-register family, used to scan for resolver prologues ---

// IsBranchRegisterFamily matches BR/BLR-shaped indirect branches (Rm
// and the hint field clear), the signature the stub fixer scans for
// when locating a resolver's trailing indirect branch.
func IsBranchRegisterFamily(instr uint32) bool { return instr&0xFE9FF000 == 0xD61F0000 }

// IsBr matches `BR Xn`.
func IsBr(instr uint32) bool { return instr&0xFFFFFC1F == 0xD61F0000 }

func DecodeBr(instr uint32) (rn uint32) { return (instr >> 5) & 0x1F }

func EncodeBr(rn uint32) uint32 { return 0xD61F0000 | ((rn & 0x1F) << 5) }

// IsBraa matches `BRAA Xn, Xm` (pointer-authenticated indirect branch).
func IsBraa(instr uint32) bool { return instr&0xFEFFF800 == 0xD61F0800 }

func EncodeBraa(rn, rm uint32) uint32 {
	return 0xD71F0800 | ((rn & 0x1F) << 5) | (rm & 0x1F)
}

// --- resolver prologue signature checks ---

// IsStp64 matches the pre-index form `STP Xt1, Xt2, [Xn, #imm]!`.
func IsStp64(instr uint32) bool { return instr&0x7FC00000 == 0x29800000 }

// IsMovSp matches the `MOV` alias of `ADD (immediate)` to/from SP.
func IsMovSp(instr uint32) bool { return instr&0x7F3FFC00 == 0x11000000 }

// IsLdp64 matches `LDP Xt1, Xt2, [Xn, ...]`.
func IsLdp64(instr uint32) bool { return instr&0x7FC00000 == 0x28C00000 }

// IsAdrpToX16 matches an ADRP whose destination register is X16, the
// register dyld's resolver prologues page-address into.
func IsAdrpToX16(instr uint32) bool { return instr&0x9F00001F == 0x90000010 }
