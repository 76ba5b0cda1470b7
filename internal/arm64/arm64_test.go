package arm64

import "testing"

func TestAdrpRoundTrip(t *testing.T) {
	instrAddr := uint64(0x100008000)
	target := uint64(0x100030000)
	delta := int64(target&^0xFFF) - int64(instrAddr&^0xFFF)

	instr := EncodeAdrp(16, delta)
	if !IsAdrp(instr) {
		t.Fatalf("encoded instruction %#x not recognized as ADRP", instr)
	}
	rd, gotDelta := DecodeAdrp(instr)
	if rd != 16 {
		t.Errorf("rd = %d, want 16", rd)
	}
	if gotDelta != delta {
		t.Errorf("pageDelta = %#x, want %#x", gotDelta, delta)
	}
	if got := AdrpTarget(instrAddr, gotDelta); got != target&^0xFFF {
		t.Errorf("AdrpTarget = %#x, want %#x", got, target&^0xFFF)
	}
}

func TestStubNormalShape(t *testing.T) {
	stubAddr := uint64(0x100008000)
	ldrAddr := uint64(0x100020000)

	adrpDelta := int64(ldrAddr&^0xFFF) - int64(stubAddr&^0xFFF)
	adrp := EncodeAdrp(16, adrpDelta)
	ldrOff := ldrAddr &^ 0xFFF
	imm12 := (ldrAddr - ldrOff) / 8
	ldr := EncodeLdrImm64(16, 16, uint32(imm12))
	br := EncodeBr(16)

	if !IsAdrp(adrp) || !IsLdrImm64(ldr) || !IsBr(br) {
		t.Fatalf("stub triplet shape mismatch: %#x %#x %#x", adrp, ldr, br)
	}
	rt, rn, imm := DecodeLdrImm64(ldr)
	if rt != 16 || rn != 16 {
		t.Errorf("ldr regs = (%d,%d), want (16,16)", rt, rn)
	}
	if got := ldrOff + uint64(imm)*8; got != ldrAddr {
		t.Errorf("ldr resolved addr = %#x, want %#x", got, ldrAddr)
	}
}

func TestBraaShape(t *testing.T) {
	instr := EncodeBraa(16, 17)
	if !IsBraa(instr) {
		t.Fatalf("encoded BRAA %#x not recognized", instr)
	}
}

func TestSignExtend(t *testing.T) {
	if got := SignExtend(0x1FFFFF, 21); got != -1 {
		t.Errorf("SignExtend(0x1FFFFF,21) = %d, want -1", got)
	}
	if got := SignExtend(0x100000, 21); got != -0x100000 {
		t.Errorf("SignExtend(0x100000,21) = %#x, want %#x", got, -0x100000)
	}
}
