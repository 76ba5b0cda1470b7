package objcfix

import (
	"encoding/binary"

	"github.com/blacktop/go-dyldextractor/internal/arm64"
)

// windowInstrCount bounds how many instructions past an ADRP we scan
// for the paired ADD, mirroring the original fixer's bounded forward
// window rather than a full control-flow-following disassembly.
const windowInstrCount = 16

// fixSelectors rewrites direct selector loads left in __text: dyld's
// shared-cache optimizer often folds a selref load into an
// ADRP+ADD pair pointing straight at the (now-foreign) selector
// string instead of at the selref slot through an LDR. Every such
// pair that targets an already-seen selref is turned back into
// ADRP+LDR; one that targets an unreferenced string gets that string
// pulled into __EXTRA_OBJC and is repointed there.
func (f *fixer) fixSelectors() error {
	seg, sec := f.img.Section("__TEXT", "__text")
	if seg == nil {
		return nil
	}

	raw, err := f.img.ReadAt(sec.Addr, int(sec.Size))
	if err != nil {
		return err
	}
	if len(raw)%4 != 0 {
		raw = raw[:len(raw)-len(raw)%4]
	}

	instrs := make([]uint32, len(raw)/4)
	for i := range instrs {
		instrs[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}

	for i := 0; i < len(instrs); i++ {
		f.status.Update("objcfix", "Fixing selector references")
		if !arm64.IsAdrp(instrs[i]) {
			continue
		}
		adrpAddr := sec.Addr + uint64(i)*4
		rd, pageDelta := arm64.DecodeAdrp(instrs[i])
		pageTarget := arm64.AdrpTarget(adrpAddr, pageDelta)

		end := i + windowInstrCount
		if end > len(instrs) {
			end = len(instrs)
		}
		for j := i + 1; j < end; j++ {
			if !arm64.IsAddImm(instrs[j]) {
				continue
			}
			rdAdd, rn, imm := arm64.DecodeAddImm(instrs[j])
			if rn != rd {
				continue
			}
			addAddr := sec.Addr + uint64(j)*4
			target := pageTarget + uint64(imm)

			if f.img.ContainsAddr(target) {
				break
			}

			if selrefAddr, ok := f.selRefCache[target]; ok {
				newInstr := arm64.EncodeLdrImm64(rdAdd, rd, uint32((selrefAddr-pageTarget)/8))
				var b [4]byte
				binary.LittleEndian.PutUint32(b[:], newInstr)
				if err := f.img.WriteAt(addAddr, b[:]); err != nil {
					return err
				}
				instrs[j] = newInstr
				break
			}

			newStrAddr, err := f.processString(target)
			if err != nil {
				return err
			}
			if err := f.repointAdrpAdd(adrpAddr, addAddr, rd, rdAdd, newStrAddr); err != nil {
				return err
			}
			break
		}
	}

	return nil
}

// repointAdrpAdd rewrites the ADRP at adrpAddr and the ADD at addAddr
// so the pair materializes newTarget in a register. No tracker entry
// is needed: the value lands in a register, never in memory.
func (f *fixer) repointAdrpAdd(adrpAddr, addAddr uint64, adrpRd, addRd uint32, newTarget uint64) error {
	newPage := newTarget &^ 0xFFF
	pageDelta := int64(newPage) - int64(adrpAddr&^0xFFF)

	newAdrp := arm64.EncodeAdrp(adrpRd, pageDelta)
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], newAdrp)
	if err := f.img.WriteAt(adrpAddr, b[:]); err != nil {
		return err
	}

	lowBits := newTarget - newPage
	newAdd := arm64.EncodeAddImm(addRd, adrpRd, uint32(lowBits))
	binary.LittleEndian.PutUint32(b[:], newAdd)
	return f.img.WriteAt(addAddr, b[:])
}
