// Package stubfix relinks a dyld shared cache image's optimized stubs
// back into the stub/lazy-pointer/stub-helper/binder shape a
// standalone dylib loader expects. dyld folds every cached image's
// stubs into direct branches to their real target for performance;
// outside the cache there is no guarantee the target still lives at
// that address, so each stub has to be rebuilt to indirect back
// through a symbol pointer the way it would if dyld had never touched
// it.
package stubfix

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/blacktop/go-dyldextractor/dyldcache"
	"github.com/blacktop/go-dyldextractor/internal/arm64"
	"github.com/blacktop/go-dyldextractor/linkedit"
	"github.com/blacktop/go-dyldextractor/logx"
	"github.com/blacktop/go-dyldextractor/machoimage"
	"github.com/blacktop/go-dyldextractor/ptrtracker"
	"github.com/blacktop/go-dyldextractor/slideinfo"
	"github.com/blacktop/go-dyldextractor/types"
	"github.com/blacktop/go-dyldextractor/xerr"
)

const (
	stubBinderSize = 0x18
	regHelperSize  = 0xC
)

type fixer struct {
	img     *machoimage.Image
	cache   *dyldcache.Cache
	sym     *symbolizer
	arm     *arm64Utils
	slider  *slideinfo.PointerSlider
	tracker *ptrtracker.Tracker
	result  *linkedit.Result
	log     logx.Logger
	status  logx.Status
}

// symbolPtrMap and stubMap both record every address a name resolves
// to, in priority order (index 0 is preferred), mirroring the
// original's insert-at-front rule for __auth_got pointers.
type symbolPtrMap map[string][]uint64

// Fix relinks img's stubs, stub helpers, and callsites, and patches up
// any indirect symbol table entries result's LINKEDIT rebuild left
// pointing at the redacted symbol. tracker records every new rebase
// location the fix introduces (repointed lazy pointers), for the
// rebase generator to pick up later.
func Fix(
	img *machoimage.Image,
	cache *dyldcache.Cache,
	slider *slideinfo.PointerSlider,
	tracker *ptrtracker.Tracker,
	result *linkedit.Result,
	log logx.Logger,
	status logx.Status,
) error {
	if img.Symtab == nil {
		return errors.Wrap(xerr.ErrContainerParse, "stub fixer: image has no LC_SYMTAB")
	}
	if img.Dysymtab == nil {
		return errors.Wrap(xerr.ErrContainerParse, "stub fixer: image has no LC_DYSYMTAB")
	}
	if status == nil {
		status = logx.NopStatus{}
	}

	status.Update("stubfix", "caching symbols")
	sym, err := newSymbolizer(img, cache, log)
	if err != nil {
		return err
	}

	f := &fixer{
		img:     img,
		cache:   cache,
		sym:     sym,
		arm:     newArm64Utils(slider),
		slider:  slider,
		tracker: tracker,
		result:  result,
		log:     log,
		status:  status,
	}

	symbolPtrs, err := f.enumerateSymbolPointers()
	if err != nil {
		return err
	}

	if err := f.fixStubHelpers(); err != nil {
		return err
	}

	stubMap, err := f.fixStubs(symbolPtrs)
	if err != nil {
		return err
	}

	if err := f.fixCallsites(stubMap); err != nil {
		return err
	}

	f.fixIndirectSymbols(symbolPtrs, stubMap)

	return nil
}

func addToMap(m symbolPtrMap, name string, addr uint64, authGot bool) {
	if authGot {
		m[name] = append([]uint64{addr}, m[name]...)
		return
	}
	m[name] = append(m[name], addr)
}

// enumerateSymbolPointers builds a name -> pointer-address map for
// every slot in a __got/__la_symbol_ptr-family section, symbolizing
// each slot through (in priority order) its weak/lazy bind record,
// its indirect symbol table entry, and finally its stored target.
func (f *fixer) enumerateSymbolPointers() (symbolPtrMap, error) {
	bindRecords := map[uint64]bindRecord{}
	if di := f.img.DyldInfo; di != nil {
		linkeditSeg := f.img.Segment("__LINKEDIT")
		if linkeditSeg == nil {
			return nil, errors.Wrap(xerr.ErrContainerParse, "stub fixer: image has no __LINKEDIT segment")
		}
		sf, _, err := f.cache.Resolve(linkeditSeg.Addr)
		if err != nil {
			return nil, err
		}

		readStream := func(off, size uint32) {
			if size == 0 {
				return
			}
			data, err := f.readLinkeditRange(sf, off, size)
			if err != nil {
				if f.log != nil {
					f.log.Warnf("unable to read bind records: %v", err)
				}
				return
			}
			err = readBindRecords(data, 0, len(data), func(r bindRecord) bool {
				if !r.haveSymbol || !r.haveSlot {
					if f.log != nil {
						f.log.Warnf("incomplete lazy bind record for symbol %q", r.symbol)
					}
					return true
				}
				if r.segment < 0 || r.segment >= len(f.img.Segments) {
					return true
				}
				addr := f.img.Segments[r.segment].Addr + r.offset
				bindRecords[addr] = r
				return true
			})
			if err != nil && f.log != nil {
				f.log.Warnf("unable to read bind records: %v", err)
			}
		}
		readStream(di.WeakBindOff, di.WeakBindSize)
		readStream(di.LazyBindOff, di.LazyBindSize)
	}

	symbolPtrs := symbolPtrMap{}

	for _, seg := range f.img.Segments {
		for i := range seg.Sections {
			sect := &seg.Sections[i]
			switch sect.Flags.Type() {
			case types.S_NON_LAZY_SYMBOL_POINTERS, types.S_LAZY_SYMBOL_POINTERS:
			default:
				continue
			}
			authGot := cstr(sect.Name[:]) == "__auth_got"
			count := int(sect.Size / 8)
			for i := 0; i < count; i++ {
				f.status.Update("stubfix", "caching symbol pointers")
				ptrAddr := sect.Addr + uint64(i)*8

				if r, ok := bindRecords[ptrAddr]; ok {
					addToMap(symbolPtrs, r.symbol, ptrAddr, authGot)
					continue
				}

				if name, ok := f.indirectSymbolName(sect.Reserve1 + uint32(i)); ok {
					addToMap(symbolPtrs, name, ptrAddr, authGot)
					continue
				}

				ptrTarget, slid, err := f.slider.SlideAddress(ptrAddr)
				if err != nil {
					return nil, err
				}
				if !slid {
					continue
				}
				funcAddr := f.arm.resolveStubChain(f.img, ptrTarget)
				if names := f.sym.symbolizeAddr(funcAddr); len(names) > 0 {
					for _, n := range names {
						addToMap(symbolPtrs, n, ptrAddr, authGot)
					}
					continue
				}

				if f.img.ContainsAddr(ptrTarget) {
					// Internal self-referencing pointers like CoreFoundation's
					// __csbitmaps don't name an external symbol.
					continue
				}
				if f.log != nil {
					f.log.Warnf("unable to symbolize pointer at %#x, target %#x", ptrAddr, funcAddr)
				}
			}
		}
	}

	return symbolPtrs, nil
}

// indirectSymbolName resolves indirect symbol table slot idx to a
// name, or false if the slot is a sentinel or unset.
func (f *fixer) indirectSymbolName(idx uint32) (string, bool) {
	entry, err := f.readIndirectEntry(idx)
	if err != nil {
		return "", false
	}
	if entry == 0 || entry == types.IndirectSymbolAbs || entry == types.IndirectSymbolLocal ||
		entry == (types.IndirectSymbolAbs|types.IndirectSymbolLocal) {
		return "", false
	}

	linkeditSeg := f.img.Segment("__LINKEDIT")
	sf, _, err := f.cache.Resolve(linkeditSeg.Addr)
	if err != nil {
		return "", false
	}
	var nlistBuf [16]byte
	off := int64(f.img.Symtab.Symoff) + int64(entry)*16
	if _, err := sf.Handle.ReadAt(nlistBuf[:], off); err != nil {
		return "", false
	}
	strx := binary.LittleEndian.Uint32(nlistBuf[0:])
	name, err := f.cache.ReadCString(sf, int64(f.img.Symtab.Stroff)+int64(strx))
	if err != nil {
		return "", false
	}
	return name, true
}

func (f *fixer) readIndirectEntry(idx uint32) (uint32, error) {
	linkeditSeg := f.img.Segment("__LINKEDIT")
	if linkeditSeg == nil {
		return 0, errors.Wrap(xerr.ErrContainerParse, "stub fixer: image has no __LINKEDIT segment")
	}
	sf, _, err := f.cache.Resolve(linkeditSeg.Addr)
	if err != nil {
		return 0, err
	}
	var buf [4]byte
	off := int64(f.img.Dysymtab.Indirectsymoff) + int64(idx)*4
	if _, err := sf.Handle.ReadAt(buf[:], off); err != nil {
		return 0, errors.Wrap(xerr.ErrContainerParse, err.Error())
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// readLinkeditRange reads size bytes at file offset off in sf. off is
// a container file offset (e.g. dyld_info_command's bind/export
// fields), not a vmaddr.
func (f *fixer) readLinkeditRange(sf *dyldcache.SubFile, off, size uint32) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := sf.Handle.ReadAt(buf, int64(off)); err != nil {
		return nil, errors.Wrap(xerr.ErrContainerParse, err.Error())
	}
	return buf, nil
}

// fixStubHelpers walks __TEXT,__stub_helper past its leading binder
// stub, repointing each lazy pointer at its own helper's address so
// the first call traps into the binder instead of a now-meaningless
// bind offset, or skipping over resolver-shaped helpers untouched.
func (f *fixer) fixStubHelpers() error {
	seg, sect := f.img.Section("__TEXT", "__stub_helper")
	if seg == nil || sect == nil {
		return nil
	}
	di := f.img.DyldInfo
	if di == nil {
		return nil
	}

	linkeditSeg := f.img.Segment("__LINKEDIT")
	if linkeditSeg == nil {
		return nil
	}
	sf, _, err := f.cache.Resolve(linkeditSeg.Addr)
	if err != nil {
		return err
	}

	helperAddr := sect.Addr + stubBinderSize
	helperEnd := sect.Addr + sect.Size

	for helperAddr < helperEnd {
		f.status.Update("stubfix", "fixing lazy symbol pointers")

		if bindOff, ok := f.arm.stubHelperBindOff(f.img, helperAddr); ok {
			lazyData, err := f.readLinkeditRange(sf, di.LazyBindOff+bindOff, di.LazyBindSize-bindOff)
			if err != nil {
				helperAddr += regHelperSize
				continue
			}
			var rec bindRecord
			var found bool
			_ = readBindRecords(lazyData, 0, len(lazyData), func(r bindRecord) bool {
				rec, found = r, true
				return false
			})
			if !found || !rec.haveSymbol || !rec.haveSlot || rec.segment < 0 || rec.segment >= len(f.img.Segments) {
				if f.log != nil {
					f.log.Warnf("bind record for stub helper at %#x is incomplete", helperAddr)
				}
				helperAddr += regHelperSize
				continue
			}

			bindPtrAddr := f.img.Segments[rec.segment].Addr + rec.offset
			if err := f.img.WriteUint64At(bindPtrAddr, helperAddr); err != nil {
				return err
			}
			f.tracker.Add(bindPtrAddr)
			helperAddr += regHelperSize
			continue
		}

		if size, target, ok := f.arm.resolverData(f.img, helperAddr); ok {
			if !f.img.ContainsAddr(target) && f.log != nil {
				f.log.Warnf("unable to fix resolver at %#x", helperAddr)
			}
			helperAddr += uint64(size)
			continue
		}

		if f.log != nil {
			f.log.Warnf("unknown stub helper format at %#x", helperAddr)
		}
		helperAddr += regHelperSize
	}
	return nil
}

// fixStubs relinks every S_SYMBOL_STUBS stub to its symbol pointer,
// regenerating the stub's bytes where dyld had folded it into a
// direct branch. Returns a name -> stub-address map for the callsite
// patcher.
func (f *fixer) fixStubs(symbolPtrs symbolPtrMap) (symbolPtrMap, error) {
	stubMap := symbolPtrMap{}

	for _, seg := range f.img.Segments {
		for i := range seg.Sections {
			sect := &seg.Sections[i]
			if sect.Flags.Type() != types.S_SYMBOL_STUBS || sect.Reserve2 == 0 {
				continue
			}
			count := int(sect.Size / uint64(sect.Reserve2))
			for i := 0; i < count; i++ {
				f.status.Update("stubfix", "fixing stubs")
				stubAddr := sect.Addr + uint64(i)*uint64(sect.Reserve2)

				var stubNames []string
				if name, ok := f.indirectSymbolName(sect.Reserve1 + uint32(i)); ok {
					stubNames = []string{name}
				}

				if len(stubNames) == 0 {
					if ptrAddr, ok := f.arm.stubLdrAddr(f.img, stubAddr); ok {
						for name, ptrs := range symbolPtrs {
							if containsAddr(ptrs, ptrAddr) {
								stubNames = append(stubNames, name)
							}
						}
					}
				}

				if len(stubNames) == 0 {
					target := f.arm.resolveStubChain(f.img, stubAddr)
					stubNames = f.sym.symbolizeAddr(target)
				}

				if len(stubNames) == 0 {
					if f.log != nil {
						f.log.Warnf("unable to symbolize stub at %#x", stubAddr)
					}
					continue
				}
				for _, name := range stubNames {
					addToMap(stubMap, name, stubAddr, false)
				}

				symPtrAddr, haveSymPtr := f.arm.stubLdrAddr(f.img, stubAddr)
				if !haveSymPtr {
					for _, name := range stubNames {
						if ptrs, ok := symbolPtrs[name]; ok && len(ptrs) > 0 {
							symPtrAddr, haveSymPtr = ptrs[0], true
							break
						}
					}
				}
				if !haveSymPtr {
					if f.log != nil {
						f.log.Warnf("unable to find a symbol pointer for stub at %#x, names %v", stubAddr, stubNames)
					}
					continue
				}

				if err := f.relinkStub(stubAddr, symPtrAddr); err != nil {
					return nil, err
				}
			}
		}
	}

	return stubMap, nil
}

func (f *fixer) relinkStub(stubAddr, symPtrAddr uint64) error {
	_, format, ok := f.arm.resolveStub(f.img, stubAddr)
	if !ok {
		if f.log != nil {
			f.log.Warnf("unknown stub format at %#x", stubAddr)
		}
		return nil
	}

	switch format {
	case stubNormal:
		// Already standalone-compatible.

	case stubOptimized:
		newStub := generateStubNormal(stubAddr, symPtrAddr)
		return f.img.WriteAt(stubAddr, newStub)

	case authStubNormal:
		if err := f.img.WriteUint64At(symPtrAddr, stubAddr); err != nil {
			return err
		}
		f.tracker.Add(symPtrAddr)

	case authStubOptimized:
		if err := f.img.WriteUint64At(symPtrAddr, stubAddr); err != nil {
			return err
		}
		f.tracker.Add(symPtrAddr)
		newStub := generateAuthStubNormal(stubAddr, symPtrAddr)
		return f.img.WriteAt(stubAddr, newStub)

	case authStubResolver:
		if t, ok := f.arm.authStubResolverTarget(f.img, stubAddr); ok && !f.img.ContainsAddr(t) && f.log != nil {
			f.log.Errorf("unable to fix auth stub resolver at %#x", stubAddr)
		}

	case resolverFormat:
		if f.log != nil {
			f.log.Warnf("encountered a resolver at %#x while fixing stubs", stubAddr)
		}

	default:
		if f.log != nil {
			f.log.Errorf("unknown stub format %d at %#x", format, stubAddr)
		}
	}
	return nil
}

// fixCallsites scans __TEXT,__text for direct BL/B branches that used
// to reach a folded stub's target and repoints them at the relinked
// stub instead.
func (f *fixer) fixCallsites(stubMap symbolPtrMap) error {
	seg, sect := f.img.Section("__TEXT", "__text")
	if seg == nil || sect == nil {
		return errors.Wrap(xerr.ErrContainerParse, "stub fixer: image has no __text section")
	}

	textAddr := sect.Addr
	size := int(sect.Size)

	for off := 0; off+4 <= size; off += 4 {
		word, err := f.img.ReadAt(textAddr+uint64(off), 4)
		if err != nil {
			continue
		}
		instr := le32(word)
		top := byte(instr>>24) & 0xFC
		if top != 0x94 && top != 0x14 {
			continue
		}

		pcDelta := arm64.DecodeBranchImm26(instr)
		brAddr := textAddr + uint64(off)
		brTarget := arm64.BranchTarget(brAddr, pcDelta)

		if f.img.ContainsAddr(brTarget) {
			continue
		}

		brTargetFunc := f.arm.resolveStubChain(f.img, brTarget)
		funcSymbols := f.sym.symbolizeAddr(brTargetFunc)
		if len(funcSymbols) == 0 {
			if isTrailingBranchData(f.img, textAddr, off) {
				continue
			}
			if f.log != nil {
				f.log.Warnf("unable to symbolize branch at %#x, targeting %#x", brAddr, brTargetFunc)
			}
			continue
		}

		var stubSymbol string
		var found bool
		for _, sym := range funcSymbols {
			if _, ok := stubMap[sym]; ok {
				stubSymbol, found = sym, true
				break
			}
		}
		if !found {
			if isTrailingBranchData(f.img, textAddr, off) {
				continue
			}
			if f.log != nil {
				f.log.Warnf("unable to find a stub for branch at %#x, potential symbols %v", brAddr, funcSymbols)
			}
			continue
		}

		stubAddr := stubMap[stubSymbol][0]
		imm26 := uint32((int64(stubAddr) - int64(brAddr)) / 4)
		newInstr := (instr & 0xFC000000) | (imm26 & 0x3FFFFFF)
		if err := f.img.WriteAt(brAddr, packLE32(newInstr)); err != nil {
			return err
		}
		f.status.Update("stubfix", "fixing callsites")
	}
	return nil
}

// isTrailingBranchData reports whether the word preceding off looks
// like a BL/B/BR instruction, meaning off itself is most likely data
// that happens to share a branch's top byte rather than a genuine
// unresolved branch.
func isTrailingBranchData(img *machoimage.Image, textAddr uint64, off int) bool {
	if off < 4 {
		return false
	}
	prev, err := img.ReadAt(textAddr+uint64(off-4), 4)
	if err != nil {
		return false
	}
	top := byte(le32(prev)>>24) & 0xFC
	return top == 0x94 || top == 0x14 || top == 0xD6
}

// fixIndirectSymbols synthesizes replacement symbol table entries for
// every indirect symbol table slot the LINKEDIT rebuild left pointing
// at index 0 (redacted), now that the stub/pointer maps know their
// real names. Disassemblers key off these entries to label stubs;
// leaving them redacted would make the extracted image harder to read
// than the cache copy it came from.
func (f *fixer) fixIndirectSymbols(symbolPtrs, stubMap symbolPtrMap) {
	if !f.result.HasRedactedIndirect {
		return
	}
	f.status.Update("stubfix", "fixing indirect symbols")

	nextSymbolIndex := f.result.Dysymtab.Iundefsym + f.result.Dysymtab.Nundefsym
	var newSymbols, newStrings []byte
	added := uint32(0)

	patch := func(entryIdx int, name string) {
		var nlistBuf [16]byte
		strx := uint32(len(f.result.Strings) + len(newStrings))
		binary.LittleEndian.PutUint32(nlistBuf[0:], strx)
		nlistBuf[4] = 1 // N_EXT
		newSymbols = append(newSymbols, nlistBuf[:]...)
		newStrings = append(newStrings, []byte(name)...)
		newStrings = append(newStrings, 0)

		var idxBuf [4]byte
		binary.LittleEndian.PutUint32(idxBuf[:], nextSymbolIndex+added)
		copy(f.result.IndirectSyms[entryIdx*4:], idxBuf[:])
		added++
	}

	for _, seg := range f.img.Segments {
		for i := range seg.Sections {
			sect := &seg.Sections[i]
			switch sect.Flags.Type() {
			case types.S_SYMBOL_STUBS:
				if sect.Reserve2 == 0 {
					continue
				}
				start := int(sect.Reserve1)
				end := start + int(sect.Size/uint64(sect.Reserve2))
				f.patchRedactedRange(start, end, func(slot int) (uint64, bool) {
					return sect.Addr + uint64(slot)*uint64(sect.Reserve2), true
				}, stubMap, patch)

			case types.S_NON_LAZY_SYMBOL_POINTERS, types.S_LAZY_SYMBOL_POINTERS:
				start := int(sect.Reserve1)
				end := start + int(sect.Size/8)
				f.patchRedactedRange(start, end, func(slot int) (uint64, bool) {
					return sect.Addr + uint64(slot)*8, true
				}, symbolPtrs, patch)

			case types.S_MOD_INIT_FUNC_POINTERS, types.S_MOD_TERM_FUNC_POINTERS,
				types.S_LAZY_DYLIB_SYMBOL_POINTERS:
				if f.hasRedactedInRange(int(sect.Reserve1), int(sect.Reserve1)+int(sect.Size/8)) && f.log != nil {
					f.log.Warnf("redacted indirect symbols in unsupported section %s are left as-is", cstr(sect.Name[:]))
				}
			}
		}
	}

	if added == 0 {
		return
	}
	f.result.Symbols = append(f.result.Symbols, newSymbols...)
	f.result.Strings = append(f.result.Strings, newStrings...)
	f.result.Dysymtab.Nundefsym += added
}

func (f *fixer) hasRedactedInRange(start, end int) bool {
	for i := start; i < end; i++ {
		if i*4+4 > len(f.result.IndirectSyms) {
			continue
		}
		if binary.LittleEndian.Uint32(f.result.IndirectSyms[i*4:]) == 0 {
			return true
		}
	}
	return false
}

func (f *fixer) patchRedactedRange(start, end int, addrOf func(slot int) (uint64, bool), names symbolPtrMap, patch func(int, string)) {
	for i := start; i < end; i++ {
		if i*4+4 > len(f.result.IndirectSyms) {
			continue
		}
		if binary.LittleEndian.Uint32(f.result.IndirectSyms[i*4:]) != 0 {
			continue
		}
		addr, ok := addrOf(i - start)
		if !ok {
			continue
		}
		name, ok := nameForAddr(names, addr)
		if !ok {
			if f.log != nil {
				f.log.Warnf("unable to symbolize redacted indirect entry %d at %#x", i, addr)
			}
			continue
		}
		patch(i, name)
	}
}

func nameForAddr(m symbolPtrMap, addr uint64) (string, bool) {
	for name, addrs := range m {
		if containsAddr(addrs, addr) {
			return name, true
		}
	}
	return "", false
}

func containsAddr(addrs []uint64, addr uint64) bool {
	for _, a := range addrs {
		if a == addr {
			return true
		}
	}
	return false
}

func cstr(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
