package objcfix

import (
	"bytes"
	"encoding/binary"

	objctypes "github.com/blacktop/go-dyldextractor/types/objc"
)

const (
	categorySize     = 48
	classSize        = 40
	classDataSize    = 72
	methodListHdr    = 8
	methodLargeSize  = 24
	methodSmallSize  = 12
	ivarListHdr      = 8
	ivarSize         = 32
	protoListHdr     = 8
	protoBaseSize    = 72 // up through the Flags field, always present
	propertyListHdr  = 8
	propertySize     = 16
)

// resolvePointer reads the pointer value stored at fieldAddr: directly,
// if fieldAddr already lies inside this image (the slide-info rebaser
// already unslid it in place), otherwise through the pointer slider
// against the pristine cache bytes, since an out-of-image struct's
// pointer slots were never touched by that earlier pass.
func (f *fixer) resolvePointer(fieldAddr uint64) (uint64, error) {
	if f.img.ContainsAddr(fieldAddr) {
		return f.img.ReadUint64At(fieldAddr)
	}
	v, ok, err := f.slider.SlideAddress(fieldAddr)
	if err != nil {
		return 0, err
	}
	if !ok {
		b, err := f.img.ReadAnyAt(fieldAddr, 8)
		if err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(b), nil
	}
	return v, nil
}

func readU32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
func readU64(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }

func putU32(b []byte, off int, v uint32) { binary.LittleEndian.PutUint32(b[off:], v) }
func putU64(b []byte, off int, v uint64) { binary.LittleEndian.PutUint64(b[off:], v) }

// addExtraData appends data, pointer-aligned, to the growing
// __EXTRA_OBJC buffer and returns the vmaddr it will live at.
func (f *fixer) addExtraData(data []byte) uint64 {
	addr := f.extraDataHead
	if mod := len(data) % 8; mod != 0 {
		data = append(append([]byte(nil), data...), make([]byte, 8-mod)...)
	}
	f.extraData = append(f.extraData, data...)
	f.extraDataHead += uint64(len(data))
	return addr
}

// writeOrAppend is the fixer's add-or-update primitive: a struct
// already inside this image is rewritten in place at its original
// address; one that lived in a different image is relocated into
// __EXTRA_OBJC.
func (f *fixer) writeOrAppend(addr uint64, data []byte) (uint64, error) {
	if f.img.ContainsAddr(addr) {
		if err := f.img.WriteAt(addr, data); err != nil {
			return 0, err
		}
		return addr, nil
	}
	return f.addExtraData(data), nil
}

// processSections walks the four ObjC root sections, pulling every
// class, category and protocol definition (and their transitive
// metadata graphs) into either an in-place rewrite or __EXTRA_OBJC,
// and rewires every selref slot to the in-image copy of its string.
func (f *fixer) processSections() error {
	for _, seg := range f.img.Segments {
		for i := range seg.Sections {
			sec := &seg.Sections[i]
			name := cstrBytes(sec.Name[:])
			switch name {
			case "__objc_classlist":
				if err := f.walkPointerArray(sec.Addr, sec.Size, "Classes", func(ptrAddr, classAddr uint64) error {
					if !f.img.ContainsAddr(classAddr) {
						f.log.Warnf("objcfix: class pointer at %#x points outside image", ptrAddr)
						return nil
					}
					_, needsFuture := f.processClass(classAddr)
					if needsFuture {
						f.futureClasses = append(f.futureClasses, futureClassPatch{ptrAddr, classAddr})
					}
					return nil
				}); err != nil {
					return err
				}
			case "__objc_catlist":
				if err := f.walkPointerArray(sec.Addr, sec.Size, "Categories", func(ptrAddr, catAddr uint64) error {
					if !f.img.ContainsAddr(catAddr) {
						f.log.Warnf("objcfix: category pointer at %#x points outside image", ptrAddr)
						return nil
					}
					_, err := f.processCategory(catAddr)
					return err
				}); err != nil {
					return err
				}
			case "__objc_protolist":
				if err := f.walkPointerArray(sec.Addr, sec.Size, "Protocols", func(ptrAddr, protoAddr uint64) error {
					if !f.img.ContainsAddr(protoAddr) {
						f.log.Warnf("objcfix: protocol pointer at %#x points outside image", ptrAddr)
						return nil
					}
					_, err := f.processProtocol(protoAddr)
					return err
				}); err != nil {
					return err
				}
			case "__objc_selrefs":
				if err := f.walkPointerArray(sec.Addr, sec.Size, "Selector References", func(ptrAddr, selTarget uint64) error {
					f.selRefCache[selTarget] = ptrAddr
					newPtr, err := f.processString(selTarget)
					if err != nil {
						return err
					}
					var b [8]byte
					binary.LittleEndian.PutUint64(b[:], newPtr)
					return f.img.WriteAt(ptrAddr, b[:])
				}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func cstrBytes(b []byte) string {
	if n := bytes.IndexByte(b, 0); n >= 0 {
		return string(b[:n])
	}
	return string(b)
}

// walkPointerArray iterates the 8-byte pointer slots in [addr, addr+size)
// resolving each to its (possibly still slid) target before calling fn.
func (f *fixer) walkPointerArray(addr, size uint64, statusLabel string, fn func(ptrAddr, target uint64) error) error {
	for ptrAddr := addr; ptrAddr < addr+size; ptrAddr += 8 {
		f.status.Update("objcfix", "Processing "+statusLabel)
		target, err := f.resolvePointer(ptrAddr)
		if err != nil {
			return err
		}
		if err := fn(ptrAddr, target); err != nil {
			return err
		}
	}
	return nil
}

func (f *fixer) processCategory(addr uint64) (uint64, error) {
	if v, ok := f.categoryCache[addr]; ok {
		return v, nil
	}

	raw, err := f.img.ReadAnyAt(addr, categorySize)
	if err != nil {
		return 0, err
	}
	var def objctypes.CategoryT
	if err := readStruct(raw, &def); err != nil {
		return 0, err
	}

	if def.NameVMAddr != 0 {
		if def.NameVMAddr, err = f.resolvedString(addr + 0); err != nil {
			return 0, err
		}
	}
	var needsFutureClass bool
	if def.ClsVMAddr != 0 {
		clsTarget, err := f.resolvePointer(addr + 8)
		if err != nil {
			return 0, err
		}
		var newCls uint64
		newCls, needsFutureClass = f.processClass(clsTarget)
		def.ClsVMAddr = newCls
	}
	if def.InstanceMethodsVMAddr != 0 {
		t, err := f.resolvePointer(addr + 16)
		if err != nil {
			return 0, err
		}
		if def.InstanceMethodsVMAddr, err = f.processMethodList(t, false); err != nil {
			return 0, err
		}
	}
	if def.ClassMethodsVMAddr != 0 {
		t, err := f.resolvePointer(addr + 24)
		if err != nil {
			return 0, err
		}
		if def.ClassMethodsVMAddr, err = f.processMethodList(t, false); err != nil {
			return 0, err
		}
	}
	if def.ProtocolsVMAddr != 0 {
		t, err := f.resolvePointer(addr + 32)
		if err != nil {
			return 0, err
		}
		if def.ProtocolsVMAddr, err = f.processProtocolList(t); err != nil {
			return 0, err
		}
	}
	if def.InstancePropertiesVMAddr != 0 {
		t, err := f.resolvePointer(addr + 40)
		if err != nil {
			return 0, err
		}
		if def.InstancePropertiesVMAddr, err = f.processPropertyList(t); err != nil {
			return 0, err
		}
	}

	out := make([]byte, categorySize)
	writeStruct(out, def)
	newAddr, err := f.writeOrAppend(addr, out)
	if err != nil {
		return 0, err
	}
	if newAddr != addr {
		f.tracker.Add(newAddr + 0)
		f.tracker.Add(newAddr + 8)
		f.tracker.Add(newAddr + 16)
		f.tracker.Add(newAddr + 24)
		f.tracker.Add(newAddr + 32)
		f.tracker.Add(newAddr + 40)
	}
	if needsFutureClass {
		f.futureClasses = append(f.futureClasses, futureClassPatch{newAddr + 8, def.ClsVMAddr})
	}

	f.categoryCache[addr] = newAddr
	return newAddr, nil
}

// resolvedString is a small convenience: resolve the pointer at
// fieldAddr then pull its referent through processString.
func (f *fixer) resolvedString(fieldAddr uint64) (uint64, error) {
	target, err := f.resolvePointer(fieldAddr)
	if err != nil {
		return 0, err
	}
	return f.processString(target)
}

// processClass processes the class at addr, returning its (possibly
// not-yet-final) new address and whether the caller must defer
// patching the reference to it until finalizeFutureClasses runs. A
// class already being constructed higher up the isa/superclass cycle
// reports needsFuture=true with its ORIGINAL address, to be resolved
// later.
func (f *fixer) processClass(addr uint64) (uint64, bool) {
	if f.classesProcessing[addr] {
		return addr, true
	}
	if v, ok := f.classCache[addr]; ok {
		return v, false
	}
	f.classesProcessing[addr] = true
	defer delete(f.classesProcessing, addr)

	raw, err := f.img.ReadAnyAt(addr, classSize)
	if err != nil {
		f.log.Errorf("objcfix: reading class at %#x: %v", addr, err)
		return addr, false
	}
	var def objctypes.ObjcClass64
	_ = readStruct(raw, &def)

	var needsFutureIsa, needsFutureSuper bool
	if def.IsaVMAddr != 0 {
		isaTarget, err := f.resolvePointer(addr + 0)
		if err == nil {
			def.IsaVMAddr, needsFutureIsa = f.processClass(isaTarget)
		}
	}
	if def.SuperclassVMAddr != 0 {
		superTarget, err := f.resolvePointer(addr + 8)
		if err == nil {
			def.SuperclassVMAddr, needsFutureSuper = f.processClass(superTarget)
		}
	}

	// The method cache and vtable are run-time state, never meaningful
	// to carry across a relink.
	def.MethodCacheBuckets = 0
	def.MethodCacheProperties = 0

	dataField := def.DataVMAddrAndFastFlags
	if dataField != 0 {
		// Low 2 bits mark Swift classes / fast-flags; the data
		// pointer itself is always 8-byte aligned.
		dataTarget, err := f.resolvePointer(addr + 32)
		if err == nil {
			isStubClass := !f.img.ContainsAddr(addr)
			newData, derr := f.processClassData(dataTarget&^0x3, isStubClass)
			if derr == nil {
				def.DataVMAddrAndFastFlags = newData | (dataField & 0x3)
			}
		}
	}

	out := make([]byte, classSize)
	writeStruct(out, def)
	newAddr, err := f.writeOrAppend(addr, out)
	if err != nil {
		f.log.Errorf("objcfix: writing class at %#x: %v", addr, err)
		return addr, false
	}
	if newAddr != addr {
		f.tracker.Add(newAddr + 0)
		f.tracker.Add(newAddr + 8)
		f.tracker.Add(newAddr + 32)
	}

	if needsFutureIsa {
		f.futureClasses = append(f.futureClasses, futureClassPatch{newAddr + 0, def.IsaVMAddr})
	}
	if needsFutureSuper {
		f.futureClasses = append(f.futureClasses, futureClassPatch{newAddr + 8, def.SuperclassVMAddr})
	}

	f.classCache[addr] = newAddr
	return newAddr, false
}

func (f *fixer) processClassData(addr uint64, isStubClass bool) (uint64, error) {
	if v, ok := f.classDataCache[addr]; ok {
		return v, nil
	}

	raw, err := f.img.ReadAnyAt(addr, classDataSize)
	if err != nil {
		return 0, err
	}
	var def objctypes.ClassRO64
	if err := readStruct(raw, &def); err != nil {
		return 0, err
	}

	if def.IvarLayoutVMAddr != 0 {
		t, err := f.resolvePointer(addr + 16)
		if err != nil {
			return 0, err
		}
		if def.IvarLayoutVMAddr, err = f.processInt(t, 1); err != nil {
			return 0, err
		}
	}
	if def.NameVMAddr != 0 {
		if def.NameVMAddr, err = f.resolvedString(addr + 24); err != nil {
			return 0, err
		}
	}
	if def.BaseMethodsVMAddr != 0 {
		t, err := f.resolvePointer(addr + 32)
		if err != nil {
			return 0, err
		}
		if def.BaseMethodsVMAddr, err = f.processMethodList(t, isStubClass); err != nil {
			return 0, err
		}
	}
	if def.BaseProtocolsVMAddr != 0 {
		t, err := f.resolvePointer(addr + 40)
		if err != nil {
			return 0, err
		}
		if def.BaseProtocolsVMAddr, err = f.processProtocolList(t); err != nil {
			return 0, err
		}
	}
	if def.IvarsVMAddr != 0 {
		t, err := f.resolvePointer(addr + 48)
		if err != nil {
			return 0, err
		}
		if def.IvarsVMAddr, err = f.processIvarList(t); err != nil {
			return 0, err
		}
	}
	if def.WeakIvarLayoutVMAddr != 0 {
		t, err := f.resolvePointer(addr + 56)
		if err != nil {
			return 0, err
		}
		if def.WeakIvarLayoutVMAddr, err = f.processInt(t, 1); err != nil {
			return 0, err
		}
	}
	if def.BasePropertiesVMAddr != 0 {
		t, err := f.resolvePointer(addr + 64)
		if err != nil {
			return 0, err
		}
		if def.BasePropertiesVMAddr, err = f.processPropertyList(t); err != nil {
			return 0, err
		}
	}

	out := make([]byte, classDataSize)
	writeStruct(out, def)
	newAddr, err := f.writeOrAppend(addr, out)
	if err != nil {
		return 0, err
	}
	if newAddr != addr {
		for _, off := range []uint64{16, 24, 32, 40, 48, 56, 64} {
			f.tracker.Add(newAddr + off)
		}
	}

	f.classDataCache[addr] = newAddr
	return newAddr, nil
}

func (f *fixer) processIvarList(addr uint64) (uint64, error) {
	if v, ok := f.ivarListCache[addr]; ok {
		return v, nil
	}

	hdr, err := f.img.ReadAnyAt(addr, ivarListHdr)
	if err != nil {
		return 0, err
	}
	entsize, count := readU32(hdr[0:4]), readU32(hdr[4:8])
	if entsize != ivarSize {
		f.log.Errorf("objcfix: ivar list at %#x has entsize %d, want %d", addr, entsize, ivarSize)
		return 0, nil
	}

	out := append([]byte(nil), hdr...)
	for i := uint32(0); i < count; i++ {
		ivarAddr := addr + ivarListHdr + uint64(i)*uint64(entsize)
		raw, err := f.img.ReadAnyAt(ivarAddr, ivarSize)
		if err != nil {
			return 0, err
		}
		var iv objctypes.IvarT
		if err := readStruct(raw, &iv); err != nil {
			return 0, err
		}
		if iv.Offset != 0 {
			t, err := f.resolvePointer(ivarAddr + 0)
			if err != nil {
				return 0, err
			}
			if iv.Offset, err = f.processInt(t, 4); err != nil {
				return 0, err
			}
		}
		if iv.NameVMAddr != 0 {
			if iv.NameVMAddr, err = f.resolvedString(ivarAddr + 8); err != nil {
				return 0, err
			}
		}
		if iv.TypesVMAddr != 0 {
			if iv.TypesVMAddr, err = f.resolvedString(ivarAddr + 16); err != nil {
				return 0, err
			}
		}
		entry := make([]byte, ivarSize)
		writeStruct(entry, iv)
		out = append(out, entry...)
	}

	newAddr, err := f.writeOrAppend(addr, out)
	if err != nil {
		return 0, err
	}
	if newAddr != addr {
		for i := uint32(0); i < count; i++ {
			base := newAddr + ivarListHdr + uint64(i)*uint64(entsize)
			f.tracker.Add(base + 0)
			f.tracker.Add(base + 8)
			f.tracker.Add(base + 16)
		}
	}

	f.ivarListCache[addr] = newAddr
	return newAddr, nil
}

func (f *fixer) processProtocolList(addr uint64) (uint64, error) {
	if v, ok := f.protocolListCache[addr]; ok {
		return v, nil
	}

	hdr, err := f.img.ReadAnyAt(addr, protoListHdr)
	if err != nil {
		return 0, err
	}
	count := readU64(hdr)

	out := append([]byte(nil), hdr...)
	for i := uint64(0); i < count; i++ {
		slotAddr := addr + protoListHdr + i*8
		protoTarget, err := f.resolvePointer(slotAddr)
		if err != nil {
			return 0, err
		}
		newProto, err := f.processProtocol(protoTarget)
		if err != nil {
			return 0, err
		}
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], newProto)
		out = append(out, b[:]...)
	}

	newAddr, err := f.writeOrAppend(addr, out)
	if err != nil {
		return 0, err
	}
	if newAddr != addr {
		for i := uint64(0); i < count; i++ {
			f.tracker.Add(newAddr + protoListHdr + i*8)
		}
	}

	f.protocolListCache[addr] = newAddr
	return newAddr, nil
}

func (f *fixer) processProtocol(addr uint64) (uint64, error) {
	if v, ok := f.protocolCache[addr]; ok {
		return v, nil
	}

	raw, err := f.img.ReadAnyAt(addr, 96)
	if err != nil {
		return 0, err
	}
	var def objctypes.ProtocolT
	if err := readStruct(raw, &def); err != nil {
		return 0, err
	}
	if def.Size < protoBaseSize {
		f.log.Errorf("objcfix: protocol at %#x has implausible size %d", addr, def.Size)
	}

	def.IsaVMAddr = 0

	if def.NameVMAddr != 0 {
		if def.NameVMAddr, err = f.resolvedString(addr + 8); err != nil {
			return 0, err
		}
	}
	if def.ProtocolsVMAddr != 0 {
		t, err := f.resolvePointer(addr + 16)
		if err != nil {
			return 0, err
		}
		if def.ProtocolsVMAddr, err = f.processProtocolList(t); err != nil {
			return 0, err
		}
	}
	if def.InstanceMethodsVMAddr != 0 {
		t, err := f.resolvePointer(addr + 24)
		if err != nil {
			return 0, err
		}
		if def.InstanceMethodsVMAddr, err = f.processMethodList(t, true); err != nil {
			return 0, err
		}
	}
	if def.ClassMethodsVMAddr != 0 {
		t, err := f.resolvePointer(addr + 32)
		if err != nil {
			return 0, err
		}
		if def.ClassMethodsVMAddr, err = f.processMethodList(t, true); err != nil {
			return 0, err
		}
	}
	if def.OptionalInstanceMethodsVMAddr != 0 {
		t, err := f.resolvePointer(addr + 40)
		if err != nil {
			return 0, err
		}
		if def.OptionalInstanceMethodsVMAddr, err = f.processMethodList(t, true); err != nil {
			return 0, err
		}
	}
	if def.OptionalClassMethodsVMAddr != 0 {
		t, err := f.resolvePointer(addr + 48)
		if err != nil {
			return 0, err
		}
		if def.OptionalClassMethodsVMAddr, err = f.processMethodList(t, true); err != nil {
			return 0, err
		}
	}
	if def.InstancePropertiesVMAddr != 0 {
		t, err := f.resolvePointer(addr + 56)
		if err != nil {
			return 0, err
		}
		if def.InstancePropertiesVMAddr, err = f.processPropertyList(t); err != nil {
			return 0, err
		}
	}

	hasExtendedMethodTypes := def.Size >= 80
	if def.ExtendedMethodTypesVMAddr != 0 && hasExtendedMethodTypes {
		if def.ExtendedMethodTypesVMAddr, err = f.resolvedString(addr + 72); err != nil {
			return 0, err
		}
	}
	hasDemangledName := def.Size >= 88
	if def.DemangledNameVMAddr != 0 && hasDemangledName {
		if def.DemangledNameVMAddr, err = f.resolvedString(addr + 80); err != nil {
			return 0, err
		}
	}
	hasClassProperties := def.Size >= 96
	if def.ClassPropertiesVMAddr != 0 && hasClassProperties {
		t, err := f.resolvePointer(addr + 88)
		if err != nil {
			return 0, err
		}
		if def.ClassPropertiesVMAddr, err = f.processPropertyList(t); err != nil {
			return 0, err
		}
	}

	full := make([]byte, 96)
	writeStruct(full, def)
	size := def.Size
	if size == 0 || size > 96 {
		size = 96
	}
	out := full[:size]

	newAddr, err := f.writeOrAppend(addr, out)
	if err != nil {
		return 0, err
	}
	if newAddr != addr {
		for _, off := range []uint64{8, 16, 24, 32, 40, 48, 56} {
			f.tracker.Add(newAddr + off)
		}
		if hasExtendedMethodTypes {
			f.tracker.Add(newAddr + 72)
		}
		if hasDemangledName {
			f.tracker.Add(newAddr + 80)
		}
		if hasClassProperties {
			f.tracker.Add(newAddr + 88)
		}
	}

	f.protocolCache[addr] = newAddr
	return newAddr, nil
}

func (f *fixer) processPropertyList(addr uint64) (uint64, error) {
	if v, ok := f.propertyListCache[addr]; ok {
		return v, nil
	}

	hdr, err := f.img.ReadAnyAt(addr, propertyListHdr)
	if err != nil {
		return 0, err
	}
	entsize, count := readU32(hdr[0:4]), readU32(hdr[4:8])
	if entsize != propertySize {
		f.log.Errorf("objcfix: property list at %#x has entsize %d, want %d", addr, entsize, propertySize)
		return 0, nil
	}

	out := append([]byte(nil), hdr...)
	for i := uint32(0); i < count; i++ {
		propAddr := addr + propertyListHdr + uint64(i)*uint64(entsize)
		raw, err := f.img.ReadAnyAt(propAddr, propertySize)
		if err != nil {
			return 0, err
		}
		var p objctypes.PropertyT
		if err := readStruct(raw, &p); err != nil {
			return 0, err
		}
		if p.NameVMAddr != 0 {
			if p.NameVMAddr, err = f.resolvedString(propAddr + 0); err != nil {
				return 0, err
			}
		}
		if p.AttributesVMAddr != 0 {
			if p.AttributesVMAddr, err = f.resolvedString(propAddr + 8); err != nil {
				return 0, err
			}
		}
		entry := make([]byte, propertySize)
		writeStruct(entry, p)
		out = append(out, entry...)
	}

	newAddr, err := f.writeOrAppend(addr, out)
	if err != nil {
		return 0, err
	}
	if newAddr != addr {
		for i := uint32(0); i < count; i++ {
			base := newAddr + propertyListHdr + uint64(i)*uint64(entsize)
			f.tracker.Add(base + 0)
			f.tracker.Add(base + 8)
		}
	}

	f.propertyListCache[addr] = newAddr
	return newAddr, nil
}

// processMethodList relocates or rewrites the method list at addr. noImp
// zeroes every method's imp field, for protocols (whose methods have no
// bodies) and stub classes (whose bodies live in a different image).
func (f *fixer) processMethodList(addr uint64, noImp bool) (uint64, error) {
	if v, ok := f.methodListCache[addr]; ok {
		return v, nil
	}

	hdr, err := f.img.ReadAnyAt(addr, methodListHdr)
	if err != nil {
		return 0, err
	}
	var ml objctypes.MethodList
	if err := readStruct(hdr, &ml); err != nil {
		return 0, err
	}
	small := ml.UsesRelativeOffsets()
	entsize := ml.EntSize()
	if small && entsize != methodSmallSize {
		f.log.Errorf("objcfix: small method list at %#x has entsize %d, want %d", addr, entsize, methodSmallSize)
		return 0, nil
	}
	if !small && entsize != methodLargeSize {
		f.log.Errorf("objcfix: large method list at %#x has entsize %d, want %d", addr, entsize, methodLargeSize)
		return 0, nil
	}

	out := append([]byte(nil), hdr...)
	var relFixups []struct {
		off    int
		target uint64
	}

	for i := uint32(0); i < ml.Count; i++ {
		methodAddr := addr + methodListHdr + uint64(i)*uint64(entsize)
		methodOff := methodListHdr + int(i)*int(entsize)

		if small {
			raw, err := f.img.ReadAnyAt(methodAddr, methodSmallSize)
			if err != nil {
				return 0, err
			}
			var m objctypes.RelativeMethodT
			if err := readStruct(raw, &m); err != nil {
				return 0, err
			}
			if m.NameOffset != 0 {
				nameAddr := uint64(int64(methodAddr) + int64(m.NameOffset))
				if !f.img.ContainsAddr(nameAddr) {
					f.log.Warnf("objcfix: small method name at %#x resolves outside the image (%#x); offset may not be self-relative", methodAddr, nameAddr)
				}
				newName, err := f.processString(nameAddr)
				if err != nil {
					return 0, err
				}
				m.NameOffset = int32(int64(newName) - int64(methodAddr))
				relFixups = append(relFixups, struct {
					off    int
					target uint64
				}{methodOff, newName})
			}
			if m.TypesOffset != 0 {
				typesAddr := uint64(int64(methodAddr) + 4 + int64(m.TypesOffset))
				newTypes, err := f.processString(typesAddr)
				if err != nil {
					return 0, err
				}
				m.TypesOffset = int32(int64(newTypes) - int64(methodAddr+4))
				relFixups = append(relFixups, struct {
					off    int
					target uint64
				}{methodOff + 4, newTypes})
			}
			if noImp {
				m.ImpOffset = 0
			}
			entry := make([]byte, methodSmallSize)
			writeStruct(entry, m)
			out = append(out, entry...)
			continue
		}

		raw, err := f.img.ReadAnyAt(methodAddr, methodLargeSize)
		if err != nil {
			return 0, err
		}
		var m objctypes.MethodT
		if err := readStruct(raw, &m); err != nil {
			return 0, err
		}
		if m.NameVMAddr != 0 {
			if m.NameVMAddr, err = f.resolvedString(methodAddr + 0); err != nil {
				return 0, err
			}
		}
		if m.TypesVMAddr != 0 {
			if m.TypesVMAddr, err = f.resolvedString(methodAddr + 8); err != nil {
				return 0, err
			}
		}
		if noImp {
			m.ImpVMAddr = 0
		}
		entry := make([]byte, methodLargeSize)
		writeStruct(entry, m)
		out = append(out, entry...)
	}

	if f.img.ContainsAddr(addr) {
		if err := f.img.WriteAt(addr, out); err != nil {
			return 0, err
		}
		if !small {
			for i := uint32(0); i < ml.Count; i++ {
				base := addr + methodListHdr + uint64(i)*uint64(entsize)
				f.tracker.Add(base + 0)
				f.tracker.Add(base + 8)
			}
		}
		f.methodListCache[addr] = addr
		return addr, nil
	}

	newAddr := f.extraDataHead
	for _, fx := range relFixups {
		newVal := int32(int64(fx.target) - int64(newAddr+uint64(fx.off)))
		putU32(out, fx.off, uint32(newVal))
	}
	f.addExtraData(out)
	if !small {
		for i := uint32(0); i < ml.Count; i++ {
			base := newAddr + methodListHdr + uint64(i)*uint64(entsize)
			f.tracker.Add(base + 0)
			f.tracker.Add(base + 8)
		}
	}
	f.methodListCache[addr] = newAddr
	return newAddr, nil
}

func (f *fixer) processString(addr uint64) (uint64, error) {
	if v, ok := f.stringCache[addr]; ok {
		return v, nil
	}
	if f.img.ContainsAddr(addr) {
		f.stringCache[addr] = addr
		return addr, nil
	}
	s, err := f.img.ReadCStringAt(addr)
	if err != nil {
		return 0, err
	}
	newAddr := f.addExtraData(append([]byte(s), 0))
	f.stringCache[addr] = newAddr
	return newAddr, nil
}

func (f *fixer) processInt(addr uint64, size int) (uint64, error) {
	if v, ok := f.intCache[addr]; ok {
		return v, nil
	}
	if f.img.ContainsAddr(addr) {
		f.intCache[addr] = addr
		return addr, nil
	}
	b, err := f.img.ReadAnyAt(addr, size)
	if err != nil {
		return 0, err
	}
	newAddr := f.addExtraData(b)
	f.intCache[addr] = newAddr
	return newAddr, nil
}

// finalizeFutureClasses drains every deferred isa/superclass/category
// pointer patch once the whole metadata graph has a final address.
func (f *fixer) finalizeFutureClasses() {
	extraSegStart := f.extraDataHead - uint64(len(f.extraData))

	for len(f.futureClasses) > 0 {
		patch := f.futureClasses[len(f.futureClasses)-1]
		f.futureClasses = f.futureClasses[:len(f.futureClasses)-1]

		newAddr, needsFuture := f.processClass(patch.targetAddr)
		if needsFuture {
			f.log.Errorf("objcfix: unable to resolve class pointer at %#x", patch.fieldAddr)
			continue
		}

		if patch.fieldAddr >= extraSegStart && patch.fieldAddr < f.extraDataHead {
			off := patch.fieldAddr - extraSegStart
			putU64(f.extraData, int(off), newAddr)
			continue
		}
		if err := f.img.WriteUint64At(patch.fieldAddr, newAddr); err != nil {
			f.log.Errorf("objcfix: patching future class pointer at %#x: %v", patch.fieldAddr, err)
			continue
		}
		f.tracker.Add(patch.fieldAddr)
	}
}

func readStruct(b []byte, v any) error {
	return binary.Read(bytes.NewReader(b), binary.LittleEndian, v)
}

func writeStruct(out []byte, v any) {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, v)
	copy(out, buf.Bytes())
}
