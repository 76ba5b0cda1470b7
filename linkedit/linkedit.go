// Package linkedit implements the LINKEDIT optimizer (§4.6). A shared
// cache's symbol table, string pool, and indirect symbol table are one
// giant region shared by every image in the cache; an extracted image
// only needs the slivers that actually name its own local, exported,
// and imported symbols. This package rebuilds those three private,
// right-sized linkedit blobs for one image, leaving the untouched
// dyld_info and linkedit_data_command blobs (rebase/bind/export,
// function starts, data in code, and friends) for the layout package
// to reposition alongside them.
package linkedit

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/blacktop/go-dyldextractor/dyldcache"
	"github.com/blacktop/go-dyldextractor/logx"
	"github.com/blacktop/go-dyldextractor/machoimage"
	"github.com/blacktop/go-dyldextractor/types"
	"github.com/blacktop/go-dyldextractor/xerr"
)

const redactedSymbolName = "<redacted>"

// Result holds the rebuilt linkedit content. Offset fields in Dysymtab
// are left as counts only (Ilocalsym/Nlocalsym/...); Symoff/Stroff and
// Indirectsymoff are assigned by the layout package once it decides
// where these blobs land in the new file.
type Result struct {
	Symbols      []byte
	Strings      []byte
	IndirectSyms []byte

	Dysymtab types.DysymtabCmd

	// HasRedactedIndirect is set when at least one indirect symbol
	// table entry pointed at the zeroth (stripped) symbol; the stub
	// fixer uses this to decide whether it needs to synthesize
	// replacement indirect entries pointing at the redacted symbol
	// this package adds to the symbol table.
	HasRedactedIndirect bool
}

// stringPool dedups symbol names into one contiguous blob. Index 0 is
// always the empty string, matching the historical nlist convention
// that n_strx == 0 means "no name".
type stringPool struct {
	buf []byte
	idx map[string]uint32
}

func newStringPool() *stringPool {
	return &stringPool{buf: []byte{0}, idx: map[string]uint32{"": 0}}
}

func (p *stringPool) add(s string) uint32 {
	if off, ok := p.idx[s]; ok {
		return off
	}
	off := uint32(len(p.buf))
	p.buf = append(p.buf, []byte(s)...)
	p.buf = append(p.buf, 0)
	p.idx[s] = off
	return off
}

// optimizer holds the state threaded through one image's rebuild.
type optimizer struct {
	img       *machoimage.Image
	cache     *dyldcache.Cache
	linkedit  *dyldcache.SubFile
	log       logx.Logger

	strs         *stringPool
	symbols      []byte // packed nlist_64 entries
	count        uint32
	indirectSyms []byte

	oldToNew map[uint32]uint32

	localStart, localCount       uint32
	exportedStart, exportedCount uint32
	importedStart, importedCount uint32

	hasRedacted bool
}

// Optimize rebuilds img's private symbol table, string pool, and
// indirect symbol table out of the cache's shared linkedit region.
func Optimize(img *machoimage.Image, cache *dyldcache.Cache, log logx.Logger) (*Result, error) {
	if img.Symtab == nil {
		return nil, errors.Wrap(xerr.ErrContainerParse, "image has no LC_SYMTAB")
	}

	linkeditSeg := img.Segment("__LINKEDIT")
	if linkeditSeg == nil {
		return nil, errors.Wrap(xerr.ErrContainerParse, "image has no __LINKEDIT segment")
	}
	linkedit, _, err := cache.Resolve(linkeditSeg.Addr)
	if err != nil {
		return nil, err
	}

	o := &optimizer{
		img: img, cache: cache, linkedit: linkedit, log: log,
		strs: newStringPool(), oldToNew: map[uint32]uint32{},
	}

	if img.Dysymtab != nil {
		if err := o.addRedactedSymbol(); err != nil {
			return nil, err
		}
		if err := o.copyLocalSymbols(); err != nil {
			return nil, err
		}
		if err := o.copyExportedSymbols(); err != nil {
			return nil, err
		}
		// Must run after exported symbols so oldToNew is complete for
		// every defined-symbol index before stub fixing needs it, and
		// last among the copy passes per the stub fixer's ordering.
		if err := o.copyImportedSymbols(); err != nil {
			return nil, err
		}
		if err := o.copyIndirectSymbolTable(); err != nil {
			return nil, err
		}
	} else if o.log != nil {
		o.log.Warnf("image has no LC_DYSYMTAB, skipping symbol optimization")
	}

	dysym := types.DysymtabCmd{}
	if img.Dysymtab != nil {
		dysym = *img.Dysymtab
	}
	dysym.Ilocalsym = o.localStart
	dysym.Nlocalsym = o.localCount
	dysym.Iextdefsym = o.exportedStart
	dysym.Nextdefsym = o.exportedCount
	dysym.Iundefsym = o.importedStart
	dysym.Nundefsym = o.importedCount
	dysym.Tocoffset = 0
	dysym.Ntoc = 0
	dysym.Modtaboff = 0
	dysym.Nmodtab = 0
	dysym.Extrefsymoff = 0
	dysym.Locreloff = 0
	dysym.Nlocrel = 0

	return &Result{
		Symbols:             o.symbols,
		Strings:             o.strs.buf,
		IndirectSyms:        o.indirectSyms,
		Dysymtab:            dysym,
		HasRedactedIndirect: o.hasRedacted,
	}, nil
}

// addRedactedSymbol scans the image's indirect symbol table for an
// entry pointing at the stripped zeroth symbol, and if found adds one
// "<redacted>" entry to the new symbol table so downstream tools don't
// misname the stub it belongs to. Stops at the first one found: its
// only purpose is to give the stub fixer somewhere to point, not to
// model every redacted slot.
func (o *optimizer) addRedactedSymbol() error {
	dys := o.img.Dysymtab
	buf := make([]byte, 4)
	for i := uint32(0); i < dys.Nindirectsyms; i++ {
		off := int64(dys.Indirectsymoff) + int64(i)*4
		if _, err := o.linkedit.Handle.ReadAt(buf, off); err != nil {
			return errors.Wrap(xerr.ErrContainerParse, err.Error())
		}
		if binary.LittleEndian.Uint32(buf) != 0 {
			continue
		}

		o.hasRedacted = true
		strx := o.strs.add(redactedSymbolName)
		o.appendSymbol(types.Nlist64{Strx: strx, Type: 1})
		break
	}
	return nil
}

func (o *optimizer) appendSymbol(n types.Nlist64) {
	var buf [types.Nlist64Size]byte
	binary.LittleEndian.PutUint32(buf[0:], n.Strx)
	buf[4] = n.Type
	buf[5] = n.Sect
	binary.LittleEndian.PutUint16(buf[6:], n.Desc)
	binary.LittleEndian.PutUint64(buf[8:], n.Value)
	o.symbols = append(o.symbols, buf[:]...)
	o.count++
}

func readNlist(b []byte) types.Nlist64 {
	return types.Nlist64{
		Strx:  binary.LittleEndian.Uint32(b[0:]),
		Type:  b[4],
		Sect:  b[5],
		Desc:  binary.LittleEndian.Uint16(b[6:]),
		Value: binary.LittleEndian.Uint64(b[8:]),
	}
}

// copyLocalSymbols pulls this image's own slice out of the `.symbols`
// sub-cache's shared local-symbols chunk, keyed by the offset of its
// __TEXT vmaddr from the shared region base.
func (o *optimizer) copyLocalSymbols() error {
	o.localStart = o.count

	ls, err := o.cache.LocalSymbols()
	if err != nil {
		if o.log != nil {
			o.log.Warnf("unable to read local symbols: %v", err)
		}
		return nil
	}

	textSeg := o.img.Segment("__TEXT")
	if textSeg == nil {
		return errors.Wrap(xerr.ErrContainerParse, "image has no __TEXT segment")
	}
	dylibOffset := textSeg.Addr - o.cache.Main.Header.SharedRegionStart

	var entry *dyldcache.LocalSymbolsEntry
	for i := range ls.Entries {
		if ls.Entries[i].DylibOffset == dylibOffset {
			entry = &ls.Entries[i]
			break
		}
	}
	if entry == nil {
		if o.log != nil {
			o.log.Warnf("unable to find local symbol entries for this image")
		}
		return nil
	}

	for i := uint32(0); i < entry.NlistCount; i++ {
		idx := entry.NlistStartIndex + i
		rec := readNlist(ls.NlistData[int(idx)*types.Nlist64Size:])
		name := cStringAt(ls.StrData, int(rec.Strx))

		rec.Strx = o.strs.add(name)
		o.appendSymbol(rec)
		o.localCount++
	}
	return nil
}

// copyExportedSymbols copies the image's own defined-symbol range out
// of the shared symtab, recording each old index's new position for
// the indirect symbol table remap.
func (o *optimizer) copyExportedSymbols() error {
	o.exportedStart = o.count
	if o.img.Dysymtab == nil {
		return nil
	}
	return o.copyDefinedRange(o.img.Dysymtab.Iextdefsym, o.img.Dysymtab.Nextdefsym, &o.exportedCount)
}

// copyImportedSymbols copies the image's undefined (imported) symbol
// range the same way as copyExportedSymbols.
func (o *optimizer) copyImportedSymbols() error {
	o.importedStart = o.count
	if o.img.Dysymtab == nil {
		return nil
	}
	return o.copyDefinedRange(o.img.Dysymtab.Iundefsym, o.img.Dysymtab.Nundefsym, &o.importedCount)
}

func (o *optimizer) copyDefinedRange(start, count uint32, outCount *uint32) error {
	symtab := o.img.Symtab
	buf := make([]byte, types.Nlist64Size)
	for i := uint32(0); i < count; i++ {
		entryIndex := start + i
		off := int64(symtab.Symoff) + int64(entryIndex)*types.Nlist64Size
		if _, err := o.linkedit.Handle.ReadAt(buf, off); err != nil {
			return errors.Wrap(xerr.ErrContainerParse, err.Error())
		}
		rec := readNlist(buf)

		name, err := o.cache.ReadCString(o.linkedit, int64(symtab.Stroff)+int64(rec.Strx))
		if err != nil {
			return err
		}

		o.oldToNew[entryIndex] = o.count
		rec.Strx = o.strs.add(name)
		o.appendSymbol(rec)
		*outCount++
	}
	return nil
}

func (o *optimizer) copyIndirectSymbolTable() error {
	dys := o.img.Dysymtab
	buf := make([]byte, 4)
	for i := uint32(0); i < dys.Nindirectsyms; i++ {
		off := int64(dys.Indirectsymoff) + int64(i)*4
		if _, err := o.linkedit.Handle.ReadAt(buf, off); err != nil {
			return errors.Wrap(xerr.ErrContainerParse, err.Error())
		}
		symbolIndex := binary.LittleEndian.Uint32(buf)

		if symbolIndex == types.IndirectSymbolAbs || symbolIndex == types.IndirectSymbolLocal || symbolIndex == 0 {
			o.indirectSyms = append(o.indirectSyms, buf...)
			continue
		}

		newIndex, ok := o.oldToNew[symbolIndex]
		if !ok {
			return errors.Wrapf(xerr.ErrSymbolLookup, "indirect symbol table entry %d has no mapped symbol", symbolIndex)
		}
		var out [4]byte
		binary.LittleEndian.PutUint32(out[:], newIndex)
		o.indirectSyms = append(o.indirectSyms, out[:]...)
	}
	return nil
}

func cStringAt(b []byte, off int) string {
	if off < 0 || off >= len(b) {
		return ""
	}
	end := off
	for end < len(b) && b[end] != 0 {
		end++
	}
	return string(b[off:end])
}
