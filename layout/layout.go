// Package layout implements the offset layouter (§4.8): the final
// pass over one extracted image that assigns every segment a fresh,
// page-aligned file offset and produces the ordered list of byte
// ranges a writer needs to place at those offsets. It does not write
// anything itself; ExtractImage's caller owns the file.
package layout

import (
	"github.com/pkg/errors"

	"github.com/blacktop/go-dyldextractor/dyldcache"
	"github.com/blacktop/go-dyldextractor/linkedit"
	"github.com/blacktop/go-dyldextractor/logx"
	"github.com/blacktop/go-dyldextractor/machoimage"
	"github.com/blacktop/go-dyldextractor/types"
	"github.com/blacktop/go-dyldextractor/xerr"
)

const pageSize = 0x4000

func alignUp(v uint64) uint64 {
	return (v + pageSize - 1) &^ (pageSize - 1)
}

// WriteProcedure is one instruction to copy Data to DestOffset in the
// output file.
type WriteProcedure struct {
	DestOffset uint64
	Data       []byte
}

// Plan is the write program for one image: the header and load
// commands to place at offset 0, plus the per-segment write
// procedures that follow.
type Plan struct {
	Header     []byte
	Procedures []WriteProcedure
}

// Input bundles the outputs of the upstream fixup passes that the
// relayout step folds into __LINKEDIT's new bytes instead of
// re-deriving them.
type Input struct {
	// Optimized is the linkedit optimizer's rebuilt symtab/strings/
	// indirect symbol table. Required.
	Optimized *linkedit.Result

	// NewRebase, when non-nil, replaces the image's original rebase
	// opcode stream (the rebase generator's minimal replacement for a
	// chained-fixups image's synthesized rebase info). Nil passes the
	// original bytes through unchanged.
	NewRebase []byte
}

// Layout assigns every segment a new 16 KiB page-aligned fileoff in
// load-command order, rebuilds __LINKEDIT at its new offset, shifts
// every section's and LINKEDIT-pointing load command's recorded
// offsets accordingly, and returns the resulting write program.
func Layout(img *machoimage.Image, cache *dyldcache.Cache, in *Input, log logx.Logger) (*Plan, error) {
	if img.Symtab == nil {
		return nil, errors.Wrap(xerr.ErrContainerParse, "image has no LC_SYMTAB")
	}
	linkeditSeg := img.Segment("__LINKEDIT")
	if linkeditSeg == nil {
		return nil, errors.Wrap(xerr.ErrContainerParse, "image has no __LINKEDIT segment")
	}

	head := alignUp(uint64(32) + uint64(img.Header.SizeCommands))

	var procs []WriteProcedure
	for _, seg := range img.Segments {
		newOffset := head

		if seg == linkeditSeg {
			data, err := relinkLinkedit(img, cache, in, newOffset)
			if err != nil {
				return nil, err
			}
			procs = append(procs, WriteProcedure{DestOffset: newOffset, Data: data})
			head = alignUp(newOffset + uint64(len(data)))
			if log != nil {
				log.Debugf("__LINKEDIT relocated dest=%#x size=%#x", newOffset, len(data))
			}
			continue
		}

		delta := int64(newOffset) - int64(seg.Offset)
		data, err := img.SegmentBytes(seg)
		if err != nil {
			return nil, err
		}

		for i := range seg.Sections {
			if seg.Sections[i].Offset != 0 {
				seg.Sections[i].Offset = uint32(int64(seg.Sections[i].Offset) + delta)
			}
		}
		seg.Offset = newOffset
		seg.Filesz = seg.Memsz

		if err := img.SyncSegment(seg); err != nil {
			return nil, err
		}
		if err := img.SyncSegmentSections(seg); err != nil {
			return nil, err
		}
		if log != nil {
			log.Debugf("segment relocated dest=%#x size=%#x delta=%+d", newOffset, len(data), delta)
		}

		procs = append(procs, WriteProcedure{DestOffset: newOffset, Data: data})
		head = alignUp(newOffset + uint64(len(data)))
	}

	header, err := img.HeaderBytes()
	if err != nil {
		return nil, err
	}

	return &Plan{Header: header, Procedures: procs}, nil
}

// relinkLinkedit concatenates the optimized symtab/strings/indirect
// symbol table with the image's untouched dyld_info and generic
// linkedit_data_command blobs into one new contiguous region at
// newOffset, patching every load command that records an offset into
// it.
func relinkLinkedit(img *machoimage.Image, cache *dyldcache.Cache, in *Input, newOffset uint64) ([]byte, error) {
	linkeditSeg := img.Segment("__LINKEDIT")
	src, _, err := cache.Resolve(linkeditSeg.Addr)
	if err != nil {
		return nil, err
	}

	var out []byte
	place := func(data []byte, zeroIfEmpty bool) (off, size uint32) {
		size = uint32(len(data))
		if size == 0 && zeroIfEmpty {
			off = 0
		} else {
			off = uint32(newOffset) + uint32(len(out))
		}
		out = append(out, data...)
		if pad := (8 - len(data)%8) % 8; pad > 0 {
			out = append(out, make([]byte, pad)...)
		}
		return off, size
	}

	opt := in.Optimized
	var symOff, symSize, strOff, strSize uint32

	if img.Dysymtab != nil {
		symOff, symSize = place(opt.Symbols, true)
		indOff, indSize := place(opt.IndirectSyms, true)
		strOff, strSize = place(opt.Strings, true)

		dysym := opt.Dysymtab
		dysym.Indirectsymoff = indOff
		dysym.Nindirectsyms = indSize / 4
		*img.Dysymtab = dysym
		if err := img.SyncDysymtab(); err != nil {
			return nil, err
		}
	} else {
		symOff, symSize = place(opt.Symbols, true)
		strOff, strSize = place(opt.Strings, true)
	}

	img.Symtab.Symoff = symOff
	img.Symtab.Nsyms = symSize / types.Nlist64Size
	img.Symtab.Stroff = strOff
	img.Symtab.Strsize = strSize
	if err := img.SyncSymtab(); err != nil {
		return nil, err
	}

	if img.DyldInfo != nil {
		rebase := in.NewRebase
		if rebase == nil {
			rebase, err = readBlob(src, img.DyldInfo.RebaseOff, img.DyldInfo.RebaseSize)
			if err != nil {
				return nil, err
			}
		}
		bind, err := readBlob(src, img.DyldInfo.BindOff, img.DyldInfo.BindSize)
		if err != nil {
			return nil, err
		}
		weakBind, err := readBlob(src, img.DyldInfo.WeakBindOff, img.DyldInfo.WeakBindSize)
		if err != nil {
			return nil, err
		}
		lazyBind, err := readBlob(src, img.DyldInfo.LazyBindOff, img.DyldInfo.LazyBindSize)
		if err != nil {
			return nil, err
		}
		export, err := readBlob(src, img.DyldInfo.ExportOff, img.DyldInfo.ExportSize)
		if err != nil {
			return nil, err
		}

		img.DyldInfo.RebaseOff, img.DyldInfo.RebaseSize = place(rebase, true)
		img.DyldInfo.BindOff, img.DyldInfo.BindSize = place(bind, true)
		img.DyldInfo.WeakBindOff, img.DyldInfo.WeakBindSize = place(weakBind, true)
		img.DyldInfo.LazyBindOff, img.DyldInfo.LazyBindSize = place(lazyBind, true)
		img.DyldInfo.ExportOff, img.DyldInfo.ExportSize = place(export, true)
		if err := img.SyncDyldInfo(); err != nil {
			return nil, err
		}
	}

	for _, e := range img.LinkEditEntries() {
		data, err := readBlob(src, e.Offset, e.Size)
		if err != nil {
			return nil, err
		}
		// Generic linkedit_data_command offsets are always rewritten to
		// the new position, even for a zero-size blob.
		newOff, newSize := place(data, false)
		if err := img.SetLinkEditEntry(e.Index, newOff, newSize); err != nil {
			return nil, err
		}
	}

	linkeditSeg.Offset = newOffset
	linkeditSeg.Filesz = uint64(len(out))
	linkeditSeg.Memsz = uint64(len(out))
	if err := img.SyncSegment(linkeditSeg); err != nil {
		return nil, err
	}

	return out, nil
}

func readBlob(sf *dyldcache.SubFile, off, size uint32) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	buf := make([]byte, size)
	if _, err := sf.Handle.ReadAt(buf, int64(off)); err != nil {
		return nil, errors.Wrap(xerr.ErrContainerParse, err.Error())
	}
	return buf, nil
}
