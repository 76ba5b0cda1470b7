// Package objcfix implements the ObjC fixer (spec §4.5): it undoes
// the Objective-C runtime-linker optimizations dyld bakes into a
// shared cache image, so the extracted image can be re-optimized (or
// simply loaded) the way a standalone dylib would be. It allocates a
// new __EXTRA_OBJC segment to hold metadata that, inside the cache,
// lived in a different image, and repoints every selector reference
// and direct selector load it finds at an in-image location.
package objcfix

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/blacktop/go-dyldextractor/dyldcache"
	"github.com/blacktop/go-dyldextractor/logx"
	"github.com/blacktop/go-dyldextractor/machoimage"
	"github.com/blacktop/go-dyldextractor/ptrtracker"
	"github.com/blacktop/go-dyldextractor/slideinfo"
	"github.com/blacktop/go-dyldextractor/types"
	"github.com/blacktop/go-dyldextractor/xerr"
)

// imageInfoOptimizedFlag marks an __objc_imageinfo record as already
// optimized by dyld; the fixer only has work to do when this bit is
// set, and clears it once it has undone that optimization.
const imageInfoOptimizedFlag = 0x8

const (
	extraSegmentName = "__EXTRA_OBJC"
	pageSize         = 0x4000
	segmentCmdSize   = 72 // sizeof(segment_command_64)
	machHeaderSize   = 32 // sizeof(mach_header_64)
)

// fixer carries every piece of state one Fix call threads through its
// metadata graph walk: per-kind dedup caches keyed by original vmaddr,
// the in-flight class guard and deferred-patch list the isa/metaclass
// cycle needs, and the growing __EXTRA_OBJC buffer.
type fixer struct {
	img     *machoimage.Image
	cache   *dyldcache.Cache
	slider  *slideinfo.PointerSlider
	tracker *ptrtracker.Tracker
	log     logx.Logger
	status  logx.Status

	categoryCache      map[uint64]uint64
	classCache         map[uint64]uint64
	classDataCache     map[uint64]uint64
	ivarListCache      map[uint64]uint64
	protocolListCache  map[uint64]uint64
	protocolCache      map[uint64]uint64
	propertyListCache  map[uint64]uint64
	methodListCache    map[uint64]uint64
	stringCache        map[uint64]uint64
	intCache           map[uint64]uint64
	selRefCache        map[uint64]uint64 // load target -> selref slot vmaddr

	classesProcessing map[uint64]bool
	futureClasses     []futureClassPatch

	extraData     []byte
	extraDataBase uint64 // vmaddr the new segment will be placed at
	extraDataHead uint64 // next free vmaddr within the extra segment
	extraDataMax  uint64 // size of the gap the segment was placed in
}

// futureClassPatch records a field that referenced a class still
// being constructed when it was visited; drained once every class has
// finished and has a final address.
type futureClassPatch struct {
	fieldAddr  uint64 // where the pointer needs to be written
	targetAddr uint64 // the class's original (pre-relocation) address
}

// Fix undoes dyld's ObjC optimizations on img: relocates out-of-image
// metadata into a new __EXTRA_OBJC segment, rewrites selector
// references and direct selector loads to target in-image locations,
// and clears the image-info bit marking it as dyld-optimized. It is a
// no-op, logged at debug level, for images that were never optimized.
func Fix(
	img *machoimage.Image,
	cache *dyldcache.Cache,
	slider *slideinfo.PointerSlider,
	tracker *ptrtracker.Tracker,
	log logx.Logger,
	status logx.Status,
) error {
	if status == nil {
		status = logx.NopStatus{}
	}

	optimized, imageInfoAddr, err := readImageInfoFlag(img)
	if err != nil {
		return err
	}
	if !optimized {
		log.Debugf("objcfix: image info not optimized by dyld, skipping")
		return nil
	}

	f := &fixer{
		img: img, cache: cache, slider: slider, tracker: tracker, log: log, status: status,
		categoryCache:     map[uint64]uint64{},
		classCache:        map[uint64]uint64{},
		classDataCache:    map[uint64]uint64{},
		ivarListCache:     map[uint64]uint64{},
		protocolListCache: map[uint64]uint64{},
		protocolCache:     map[uint64]uint64{},
		propertyListCache: map[uint64]uint64{},
		methodListCache:   map[uint64]uint64{},
		stringCache:       map[uint64]uint64{},
		intCache:          map[uint64]uint64{},
		selRefCache:       map[uint64]uint64{},
		classesProcessing: map[uint64]bool{},
	}

	status.Update("objcfix", "finding extra segment gap")
	if err := f.createExtraSegment(); err != nil {
		return err
	}

	status.Update("objcfix", "fixing metadata")
	if err := f.processSections(); err != nil {
		return err
	}
	f.finalizeFutureClasses()

	status.Update("objcfix", "fixing selectors")
	if err := f.fixSelectors(); err != nil {
		return err
	}

	if err := f.addExtraDataSeg(); err != nil {
		return err
	}

	if err := clearImageInfoFlag(img, imageInfoAddr); err != nil {
		return err
	}

	log.Infof("objcfix: added %d bytes to %s", len(f.extraData), extraSegmentName)
	return nil
}

// readImageInfoFlag reads __DATA*,__objc_imageinfo's flags field and
// reports whether the optimized-by-dyld bit is set, along with the
// flags field's own vmaddr so the caller can clear it later.
func readImageInfoFlag(img *machoimage.Image) (optimized bool, flagsAddr uint64, err error) {
	seg, sec := findSection(img, "__objc_imageinfo")
	if seg == nil {
		return false, 0, nil
	}
	// objc_image_info_t is { uint32_t version; uint32_t flags; }.
	flagsAddr = sec.Addr + 4
	v, err := img.ReadAt(flagsAddr, 4)
	if err != nil {
		return false, 0, err
	}
	flags := binary.LittleEndian.Uint32(v)
	return flags&imageInfoOptimizedFlag != 0, flagsAddr, nil
}

func clearImageInfoFlag(img *machoimage.Image, flagsAddr uint64) error {
	v, err := img.ReadAt(flagsAddr, 4)
	if err != nil {
		return err
	}
	flags := binary.LittleEndian.Uint32(v) &^ imageInfoOptimizedFlag
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, flags)
	return img.WriteAt(flagsAddr, out)
}

func findSection(img *machoimage.Image, name string) (*machoimage.Segment, *types.Section64) {
	for _, candidate := range []string{"__DATA_CONST", "__DATA", "__DATA_DIRTY"} {
		if seg, sec := img.Section(candidate, name); seg != nil {
			return seg, sec
		}
	}
	return nil, nil
}

// createExtraSegment finds the largest gap between two adjacent
// segments and reserves it for __EXTRA_OBJC, reclaiming header space
// for the new load command first if needed. It does not yet splice
// the command in: that happens in addExtraDataSeg once the final
// extra-data size is known.
func (f *fixer) createExtraSegment() error {
	segs := f.img.SortedSegments()
	if len(segs) == 0 {
		return errors.Wrap(xerr.ErrContainerParse, "objcfix: image has no segments")
	}
	if cstrName(segs[len(segs)-1]) != "__LINKEDIT" {
		return errors.Wrap(xerr.ErrContainerParse, "objcfix: __LINKEDIT is not the last segment")
	}

	if err := f.checkSpaceConstraints(); err != nil {
		return err
	}

	var bestStart, bestSize uint64
	for i := 0; i+1 < len(segs); i++ {
		gapStart := segs[i].Addr + segs[i].Memsz
		gapEnd := segs[i+1].Addr
		if gapEnd <= gapStart {
			continue
		}
		// The gap available to __EXTRA_OBJC is the space between this
		// segment's end and the next segment's start; the widest raw gap
		// wins, and only its start is rounded up to a page boundary
		// afterwards.
		gapSize := gapEnd - gapStart
		if gapSize > bestSize {
			bestStart, bestSize = gapStart, gapSize
		}
	}
	if bestSize == 0 {
		return errors.Wrap(xerr.ErrInsufficientHeaderSpace, "objcfix: no gap between segments for __EXTRA_OBJC")
	}

	aligned := (bestStart + pageSize - 1) &^ (pageSize - 1)
	bestSize -= aligned - bestStart
	f.extraDataBase = aligned
	f.extraDataHead = aligned
	f.extraDataMax = bestSize
	return nil
}

func cstrName(s *machoimage.Segment) string {
	n := bytes.IndexByte(s.Name[:], 0)
	if n < 0 {
		n = len(s.Name)
	}
	return string(s.Name[:n])
}

// checkSpaceConstraints ensures there's room before __TEXT,__text for
// one more LC_SEGMENT_64 command, reclaiming space from LC_UUID and
// empty generic linkedit_data_command entries if not.
func (f *fixer) checkSpaceConstraints() error {
	textSeg, textSec := f.img.Section("__TEXT", "__text")
	if textSeg == nil {
		return errors.Wrap(xerr.ErrContainerParse, "objcfix: no __TEXT,__text section")
	}
	headerEnd := f.img.Segments[0].Addr + uint64(f.img.Header.SizeCommands) + machHeaderSize

	if headerEnd+segmentCmdSize <= textSec.Addr {
		return nil
	}

	if idx := f.img.UUIDIdx; idx >= 0 {
		freed := uint64(len(f.img.Commands[idx].Raw))
		if err := f.dropCommand(idx); err != nil {
			return err
		}
		headerEnd -= freed
		if headerEnd+segmentCmdSize <= textSec.Addr {
			return nil
		}
	}

	for {
		idx := f.findEmptyLinkeditDataCommand()
		if idx < 0 {
			break
		}
		freed := uint64(len(f.img.Commands[idx].Raw))
		if err := f.dropCommand(idx); err != nil {
			return err
		}
		headerEnd -= freed
		if headerEnd+segmentCmdSize <= textSec.Addr {
			return nil
		}
	}

	return errors.Wrap(xerr.ErrInsufficientHeaderSpace, "objcfix: no room for __EXTRA_OBJC's load command")
}

// genericLinkeditDataCmds names the load command kinds that all share
// the plain { cmd, cmdsize, dataoff, datasize } on-disk shape.
var genericLinkeditDataCmds = map[types.LoadCmd]bool{
	types.LC_SEGMENT_SPLIT_INFO:  true,
	types.LC_FUNCTION_STARTS:     true,
	types.LC_DATA_IN_CODE:        true,
	types.LC_DYLIB_CODE_SIGN_DRS: true,
	types.LC_DYLD_EXPORTS_TRIE:   true,
	types.LC_DYLD_CHAINED_FIXUPS: true,
}

func (f *fixer) findEmptyLinkeditDataCommand() int {
	for i, c := range f.img.Commands {
		if !genericLinkeditDataCmds[c.Cmd] {
			continue
		}
		if len(c.Raw) < 16 {
			continue
		}
		datasize := binary.LittleEndian.Uint32(c.Raw[12:16])
		if datasize == 0 {
			return i
		}
	}
	return -1
}

func (f *fixer) dropCommand(idx int) error {
	cmds := append([]machoimage.Command(nil), f.img.Commands[:idx]...)
	cmds = append(cmds, f.img.Commands[idx+1:]...)
	return f.img.RebuildCommands(cmds)
}

// addExtraDataSeg splices the __EXTRA_OBJC load command in and
// materializes its data, once every process* pass has finished
// appending to f.extraData.
func (f *fixer) addExtraDataSeg() error {
	if len(f.extraData) == 0 {
		return nil
	}
	if uint64(len(f.extraData)) > f.extraDataMax {
		return errors.Wrapf(xerr.ErrExtraSegmentOverflow, "objcfix: needed %#x bytes, gap holds %#x", len(f.extraData), f.extraDataMax)
	}

	size := (uint64(len(f.extraData)) + pageSize - 1) &^ (pageSize - 1)
	data := make([]byte, size)
	copy(data, f.extraData)

	var seg types.Segment64
	copy(seg.Name[:], extraSegmentName)
	seg.Addr = f.extraDataBase
	seg.Memsz = size
	seg.Filesz = size
	seg.Maxprot = 3 // VM_PROT_READ | VM_PROT_WRITE
	seg.Prot = 3

	newSeg, err := f.img.AddSegment(seg, nil, data)
	if err != nil {
		return err
	}
	_ = newSeg
	return nil
}
