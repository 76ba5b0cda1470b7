// Package slideinfo implements the slide-info rebaser (§4.3): dyld
// shared cache pointers carry their rebase delta folded into the
// pointer value itself instead of a separate rebase-info blob. This
// package walks the V2/V3 chained pointer pages per mapping and writes
// back the plain, unslid pointer value, recording every location it
// touched into a pointer tracker for the later rebase-opcode
// generator. It also exposes a standalone PointerSlider for components
// (the ObjC and stub fixers) that need to resolve one pointer's
// target value without mutating anything.
package slideinfo

import (
	"encoding/binary"
	"math/bits"

	"github.com/pkg/errors"

	"github.com/blacktop/go-dyldextractor/dyldcache"
	"github.com/blacktop/go-dyldextractor/logx"
	"github.com/blacktop/go-dyldextractor/machoimage"
	"github.com/blacktop/go-dyldextractor/ptrtracker"
	"github.com/blacktop/go-dyldextractor/types"
	"github.com/blacktop/go-dyldextractor/xerr"
)

// MappingSlide pairs one cache mapping with its parsed slide-info blob
// and decoded page-starts array.
type MappingSlide struct {
	Mapping    dyldcache.Mapping
	Version    uint32
	V2         *types.DyldCacheSlideInfo2
	V3         *types.DyldCacheSlideInfo3
	PageStarts []uint16
}

// CollectMappingSlides reads every mapping's slide-info header and
// page-starts table up front, so both the rebaser and the pointer
// slider can share one parse.
func CollectMappingSlides(c *dyldcache.Cache) ([]MappingSlide, error) {
	var out []MappingSlide
	for _, m := range c.Mappings {
		if m.SlideInfoOffset == 0 {
			continue
		}

		var versionBuf [4]byte
		if _, err := m.File.Handle.ReadAt(versionBuf[:], int64(m.SlideInfoOffset)); err != nil {
			return nil, errors.Wrap(xerr.ErrChainCorrupt, err.Error())
		}
		version := binary.LittleEndian.Uint32(versionBuf[:])

		ms := MappingSlide{Mapping: m, Version: version}

		switch version {
		case 2:
			var si types.DyldCacheSlideInfo2
			if err := readAt(m.File, int64(m.SlideInfoOffset), &si); err != nil {
				return nil, err
			}
			ms.V2 = &si
			starts, err := readPageStarts(m.File, int64(m.SlideInfoOffset)+int64(si.PageStartsOffset), si.PageStartsCount)
			if err != nil {
				return nil, err
			}
			ms.PageStarts = starts

		case 3:
			var si types.DyldCacheSlideInfo3
			if err := readAt(m.File, int64(m.SlideInfoOffset), &si); err != nil {
				return nil, err
			}
			ms.V3 = &si
			starts, err := readPageStarts(m.File, int64(m.SlideInfoOffset)+types.DyldCacheSlideInfo3Size, si.PageStartsCount)
			if err != nil {
				return nil, err
			}
			ms.PageStarts = starts

		default:
			return nil, errors.Wrapf(xerr.ErrChainCorrupt, "unknown slide info version %d", version)
		}

		out = append(out, ms)
	}
	return out, nil
}

func readAt(sf *dyldcache.SubFile, off int64, v interface{}) error {
	size := binary.Size(v)
	buf := make([]byte, size)
	if _, err := sf.Handle.ReadAt(buf, off); err != nil {
		return errors.Wrap(xerr.ErrChainCorrupt, err.Error())
	}
	return binary.Read(byteReader{buf}, binary.LittleEndian, v)
}

type byteReader struct{ b []byte }

func (r byteReader) Read(p []byte) (int, error) {
	n := copy(p, r.b)
	r.b = r.b[n:]
	return n, nil
}

func readPageStarts(sf *dyldcache.SubFile, off int64, count uint32) ([]uint16, error) {
	buf := make([]byte, int(count)*2)
	if _, err := sf.Handle.ReadAt(buf, off); err != nil {
		return nil, errors.Wrap(xerr.ErrChainCorrupt, err.Error())
	}
	out := make([]uint16, count)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(buf[i*2:])
	}
	return out, nil
}

// Rebase walks every segment of img against the cache's mapping slide
// info, overwriting each chained pointer slot with its plain, unslid
// value and recording the touched vmaddr in tracker.
func Rebase(img *machoimage.Image, slides []MappingSlide, tracker *ptrtracker.Tracker, log logx.Logger) error {
	for _, ms := range slides {
		for _, seg := range img.Segments {
			if !(seg.Addr >= ms.Mapping.Address && seg.Addr < ms.Mapping.Address+ms.Mapping.Size) {
				continue
			}
			switch ms.Version {
			case 2:
				if err := rebaseSegmentV2(img, seg, &ms, tracker, log); err != nil {
					return err
				}
			case 3:
				if err := rebaseSegmentV3(img, seg, &ms, tracker); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func rebaseSegmentV2(img *machoimage.Image, seg *machoimage.Segment, ms *MappingSlide, tracker *ptrtracker.Tracker, log logx.Logger) error {
	dataStart := ms.Mapping.Address
	pageSize := uint64(ms.V2.PageSize)

	startIndex := (seg.Addr - dataStart) / pageSize
	endIndex := ((seg.Addr + seg.Memsz) - dataStart + pageSize) / pageSize
	if int(endIndex) == len(ms.PageStarts)+1 {
		endIndex -= 2
	}
	if endIndex > uint64(len(ms.PageStarts)) {
		endIndex = uint64(len(ms.PageStarts))
	}

	deltaMask := ms.V2.DeltaMask
	valueMask := ^deltaMask
	valueAdd := ms.V2.ValueAdd
	deltaShift := bits.TrailingZeros64(deltaMask) - 2

	for i := startIndex; i < endIndex; i++ {
		page := ms.PageStarts[i]
		if page == types.DyldCacheSlideV2PageStartNone {
			continue
		}
		if page&types.DyldCacheSlideV2PageUsesExtra != 0 {
			pageAddr := i*pageSize + ms.Mapping.Address
			if log != nil {
				log.Warnf("unable to handle slide page extras at %#x", pageAddr)
			}
			continue
		}

		pageAddr := i*pageSize + ms.Mapping.Address
		pageOffset := uint64(page) * 4
		if err := rebasePageV2(img, pageAddr, pageOffset, deltaMask, valueMask, valueAdd, deltaShift, tracker); err != nil {
			return err
		}
	}
	return nil
}

func rebasePageV2(img *machoimage.Image, pageAddr, pageOffset, deltaMask, valueMask, valueAdd uint64, deltaShift int, tracker *ptrtracker.Tracker) error {
	delta := uint64(1)
	for delta != 0 {
		loc := pageAddr + pageOffset
		raw, err := img.ReadUint64At(loc)
		if err != nil {
			return err
		}
		delta = (raw & deltaMask) >> uint(deltaShift)

		newValue := raw & valueMask
		if newValue != 0 {
			newValue += valueAdd
		}
		if err := img.WriteUint64At(loc, newValue); err != nil {
			return err
		}
		tracker.Add(loc)
		pageOffset += delta
	}
	return nil
}

func rebaseSegmentV3(img *machoimage.Image, seg *machoimage.Segment, ms *MappingSlide, tracker *ptrtracker.Tracker) error {
	dataStart := ms.Mapping.Address
	pageSize := uint64(ms.V3.PageSize)

	startIndex := (seg.Addr - dataStart) / pageSize
	endIndex := ((seg.Addr + seg.Memsz) - dataStart + pageSize) / pageSize
	if endIndex > uint64(len(ms.PageStarts)) {
		endIndex = uint64(len(ms.PageStarts))
	}

	for i := startIndex; i < endIndex; i++ {
		page := ms.PageStarts[i]
		if page == types.DyldCacheSlideV3PageStartNone {
			continue
		}
		pageAddr := i*pageSize + ms.Mapping.Address
		if err := rebasePageV3(img, pageAddr, uint64(page), ms.V3.AuthValueAdd, tracker); err != nil {
			return err
		}
	}
	return nil
}

func rebasePageV3(img *machoimage.Image, pageAddr, delta, authValueAdd uint64, tracker *ptrtracker.Tracker) error {
	loc := pageAddr
	for {
		loc += delta
		raw, err := img.ReadUint64At(loc)
		if err != nil {
			return err
		}
		ptr := types.DyldCacheSlidePointer3(raw)
		delta = ptr.NextPointerDelta()

		var newValue uint64
		if ptr.Authenticated() {
			newValue = ptr.AuthTarget(authValueAdd)
		} else {
			newValue = ptr.PlainTarget()
		}

		if err := img.WriteUint64At(loc, newValue); err != nil {
			return err
		}
		tracker.Add(loc)

		if delta == 0 {
			break
		}
	}
	return nil
}

// PointerSlider resolves individual pointer slots to their unslid
// target without mutating the backing image, for components that only
// need to follow a pointer (selrefs, ObjC metadata pointers) rather
// than rewrite the whole image.
type PointerSlider struct {
	cache  *dyldcache.Cache
	slides []MappingSlide
}

// NewPointerSlider parses mapping slide info once for repeated use.
func NewPointerSlider(c *dyldcache.Cache) (*PointerSlider, error) {
	slides, err := CollectMappingSlides(c)
	if err != nil {
		return nil, err
	}
	return &PointerSlider{cache: c, slides: slides}, nil
}

// SlideAddress resolves the pointer stored at vmaddr to its unslid
// target. ok is false if vmaddr isn't covered by any slid mapping.
func (s *PointerSlider) SlideAddress(vmaddr uint64) (target uint64, ok bool, err error) {
	sf, off, err := s.cache.Resolve(vmaddr)
	if err != nil {
		return 0, false, nil
	}
	return s.slideOffset(sf, off)
}

func (s *PointerSlider) slideOffset(sf *dyldcache.SubFile, offset uint64) (uint64, bool, error) {
	for _, ms := range s.slides {
		if ms.Mapping.File != sf {
			continue
		}
		high := ms.Mapping.FileOffset + ms.Mapping.Size
		if offset < ms.Mapping.FileOffset || offset >= high {
			continue
		}

		var raw [8]byte
		if _, err := sf.Handle.ReadAt(raw[:], int64(offset)); err != nil {
			return 0, false, errors.Wrap(xerr.ErrChainCorrupt, err.Error())
		}
		v := binary.LittleEndian.Uint64(raw[:])

		switch ms.Version {
		case 2:
			return v & 0xFFFFFFFFF, true, nil
		case 3:
			ptr := types.DyldCacheSlidePointer3(v)
			if ptr.Authenticated() {
				return ptr.AuthTarget(ms.V3.AuthValueAdd), true, nil
			}
			return ptr.PlainTarget(), true, nil
		}
		return 0, false, nil
	}
	return 0, false, nil
}
