// Package dyldcache implements the cache container (spec §4.1): it
// opens a main dyld shared cache file plus any sibling sub-cache
// files, builds one unified list of vmaddr-range mappings, and
// resolves any address in that space back to the backing file and
// file offset that holds its bytes.
package dyldcache

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/blacktop/go-dyldextractor/types"
	"github.com/blacktop/go-dyldextractor/xerr"
)

// SubFile is one backing file of the cache: the main cache itself, or
// one of its `.N` / `.symbols` siblings.
type SubFile struct {
	Path   string
	Handle *os.File
	Header types.DyldCacheHeader
}

// Mapping is one vmaddr-range → (file, offset) entry, extended with
// the optional per-mapping slide-info location.
type Mapping struct {
	types.DyldCacheMappingInfo
	SlideInfoOffset uint64
	SlideInfoSize   uint64
	File            *SubFile
}

func (m Mapping) contains(vmaddr uint64) bool {
	return vmaddr >= m.Address && vmaddr < m.Address+m.Size
}

// Image is one entry of the cache's image table.
type Image struct {
	Name           string
	Address        uint64
	ModTime        uint64
	Inode          uint64
	PathFileOffset uint32
}

// Cache is the opened, unified view of a dyld shared cache and all of
// its sub-caches.
type Cache struct {
	Main         *SubFile
	SubFiles     []*SubFile
	Mappings     []Mapping
	Images       []Image
	symbolsCache *SubFile
}

// Open parses the main cache file at path and, per spec §4.1, any
// sibling sub-caches implied by its header (subCacheArrayCount>0 or a
// non-zero symbolFileUUID).
func Open(path string) (*Cache, error) {
	path, err := resolveSymlink(path)
	if err != nil {
		return nil, err
	}

	main, err := openSubFile(path)
	if err != nil {
		return nil, err
	}

	c := &Cache{Main: main}
	c.Mappings, err = readMappings(main)
	if err != nil {
		return nil, err
	}

	c.Images, err = readImages(main)
	if err != nil {
		return nil, err
	}

	if err := c.openSubCaches(path); err != nil {
		return nil, err
	}

	return c, nil
}

func resolveSymlink(path string) (string, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return "", errors.Wrapf(err, "stat %s", path)
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return path, nil
	}
	target, err := os.Readlink(path)
	if err != nil {
		return "", errors.Wrapf(err, "readlink %s", path)
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(path), target)
	}
	return target, nil
}

func openSubFile(path string) (*SubFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	sf := &SubFile{Path: path, Handle: f}
	if err := readHeaderInto(f, &sf.Header); err != nil {
		f.Close()
		return nil, err
	}
	if string(sf.Header.Magic[:4]) != "dyld" {
		f.Close()
		return nil, errors.Wrapf(xerr.ErrContainerParse, "%s: bad magic %q", path, sf.Header.Magic[:4])
	}
	return sf, nil
}

func readHeaderInto(r io.ReaderAt, h *types.DyldCacheHeader) error {
	buf := make([]byte, 512)
	if _, err := r.ReadAt(buf, 0); err != nil && err != io.EOF {
		return errors.Wrap(xerr.ErrContainerParse, err.Error())
	}
	if err := binary.Read(sliceReader{buf}, binary.LittleEndian, h); err != nil {
		return errors.Wrap(xerr.ErrContainerParse, err.Error())
	}
	return nil
}

// sliceReader adapts a byte slice to io.Reader for binary.Read without
// an extra allocation per field.
type sliceReader struct{ b []byte }

func (s sliceReader) Read(p []byte) (int, error) {
	n := copy(p, s.b)
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	s.b = s.b[n:]
	return n, nil
}

func readMappings(sf *SubFile) ([]Mapping, error) {
	h := &sf.Header
	var out []Mapping

	if h.HeaderFieldPresent(types.OffMappingWithSlideCount) && h.MappingWithSlideOffset != 0 {
		for i := uint32(0); i < h.MappingWithSlideCount; i++ {
			off := int64(h.MappingWithSlideOffset) + int64(i)*types.DyldCacheMappingAndSlideInfoSize
			var mi types.DyldCacheMappingAndSlideInfo
			if err := readStruct(sf.Handle, off, &mi); err != nil {
				return nil, err
			}
			out = append(out, Mapping{
				DyldCacheMappingInfo: types.DyldCacheMappingInfo{
					Address: mi.Address, Size: mi.Size, FileOffset: mi.FileOffset,
					MaxProt: mi.MaxProt, InitProt: mi.InitProt,
				},
				SlideInfoOffset: mi.SlideInfoFileOffset,
				SlideInfoSize:   mi.SlideInfoFileSize,
				File:            sf,
			})
		}
		return out, nil
	}

	for i := uint32(0); i < h.MappingCount; i++ {
		off := int64(h.MappingOffset) + int64(i)*types.DyldCacheMappingInfoSize
		var mi types.DyldCacheMappingInfo
		if err := readStruct(sf.Handle, off, &mi); err != nil {
			return nil, err
		}
		m := Mapping{DyldCacheMappingInfo: mi, File: sf}
		// Legacy layout: slide info, if any, belongs only to mapping[1].
		if i == 1 && h.SlideInfoOffsetUnused != 0 {
			m.SlideInfoOffset = h.SlideInfoOffsetUnused
			m.SlideInfoSize = h.SlideInfoSizeUnused
		}
		out = append(out, m)
	}
	return out, nil
}

func readImages(sf *SubFile) ([]Image, error) {
	h := &sf.Header
	count, offset := h.ImagesCountOld, h.ImagesOffsetOld
	if h.HeaderFieldPresent(types.OffImagesCount) && h.ImagesCount != 0 {
		count, offset = h.ImagesCount, h.ImagesOffset
	}

	out := make([]Image, 0, count)
	for i := uint32(0); i < count; i++ {
		off := int64(offset) + int64(i)*types.DyldCacheImageInfoSize
		var ii types.DyldCacheImageInfo
		if err := readStruct(sf.Handle, off, &ii); err != nil {
			return nil, err
		}
		name, err := readCString(sf.Handle, int64(ii.PathFileOffset))
		if err != nil {
			return nil, err
		}
		out = append(out, Image{
			Name: name, Address: ii.Address, ModTime: ii.ModTime,
			Inode: ii.Inode, PathFileOffset: ii.PathFileOffset,
		})
	}
	return out, nil
}

// hasSubCaches mirrors the Python original's check: either a non-zero
// subCacheArrayCount, or a non-empty symbolFileUUID (the .symbols
// sibling is implicit and not counted in subCacheArrayCount).
func hasSubCaches(h *types.DyldCacheHeader) bool {
	if h.HeaderFieldPresent(types.OffSubCacheArrayCount) && h.SubCacheArrayCount != 0 {
		return true
	}
	if h.HeaderFieldPresent(types.OffSymbolFileUUID) && h.SymbolFileUUID != ([16]byte{}) {
		return true
	}
	return false
}

func (c *Cache) openSubCaches(mainPath string) error {
	h := &c.Main.Header
	if !hasSubCaches(h) {
		return nil
	}

	base := mainPath

	usesV2 := h.UsesV2SubCacheEntries()
	for i := uint32(0); i < h.SubCacheArrayCount; i++ {
		var subPath string
		if usesV2 {
			var e types.DyldSubcacheEntry2
			off := int64(h.SubCacheArrayOffset) + int64(i)*types.DyldSubcacheEntry2Size
			if err := readStruct(c.Main.Handle, off, &e); err != nil {
				return err
			}
			subPath = base + e.Extension()
		} else {
			subPath = fmt.Sprintf("%s.%d", base, i+1)
		}

		sf, err := openSubFile(subPath)
		if err != nil {
			return err
		}
		c.SubFiles = append(c.SubFiles, sf)

		subMappings, err := readMappings(sf)
		if err != nil {
			return err
		}
		c.Mappings = append(c.Mappings, subMappings...)
	}

	if h.HeaderFieldPresent(types.OffSymbolFileUUID) && h.SymbolFileUUID != ([16]byte{}) {
		symPath := base + ".symbols"
		sf, err := openSubFile(symPath)
		if err != nil {
			return err
		}
		c.SubFiles = append(c.SubFiles, sf)
		if sf.Header.UUID == h.SymbolFileUUID {
			c.symbolsCache = sf
		}
		subMappings, err := readMappings(sf)
		if err != nil {
			return err
		}
		c.Mappings = append(c.Mappings, subMappings...)
	}

	sort.Slice(c.Mappings, func(i, j int) bool { return c.Mappings[i].Address < c.Mappings[j].Address })
	return nil
}

// Resolve implements `resolve(vmaddr) → (file, offset)`: a linear scan
// of the unified mapping list, failing with ErrMappingMiss if vmaddr
// falls outside every range.
func (c *Cache) Resolve(vmaddr uint64) (*SubFile, uint64, error) {
	for _, m := range c.Mappings {
		if m.contains(vmaddr) {
			return m.File, m.FileOffset + (vmaddr - m.Address), nil
		}
	}
	return nil, 0, errors.Wrapf(xerr.ErrMappingMiss, "vmaddr %#x", vmaddr)
}

// MappingFor returns the mapping covering vmaddr, if any.
func (c *Cache) MappingFor(vmaddr uint64) (Mapping, bool) {
	for _, m := range c.Mappings {
		if m.contains(vmaddr) {
			return m, true
		}
	}
	return Mapping{}, false
}

// SymbolsCache returns the `.symbols` sub-cache, matched by UUID
// against the main header's symbolFileUUID, or the main cache itself
// if there are no sub-caches at all.
func (c *Cache) SymbolsCache() *SubFile {
	if c.symbolsCache != nil {
		return c.symbolsCache
	}
	if len(c.SubFiles) == 0 {
		return c.Main
	}
	return nil
}

// ReadCString reads a NUL-terminated string at a file offset in sf.
func (c *Cache) ReadCString(sf *SubFile, offset int64) (string, error) {
	return readCString(sf.Handle, offset)
}

func readCString(r io.ReaderAt, offset int64) (string, error) {
	var sb strings.Builder
	buf := make([]byte, 1)
	for {
		if _, err := r.ReadAt(buf, offset); err != nil {
			return "", errors.Wrap(xerr.ErrContainerParse, err.Error())
		}
		if buf[0] == 0 {
			break
		}
		sb.WriteByte(buf[0])
		offset++
	}
	return sb.String(), nil
}

func readStruct(r io.ReaderAt, offset int64, v interface{}) error {
	size := binary.Size(v)
	buf := make([]byte, size)
	if _, err := r.ReadAt(buf, offset); err != nil {
		return errors.Wrap(xerr.ErrContainerParse, err.Error())
	}
	return binary.Read(sliceReader{buf}, binary.LittleEndian, v)
}

// Close releases every backing file handle.
func (c *Cache) Close() error {
	var first error
	if err := c.Main.Handle.Close(); err != nil {
		first = err
	}
	for _, sf := range c.SubFiles {
		if err := sf.Handle.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
