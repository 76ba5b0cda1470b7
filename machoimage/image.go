// Package machoimage implements the Mach-O container (spec §4.2): a
// mutable view of one 64-bit image living at an offset inside a dyld
// shared cache. Unlike a plain Mach-O reader, every read and write
// here is addressed by vmaddr and routed through the cache's mapping
// table, because a single image's bytes can span more than one
// sub-cache file.
package machoimage

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"

	"github.com/blacktop/go-dyldextractor/dyldcache"
	"github.com/blacktop/go-dyldextractor/types"
	"github.com/blacktop/go-dyldextractor/xerr"
)

// Command is one raw load command: its parsed kind plus the
// untouched bytes (including the 8-byte cmd/cmdsize header), kept
// around so commands this package has no typed view for round-trip
// unmodified.
type Command struct {
	Cmd LoadCmdView
	Raw []byte
}

type LoadCmdView = types.LoadCmd

// Segment is one parsed LC_SEGMENT_64, with a lazily-loaded mutable
// byte buffer backing reads and writes against its vmaddr range.
type Segment struct {
	types.Segment64
	Sections []types.Section64

	cmdIndex int // index into Image.Commands

	data   []byte
	loaded bool
}

// Image is the mutable view of one Mach-O image inside a dyld shared
// cache.
type Image struct {
	Cache      *dyldcache.Cache
	SubFile    *dyldcache.SubFile
	FileOffset uint64

	Header   types.FileHeader
	Commands []Command

	Segments    []*Segment
	segByName   map[string]*Segment
	Symtab      *types.SymtabCmd
	symtabIdx   int
	Dysymtab    *types.DysymtabCmd
	dysymtabIdx int
	DyldInfo    *types.DyldInfoCmd
	dyldInfoIdx int
	UUIDIdx     int // -1 if absent
	LoadDylibs  []DylibRef
}

// DylibRef is one LC_LOAD_DYLIB/LC_REEXPORT_DYLIB/LC_LOAD_WEAK_DYLIB
// dependency, with the flag distinguishing reexports since the
// symbolizer's dependency walk needs to treat them specially.
type DylibRef struct {
	Name      string
	Reexport  bool
	Weak      bool
}

const machHeader64Size = 32

// Parse reads a 64-bit Mach-O header and load commands at fileOffset
// in sf, routing segment content reads lazily through cache.
func Parse(cache *dyldcache.Cache, sf *dyldcache.SubFile, fileOffset uint64) (*Image, error) {
	hdrBuf := make([]byte, machHeader64Size)
	if _, err := sf.Handle.ReadAt(hdrBuf, int64(fileOffset)); err != nil {
		return nil, errors.Wrap(xerr.ErrContainerParse, err.Error())
	}

	var h types.FileHeader
	if err := binary.Read(bytes.NewReader(hdrBuf), binary.LittleEndian, &h); err != nil {
		return nil, errors.Wrap(xerr.ErrContainerParse, err.Error())
	}
	if h.Magic != types.Magic64 {
		return nil, errors.Wrapf(xerr.ErrContainerParse, "unsupported magic %#x (32-bit Mach-O is out of scope)", uint32(h.Magic))
	}

	img := &Image{
		Cache: cache, SubFile: sf, FileOffset: fileOffset,
		Header: h, UUIDIdx: -1, dyldInfoIdx: -1,
	}

	cmdsBuf := make([]byte, h.SizeCommands)
	if _, err := sf.Handle.ReadAt(cmdsBuf, int64(fileOffset)+machHeader64Size); err != nil {
		return nil, errors.Wrap(xerr.ErrContainerParse, err.Error())
	}

	if err := img.decodeCommands(cmdsBuf); err != nil {
		return nil, err
	}
	return img, nil
}

func (img *Image) decodeCommands(buf []byte) error {
	img.Commands = img.Commands[:0]
	img.Segments = nil
	img.segByName = map[string]*Segment{}
	img.Symtab = nil
	img.symtabIdx = -1
	img.Dysymtab = nil
	img.dysymtabIdx = -1
	img.DyldInfo = nil
	img.dyldInfoIdx = -1
	img.UUIDIdx = -1
	img.LoadDylibs = nil

	off := 0
	for i := uint32(0); i < img.Header.NCommands; i++ {
		if off+8 > len(buf) {
			return errors.Wrapf(xerr.ErrContainerParse, "load command %d runs past sizeofcmds", i)
		}
		cmd := types.LoadCmd(binary.LittleEndian.Uint32(buf[off:]))
		size := binary.LittleEndian.Uint32(buf[off+4:])
		if size < 8 || off+int(size) > len(buf) {
			return errors.Wrapf(xerr.ErrContainerParse, "load command %d has bad cmdsize %d", i, size)
		}
		raw := append([]byte(nil), buf[off:off+int(size)]...)
		img.Commands = append(img.Commands, Command{Cmd: cmd, Raw: raw})

		if err := img.indexCommand(len(img.Commands)-1, cmd, raw); err != nil {
			return err
		}
		off += int(size)
	}
	return nil
}

func (img *Image) indexCommand(idx int, cmd types.LoadCmd, raw []byte) error {
	r := bytes.NewReader(raw)
	switch cmd {
	case types.LC_SEGMENT_64:
		var s types.Segment64
		if err := binary.Read(r, binary.LittleEndian, &s); err != nil {
			return errors.Wrap(xerr.ErrContainerParse, err.Error())
		}
		seg := &Segment{Segment64: s, cmdIndex: idx}
		secBuf := raw[binary.Size(s):]
		for i := uint32(0); i < s.Nsect; i++ {
			var sec types.Section64
			start := int(i) * types.Section64Size
			if start+types.Section64Size > len(secBuf) {
				return errors.Wrap(xerr.ErrContainerParse, "section table runs past command")
			}
			if err := binary.Read(bytes.NewReader(secBuf[start:start+types.Section64Size]), binary.LittleEndian, &sec); err != nil {
				return errors.Wrap(xerr.ErrContainerParse, err.Error())
			}
			seg.Sections = append(seg.Sections, sec)
		}
		img.Segments = append(img.Segments, seg)
		img.segByName[cstr(s.Name[:])] = seg

	case types.LC_SYMTAB:
		var s types.SymtabCmd
		if err := binary.Read(r, binary.LittleEndian, &s); err != nil {
			return errors.Wrap(xerr.ErrContainerParse, err.Error())
		}
		img.Symtab = &s
		img.symtabIdx = idx

	case types.LC_DYSYMTAB:
		var s types.DysymtabCmd
		if err := binary.Read(r, binary.LittleEndian, &s); err != nil {
			return errors.Wrap(xerr.ErrContainerParse, err.Error())
		}
		img.Dysymtab = &s
		img.dysymtabIdx = idx

	case types.LC_DYLD_INFO, types.LC_DYLD_INFO_ONLY:
		var s types.DyldInfoCmd
		if err := binary.Read(r, binary.LittleEndian, &s); err != nil {
			return errors.Wrap(xerr.ErrContainerParse, err.Error())
		}
		img.DyldInfo = &s
		img.dyldInfoIdx = idx

	case types.LC_UUID:
		img.UUIDIdx = idx

	case types.LC_LOAD_DYLIB, types.LC_LOAD_WEAK_DYLIB, types.LC_REEXPORT_DYLIB, types.LC_LAZY_LOAD_DYLIB:
		var d types.DylibCmd
		if err := binary.Read(r, binary.LittleEndian, &d); err != nil {
			return errors.Wrap(xerr.ErrContainerParse, err.Error())
		}
		name := readCStrAt(raw, int(d.Name))
		img.LoadDylibs = append(img.LoadDylibs, DylibRef{
			Name:     name,
			Reexport: cmd == types.LC_REEXPORT_DYLIB,
			Weak:     cmd == types.LC_LOAD_WEAK_DYLIB,
		})
	}
	return nil
}

func readCStrAt(b []byte, off int) string {
	if off < 0 || off >= len(b) {
		return ""
	}
	end := off
	for end < len(b) && b[end] != 0 {
		end++
	}
	return string(b[off:end])
}

func cstr(b []byte) string {
	n := bytes.IndexByte(b, 0)
	if n < 0 {
		n = len(b)
	}
	return string(b[:n])
}

// Segment returns the segment named name, or nil.
func (img *Image) Segment(name string) *Segment { return img.segByName[name] }

// Section finds a section by segment and section name.
func (img *Image) Section(seg, sect string) (*Segment, *types.Section64) {
	s := img.segByName[seg]
	if s == nil {
		return nil, nil
	}
	for i := range s.Sections {
		if cstr(s.Sections[i].Name[:]) == sect {
			return s, &s.Sections[i]
		}
	}
	return nil, nil
}

// ContainsAddr reports whether vmaddr falls inside any of this
// image's segments.
func (img *Image) ContainsAddr(vmaddr uint64) bool {
	for _, s := range img.Segments {
		if vmaddr >= s.Addr && vmaddr < s.Addr+s.Memsz {
			return true
		}
	}
	return false
}

// segmentFor returns the segment containing vmaddr, or nil.
func (img *Image) segmentFor(vmaddr uint64) *Segment {
	for _, s := range img.Segments {
		if vmaddr >= s.Addr && vmaddr < s.Addr+s.Memsz {
			return s
		}
	}
	return nil
}

func (img *Image) ensureLoaded(s *Segment) error {
	if s.loaded {
		return nil
	}
	data := make([]byte, s.Memsz)
	if s.Filesz > 0 {
		sf, off, err := img.Cache.Resolve(s.Addr)
		if err != nil {
			return err
		}
		n := s.Filesz
		if n > s.Memsz {
			n = s.Memsz
		}
		if _, err := sf.Handle.ReadAt(data[:n], int64(off)); err != nil {
			return errors.Wrap(xerr.ErrContainerParse, err.Error())
		}
	}
	s.data = data
	s.loaded = true
	return nil
}

// ReadAt reads n bytes at vmaddr from the image's (lazily loaded,
// possibly already-mutated) byte view.
func (img *Image) ReadAt(vmaddr uint64, n int) ([]byte, error) {
	s := img.segmentFor(vmaddr)
	if s == nil {
		return nil, errors.Wrapf(xerr.ErrMappingMiss, "vmaddr %#x not in any segment of this image", vmaddr)
	}
	if err := img.ensureLoaded(s); err != nil {
		return nil, err
	}
	off := vmaddr - s.Addr
	if off+uint64(n) > uint64(len(s.data)) {
		return nil, errors.Wrapf(xerr.ErrMappingMiss, "read of %d bytes at %#x overruns segment %s", n, vmaddr, cstr(s.Name[:]))
	}
	out := make([]byte, n)
	copy(out, s.data[off:off+uint64(n)])
	return out, nil
}

// ReadUint64At reads a little-endian uint64 slot at vmaddr.
func (img *Image) ReadUint64At(vmaddr uint64) (uint64, error) {
	b, err := img.ReadAt(vmaddr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// WriteAt overwrites n=len(p) bytes at vmaddr in the image's mutable
// view. Never touches the underlying cache file.
func (img *Image) WriteAt(vmaddr uint64, p []byte) error {
	s := img.segmentFor(vmaddr)
	if s == nil {
		return errors.Wrapf(xerr.ErrMappingMiss, "vmaddr %#x not in any segment of this image", vmaddr)
	}
	if err := img.ensureLoaded(s); err != nil {
		return err
	}
	off := vmaddr - s.Addr
	if off+uint64(len(p)) > uint64(len(s.data)) {
		return errors.Wrapf(xerr.ErrMappingMiss, "write of %d bytes at %#x overruns segment %s", len(p), vmaddr, cstr(s.Name[:]))
	}
	copy(s.data[off:], p)
	return nil
}

// WriteUint64At writes a little-endian uint64 slot at vmaddr.
func (img *Image) WriteUint64At(vmaddr, value uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], value)
	return img.WriteAt(vmaddr, b[:])
}

// ReadAnyAt reads n raw bytes at vmaddr whether or not vmaddr falls
// inside this image: in-image reads come from the image's own
// (lazily loaded, possibly mutated) segment buffer, out-of-image
// reads resolve directly against the cache's backing mapping. Used by
// callers whose pointer graph can cross into another image (the ObjC
// fixer's class/category/protocol traversal).
func (img *Image) ReadAnyAt(vmaddr uint64, n int) ([]byte, error) {
	if img.ContainsAddr(vmaddr) {
		return img.ReadAt(vmaddr, n)
	}
	sf, off, err := img.Cache.Resolve(vmaddr)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := sf.Handle.ReadAt(buf, int64(off)); err != nil {
		return nil, errors.Wrap(xerr.ErrMappingMiss, err.Error())
	}
	return buf, nil
}

// ReadCStringAt reads a NUL-terminated string at vmaddr: directly out
// of this image's own segments when it falls inside one, or else
// resolved through the cache when the referent belongs to a different
// image (an inherited-from-elsewhere ObjC string, for instance).
func (img *Image) ReadCStringAt(vmaddr uint64) (string, error) {
	if s := img.segmentFor(vmaddr); s != nil {
		if err := img.ensureLoaded(s); err != nil {
			return "", err
		}
		off := vmaddr - s.Addr
		if off >= uint64(len(s.data)) {
			return "", errors.Wrapf(xerr.ErrMappingMiss, "vmaddr %#x past end of segment %s", vmaddr, cstr(s.Name[:]))
		}
		end := off
		for end < uint64(len(s.data)) && s.data[end] != 0 {
			end++
		}
		return string(s.data[off:end]), nil
	}
	sf, off, err := img.Cache.Resolve(vmaddr)
	if err != nil {
		return "", err
	}
	return img.Cache.ReadCString(sf, int64(off))
}

// SortedSegments returns the image's segments ordered by vmaddr,
// matching the ordering the ObjC fixer's gap search and the offset
// layouter both require.
func (img *Image) SortedSegments() []*Segment {
	out := append([]*Segment(nil), img.Segments...)
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// SyncSymtab re-serializes the (presumably mutated) Symtab view back
// into its load command's raw bytes.
func (img *Image) SyncSymtab() error {
	if img.Symtab == nil {
		return errors.Wrap(xerr.ErrContainerParse, "no LC_SYMTAB to sync")
	}
	return img.writeCommand(img.symtabIdx, img.Symtab)
}

// SyncDysymtab re-serializes the Dysymtab view back into its load
// command's raw bytes.
func (img *Image) SyncDysymtab() error {
	if img.Dysymtab == nil {
		return errors.Wrap(xerr.ErrContainerParse, "no LC_DYSYMTAB to sync")
	}
	return img.writeCommand(img.dysymtabIdx, img.Dysymtab)
}

// SyncDyldInfo re-serializes the DyldInfo view back into its load
// command's raw bytes.
func (img *Image) SyncDyldInfo() error {
	if img.DyldInfo == nil {
		return errors.Wrap(xerr.ErrContainerParse, "no LC_DYLD_INFO to sync")
	}
	return img.writeCommand(img.dyldInfoIdx, img.DyldInfo)
}

// SyncSegment re-serializes seg's Segment64 header fields (not its
// section array, which sits after it in the same raw command and is
// never resized by anything that calls this) back into its load
// command's raw bytes. Used by the LINKEDIT relayout step to update
// __LINKEDIT's fileoff/filesize/vmsize after the blob moves.
func (img *Image) SyncSegment(seg *Segment) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, seg.Segment64); err != nil {
		return errors.Wrap(xerr.ErrContainerParse, err.Error())
	}
	raw := img.Commands[seg.cmdIndex].Raw
	if buf.Len() > len(raw) {
		return errors.Wrap(xerr.ErrContainerParse, "segment header larger than its command")
	}
	copy(raw[:buf.Len()], buf.Bytes())
	return nil
}

// SyncSegmentSections re-serializes seg's Sections array back into its
// load command's raw bytes, immediately following the Segment64 header
// written by SyncSegment. Used after a section's offset field is
// shifted during relayout.
func (img *Image) SyncSegmentSections(seg *Segment) error {
	raw := img.Commands[seg.cmdIndex].Raw
	base := binary.Size(seg.Segment64)
	for i, sec := range seg.Sections {
		var buf bytes.Buffer
		if err := binary.Write(&buf, binary.LittleEndian, sec); err != nil {
			return errors.Wrap(xerr.ErrContainerParse, err.Error())
		}
		start := base + i*types.Section64Size
		if start+buf.Len() > len(raw) {
			return errors.Wrap(xerr.ErrContainerParse, "section table overruns command")
		}
		copy(raw[start:start+buf.Len()], buf.Bytes())
	}
	return nil
}

// SegmentBytes forces seg's lazily-loaded (and possibly already
// mutated by earlier fixup passes) content into memory and returns it.
// The offset layouter uses this to pull every segment's final bytes
// for the write program, since nothing in this package ever writes
// back to the cache file itself.
func (img *Image) SegmentBytes(seg *Segment) ([]byte, error) {
	if err := img.ensureLoaded(seg); err != nil {
		return nil, err
	}
	return seg.data, nil
}

// HeaderBytes serializes the file header and every load command's
// current (possibly patched) raw bytes back into one contiguous blob,
// in command order, for placement at offset 0 of the extracted file.
func (img *Image) HeaderBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, img.Header); err != nil {
		return nil, errors.Wrap(xerr.ErrContainerParse, err.Error())
	}
	for _, c := range img.Commands {
		buf.Write(c.Raw)
	}
	return buf.Bytes(), nil
}

// linkEditDataCmds are the load commands shaped like
// linkedit_data_command (an (offset,size) pair into the LINKEDIT
// blob) whose content the linkedit optimizer never rewrites, but
// whose bytes still move during relayout.
var linkEditDataCmds = map[types.LoadCmd]bool{
	types.LC_CODE_SIGNATURE:           true,
	types.LC_SEGMENT_SPLIT_INFO:       true,
	types.LC_FUNCTION_STARTS:          true,
	types.LC_DATA_IN_CODE:             true,
	types.LC_DYLIB_CODE_SIGN_DRS:      true,
	types.LC_LINKER_OPTIMIZATION_HINT: true,
	types.LC_DYLD_EXPORTS_TRIE:        true,
	types.LC_DYLD_CHAINED_FIXUPS:      true,
}

// LinkEditEntry is one generic linkedit_data_command's current
// (offset,size) pair plus the command's index, for the relayout step
// to relocate and patch back.
type LinkEditEntry struct {
	Index  int
	Cmd    types.LoadCmd
	Offset uint32
	Size   uint32
}

// LinkEditEntries returns every generic linkedit_data_command in
// load-command order.
func (img *Image) LinkEditEntries() []LinkEditEntry {
	var out []LinkEditEntry
	for i, c := range img.Commands {
		if !linkEditDataCmds[c.Cmd] {
			continue
		}
		out = append(out, LinkEditEntry{
			Index:  i,
			Cmd:    c.Cmd,
			Offset: binary.LittleEndian.Uint32(c.Raw[8:12]),
			Size:   binary.LittleEndian.Uint32(c.Raw[12:16]),
		})
	}
	return out
}

// SetLinkEditEntry patches a generic linkedit_data_command's
// offset/size fields in place.
func (img *Image) SetLinkEditEntry(idx int, offset, size uint32) error {
	if idx < 0 || idx >= len(img.Commands) {
		return errors.Wrap(xerr.ErrContainerParse, "command index out of range")
	}
	raw := img.Commands[idx].Raw
	if len(raw) < 16 {
		return errors.Wrap(xerr.ErrContainerParse, "command too short for linkedit_data_command")
	}
	binary.LittleEndian.PutUint32(raw[8:12], offset)
	binary.LittleEndian.PutUint32(raw[12:16], size)
	return nil
}

// RebuildCommands replaces the image's entire load-command list with
// cmds, fixing up the file header's command count/size and
// re-indexing every typed view (segments, symtab, dyld info, dylib
// deps, ...) from scratch via decodeCommands. This is the only way to
// insert or remove a command outright; everything else in this file
// patches an existing command's bytes in place without changing its
// size. Used by the ObjC fixer to splice in the extra-data segment's
// LC_SEGMENT_64 and to drop commands it reclaims header space from.
func (img *Image) RebuildCommands(cmds []Command) error {
	old := img.segByName
	var buf bytes.Buffer
	for _, c := range cmds {
		buf.Write(c.Raw)
	}
	img.Header.NCommands = uint32(len(cmds))
	img.Header.SizeCommands = uint32(buf.Len())
	if err := img.decodeCommands(buf.Bytes()); err != nil {
		return err
	}
	// Carry already loaded (and possibly mutated) segment buffers over
	// to the re-decoded segments of the same name.
	for name, seg := range img.segByName {
		if prev := old[name]; prev != nil {
			seg.data, seg.loaded = prev.data, prev.loaded
		}
	}
	return nil
}

// NewSegmentCommand serializes seg and its sections into a fresh
// LC_SEGMENT_64 Command, computing Len/Nsect from the section slice.
// Used to synthesize the ObjC fixer's extra-data segment, which has
// no on-disk load command to adapt in place.
func NewSegmentCommand(seg types.Segment64, sections []types.Section64) (Command, error) {
	seg.Nsect = uint32(len(sections))
	seg.Len = uint32(binary.Size(seg)) + seg.Nsect*uint32(types.Section64Size)

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, seg); err != nil {
		return Command{}, errors.Wrap(xerr.ErrContainerParse, err.Error())
	}
	for _, sec := range sections {
		if err := binary.Write(&buf, binary.LittleEndian, sec); err != nil {
			return Command{}, errors.Wrap(xerr.ErrContainerParse, err.Error())
		}
	}
	return Command{Cmd: types.LC_SEGMENT_64, Raw: buf.Bytes()}, nil
}

// AddSegment splices a brand-new LC_SEGMENT_64 command for seg/sections
// into the load-command list immediately before __LINKEDIT's command,
// with data already resident: SegmentBytes and friends will return it
// directly instead of trying to resolve a cache mapping this segment
// was never backed by. Used by the ObjC fixer to insert __EXTRA_OBJC.
func (img *Image) AddSegment(seg types.Segment64, sections []types.Section64, data []byte) (*Segment, error) {
	linkeditIdx := -1
	for i, c := range img.Commands {
		if c.Cmd != types.LC_SEGMENT_64 {
			continue
		}
		var s types.Segment64
		if err := binary.Read(bytes.NewReader(c.Raw), binary.LittleEndian, &s); err != nil {
			return nil, errors.Wrap(xerr.ErrContainerParse, err.Error())
		}
		if cstr(s.Name[:]) == "__LINKEDIT" {
			linkeditIdx = i
			break
		}
	}
	if linkeditIdx < 0 {
		return nil, errors.Wrap(xerr.ErrContainerParse, "no __LINKEDIT command to insert before")
	}

	cmd, err := NewSegmentCommand(seg, sections)
	if err != nil {
		return nil, err
	}

	cmds := append([]Command(nil), img.Commands[:linkeditIdx]...)
	cmds = append(cmds, cmd)
	cmds = append(cmds, img.Commands[linkeditIdx:]...)

	if err := img.RebuildCommands(cmds); err != nil {
		return nil, err
	}

	name := cstr(seg.Name[:])
	newSeg := img.segByName[name]
	if newSeg == nil {
		return nil, errors.Wrapf(xerr.ErrContainerParse, "segment %s missing after insertion", name)
	}
	newSeg.data = data
	newSeg.loaded = true
	return newSeg, nil
}

func (img *Image) writeCommand(idx int, v interface{}) error {
	if idx < 0 || idx >= len(img.Commands) {
		return errors.Wrap(xerr.ErrContainerParse, "command index out of range")
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return errors.Wrap(xerr.ErrContainerParse, err.Error())
	}
	raw := img.Commands[idx].Raw
	if buf.Len() != len(raw) {
		return errors.Wrapf(xerr.ErrContainerParse, "command %d changed size (%d -> %d)", idx, len(raw), buf.Len())
	}
	copy(raw, buf.Bytes())
	return nil
}
