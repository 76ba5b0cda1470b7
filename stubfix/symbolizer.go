package stubfix

import (
	"github.com/blacktop/go-dyldextractor/dyldcache"
	"github.com/blacktop/go-dyldextractor/internal/exporttrie"
	"github.com/blacktop/go-dyldextractor/logx"
	"github.com/blacktop/go-dyldextractor/machoimage"
	"github.com/blacktop/go-dyldextractor/types"
)

// symbolizer maps addresses in the cache back to the names that export
// them, by walking the dependency tree of LC_LOAD_DYLIB-family commands
// and caching each dependency's export trie, then falling back to the
// image's own static symbol table. One symbolizer is built per image
// being fixed; its cache is flat across every dependency it visits.
type symbolizer struct {
	cache *dyldcache.Cache
	log   logx.Logger

	pathToAddr map[string]uint64
	byAddr     map[uint64][]string
}

type depInfo struct {
	path string
	addr uint64
	img  *machoimage.Image
}

func newSymbolizer(img *machoimage.Image, cache *dyldcache.Cache, log logx.Logger) (*symbolizer, error) {
	s := &symbolizer{
		cache:      cache,
		log:        log,
		pathToAddr: make(map[string]uint64, len(cache.Images)),
		byAddr:     make(map[uint64][]string),
	}
	for _, ci := range cache.Images {
		s.pathToAddr[ci.Name] = ci.Address
	}

	if err := s.enumerateExports(img); err != nil {
		return nil, err
	}
	s.enumerateSymbols(img)
	return s, nil
}

// symbolizeAddr returns every name known to export addr, or nil.
func (s *symbolizer) symbolizeAddr(addr uint64) []string {
	return s.byAddr[addr]
}

// enumerateExports walks this image's dependency graph (LC_LOAD_DYLIB
// and its reexporting siblings), caching each dependency's export
// trie. Reexported names are resolved last, once every direct export
// has been cached, since a reexport can rename a symbol from deeper in
// the tree.
func (s *symbolizer) enumerateExports(img *machoimage.Image) error {
	var queue []depInfo
	processed := map[string]bool{}
	var reExports []pendingReExport

	seed, err := s.directDeps(img)
	if err != nil {
		return err
	}
	queue = append(queue, seed...)

	for len(queue) > 0 {
		di := queue[len(queue)-1]
		queue = queue[:len(queue)-1]

		if di.img == nil || processed[di.path] {
			continue
		}
		exports, err := s.readDepExports(di)
		if err != nil {
			return err
		}
		s.cacheDepExports(di, exports)
		processed[di.path] = true

		deps, err := s.directDeps(di.img)
		if err != nil {
			return err
		}
		reExportOrdinals := map[uint64]bool{}
		for _, e := range exports {
			if e.Flags&types.EXPORT_SYMBOL_FLAGS_REEXPORT != 0 {
				reExportOrdinals[e.Other] = true
				reExports = append(reExports, pendingReExport{name: e.Name, importName: e.ReExportName})
			}
		}
		for ordinal := range reExportOrdinals {
			if ordinal == 0 || int(ordinal) > len(deps) {
				continue
			}
			queue = append(queue, deps[ordinal-1])
		}
	}

	for _, re := range reExports {
		if re.importName == "" {
			continue
		}
		found := false
		for addr, names := range s.byAddr {
			for _, n := range names {
				if n == re.importName {
					s.byAddr[addr] = append([]string{re.name}, s.byAddr[addr]...)
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		if !found && s.log != nil {
			s.log.Warnf("no root export for reexport %q importing %q", re.name, re.importName)
		}
	}
	return nil
}

type pendingReExport struct {
	name       string
	importName string
}

// directDeps returns dependency info for every LC_LOAD_DYLIB-family
// command of img, including reexports. A dylib that is not in this
// cache's image table gets an empty placeholder entry, so that
// ordinal-indexed lookups during the walk still land on the right entry.
func (s *symbolizer) directDeps(img *machoimage.Image) ([]depInfo, error) {
	out := make([]depInfo, 0, len(img.LoadDylibs))
	for _, d := range img.LoadDylibs {
		addr, ok := s.pathToAddr[d.Name]
		if !ok {
			if s.log != nil {
				s.log.Warnf("unable to find dependency: %s", d.Name)
			}
			out = append(out, depInfo{})
			continue
		}
		depImg, err := s.imageAt(addr)
		if err != nil {
			return nil, err
		}
		out = append(out, depInfo{path: d.Name, addr: addr, img: depImg})
	}
	return out, nil
}

func (s *symbolizer) imageAt(addr uint64) (*machoimage.Image, error) {
	sf, off, err := s.cache.Resolve(addr)
	if err != nil {
		return nil, err
	}
	return machoimage.Parse(s.cache, sf, off)
}

func (s *symbolizer) readDepExports(di depInfo) ([]exporttrie.Entry, error) {
	if di.img == nil {
		return nil, nil
	}

	var off, size uint32
	if di.img.DyldInfo != nil && di.img.DyldInfo.ExportSize != 0 {
		off, size = di.img.DyldInfo.ExportOff, di.img.DyldInfo.ExportSize
	} else {
		for _, e := range di.img.LinkEditEntries() {
			if e.Cmd == types.LC_DYLD_EXPORTS_TRIE && e.Size != 0 {
				off, size = e.Offset, e.Size
				break
			}
		}
	}
	if size == 0 {
		return nil, nil
	}

	linkedit := di.img.Segment("__LINKEDIT")
	if linkedit == nil {
		return nil, nil
	}
	src, _, err := s.cache.Resolve(linkedit.Addr)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if _, err := src.Handle.ReadAt(buf, int64(off)); err != nil {
		if s.log != nil {
			s.log.Warnf("unable to read exports of %s: %v", di.path, err)
		}
		return nil, nil
	}

	entries, err := exporttrie.Parse(buf, di.addr)
	if err != nil {
		if s.log != nil {
			s.log.Warnf("unable to parse exports of %s: %v", di.path, err)
		}
		return nil, nil
	}
	return entries, nil
}

func (s *symbolizer) cacheDepExports(di depInfo, exports []exporttrie.Entry) {
	for _, e := range exports {
		if e.Flags&types.EXPORT_SYMBOL_FLAGS_REEXPORT != 0 {
			continue
		}
		if e.Address == 0 {
			continue
		}
		s.byAddr[e.Address] = append(s.byAddr[e.Address], e.Name)

		if e.Flags&types.EXPORT_SYMBOL_FLAGS_STUB_AND_RESOLVER != 0 {
			s.byAddr[e.Other] = append(s.byAddr[e.Other], e.Name)
		}
	}
}

// enumerateSymbols caches every named, in-image address from img's own
// static LC_SYMTAB, so locally defined (non-exported) functions are
// still symbolizable.
func (s *symbolizer) enumerateSymbols(img *machoimage.Image) {
	if img.Symtab == nil {
		if s.log != nil {
			s.log.Warnf("unable to find LC_SYMTAB")
		}
		return
	}
	linkedit := img.Segment("__LINKEDIT")
	if linkedit == nil {
		return
	}
	src, _, err := s.cache.Resolve(linkedit.Addr)
	if err != nil {
		return
	}

	for i := uint32(0); i < img.Symtab.Nsyms; i++ {
		var nlistBuf [16]byte
		entryOff := int64(img.Symtab.Symoff) + int64(i)*16
		if _, err := src.Handle.ReadAt(nlistBuf[:], entryOff); err != nil {
			continue
		}
		n := decodeNlist(nlistBuf[:])
		if n.Value == 0 {
			continue
		}
		if !img.ContainsAddr(n.Value) {
			if s.log != nil {
				s.log.Warnf("invalid address %#x for symbol entry at index %d", n.Value, i)
			}
			continue
		}
		name, err := s.cache.ReadCString(src, int64(img.Symtab.Stroff)+int64(n.Strx))
		if err != nil {
			continue
		}
		s.byAddr[n.Value] = append(s.byAddr[n.Value], name)
	}
}

func decodeNlist(b []byte) types.Nlist64 {
	return types.Nlist64{
		Strx:  le32(b[0:4]),
		Type:  b[4],
		Sect:  b[5],
		Desc:  uint16(b[6]) | uint16(b[7])<<8,
		Value: le64(b[8:16]),
	}
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
