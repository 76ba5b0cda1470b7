// Package exporttrie decodes the export trie blob pointed to by an
// image's LC_DYLD_INFO(_ONLY) or LC_DYLD_EXPORTS_TRIE command, used by
// the stub fixer's symbolizer to resolve addresses in a dependency
// dylib to the names it exports.
package exporttrie

import (
	"github.com/pkg/errors"

	"github.com/blacktop/go-dyldextractor/internal/leb128"
	"github.com/blacktop/go-dyldextractor/types"
	"github.com/blacktop/go-dyldextractor/xerr"
)

// Entry is one decoded export. ReExportName is set only when Flags
// marks a reexport. For a reexport, Other is the ordinal of the dylib
// the name is reexported from; for a stub-and-resolver export, Other
// is the resolver's address (with loadAddress added).
type Entry struct {
	Name         string
	ReExportName string
	Flags        types.ExportFlag
	Other        uint64
	Address      uint64
}

type node struct {
	offset  int
	symbols []byte
}

// Parse walks the trie in data, adding loadAddress to every regular or
// thread-local export's address so callers get an absolute vmaddr
// without a second pass.
func Parse(data []byte, loadAddress uint64) ([]Entry, error) {
	var entries []Entry
	stack := []node{{offset: 0}}

	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if n.offset < 0 || n.offset > len(data) {
			return nil, errors.Wrap(xerr.ErrContainerParse, "export trie: node offset out of range")
		}

		termSize, off, err := leb128.GetUleb128(data, n.offset)
		if err != nil {
			return nil, errors.Wrap(xerr.ErrContainerParse, "export trie: "+err.Error())
		}

		childrenOff := off + int(termSize)
		if termSize != 0 {
			e, err := decodeTerminal(data, off, n.symbols, loadAddress)
			if err != nil {
				return nil, err
			}
			entries = append(entries, e)
		}

		if childrenOff >= len(data) {
			continue
		}
		childCount := int(data[childrenOff])
		pos := childrenOff + 1
		for i := 0; i < childCount; i++ {
			start := pos
			for pos < len(data) && data[pos] != 0 {
				pos++
			}
			if pos >= len(data) {
				return nil, errors.Wrap(xerr.ErrContainerParse, "export trie: unterminated edge string")
			}
			label := data[start:pos]
			pos++ // skip NUL

			childOffset, next, err := leb128.GetUleb128(data, pos)
			if err != nil {
				return nil, errors.Wrap(xerr.ErrContainerParse, "export trie: "+err.Error())
			}
			pos = next

			sym := make([]byte, 0, len(n.symbols)+len(label))
			sym = append(sym, n.symbols...)
			sym = append(sym, label...)
			stack = append(stack, node{offset: int(childOffset), symbols: sym})
		}
	}

	return entries, nil
}

func decodeTerminal(data []byte, off int, symbols []byte, loadAddress uint64) (Entry, error) {
	flagsVal, off, err := leb128.GetUleb128(data, off)
	if err != nil {
		return Entry{}, errors.Wrap(xerr.ErrContainerParse, "export trie: "+err.Error())
	}
	flags := types.ExportFlag(flagsVal)

	e := Entry{Name: string(symbols), Flags: flags}

	if flags&types.EXPORT_SYMBOL_FLAGS_REEXPORT != 0 {
		other, next, err := leb128.GetUleb128(data, off)
		if err != nil {
			return Entry{}, errors.Wrap(xerr.ErrContainerParse, "export trie: "+err.Error())
		}
		off = next
		e.Other = other

		start := off
		for off < len(data) && data[off] != 0 {
			off++
		}
		e.ReExportName = string(data[start:off])
		return e, nil
	}

	if flags&types.EXPORT_SYMBOL_FLAGS_STUB_AND_RESOLVER != 0 {
		addr, next, err := leb128.GetUleb128(data, off)
		if err != nil {
			return Entry{}, errors.Wrap(xerr.ErrContainerParse, "export trie: "+err.Error())
		}
		off = next
		e.Address = addr + loadAddress

		other, next, err := leb128.GetUleb128(data, off)
		if err != nil {
			return Entry{}, errors.Wrap(xerr.ErrContainerParse, "export trie: "+err.Error())
		}
		e.Other = other + loadAddress
		return e, nil
	}

	addr, _, err := leb128.GetUleb128(data, off)
	if err != nil {
		return Entry{}, errors.Wrap(xerr.ErrContainerParse, "export trie: "+err.Error())
	}
	e.Address = addr + loadAddress
	return e, nil
}
