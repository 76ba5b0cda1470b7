package stubfix

import (
	"github.com/pkg/errors"

	"github.com/blacktop/go-dyldextractor/internal/arm64"
	"github.com/blacktop/go-dyldextractor/internal/leb128"
	"github.com/blacktop/go-dyldextractor/types"
	"github.com/blacktop/go-dyldextractor/xerr"
)

// bindRecord is one decoded weak/lazy bind opcode target: which
// segment/offset a pointer slot sits at, and the symbol it binds to.
type bindRecord struct {
	ordinal    int64
	symbol     string
	haveSymbol bool
	symbolType uint8
	addend     int64
	segment    int
	offset     uint64
	haveSlot   bool
}

// readBindRecords decodes every DO_BIND* opcode in data[:size], calling
// fn once per bound slot with the segment index and byte offset the
// opcode stream encoded (the caller resolves that to a vmaddr). fn
// returns false to stop early, mirroring the original's generator so
// callers like the stub-helper reader can take just the first record.
func readBindRecords(data []byte, off, size int, fn func(bindRecord) bool) error {
	cur := bindRecord{}
	end := off + size
	if end > len(data) {
		return errors.Wrap(xerr.ErrContainerParse, "bind stream runs past its declared size")
	}

	emit := func() bool { return fn(cur) }

	for off < end {
		opcodeImm := data[off]
		opcode := opcodeImm & types.BIND_OPCODE_MASK
		imm := opcodeImm & 0x0F
		off++

		switch opcode {
		case types.BIND_OPCODE_DONE:
			cur = bindRecord{}

		case types.BIND_OPCODE_SET_DYLIB_ORDINAL_IMM:
			cur.ordinal = int64(imm)

		case types.BIND_OPCODE_SET_DYLIB_ORDINAL_ULEB:
			v, next, err := leb128.GetUleb128(data, off)
			if err != nil {
				return err
			}
			cur.ordinal, off = int64(v), next

		case types.BIND_OPCODE_SET_DYLIB_SPECIAL_IMM:
			switch imm {
			case 0:
				cur.ordinal = types.BIND_SPECIAL_DYLIB_SELF
			case 1:
				cur.ordinal = types.BIND_SPECIAL_DYLIB_MAIN_EXECUTABLE
			case 2:
				cur.ordinal = types.BIND_SPECIAL_DYLIB_FLAT_LOOKUP
			case 3:
				cur.ordinal = types.BIND_SPECIAL_DYLIB_WEAK_LOOKUP
			default:
				return errors.Wrapf(xerr.ErrContainerParse, "bind: unknown special ordinal %d", imm)
			}

		case types.BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM:
			start := off
			for off < len(data) && data[off] != 0 {
				off++
			}
			cur.symbol = string(data[start:off])
			cur.haveSymbol = true
			off++ // skip NUL

		case types.BIND_OPCODE_SET_TYPE_IMM:
			cur.symbolType = imm

		case types.BIND_OPCODE_SET_ADDEND_SLEB:
			v, next, err := leb128.GetSleb128(data, off)
			if err != nil {
				return err
			}
			cur.addend, off = v, next

		case types.BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB:
			cur.segment = int(imm)
			v, next, err := leb128.GetUleb128(data, off)
			if err != nil {
				return err
			}
			cur.offset, off = v, next
			cur.haveSlot = true

		case types.BIND_OPCODE_ADD_ADDR_ULEB:
			v, next, err := leb128.GetUleb128(data, off)
			if err != nil {
				return err
			}
			off = next
			cur.offset += uint64(arm64.SignExtend(v, 64))

		case types.BIND_OPCODE_DO_BIND:
			if !emit() {
				return nil
			}
			cur.offset += 8

		case types.BIND_OPCODE_DO_BIND_ADD_ADDR_ULEB:
			if !emit() {
				return nil
			}
			v, next, err := leb128.GetUleb128(data, off)
			if err != nil {
				return err
			}
			off = next
			cur.offset += uint64(arm64.SignExtend(v, 64)) + 8

		case types.BIND_OPCODE_DO_BIND_ADD_ADDR_IMM_SCALED:
			if !emit() {
				return nil
			}
			cur.offset += uint64(imm)*8 + 8

		case types.BIND_OPCODE_DO_BIND_ULEB_TIMES_SKIPPING_ULEB:
			count, next, err := leb128.GetUleb128(data, off)
			if err != nil {
				return err
			}
			off = next
			skip, next, err := leb128.GetUleb128(data, off)
			if err != nil {
				return err
			}
			off = next
			for i := uint64(0); i < count; i++ {
				if !emit() {
					return nil
				}
				cur.offset += skip + 8
			}

		default:
			return errors.Wrapf(xerr.ErrContainerParse, "bind: unknown opcode %#x", opcode)
		}
	}
	return nil
}
