package types

// FileHeader mirrors `mach_header_64` (32 bytes). The extractor only
// reads Magic (format sanity check) and NCommands/SizeCommands (load
// command table bounds); CPU/SubCPU/Type/Flags round-trip untouched
// since nothing in this module branches on architecture or file type.
type FileHeader struct {
	Magic        Magic
	CPU          CPU
	SubCPU       CPUSubtype
	Type         HeaderFileType
	NCommands    uint32
	SizeCommands uint32
	Flags        HeaderFlag
	Reserved     uint32
}

// Magic is the file's byte-order/word-size marker.
type Magic uint32

// Magic64 is the only magic this module accepts; a dyld shared cache
// image that parses as anything else (32-bit, fat) is out of scope.
const Magic64 Magic = 0xfeedfacf

// HeaderFileType is the Mach-O file type (executable, dylib, ...).
type HeaderFileType uint32

// HeaderFlag is mach_header_64.flags.
type HeaderFlag uint32
