package types

// A LoadCmd is a Mach-O load command type.
type LoadCmd uint32

const (
	LC_REQ_DYLD LoadCmd = 0x80000000

	LC_SEGMENT_64         LoadCmd = 0x19 // 64-bit segment of this file to be mapped
	LC_SYMTAB             LoadCmd = 0x2  // link-edit stab symbol table info
	LC_DYSYMTAB           LoadCmd = 0xb  // dynamic link-edit symbol table info
	LC_UUID               LoadCmd = 0x1b
	LC_CODE_SIGNATURE     LoadCmd = 0x1d
	LC_SEGMENT_SPLIT_INFO LoadCmd = 0x1e

	LC_LOAD_DYLIB      LoadCmd = 0xc
	LC_LOAD_WEAK_DYLIB LoadCmd = 0x18 | LC_REQ_DYLD
	LC_REEXPORT_DYLIB  LoadCmd = 0x1f | LC_REQ_DYLD
	LC_LAZY_LOAD_DYLIB LoadCmd = 0x20

	LC_DYLD_INFO                LoadCmd = 0x22
	LC_DYLD_INFO_ONLY           LoadCmd = 0x22 | LC_REQ_DYLD
	LC_FUNCTION_STARTS          LoadCmd = 0x26 // compressed table of function start addresses
	LC_DATA_IN_CODE             LoadCmd = 0x29 // table of non-instructions in __text
	LC_DYLIB_CODE_SIGN_DRS      LoadCmd = 0x2B
	LC_LINKER_OPTIMIZATION_HINT LoadCmd = 0x2E
	LC_DYLD_EXPORTS_TRIE        LoadCmd = 0x33 | LC_REQ_DYLD // payload is an export trie
	LC_DYLD_CHAINED_FIXUPS      LoadCmd = 0x34 | LC_REQ_DYLD
)

// SegFlag is segment_command_64.flags.
type SegFlag uint32

// A Segment64 is a 64-bit Mach-O segment load command.
type Segment64 struct {
	LoadCmd         // LC_SEGMENT_64
	Len     uint32  // includes sizeof section_64 structs
	Name    [16]byte
	Addr    uint64
	Memsz   uint64
	Offset  uint64
	Filesz  uint64
	Maxprot VmProtection
	Prot    VmProtection
	Nsect   uint32
	Flag    SegFlag
}

// A SymtabCmd is a Mach-O symbol table command.
type SymtabCmd struct {
	LoadCmd // LC_SYMTAB
	Len     uint32
	Symoff  uint32
	Nsyms   uint32
	Stroff  uint32
	Strsize uint32
}

// A DysymtabCmd is a Mach-O dynamic symbol table command.
type DysymtabCmd struct {
	LoadCmd // LC_DYSYMTAB
	Len     uint32

	Ilocalsym  uint32
	Nlocalsym  uint32
	Iextdefsym uint32
	Nextdefsym uint32
	Iundefsym  uint32
	Nundefsym  uint32

	Tocoffset uint32
	Ntoc      uint32
	Modtaboff uint32
	Nmodtab   uint32

	Extrefsymoff uint32
	Nextrefsyms  uint32

	Indirectsymoff uint32
	Nindirectsyms  uint32

	Extreloff uint32
	Nextrel   uint32
	Locreloff uint32
	Nlocrel   uint32
}

// A DylibCmd is a Mach-O load dynamic library command: LC_ID_DYLIB,
// LC_LOAD_{,WEAK_}DYLIB, LC_REEXPORT_DYLIB, LC_LAZY_LOAD_DYLIB.
type DylibCmd struct {
	LoadCmd
	Len            uint32
	Name           uint32 // offset from the command's start to a NUL-terminated path
	Time           uint32
	CurrentVersion Version
	CompatVersion  Version
}

// A DyldInfoCmd is a Mach-O compressed dyld info command
// (LC_DYLD_INFO, LC_DYLD_INFO_ONLY).
type DyldInfoCmd struct {
	LoadCmd
	Len uint32

	RebaseOff  uint32
	RebaseSize uint32

	BindOff  uint32
	BindSize uint32

	WeakBindOff  uint32
	WeakBindSize uint32

	LazyBindOff  uint32
	LazyBindSize uint32

	ExportOff  uint32
	ExportSize uint32
}
