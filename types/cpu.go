package types

// CPU is cpu_type_t. This module is pointer-format driven, not
// architecture driven, so the value round-trips through FileHeader
// without ever being branched on.
type CPU uint32

// CPUSubtype is cpu_subtype_t.
type CPUSubtype uint32
