package objc

// CategoryT mirrors category_t. objcfix relocates every VMAddr field at
// its fixed offset (0/8/16/24/32/40) and leaves the rest of the struct
// untouched.
type CategoryT struct {
	NameVMAddr               uint64
	ClsVMAddr                uint64
	InstanceMethodsVMAddr    uint64
	ClassMethodsVMAddr       uint64
	ProtocolsVMAddr          uint64
	InstancePropertiesVMAddr uint64
}
