package objc

// ProtocolT mirrors protocol_t. The three fields past InstancePropertiesVMAddr
// are only present on disk when Size says so; objcfix checks Size before
// touching ExtendedMethodTypesVMAddr/DemangledNameVMAddr/ClassPropertiesVMAddr.
type ProtocolT struct {
	IsaVMAddr                     uint64
	NameVMAddr                    uint64
	ProtocolsVMAddr               uint64
	InstanceMethodsVMAddr         uint64
	ClassMethodsVMAddr            uint64
	OptionalInstanceMethodsVMAddr uint64
	OptionalClassMethodsVMAddr    uint64
	InstancePropertiesVMAddr      uint64
	Size                          uint32
	Flags                         uint32
	ExtendedMethodTypesVMAddr     uint64
	DemangledNameVMAddr           uint64
	ClassPropertiesVMAddr         uint64
}
