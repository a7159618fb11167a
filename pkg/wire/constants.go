package wire

// Reserved service indices.
const (
	// ServiceIndexControl is the control service every device exposes.
	ServiceIndexControl uint8 = 0x00

	// ServiceIndexMaxNormal is the highest index a regular service may use.
	ServiceIndexMaxNormal uint8 = 0x30

	// ServiceIndexPipe carries pipe traffic.
	ServiceIndexPipe uint8 = 0x3e

	// ServiceIndexCRCAck carries acknowledgments; the service command is
	// the CRC of the acknowledged frame.
	ServiceIndexCRCAck uint8 = 0x3f

	// ServiceIndexMask selects the index bits of the service index byte.
	ServiceIndexMask uint8 = 0x3f
)

// Frame flags.
const (
	FlagCommand                  uint8 = 0x01
	FlagAckRequested             uint8 = 0x02
	FlagIdentifierIsServiceClass uint8 = 0x04
)

// Service command layout.
const (
	CmdGetRegister uint16 = 0x1000
	CmdSetRegister uint16 = 0x2000

	CmdTypeMask uint16 = 0xf000
	CmdCodeMask uint16 = 0x0fff

	// CmdAnnounce reports the services of a device, or the advertisement
	// data of a single service.
	CmdAnnounce uint16 = 0x0000

	// CmdEvent carries a u32 event code and an optional i32 argument.
	CmdEvent uint16 = 0x0001

	// CmdCalibrate asks a service to calibrate itself.
	CmdCalibrate uint16 = 0x0002

	// CmdCommandNotImplemented reports that a command was not understood.
	CmdCommandNotImplemented uint16 = 0x0003
)

// Op classes, the top nibble of a service command.
const (
	OpClassEvent   uint8 = 0x0
	OpClassGet     uint8 = 0x1
	OpClassSet     uint8 = 0x2
	OpClassCommand uint8 = 0x8
)

// Registers shared by all services.
const (
	RegIntensity         uint16 = 0x001
	RegValue             uint16 = 0x002
	RegStreamingSamples  uint16 = 0x003
	RegStreamingInterval uint16 = 0x004
	RegReading           uint16 = 0x101
	RegStatusCode        uint16 = 0x103
	RegInstanceName      uint16 = 0x109

	// RegReadOnlyBase starts the 0x1xx range that set commands may not
	// modify.
	RegReadOnlyBase uint16 = 0x100
)

// Events shared by all services.
const (
	EventActive            uint32 = 0x01
	EventInactive          uint32 = 0x02
	EventChange            uint32 = 0x03
	EventStatusCodeChanged uint32 = 0x04
	EventNeutral           uint32 = 0x07
)

// Control service commands.
const (
	CtrlCmdServices  uint16 = 0x00
	CtrlCmdNoop      uint16 = 0x80
	CtrlCmdIdentify  uint16 = 0x81
	CtrlCmdReset     uint16 = 0x82
	CtrlCmdFloodPing uint16 = 0x83
)

// Control service registers.
const (
	CtrlRegResetIn                      uint16 = 0x080
	CtrlRegStatusLight                  uint16 = 0x081
	CtrlRegDeviceDescription            uint16 = 0x180
	CtrlRegFirmwareIdentifier           uint16 = 0x181
	CtrlRegMcuTemperature               uint16 = 0x182
	CtrlRegBootloaderFirmwareIdentifier uint16 = 0x184
	CtrlRegFirmwareVersion              uint16 = 0x185
	CtrlRegUptime                       uint16 = 0x186
	CtrlRegDeviceURL                    uint16 = 0x187
	CtrlRegFirmwareURL                  uint16 = 0x188
)

// Announce layout.
const (
	// AnnounceRestartCounterMask selects the restart counter in the first
	// announce word.
	AnnounceRestartCounterMask uint32 = 0x0f

	// AnnounceSupportsACK marks devices that acknowledge ack-requested
	// frames.
	AnnounceSupportsACK uint32 = 0x100

	// ServiceClassNone is announced for a service that is not running.
	ServiceClassNone uint32 = 0xffffffff
)

// Well known service classes.
const (
	ServiceClassControl     uint32 = 0x00000000
	ServiceClassRoleManager uint32 = 0x1e4b7e66
)

// GetRegister returns the service command reading reg.
func GetRegister(reg uint16) uint16 { return CmdGetRegister | (reg & CmdCodeMask) }

// SetRegister returns the service command writing reg.
func SetRegister(reg uint16) uint16 { return CmdSetRegister | (reg & CmdCodeMask) }
