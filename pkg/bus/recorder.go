package bus

// Recorder receives counters about bus activity, e.g. for metrics export.
type Recorder interface {
	PacketRouted(kind string)
	PacketDropped(reason string)
	DevicesChanged(count int)
	ClientAttached()
	ClientDetached()
	AckTimeout()
	RoleAssigned()
}

// Packet kinds passed to Recorder.PacketRouted.
const (
	KindCommand   = "command"
	KindMulticast = "multicast"
	KindAnnounce  = "announce"
	KindReport    = "report"
	KindAck       = "ack"
	KindPipe      = "pipe"
)

// Drop reasons passed to Recorder.PacketDropped and logged with the packet.
const (
	DropReportToSelf    = "report addressed to self"
	DropMulticastReport = "multicast report"
	DropNoHost          = "no running host"
	DropForeignCommand  = "command for another device"
	DropUnknownDevice   = "unknown device"
	DropNoServiceClass  = "no service at index"
	DropNoClient        = "no client"
	DropShortAnnounce   = "short announce"
)

// NoopRecorder discards all counters.
type NoopRecorder struct{}

func (NoopRecorder) PacketRouted(string)  {}
func (NoopRecorder) PacketDropped(string) {}
func (NoopRecorder) DevicesChanged(int)   {}
func (NoopRecorder) ClientAttached()      {}
func (NoopRecorder) ClientDetached()      {}
func (NoopRecorder) AckTimeout()          {}
func (NoopRecorder) RoleAssigned()        {}

var _ Recorder = NoopRecorder{}
