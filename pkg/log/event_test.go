package log

import "testing"

func TestEnumStrings(t *testing.T) {
	tests := []struct {
		got  string
		want string
	}{
		{DirectionIn.String(), "IN"},
		{DirectionOut.String(), "OUT"},
		{Direction(9).String(), "UNKNOWN"},
		{LayerTransport.String(), "TRANSPORT"},
		{LayerBus.String(), "BUS"},
		{LayerService.String(), "SERVICE"},
		{Layer(9).String(), "UNKNOWN"},
		{CategoryPacket.String(), "PACKET"},
		{CategoryState.String(), "STATE"},
		{CategoryError.String(), "ERROR"},
		{Category(9).String(), "UNKNOWN"},
		{StateEntityConnection.String(), "CONNECTION"},
		{StateEntityDevice.String(), "DEVICE"},
		{StateEntityClient.String(), "CLIENT"},
		{StateEntityPipe.String(), "PIPE"},
		{StateEntityRole.String(), "ROLE"},
		{StateEntity(9).String(), "UNKNOWN"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("String() = %q, want %q", tt.got, tt.want)
		}
	}
}
