package bus

import (
	"github.com/spaolacci/murmur3"

	"github.com/jacdac-protocol/jacdac-go/pkg/wire"
)

const shortIDBits = 30

// ShortID returns the four character display form of id, two letters and
// two digits derived from a 30-bit hash of the identifier.
func ShortID(id wire.DeviceID) string {
	h := murmur3.Sum32(id[:])
	h = (h ^ (h >> shortIDBits)) & (1<<shortIDBits - 1)

	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	const digits = "0123456789"
	out := []byte{
		letters[h%26],
		letters[(h/26)%26],
		digits[(h/(26*26))%10],
		digits[(h/(26*26*10))%10],
	}
	return string(out)
}
