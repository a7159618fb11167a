// Package wire defines the packet and frame types of the Jacdac bus.
//
// A frame is the unit the physical transport moves: a CRC-protected header
// naming one device, followed by one or more packets. Each packet addresses
// a service index on that device and carries a 16-bit service command plus
// a small payload.
//
// # Frame Layout
//
//	crc u16 | size u8 | flags u8 | device_id [8] | packets...
//
// Each packet is:
//
//	size u8 | service_index u8 | service_command u16 | data
//
// padded to a 4-byte boundary. All integers are little-endian. The CRC is
// CRC-16-CCITT over everything after the CRC field and covers only the
// bytes named by size.
//
// # Service Commands
//
// The top nibble of a service command is the op class: 0 for events and
// announces, 1 for register gets, 2 for register sets and 8 or above for
// service specific commands. The low 12 bits carry the register or command
// code.
package wire
