// Package transport carries Jacdac frames between processes.
//
// Frames travel over TCP as length-prefixed messages: a 4 byte big-endian
// length followed by one encoded frame. A Hub accepts connections and
// relays every frame it receives to all other connections, forming a
// virtual bus wire. Conn is the client end and implements bus.Transport.
// Wire is an in-memory equivalent for tests and simulations.
//
//	┌────────────────────────────────┐
//	│   Jacdac frame (crc, packets)  │
//	├────────────────────────────────┤
//	│   Length-Prefix Framing (4B)   │
//	├────────────────────────────────┤
//	│           TCP                  │
//	└────────────────────────────────┘
package transport
