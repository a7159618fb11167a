// Package bus implements the control plane of a Jacdac bus node.
//
// A Bus owns the local device identity, the registry of remote devices seen
// on the wire, the local service Hosts and the Clients consuming remote
// services. Every packet from the transport enters through Route, which
// acknowledges it when asked, fans it out to raw observers and then
// dispatches it to a local Host (commands addressed to this node) or to the
// Clients attached to the sending device (reports).
//
// # Discovery and Attachment
//
// Devices announce their service list on the control service every
// announce interval. The first announce from an unknown identifier creates
// a Device; a changed service list, or a restart counter that went down,
// reattaches Clients: those whose class and role still match keep their
// slot, the others return to the unattached pool and free slots are handed
// out first fit. Devices not heard from for the liveness timeout are
// collected on the next local announce.
//
// # Concurrency
//
// Route is called from a single goroutine (see Run). Registry state is
// guarded by one mutex; hooks, handlers and config replays triggered while
// it is held run after it is released, in the order they were triggered,
// so handlers may call back into the Bus.
package bus
