// Package discovery advertises and finds Jacdac bridge hubs over mDNS/DNS-SD.
//
// A hub registers one instance of _jacdac._tcp per node. Its instance name
// is "jacdac-<short id>" and its TXT records carry:
//
//	id  the local device identifier, 16 hex digits
//	v   the bridge protocol version, "major.minor"
//	n   an optional human readable node name
//
// Browsers aggregate addresses reported on several interfaces into one
// HubService per instance and skip hubs whose major version differs from
// version.Current.
package discovery
