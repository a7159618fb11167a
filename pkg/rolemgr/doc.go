// Package rolemgr maps application roles to device services.
//
// A role is the name of a unicast client. Roles persist in a settings store
// under "#jdr:<device>:<index>" and are consulted by the bus whenever it
// attaches clients. The auto-binder assigns unbound roles to free services
// when devices appear, keeping roles that share a host prefix ("led/left"
// and "led/right") on the same device whenever it can. The role manager
// service exposes all of this on the bus.
package rolemgr
