// Package settings provides the small persistent key-value store the bus
// keeps device names and role assignments in.
//
// Keys are flat strings; related records share a prefix (for example
// "#jdr:" for roles) so they can be listed and cleared together. Every
// implementation is safe for concurrent use.
package settings
