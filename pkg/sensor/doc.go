// Package sensor implements the streaming sensor base shared by sensor
// services: a Host that streams its Reading register and a Client that
// caches it.
package sensor
