// Package log provides structured protocol logging for the bus.
//
// This package defines the Logger interface and Event types for capturing
// protocol-level events at several layers (transport, bus, service). It is
// separate from operational logging (slog): protocol capture is a complete
// machine-readable trace of what crossed the wire and how the router
// handled it.
//
// # Basic Usage
//
//	// Development: protocol events on the console via slog
//	cfg.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// Production: binary file
//	cfg.ProtocolLogger, _ = log.NewFileLogger("/var/log/jacdac/node.jdlog")
//
//	// Both
//	cfg.ProtocolLogger = log.NewMultiLogger(
//	    log.NewSlogAdapter(slog.Default()),
//	    fileLogger,
//	)
//
// # Event Types
//
//   - Transport: raw frame bytes (FrameEvent)
//   - Bus: routed and sent packets (PacketEvent)
//   - Service: device, client, pipe and role state changes (StateChangeEvent)
//
// Errors at any layer use ErrorEventData.
//
// # File Format
//
// Log files are a stream of CBOR-encoded events with integer keys. The
// jacdac-log tool views and summarizes them.
package log
