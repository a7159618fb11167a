// Package commands implements the jacdac-log CLI commands.
package commands

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/jacdac-protocol/jacdac-go/pkg/log"
	"github.com/jacdac-protocol/jacdac-go/pkg/wire"
)

// ViewFilter specifies criteria for filtering events in the view command.
type ViewFilter struct {
	Layer       *log.Layer
	Direction   *log.Direction
	Category    *log.Category
	DeviceID    string
	DroppedOnly bool
}

func (f ViewFilter) logFilter() log.Filter {
	return log.Filter{
		Layer:       f.Layer,
		Direction:   f.Direction,
		Category:    f.Category,
		DeviceID:    f.DeviceID,
		DroppedOnly: f.DroppedOnly,
	}
}

const timeLayout = "2006-01-02T15:04:05.000000Z"

// formatEvent writes a human-readable representation of the event to w.
func formatEvent(w io.Writer, event log.Event) {
	ts := event.Timestamp.UTC().Format(timeLayout)
	fmt.Fprintf(w, "%s [conn:%s] %-3s %s %s", ts, shortenConnID(event.ConnectionID),
		event.Direction.String(), event.Layer.String(), eventType(event))
	if event.DeviceID != "" {
		fmt.Fprintf(w, " dev:%s", event.DeviceID)
	}
	fmt.Fprintln(w)

	switch {
	case event.Frame != nil:
		formatFrameDetails(w, event.Frame)
	case event.Packet != nil:
		formatPacketDetails(w, event.Packet)
	case event.StateChange != nil:
		formatStateChangeDetails(w, event.StateChange)
	case event.Error != nil:
		formatErrorDetails(w, event.Error)
	}

	fmt.Fprintln(w)
}

func eventType(event log.Event) string {
	switch {
	case event.Frame != nil:
		return "Frame"
	case event.Packet != nil:
		return "Packet"
	case event.StateChange != nil:
		return "State"
	case event.Error != nil:
		return "Error"
	default:
		return "Unknown"
	}
}

// shortenConnID returns the first 8 characters of the connection ID.
func shortenConnID(id string) string {
	if id == "" {
		return "-"
	}
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

func formatFrameDetails(w io.Writer, frame *log.FrameEvent) {
	fmt.Fprintf(w, "  Size: %d bytes\n", frame.Size)
	if len(frame.Data) > 0 {
		fmt.Fprintf(w, "  Data: %s", hex.EncodeToString(frame.Data))
		if frame.Truncated {
			fmt.Fprintf(w, " (truncated)")
		}
		fmt.Fprintln(w)
	}
}

func formatPacketDetails(w io.Writer, p *log.PacketEvent) {
	fmt.Fprintf(w, "  Service: %d", p.ServiceIndex)
	if p.ServiceClass != 0 {
		fmt.Fprintf(w, " (class 0x%08x)", p.ServiceClass)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Command: 0x%04x %s\n", p.ServiceCommand, describeCommand(p.ServiceCommand, p.Flags))
	if p.Flags != 0 {
		fmt.Fprintf(w, "  Flags: %s\n", describeFlags(p.Flags))
	}
	if len(p.Data) > 0 {
		fmt.Fprintf(w, "  Data: %s\n", hex.EncodeToString(p.Data))
	}
	if p.Dropped != "" {
		fmt.Fprintf(w, "  Dropped: %s\n", p.Dropped)
	}
}

// describeCommand names the operation class of a service command.
func describeCommand(cmd uint16, flags uint8) string {
	if flags&wire.FlagCommand == 0 && cmd == wire.CmdAnnounce {
		return "announce"
	}
	switch {
	case cmd&wire.CmdTypeMask == wire.CmdGetRegister:
		return fmt.Sprintf("get reg 0x%03x", cmd&wire.CmdCodeMask)
	case cmd&wire.CmdTypeMask == wire.CmdSetRegister:
		return fmt.Sprintf("set reg 0x%03x", cmd&wire.CmdCodeMask)
	case flags&wire.FlagCommand == 0 && cmd == wire.CmdEvent:
		return "event"
	default:
		return "action"
	}
}

func describeFlags(flags uint8) string {
	var parts []string
	if flags&wire.FlagCommand != 0 {
		parts = append(parts, "command")
	}
	if flags&wire.FlagAckRequested != 0 {
		parts = append(parts, "ack-requested")
	}
	if flags&wire.FlagIdentifierIsServiceClass != 0 {
		parts = append(parts, "multicast")
	}
	if len(parts) == 0 {
		return fmt.Sprintf("0x%02x", flags)
	}
	return strings.Join(parts, ",")
}

func formatStateChangeDetails(w io.Writer, sc *log.StateChangeEvent) {
	fmt.Fprintf(w, "  Entity: %s", sc.Entity.String())
	if sc.Name != "" {
		fmt.Fprintf(w, " %s", sc.Name)
	}
	fmt.Fprintln(w)
	if sc.OldState != "" {
		fmt.Fprintf(w, "  %s -> %s\n", sc.OldState, sc.NewState)
	} else {
		fmt.Fprintf(w, "  -> %s\n", sc.NewState)
	}
	if sc.Reason != "" {
		fmt.Fprintf(w, "  Reason: %s\n", sc.Reason)
	}
}

func formatErrorDetails(w io.Writer, err *log.ErrorEventData) {
	fmt.Fprintf(w, "  Layer: %s\n", err.Layer.String())
	fmt.Fprintf(w, "  Message: %s\n", err.Message)
	if err.Context != "" {
		fmt.Fprintf(w, "  Context: %s\n", err.Context)
	}
}

// ParseLayerFlag parses a layer name (case-insensitive).
func ParseLayerFlag(s string) (log.Layer, error) {
	switch strings.ToLower(s) {
	case "transport":
		return log.LayerTransport, nil
	case "bus":
		return log.LayerBus, nil
	case "service":
		return log.LayerService, nil
	default:
		return 0, fmt.Errorf("invalid layer: %s (must be transport, bus, or service)", s)
	}
}

// ParseDirectionFlag parses a direction name (case-insensitive).
func ParseDirectionFlag(s string) (log.Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return log.DirectionIn, nil
	case "out":
		return log.DirectionOut, nil
	default:
		return 0, fmt.Errorf("invalid direction: %s (must be in or out)", s)
	}
}

// ParseCategoryFlag parses a category name (case-insensitive).
func ParseCategoryFlag(s string) (log.Category, error) {
	switch strings.ToLower(s) {
	case "packet":
		return log.CategoryPacket, nil
	case "state":
		return log.CategoryState, nil
	case "error":
		return log.CategoryError, nil
	default:
		return 0, fmt.Errorf("invalid category: %s (must be packet, state, or error)", s)
	}
}

// RunView prints the events of the log at path matching filter.
func RunView(path string, filter ViewFilter, output io.Writer) error {
	reader, err := log.NewFilteredReader(path, filter.logFilter())
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		formatEvent(output, event)
	}
}
