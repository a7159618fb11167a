package commands

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/jacdac-protocol/jacdac-go/pkg/log"
)

// Stats holds aggregate statistics about a log file.
type Stats struct {
	TotalEvents       int
	EventsByLayer     map[log.Layer]int
	EventsByCategory  map[log.Category]int
	EventsByDirection map[log.Direction]int
	Drops             map[string]int
	Devices           map[string]*DeviceStats
	Connections       map[string]int
	Errors            int
	TimeRange         struct {
		Start time.Time
		End   time.Time
	}
}

// DeviceStats holds packet counts for a single device.
type DeviceStats struct {
	FirstSeen time.Time
	LastSeen  time.Time
	In        int
	Out       int
}

// Collect reads every event of the log at path.
func Collect(path string) (*Stats, error) {
	reader, err := log.NewReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	stats := &Stats{
		EventsByLayer:     make(map[log.Layer]int),
		EventsByCategory:  make(map[log.Category]int),
		EventsByDirection: make(map[log.Direction]int),
		Drops:             make(map[string]int),
		Devices:           make(map[string]*DeviceStats),
		Connections:       make(map[string]int),
	}

	for {
		event, err := reader.Next()
		if err == io.EOF {
			return stats, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read event: %w", err)
		}

		stats.TotalEvents++
		stats.EventsByLayer[event.Layer]++
		stats.EventsByCategory[event.Category]++
		stats.EventsByDirection[event.Direction]++

		if stats.TimeRange.Start.IsZero() || event.Timestamp.Before(stats.TimeRange.Start) {
			stats.TimeRange.Start = event.Timestamp
		}
		if event.Timestamp.After(stats.TimeRange.End) {
			stats.TimeRange.End = event.Timestamp
		}

		if event.ConnectionID != "" {
			stats.Connections[event.ConnectionID]++
		}

		if event.Packet != nil {
			if event.Packet.Dropped != "" {
				stats.Drops[event.Packet.Dropped]++
			}
			if event.DeviceID != "" {
				dev, ok := stats.Devices[event.DeviceID]
				if !ok {
					dev = &DeviceStats{FirstSeen: event.Timestamp}
					stats.Devices[event.DeviceID] = dev
				}
				dev.LastSeen = event.Timestamp
				if event.Direction == log.DirectionIn {
					dev.In++
				} else {
					dev.Out++
				}
			}
		}

		if event.Error != nil {
			stats.Errors++
		}
	}
}

// RunStats analyzes the log file and prints statistics.
func RunStats(path string, w io.Writer) error {
	stats, err := Collect(path)
	if err != nil {
		return err
	}
	printStats(w, stats)
	return nil
}

func printStats(w io.Writer, stats *Stats) {
	fmt.Fprintln(w, "=== Jacdac Protocol Log Statistics ===")
	fmt.Fprintln(w)

	if stats.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n",
			stats.TimeRange.Start.Format(time.RFC3339),
			stats.TimeRange.End.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", stats.TimeRange.End.Sub(stats.TimeRange.Start).Round(time.Millisecond))
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Total Events: %d\n", stats.TotalEvents)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Layer:")
	for _, layer := range []log.Layer{log.LayerTransport, log.LayerBus, log.LayerService} {
		if count := stats.EventsByLayer[layer]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", layer.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for _, cat := range []log.Category{log.CategoryPacket, log.CategoryState, log.CategoryError} {
		if count := stats.EventsByCategory[cat]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", cat.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Direction:")
	for _, dir := range []log.Direction{log.DirectionIn, log.DirectionOut} {
		if count := stats.EventsByDirection[dir]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", dir.String()+":", count)
		}
	}

	if len(stats.Drops) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Dropped Packets:")
		reasons := make([]string, 0, len(stats.Drops))
		for r := range stats.Drops {
			reasons = append(reasons, r)
		}
		sort.Strings(reasons)
		for _, r := range reasons {
			fmt.Fprintf(w, "  %-28s %d\n", r+":", stats.Drops[r])
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Devices: %d\n", len(stats.Devices))
	ids := make([]string, 0, len(stats.Devices))
	for id := range stats.Devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		d := stats.Devices[id]
		fmt.Fprintf(w, "  %s in=%d out=%d active %s\n", id, d.In, d.Out, d.LastSeen.Sub(d.FirstSeen).Round(time.Millisecond))
	}

	fmt.Fprintf(w, "Connections: %d\n", len(stats.Connections))

	if stats.Errors > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Errors: %d\n", stats.Errors)
	}
}
