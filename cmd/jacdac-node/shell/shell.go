// Package shell provides the interactive command line of jacdac-node.
package shell

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/jacdac-protocol/jacdac-go/pkg/bus"
	"github.com/jacdac-protocol/jacdac-go/pkg/rolemgr"
	"github.com/jacdac-protocol/jacdac-go/pkg/wire"
)

// Shell runs commands against a bus and its role manager.
type Shell struct {
	bus   *bus.Bus
	roles *rolemgr.Manager
	out   io.Writer
	rl    *readline.Instance
}

// New creates a shell writing to out. Run attaches a readline prompt.
func New(b *bus.Bus, roles *rolemgr.Manager, out io.Writer) *Shell {
	return &Shell{bus: b, roles: roles, out: out}
}

// Open creates a shell on a readline prompt.
func Open(b *bus.Bus, roles *rolemgr.Manager) (*Shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "jacdac> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	s := New(b, roles, rl.Stdout())
	s.rl = rl
	return s, nil
}

func completer() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("devices"),
		readline.PcItem("clients"),
		readline.PcItem("roles"),
		readline.PcItem("setrole"),
		readline.PcItem("clearroles"),
		readline.PcItem("autobind", readline.PcItem("on"), readline.PcItem("off")),
		readline.PcItem("identify"),
		readline.PcItem("help"),
		readline.PcItem("exit"),
	)
}

// Stdout returns a writer that keeps log output off the prompt line.
func (s *Shell) Stdout() io.Writer {
	if s.rl != nil {
		return s.rl.Stdout()
	}
	return s.out
}

// Run reads commands until exit, EOF or ctx is done, then calls cancel.
func (s *Shell) Run(ctx context.Context, cancel context.CancelFunc) {
	defer s.rl.Close()

	s.printHelp()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := s.rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err != nil || !s.Exec(line) {
			fmt.Fprintln(s.out, "Exiting...")
			cancel()
			return
		}
	}
}

// Exec runs one command line and reports whether the shell should keep
// running.
func (s *Shell) Exec(line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return true
	}
	cmd, args := strings.ToLower(parts[0]), parts[1:]

	switch cmd {
	case "help", "?":
		s.printHelp()
	case "devices", "d":
		s.cmdDevices()
	case "clients", "c":
		s.cmdClients()
	case "roles", "r":
		s.cmdRoles()
	case "setrole":
		s.cmdSetRole(args)
	case "clearroles":
		if err := s.roles.ClearRoles(); err != nil {
			fmt.Fprintf(s.out, "Error: %v\n", err)
			return true
		}
		fmt.Fprintln(s.out, "All stored roles cleared")
	case "autobind":
		s.cmdAutoBind(args)
	case "identify", "id":
		s.cmdIdentify(args)
	case "exit", "quit", "q":
		return false
	default:
		fmt.Fprintf(s.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return true
}

func (s *Shell) printHelp() {
	fmt.Fprint(s.out, `Commands:
  devices                        List devices on the bus
  clients                        List local clients and their bindings
  roles                          List required and stored roles
  setrole <device> <idx> <role>  Store a role for a service slot
  clearroles                     Remove every stored role
  autobind [on|off]              Bind now, or toggle automatic binding
  identify <device>              Ask a device to blink
  help                           Show this help
  exit                           Quit
`)
}

func (s *Shell) cmdDevices() {
	devices := s.bus.Devices()
	if len(devices) == 0 {
		fmt.Fprintln(s.out, "No devices")
		return
	}
	now := s.bus.Clock().Now()
	for _, d := range devices {
		self := ""
		if d.ID() == s.bus.SelfID() {
			self = " (self)"
		}
		fmt.Fprintf(s.out, "%s %s %q%s seen %s ago\n",
			d.ShortID(), d.ID(), d.Name(), self, now.Sub(d.LastSeen()).Truncate(time.Millisecond))
		for i, class := range d.Services() {
			if i == 0 {
				continue
			}
			fmt.Fprintf(s.out, "  [%d] 0x%08x\n", i, class)
		}
	}
}

func (s *Shell) cmdClients() {
	clients := s.bus.Clients()
	if len(clients) == 0 {
		fmt.Fprintln(s.out, "No clients")
		return
	}
	for _, c := range clients {
		role := c.Role()
		if role == "" {
			role = "-"
		}
		binding := "unbound"
		if c.Broadcast() {
			binding = fmt.Sprintf("broadcast to %d devices", len(c.BroadcastDevices()))
		} else if d := c.Device(); d != nil {
			idx, _ := c.ServiceIndex()
			binding = fmt.Sprintf("%s[%d]", d.ShortID(), idx)
		}
		fmt.Fprintf(s.out, "%-16s 0x%08x role=%s %s\n", c.Name(), c.ServiceClass(), role, binding)
	}
}

func (s *Shell) cmdRoles() {
	required := s.roles.RequiredRoles()
	fmt.Fprintf(s.out, "Required (%d, all allocated: %v):\n", len(required), s.roles.AllRolesAllocated())
	for _, r := range required {
		where := "unbound"
		if !r.DeviceID.IsZero() {
			where = fmt.Sprintf("%s[%d]", r.DeviceID, r.ServiceIndex)
		}
		fmt.Fprintf(s.out, "  %-20s 0x%08x %s\n", r.Role, r.ServiceClass, where)
	}

	stored, err := s.roles.Roles().List()
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	sort.Slice(stored, func(i, j int) bool { return stored[i].Role < stored[j].Role })
	fmt.Fprintf(s.out, "Stored (%d):\n", len(stored))
	for _, r := range stored {
		fmt.Fprintf(s.out, "  %-20s %s[%d]\n", r.Role, r.DeviceID, r.ServiceIndex)
	}
}

func (s *Shell) cmdSetRole(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(s.out, "Usage: setrole <device> <idx> [role]")
		return
	}
	id, ok := s.resolveDevice(args[0])
	if !ok {
		return
	}
	idx, err := strconv.ParseUint(args[1], 10, 8)
	if err != nil {
		fmt.Fprintf(s.out, "Invalid service index: %s\n", args[1])
		return
	}
	role := ""
	if len(args) > 2 {
		role = args[2]
	}
	if err := s.roles.SetRole(id, uint8(idx), role); err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	if role == "" {
		fmt.Fprintf(s.out, "Role removed from %s[%d]\n", id, idx)
		return
	}
	fmt.Fprintf(s.out, "Role %s stored for %s[%d]\n", role, id, idx)
}

func (s *Shell) cmdAutoBind(args []string) {
	if len(args) > 0 {
		switch strings.ToLower(args[0]) {
		case "on":
			s.roles.SetAutoBind(true)
		case "off":
			s.roles.SetAutoBind(false)
		default:
			fmt.Fprintln(s.out, "Usage: autobind [on|off]")
			return
		}
		fmt.Fprintf(s.out, "Auto-bind %s\n", strings.ToLower(args[0]))
		return
	}
	assigned := s.roles.AutoBind()
	if len(assigned) == 0 {
		fmt.Fprintln(s.out, "Nothing to bind")
		return
	}
	for _, a := range assigned {
		fmt.Fprintf(s.out, "  %s -> %s[%d]\n", a.Role, a.DeviceID, a.ServiceIndex)
	}
}

func (s *Shell) cmdIdentify(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(s.out, "Usage: identify <device>")
		return
	}
	id, ok := s.resolveDevice(args[0])
	if !ok {
		return
	}
	d, found := s.bus.Device(id)
	if !found {
		fmt.Fprintf(s.out, "Unknown device: %s\n", args[0])
		return
	}
	if err := d.SendCtrlCommand(wire.CtrlCmdIdentify, nil); err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "Identify sent to %s\n", d.ShortID())
}

// resolveDevice accepts a full identifier, a short id or a device name.
func (s *Shell) resolveDevice(arg string) (wire.DeviceID, bool) {
	if id, err := wire.ParseDeviceID(strings.ToLower(arg)); err == nil {
		return id, true
	}
	for _, d := range s.bus.Devices() {
		if strings.EqualFold(d.ShortID(), arg) || d.Name() == arg {
			return d.ID(), true
		}
	}
	fmt.Fprintf(s.out, "Unknown device: %s\n", arg)
	return wire.DeviceID{}, false
}
