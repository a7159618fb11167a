package discovery

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/enbility/zeroconf/v3"

	"github.com/jacdac-protocol/jacdac-go/pkg/version"
)

// BrowserConfig configures browser behavior.
type BrowserConfig struct {
	// Interface restricts browsing to one network interface. Empty means
	// all interfaces.
	Interface string

	Logger *slog.Logger
}

// ServiceEntry is a raw DNS-SD answer, decoupled from the mDNS library.
type ServiceEntry struct {
	Instance string
	Host     string
	Port     uint16
	Text     []string
	Addrs    []string
}

// ToHubService decodes e into a HubService.
func (e *ServiceEntry) ToHubService() (*HubService, error) {
	info, err := DecodeHubTXT(StringsToTXTRecords(e.Text))
	if err != nil {
		return nil, err
	}
	return &HubService{
		InstanceName: e.Instance,
		Host:         e.Host,
		Port:         e.Port,
		Addresses:    append([]string(nil), e.Addrs...),
		DeviceID:     info.DeviceID,
		Version:      info.Version,
		Name:         info.Name,
	}, nil
}

func fromZeroconf(entry *zeroconf.ServiceEntry) ServiceEntry {
	addrs := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}
	return ServiceEntry{
		Instance: entry.Instance,
		Host:     entry.HostName,
		Port:     uint16(entry.Port),
		Text:     entry.Text,
		Addrs:    addrs,
	}
}

// browseFunc streams added and removed entries until ctx is done.
type browseFunc func(ctx context.Context, added, removed chan<- ServiceEntry) error

// Browser finds hubs on the local network.
type Browser struct {
	config BrowserConfig
	logger *slog.Logger

	// browse is replaced in tests.
	browse browseFunc

	mu     sync.Mutex
	cancel []context.CancelFunc
}

// NewBrowser creates a browser.
func NewBrowser(config BrowserConfig) *Browser {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Browser{
		config: config,
		logger: logger.With("component", "discovery"),
	}
	b.browse = b.zeroconfBrowse
	return b
}

func (b *Browser) zeroconfBrowse(ctx context.Context, added, removed chan<- ServiceEntry) error {
	var opts []zeroconf.ClientOption
	if b.config.Interface != "" {
		iface, err := net.InterfaceByName(b.config.Interface)
		if err == nil {
			opts = append(opts, zeroconf.SelectIfaces([]net.Interface{*iface}))
		}
	}

	entries := make(chan *zeroconf.ServiceEntry)
	gone := make(chan *zeroconf.ServiceEntry)
	go func() {
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					return
				}
				select {
				case added <- fromZeroconf(e):
				case <-ctx.Done():
					return
				}
			case e, ok := <-gone:
				if !ok {
					gone = nil
					continue
				}
				select {
				case removed <- fromZeroconf(e):
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return zeroconf.Browse(ctx, ServiceType, Domain, entries, gone, opts...)
}

// Browse emits every compatible hub once. Addresses reported on several
// interfaces are merged into the first emitted entry. The channel is closed
// when ctx is done or Stop is called.
func (b *Browser) Browse(ctx context.Context) <-chan *HubService {
	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = append(b.cancel, cancel)
	b.mu.Unlock()

	out := make(chan *HubService)
	added := make(chan ServiceEntry)
	removed := make(chan ServiceEntry)

	go func() {
		defer close(out)

		services := make(map[string]*HubService)
		for {
			select {
			case entry := <-added:
				svc, err := entry.ToHubService()
				if err != nil {
					b.logger.Debug("ignoring hub entry", "instance", entry.Instance, "error", err)
					continue
				}
				if !version.Supported(svc.Version) {
					b.logger.Debug("ignoring incompatible hub", "instance", entry.Instance, "version", svc.Version)
					continue
				}
				if existing, found := services[svc.InstanceName]; found {
					existing.Addresses = mergeAddresses(existing.Addresses, svc.Addresses)
					continue
				}
				services[svc.InstanceName] = svc
				select {
				case out <- svc:
				case <-ctx.Done():
					return
				}

			case entry := <-removed:
				if existing, found := services[entry.Instance]; found {
					existing.Addresses = removeAddresses(existing.Addresses, entry.Addrs)
					if len(existing.Addresses) == 0 {
						delete(services, entry.Instance)
					}
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		if err := b.browse(ctx, added, removed); err != nil && ctx.Err() == nil {
			b.logger.Warn("browse failed", "error", err)
		}
	}()

	return out
}

// FindHub returns the first compatible hub. Without a deadline on ctx the
// search gives up after BrowseTimeout.
func (b *Browser) FindHub(ctx context.Context) (*HubService, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, BrowseTimeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	select {
	case svc, ok := <-b.Browse(ctx):
		if !ok {
			return nil, ErrNotFound
		}
		return svc, nil
	case <-ctx.Done():
		return nil, ErrNotFound
	}
}

// Stop cancels every running Browse.
func (b *Browser) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.cancel {
		c()
	}
	b.cancel = nil
}

func mergeAddresses(existing, added []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, addr := range existing {
		seen[addr] = true
	}
	for _, addr := range added {
		if !seen[addr] {
			existing = append(existing, addr)
			seen[addr] = true
		}
	}
	return existing
}

func removeAddresses(addresses, gone []string) []string {
	drop := make(map[string]bool, len(gone))
	for _, a := range gone {
		drop[a] = true
	}
	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		if !drop[addr] {
			result = append(result, addr)
		}
	}
	return result
}
