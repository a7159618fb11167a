package discovery

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/jacdac-protocol/jacdac-go/pkg/version"
	"github.com/jacdac-protocol/jacdac-go/pkg/wire"
)

const (
	// ServiceType is the DNS-SD service type of a bridge hub.
	ServiceType = "_jacdac._tcp"

	// Domain is the mDNS domain.
	Domain = "local"

	// InstancePrefix starts every hub instance name.
	InstancePrefix = "jacdac-"

	// MaxInstanceNameLen is the DNS label limit for instance names.
	MaxInstanceNameLen = 63

	// DefaultTTL is the record TTL used when none is configured.
	DefaultTTL = 120 * time.Second

	// BrowseTimeout bounds FindHub when the caller's context has no deadline.
	BrowseTimeout = 10 * time.Second
)

// TXT record keys.
const (
	TXTKeyDeviceID = "id"
	TXTKeyVersion  = "v"
	TXTKeyName     = "n"
)

var (
	ErrInvalidTXTRecord    = errors.New("invalid TXT record format")
	ErrMissingRequired     = errors.New("missing required field")
	ErrInstanceNameTooLong = errors.New("instance name exceeds 63 characters")
	ErrNotFound            = errors.New("hub not found")
	ErrInvalidPort         = errors.New("invalid port")
)

// HubInfo describes the hub a node advertises.
type HubInfo struct {
	DeviceID wire.DeviceID
	Port     uint16
	Name     string
	// Version defaults to version.Current.
	Version string
}

// InstanceName returns the DNS-SD instance name for info.
func (i *HubInfo) InstanceName() string {
	return InstancePrefix + i.DeviceID.String()[:8]
}

// HubService is a hub found while browsing.
type HubService struct {
	InstanceName string
	Host         string
	Port         uint16
	Addresses    []string
	DeviceID     wire.DeviceID
	Version      string
	Name         string
}

// Addr returns a dialable host:port, preferring the first resolved
// address over the host name.
func (s *HubService) Addr() string {
	host := s.Host
	if len(s.Addresses) > 0 {
		host = s.Addresses[0]
	}
	host = strings.TrimSuffix(host, ".")
	return net.JoinHostPort(host, strconv.Itoa(int(s.Port)))
}

// TXTRecordMap maps TXT keys to values.
type TXTRecordMap map[string]string

// EncodeHubTXT builds the TXT records for info.
func EncodeHubTXT(info *HubInfo) TXTRecordMap {
	v := info.Version
	if v == "" {
		v = version.Current
	}
	txt := TXTRecordMap{
		TXTKeyDeviceID: info.DeviceID.String(),
		TXTKeyVersion:  v,
	}
	if info.Name != "" {
		txt[TXTKeyName] = info.Name
	}
	return txt
}

// DecodeHubTXT parses hub TXT records into a HubInfo without a port.
func DecodeHubTXT(txt TXTRecordMap) (*HubInfo, error) {
	rawID, ok := txt[TXTKeyDeviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyDeviceID)
	}
	id, err := wire.ParseDeviceID(rawID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTXTRecord, TXTKeyDeviceID, err)
	}
	v, ok := txt[TXTKeyVersion]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyVersion)
	}
	if _, err := version.Parse(v); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTXTRecord, TXTKeyVersion, err)
	}
	return &HubInfo{DeviceID: id, Version: v, Name: txt[TXTKeyName]}, nil
}

// TXTRecordsToStrings converts a TXTRecordMap to "key=value" strings.
func TXTRecordsToStrings(txt TXTRecordMap) []string {
	result := make([]string, 0, len(txt))
	for k, v := range txt {
		result = append(result, k+"="+v)
	}
	return result
}

// StringsToTXTRecords parses "key=value" strings. A bare key maps to "".
func StringsToTXTRecords(strs []string) TXTRecordMap {
	txt := make(TXTRecordMap)
	for _, s := range strs {
		k, v, _ := strings.Cut(s, "=")
		if k != "" {
			txt[k] = v
		}
	}
	return txt
}

// ValidateInstanceName checks an instance name against the DNS label rules.
func ValidateInstanceName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInstanceNameTooLong)
	}
	if len(name) > MaxInstanceNameLen {
		return ErrInstanceNameTooLong
	}
	return nil
}
