package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/muurk/dpws/internal/device"
	"github.com/muurk/dpws/internal/protocol"
	"github.com/muurk/dpws/internal/transport"
)

// CurrentVersion is the config file format version
const CurrentVersion = 1

// Duration is a time.Duration written as a Go duration string ("1.5s").
type Duration time.Duration

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, s, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the entire user configuration file.
type Config struct {
	Version      int                     `yaml:"version"`
	Network      *NetworkPrefs           `yaml:"network,omitempty"`
	Device       *DevicePrefs            `yaml:"device,omitempty"`
	Hosting      *HostingPrefs           `yaml:"hosting,omitempty"`
	Monitor      *MonitorPrefs           `yaml:"monitor,omitempty"`
	Auth         *AuthPrefs              `yaml:"auth,omitempty"`
	LocalDevices map[string]*LocalDevice `yaml:"local_devices,omitempty"` // Keyed by a short name used on the command line
	KnownDevices map[string]*KnownDevice `yaml:"known_devices,omitempty"` // Keyed by endpoint reference
}

// NetworkPrefs selects interfaces, protocol versions and timing.
type NetworkPrefs struct {
	Interfaces   []string                `yaml:"interfaces,omitempty"`
	IPv6         bool                    `yaml:"ipv6"`
	Versions     []string                `yaml:"versions,omitempty"` // Fan-out versions in preference order
	ProbeTimeout Duration                `yaml:"probe_timeout"`
	Workers      int                     `yaml:"workers,omitempty"`
	MDNSService  string                  `yaml:"mdns_service,omitempty"` // DNS-SD service browsed for hints, empty disables
	Timing       map[string]*TimingPrefs `yaml:"timing,omitempty"`       // Keyed by version name
}

// TimingPrefs overrides the SOAP-over-UDP timing of one protocol version.
// Zero fields keep the standard value.
type TimingPrefs struct {
	MulticastRepeat int      `yaml:"multicast_repeat,omitempty"`
	UnicastRepeat   int      `yaml:"unicast_repeat,omitempty"`
	MinDelay        Duration `yaml:"min_delay,omitempty"`
	MaxDelay        Duration `yaml:"max_delay,omitempty"`
	UpperDelay      Duration `yaml:"upper_delay,omitempty"`
	AppMaxDelay     Duration `yaml:"app_max_delay,omitempty"`
	MatchTimeout    Duration `yaml:"match_timeout,omitempty"`
}

// DevicePrefs tunes device reference behavior.
type DevicePrefs struct {
	WaitQuantum    Duration `yaml:"wait_quantum"`
	WaitRetries    int      `yaml:"wait_retries"`
	ResolveSpacing Duration `yaml:"resolve_spacing"`
	RequestTimeout Duration `yaml:"request_timeout"`
	CachingTimeout Duration `yaml:"caching_timeout"`
	SweepInterval  Duration `yaml:"sweep_interval"`
}

// HostingPrefs configures the HTTP endpoint local devices are served on.
type HostingPrefs struct {
	Listen        string `yaml:"listen"`
	AdvertiseHost string `yaml:"advertise_host,omitempty"`
}

// MonitorPrefs configures the websocket event monitor.
type MonitorPrefs struct {
	Listen   string `yaml:"listen"`
	CertPath string `yaml:"cert_path,omitempty"`
	KeyPath  string `yaml:"key_path,omitempty"`
}

// AuthPrefs represents default authentication preferences.
// Note: Passwords are NEVER stored - they are always prompted from the user.
type AuthPrefs struct {
	Username string `yaml:"username"`
}

// LocalDevice describes a device this node can host and announce.
type LocalDevice struct {
	EndpointReference string   `yaml:"epr,omitempty"` // Generated on first announce when empty
	Types             []string `yaml:"types"`         // "{namespace}local" or "local"
	Scopes            []string `yaml:"scopes,omitempty"`
	XAddrs            []string `yaml:"xaddrs,omitempty"` // Empty means the hosting endpoint
	FriendlyName      string   `yaml:"friendly_name,omitempty"`
	Manufacturer      string   `yaml:"manufacturer,omitempty"`
	ModelName         string   `yaml:"model_name,omitempty"`
	ModelNumber       string   `yaml:"model_number,omitempty"`
	FirmwareVersion   string   `yaml:"firmware_version,omitempty"`
	SerialNumber      string   `yaml:"serial_number,omitempty"`
}

// KnownDevice is what the user chose to remember about a remote device.
type KnownDevice struct {
	Nickname  string    `yaml:"nickname,omitempty"`
	LastXAddr string    `yaml:"last_xaddr,omitempty"`
	LastSeen  time.Time `yaml:"last_seen,omitempty"`
}

// NewConfig creates a new Config with default values.
func NewConfig() *Config {
	return &Config{
		Version:      CurrentVersion,
		Network:      defaultNetwork(),
		Device:       defaultDevice(),
		Hosting:      defaultHosting(),
		Monitor:      defaultMonitor(),
		LocalDevices: make(map[string]*LocalDevice),
		KnownDevices: make(map[string]*KnownDevice),
	}
}

func defaultNetwork() *NetworkPrefs {
	return &NetworkPrefs{
		ProbeTimeout: Duration(3 * time.Second),
	}
}

func defaultDevice() *DevicePrefs {
	d := device.DefaultConfig()
	return &DevicePrefs{
		WaitQuantum:    Duration(d.WaitQuantum),
		WaitRetries:    d.WaitRetries,
		ResolveSpacing: Duration(d.ResolveSpacing),
		RequestTimeout: Duration(10 * time.Second),
		CachingTimeout: Duration(d.CachingTimeout),
		SweepInterval:  Duration(d.SweepInterval),
	}
}

func defaultHosting() *HostingPrefs {
	return &HostingPrefs{Listen: ":5357"}
}

func defaultMonitor() *MonitorPrefs {
	return &MonitorPrefs{Listen: "127.0.0.1:8765"}
}

// fillDefaults replaces missing sections with their defaults.
func (c *Config) fillDefaults() {
	if c.Network == nil {
		c.Network = defaultNetwork()
	}
	if c.Device == nil {
		c.Device = defaultDevice()
	}
	if c.Hosting == nil {
		c.Hosting = defaultHosting()
	}
	if c.Monitor == nil {
		c.Monitor = defaultMonitor()
	}
	if c.LocalDevices == nil {
		c.LocalDevices = make(map[string]*LocalDevice)
	}
	if c.KnownDevices == nil {
		c.KnownDevices = make(map[string]*KnownDevice)
	}
}

// Validate checks the configuration for values the stack cannot use.
func (c *Config) Validate() error {
	if c.Version != CurrentVersion {
		return fmt.Errorf("unsupported config version: %d (expected %d)", c.Version, CurrentVersion)
	}
	if c.Network != nil {
		if c.Network.ProbeTimeout < 0 {
			return fmt.Errorf("network.probe_timeout must not be negative")
		}
		if _, err := c.DispatchConfig(); err != nil {
			return err
		}
	}
	if c.Device != nil {
		if c.Device.WaitQuantum < 0 || c.Device.WaitRetries < 0 {
			return fmt.Errorf("device.wait_quantum and device.wait_retries must not be negative")
		}
		if c.Device.ResolveSpacing < 0 {
			return fmt.Errorf("device.resolve_spacing must not be negative")
		}
	}
	for name, ld := range c.LocalDevices {
		if ld == nil || len(ld.Types) == 0 {
			return fmt.Errorf("local device %q needs at least one type", name)
		}
		for _, t := range ld.Types {
			if _, err := protocol.ParseQName(t); err != nil {
				return fmt.Errorf("local device %q: %w", name, err)
			}
		}
	}
	return nil
}

// DeviceConfig returns the device reference settings.
func (c *Config) DeviceConfig() device.Config {
	cfg := device.DefaultConfig()
	if c.Device == nil {
		return cfg
	}
	if c.Device.WaitQuantum > 0 {
		cfg.WaitQuantum = c.Device.WaitQuantum.Std()
	}
	if c.Device.WaitRetries > 0 {
		cfg.WaitRetries = c.Device.WaitRetries
	}
	cfg.ResolveSpacing = c.Device.ResolveSpacing.Std()
	if c.Device.RequestTimeout > 0 {
		cfg.RequestTimeout = c.Device.RequestTimeout.Std()
	}
	if c.Device.CachingTimeout > 0 {
		cfg.CachingTimeout = c.Device.CachingTimeout.Std()
	}
	if c.Device.SweepInterval > 0 {
		cfg.SweepInterval = c.Device.SweepInterval.Std()
	}
	return cfg
}

// DispatchConfig returns the transport settings.
func (c *Config) DispatchConfig() (transport.Config, error) {
	cfg := transport.DefaultConfig()
	cfg.MulticastGroups = nil // chosen by the stack from the address family
	if c.Network == nil {
		return cfg, nil
	}
	cfg.Interfaces = append([]string(nil), c.Network.Interfaces...)

	if len(c.Network.Versions) > 0 {
		cfg.Versions = nil
		for _, name := range c.Network.Versions {
			v, err := parseKnownVersion(name)
			if err != nil {
				return cfg, fmt.Errorf("network.versions: %w", err)
			}
			cfg.Versions = append(cfg.Versions, v)
		}
	}

	for name, tp := range c.Network.Timing {
		v, err := parseKnownVersion(name)
		if err != nil {
			return cfg, fmt.Errorf("network.timing: %w", err)
		}
		p := tp.apply(protocol.DefaultParams(v))
		if err := p.Validate(); err != nil {
			return cfg, fmt.Errorf("network.timing.%s: %w", name, err)
		}
		if cfg.Params == nil {
			cfg.Params = make(map[protocol.Version]protocol.Params)
		}
		cfg.Params[v] = p
	}
	return cfg, nil
}

func parseKnownVersion(name string) (protocol.Version, error) {
	v, err := protocol.ParseVersion(name)
	if err != nil {
		return v, err
	}
	if v == protocol.VersionUnknown {
		return v, fmt.Errorf("a concrete protocol version is required, got %q", name)
	}
	return v, nil
}

func (t *TimingPrefs) apply(p protocol.Params) protocol.Params {
	if t == nil {
		return p
	}
	if t.MulticastRepeat > 0 {
		p.MulticastUDPRepeat = t.MulticastRepeat
	}
	if t.UnicastRepeat > 0 {
		p.UnicastUDPRepeat = t.UnicastRepeat
	}
	if t.MinDelay > 0 {
		p.UDPMinDelay = t.MinDelay.Std()
	}
	if t.MaxDelay > 0 {
		p.UDPMaxDelay = t.MaxDelay.Std()
	}
	if t.UpperDelay > 0 {
		p.UDPUpperDelay = t.UpperDelay.Std()
	}
	if t.AppMaxDelay > 0 {
		p.AppMaxDelay = t.AppMaxDelay.Std()
	}
	if t.MatchTimeout > 0 {
		p.MatchTimeout = t.MatchTimeout.Std()
	}
	return p
}

// DiscoveryData builds the announced data of a local device.
func (ld *LocalDevice) DiscoveryData() (*protocol.DiscoveryData, error) {
	data := &protocol.DiscoveryData{
		EndpointReference: ld.EndpointReference,
		Scopes:            append([]string(nil), ld.Scopes...),
	}
	for _, t := range ld.Types {
		q, err := protocol.ParseQName(t)
		if err != nil {
			return nil, err
		}
		data.Types = append(data.Types, q)
	}
	for _, x := range ld.XAddrs {
		data.XAddrs = append(data.XAddrs, protocol.XAddress{URL: x})
	}
	return data, nil
}

// Metadata builds the GetResponse body of a local device.
func (ld *LocalDevice) Metadata() protocol.DeviceMetadata {
	return protocol.DeviceMetadata{
		FriendlyName:    ld.FriendlyName,
		Manufacturer:    ld.Manufacturer,
		ModelName:       ld.ModelName,
		ModelNumber:     ld.ModelNumber,
		FirmwareVersion: ld.FirmwareVersion,
		SerialNumber:    ld.SerialNumber,
	}
}

// GetKnownDevice retrieves what is remembered about epr.
// Returns nil if the device doesn't exist in the config.
func (c *Config) GetKnownDevice(epr string) *KnownDevice {
	return c.KnownDevices[epr]
}

// ensureKnownDevice ensures a known device entry exists for epr.
func (c *Config) ensureKnownDevice(epr string) *KnownDevice {
	if c.KnownDevices == nil {
		c.KnownDevices = make(map[string]*KnownDevice)
	}
	if kd, ok := c.KnownDevices[epr]; ok {
		return kd
	}
	kd := &KnownDevice{}
	c.KnownDevices[epr] = kd
	return kd
}

// UpdateDeviceLastSeen records when and where epr was last seen.
func (c *Config) UpdateDeviceLastSeen(epr, xaddr string, at time.Time) {
	kd := c.ensureKnownDevice(epr)
	kd.LastSeen = at
	if xaddr != "" {
		kd.LastXAddr = xaddr
	}
}

// SetDeviceNickname sets a user-friendly nickname for a device.
func (c *Config) SetDeviceNickname(epr, nickname string) {
	c.ensureKnownDevice(epr).Nickname = nickname
}
