package protocol

import (
	"fmt"
	"strings"
	"time"
)

// Version identifies a WS-Discovery/DPWS protocol generation.
type Version int

const (
	// VersionUnknown means the message is not pinned to a version and will be
	// fanned out to every configured version when multicast.
	VersionUnknown Version = iota
	// DPWS2006 is DPWS 1.0 over WS-Discovery 2005/04.
	DPWS2006
	// DPWS2009 is DPWS 1.1 over WS-Discovery 1.1.
	DPWS2009
)

// Well-known discovery endpoints
const (
	DiscoveryPort          = 3702
	MulticastGroupIPv4     = "239.255.255.250"
	MulticastGroupIPv6     = "FF02::C"
	DiscoveryTargetAddress = "urn:schemas-xmlsoap-org:ws:2005:04:discovery"
)

// Params holds the timing parameters of a protocol version.
type Params struct {
	MulticastUDPRepeat int           `yaml:"multicast_udp_repeat"`
	UnicastUDPRepeat   int           `yaml:"unicast_udp_repeat"`
	UDPMinDelay        time.Duration `yaml:"udp_min_delay"`
	UDPMaxDelay        time.Duration `yaml:"udp_max_delay"`
	UDPUpperDelay      time.Duration `yaml:"udp_upper_delay"`
	AppMaxDelay        time.Duration `yaml:"app_max_delay"`
	MatchTimeout       time.Duration `yaml:"match_timeout"`
}

var defaultParams = map[Version]Params{
	DPWS2006: {
		MulticastUDPRepeat: 2,
		UnicastUDPRepeat:   2,
		UDPMinDelay:        50 * time.Millisecond,
		UDPMaxDelay:        250 * time.Millisecond,
		UDPUpperDelay:      450 * time.Millisecond,
		AppMaxDelay:        5 * time.Second,
		MatchTimeout:       10 * time.Second,
	},
	DPWS2009: {
		MulticastUDPRepeat: 1,
		UnicastUDPRepeat:   1,
		UDPMinDelay:        50 * time.Millisecond,
		UDPMaxDelay:        250 * time.Millisecond,
		UDPUpperDelay:      500 * time.Millisecond,
		AppMaxDelay:        500 * time.Millisecond,
		MatchTimeout:       10 * time.Second,
	},
}

// SupportedVersions lists every version in preference order (newest first).
var SupportedVersions = []Version{DPWS2009, DPWS2006}

// DefaultParams returns the standard timing parameters for v.
func DefaultParams(v Version) Params {
	return defaultParams[v]
}

// Validate checks that the delay bounds are consistent.
func (p Params) Validate() error {
	if p.MulticastUDPRepeat < 0 || p.UnicastUDPRepeat < 0 {
		return fmt.Errorf("repeat counts must not be negative")
	}
	if p.UDPMinDelay < 0 || p.UDPMaxDelay < p.UDPMinDelay {
		return fmt.Errorf("udp delay bounds [%s, %s] are invalid", p.UDPMinDelay, p.UDPMaxDelay)
	}
	if p.UDPUpperDelay < p.UDPMaxDelay {
		return fmt.Errorf("udp upper delay %s is below max delay %s", p.UDPUpperDelay, p.UDPMaxDelay)
	}
	if p.AppMaxDelay < 0 {
		return fmt.Errorf("app max delay must not be negative")
	}
	return nil
}

// Namespace returns the WS-Discovery namespace URI of the version.
func (v Version) Namespace() string {
	switch v {
	case DPWS2006:
		return "http://schemas.xmlsoap.org/ws/2005/04/discovery"
	case DPWS2009:
		return "http://docs.oasis-open.org/ws-dd/ns/discovery/2009/01"
	default:
		return ""
	}
}

// String returns the configuration name of the version.
func (v Version) String() string {
	switch v {
	case DPWS2006:
		return "dpws2006"
	case DPWS2009:
		return "dpws2009"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Version) UnmarshalText(text []byte) error {
	parsed, err := ParseVersion(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ParseVersion converts a configuration name ("dpws2009", "dpws2006") into a
// Version. The empty string and "unknown" map to VersionUnknown.
func ParseVersion(s string) (Version, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dpws2009", "dpws11", "wsd11":
		return DPWS2009, nil
	case "dpws2006", "dpws10", "wsd2005":
		return DPWS2006, nil
	case "", "unknown":
		return VersionUnknown, nil
	default:
		return VersionUnknown, fmt.Errorf("unknown protocol version %q", s)
	}
}
