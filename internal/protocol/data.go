package protocol

import (
	"fmt"
	"slices"
	"strings"
)

// MetadataVersionUnknown is the metadata version of a device that has not
// been heard from yet. Known versions are always >= 1.
const MetadataVersionUnknown uint64 = 0

// QName is a namespace-qualified type name.
type QName struct {
	Namespace string `json:"ns,omitempty"`
	Local     string `json:"local"`
}

// String renders the name in "{namespace}local" form.
func (q QName) String() string {
	if q.Namespace == "" {
		return q.Local
	}
	return "{" + q.Namespace + "}" + q.Local
}

// ParseQName parses the "{namespace}local" form produced by String.
func ParseQName(s string) (QName, error) {
	if !strings.HasPrefix(s, "{") {
		if s == "" {
			return QName{}, fmt.Errorf("empty qualified name")
		}
		return QName{Local: s}, nil
	}
	end := strings.Index(s, "}")
	if end < 0 || end == len(s)-1 {
		return QName{}, fmt.Errorf("malformed qualified name %q", s)
	}
	return QName{Namespace: s[1:end], Local: s[end+1:]}, nil
}

// XAddress is a transport address at which a device can be reached, tagged
// with the protocol version it was announced in.
type XAddress struct {
	URL     string  `json:"url"`
	Version Version `json:"version"`
}

// String returns the address URL
func (x XAddress) String() string {
	return x.URL
}

// DiscoveryData is everything discovery traffic reveals about a device.
//
// A DiscoveryData value is treated as immutable once it is published by a
// device reference. Updates go through Clone so readers always see a
// consistent snapshot.
type DiscoveryData struct {
	EndpointReference string     `json:"epr"`
	Types             []QName    `json:"types,omitempty"`
	Scopes            []string   `json:"scopes,omitempty"`
	XAddrs            []XAddress `json:"xaddrs,omitempty"`
	DiscoveryXAddrs   []XAddress `json:"discoveryXaddrs,omitempty"`
	MetadataVersion   uint64     `json:"metadataVersion"`
}

// Clone returns a deep copy of the discovery data.
func (d *DiscoveryData) Clone() *DiscoveryData {
	if d == nil {
		return nil
	}
	return &DiscoveryData{
		EndpointReference: d.EndpointReference,
		Types:             slices.Clone(d.Types),
		Scopes:            slices.Clone(d.Scopes),
		XAddrs:            slices.Clone(d.XAddrs),
		DiscoveryXAddrs:   slices.Clone(d.DiscoveryXAddrs),
		MetadataVersion:   d.MetadataVersion,
	}
}

// HasType reports whether the device announced the given type.
func (d *DiscoveryData) HasType(t QName) bool {
	return slices.Contains(d.Types, t)
}

// Matches reports whether the data satisfies a Probe filter: every probed
// type and every probed scope must be present. Scopes are compared with
// case-sensitive string equality, or as RFC 3986 path prefixes when the
// filter asks for it.
func (d *DiscoveryData) Matches(filter *ProbeScope) bool {
	if filter == nil {
		return true
	}
	for _, t := range filter.Types {
		if !d.HasType(t) {
			return false
		}
	}
	for _, want := range filter.Scopes {
		if !d.hasScope(want, filter.MatchBy) {
			return false
		}
	}
	return true
}

// MatchByRFC3986 selects segment-wise prefix matching of scopes.
const MatchByRFC3986 = "http://docs.oasis-open.org/ws-dd/ns/discovery/2009/01/rfc3986"

func (d *DiscoveryData) hasScope(want, matchBy string) bool {
	for _, have := range d.Scopes {
		if have == want {
			return true
		}
		if matchBy == MatchByRFC3986 && strings.HasPrefix(have, strings.TrimSuffix(want, "/")+"/") {
			return true
		}
	}
	return false
}

// XAddrURLs returns the URL of every transport address.
func (d *DiscoveryData) XAddrURLs() []string {
	urls := make([]string, 0, len(d.XAddrs))
	for _, x := range d.XAddrs {
		urls = append(urls, x.URL)
	}
	return urls
}

// String returns a short human-readable description
func (d *DiscoveryData) String() string {
	return fmt.Sprintf("DiscoveryData{epr=%s, types=%d, scopes=%d, xaddrs=%v, mdv=%d}",
		d.EndpointReference, len(d.Types), len(d.Scopes), d.XAddrURLs(), d.MetadataVersion)
}
