package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"

	"github.com/muurk/dpws/internal/protocol"
)

func TestHintBrowser_parseServiceEntry(t *testing.T) {
	browser := NewHintBrowser("", nil)

	tests := []struct {
		name       string
		entry      *zeroconf.ServiceEntry
		wantNil    bool
		wantEPR    string
		wantXAddrs []string
		wantVer    protocol.Version
	}{
		{
			name: "explicit xaddr",
			entry: &zeroconf.ServiceEntry{
				HostName: "printer.local.",
				Port:     5357,
				AddrIPv4: []net.IP{net.ParseIP("192.168.4.16")},
				Text:     []string{"epr=urn:uuid:printer", "xaddr=http://192.168.4.16:5357/dev"},
			},
			wantEPR:    "urn:uuid:printer",
			wantXAddrs: []string{"http://192.168.4.16:5357/dev"},
			wantVer:    protocol.DPWS2009,
		},
		{
			name: "several xaddrs and old version",
			entry: &zeroconf.ServiceEntry{
				Text: []string{"epr=urn:uuid:multi", "xaddr=http://10.0.0.5/a http://10.0.0.6/a", "wsd=dpws2006"},
			},
			wantEPR:    "urn:uuid:multi",
			wantXAddrs: []string{"http://10.0.0.5/a", "http://10.0.0.6/a"},
			wantVer:    protocol.DPWS2006,
		},
		{
			name: "address built from entry with path",
			entry: &zeroconf.ServiceEntry{
				Port:     8080,
				AddrIPv4: []net.IP{net.ParseIP("10.0.0.5")},
				Text:     []string{"epr=urn:uuid:built", "path=dpws/device"},
			},
			wantEPR:    "urn:uuid:built",
			wantXAddrs: []string{"http://10.0.0.5:8080/dpws/device"},
			wantVer:    protocol.DPWS2009,
		},
		{
			name: "no port defaults to 80",
			entry: &zeroconf.ServiceEntry{
				AddrIPv4: []net.IP{net.ParseIP("172.16.0.1")},
				Text:     []string{"epr=urn:uuid:noport"},
			},
			wantEPR:    "urn:uuid:noport",
			wantXAddrs: []string{"http://172.16.0.1:80/"},
			wantVer:    protocol.DPWS2009,
		},
		{
			name: "IPv6 only",
			entry: &zeroconf.ServiceEntry{
				Port:     80,
				AddrIPv6: []net.IP{net.ParseIP("fe80::1")},
				Text:     []string{"epr=urn:uuid:v6"},
			},
			wantEPR:    "urn:uuid:v6",
			wantXAddrs: []string{"http://[fe80::1]:80/"},
			wantVer:    protocol.DPWS2009,
		},
		{
			name: "missing endpoint reference",
			entry: &zeroconf.ServiceEntry{
				AddrIPv4: []net.IP{net.ParseIP("192.168.1.1")},
				Text:     []string{"path=/"},
			},
			wantNil: true,
		},
		{
			name: "no address at all",
			entry: &zeroconf.ServiceEntry{
				Text: []string{"epr=urn:uuid:nowhere"},
			},
			wantNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := browser.parseServiceEntry(tt.entry)

			if tt.wantNil {
				if data != nil {
					t.Errorf("parseServiceEntry() = %v, want nil", data)
				}
				return
			}
			if data == nil {
				t.Fatal("parseServiceEntry() = nil, want data")
			}

			if data.EndpointReference != tt.wantEPR {
				t.Errorf("EndpointReference = %s, want %s", data.EndpointReference, tt.wantEPR)
			}
			urls := data.XAddrURLs()
			if len(urls) != len(tt.wantXAddrs) {
				t.Fatalf("XAddrs = %v, want %v", urls, tt.wantXAddrs)
			}
			for i := range urls {
				if urls[i] != tt.wantXAddrs[i] {
					t.Errorf("XAddrs[%d] = %s, want %s", i, urls[i], tt.wantXAddrs[i])
				}
				if data.XAddrs[i].Version != tt.wantVer {
					t.Errorf("XAddrs[%d].Version = %v, want %v", i, data.XAddrs[i].Version, tt.wantVer)
				}
			}
		})
	}
}

func TestHintBrowser_parseServiceEntry_TypesScopesVersion(t *testing.T) {
	browser := NewHintBrowser("_custom._tcp", nil)

	entry := &zeroconf.ServiceEntry{
		Text: []string{
			"epr=urn:uuid:full",
			"xaddr=http://10.0.0.1/dev",
			"types={http://example.org/ns}Printer {http://example.org/ns}Scanner {broken",
			"scopes=http://example.org/a http://example.org/b",
			"mdv=12",
			"flag",
		},
	}

	data := browser.parseServiceEntry(entry)
	if data == nil {
		t.Fatal("parseServiceEntry() = nil")
	}
	if len(data.Types) != 2 {
		t.Errorf("Types = %v, want 2 valid names", data.Types)
	}
	if len(data.Scopes) != 2 {
		t.Errorf("Scopes = %v, want 2", data.Scopes)
	}
	if data.MetadataVersion != 12 {
		t.Errorf("MetadataVersion = %d, want 12", data.MetadataVersion)
	}
	if browser.ServiceType != "_custom._tcp" {
		t.Errorf("ServiceType = %s, want _custom._tcp", browser.ServiceType)
	}
}

func TestParseTXT(t *testing.T) {
	txt := parseTXT([]string{"path=/", "srcvers=1D90645", "flag", "eq=a=b"})

	expected := map[string]string{
		"path":    "/",
		"srcvers": "1D90645",
		"flag":    "",
		"eq":      "a=b",
	}
	if len(txt) != len(expected) {
		t.Errorf("parseTXT() has %d entries, want %d", len(txt), len(expected))
	}
	for k, v := range expected {
		if txt[k] != v {
			t.Errorf("txt[%q] = %q, want %q", k, txt[k], v)
		}
	}
}

func TestNewHintBrowser_Defaults(t *testing.T) {
	browser := NewHintBrowser("", nil)
	if browser.ServiceType != DefaultHintServiceType {
		t.Errorf("ServiceType = %s, want %s", browser.ServiceType, DefaultHintServiceType)
	}
	if browser.Timeout != DefaultScanTimeout {
		t.Errorf("Timeout = %v, want %v", browser.Timeout, DefaultScanTimeout)
	}
}

// Note: live mDNS browsing needs multicast on the host network and is not
// exercised here.
