package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"github.com/muurk/dpws/internal/protocol"
)

const (
	// DefaultHintServiceType is the DNS-SD service type browsed for hints
	DefaultHintServiceType = "_dpws._tcp"

	// ServiceDomain is the mDNS domain (typically "local.")
	ServiceDomain = "local."

	// DefaultScanTimeout is the default duration of a one-shot hint scan
	DefaultScanTimeout = 5 * time.Second

	// DefaultPort is used when an entry advertises no port
	DefaultPort = 80
)

// TXT record keys understood by the hint browser
const (
	txtEndpointReference = "epr"
	txtXAddr             = "xaddr"
	txtTypes             = "types"
	txtScopes            = "scopes"
	txtMetadataVersion   = "mdv"
	txtVersion           = "wsd"
	txtPath              = "path"
)

// HintBrowser turns DNS-SD advertisements into discovery hints.
type HintBrowser struct {
	// ServiceType is the DNS-SD service type to browse
	ServiceType string

	// Timeout bounds Scan
	Timeout time.Duration

	logger *zap.Logger
}

// NewHintBrowser creates a browser for serviceType ("" selects the default).
func NewHintBrowser(serviceType string, logger *zap.Logger) *HintBrowser {
	if serviceType == "" {
		serviceType = DefaultHintServiceType
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HintBrowser{
		ServiceType: serviceType,
		Timeout:     DefaultScanTimeout,
		logger:      logger,
	}
}

// Browse delivers a hint for every usable advertisement until ctx is done.
func (b *HintBrowser) Browse(ctx context.Context, handle func(*protocol.DiscoveryData)) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("failed to create mDNS resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				data := b.parseServiceEntry(entry)
				if data == nil {
					b.logger.Debug("Ignoring mDNS entry without discovery data",
						zap.String("instance", entry.Instance),
						zap.String("host", entry.HostName),
					)
					continue
				}
				b.logger.Debug("mDNS hint received",
					zap.String("epr", data.EndpointReference),
					zap.Strings("xaddrs", data.XAddrURLs()),
				)
				handle(data)
			}
		}
	}()

	if err := resolver.Browse(ctx, b.ServiceType, ServiceDomain, entries); err != nil {
		return fmt.Errorf("failed to browse for mDNS services: %w", err)
	}

	<-ctx.Done()
	<-done
	return nil
}

// Scan browses for Timeout and returns every distinct hint seen.
func (b *HintBrowser) Scan(ctx context.Context) ([]*protocol.DiscoveryData, error) {
	ctx, cancel := context.WithTimeout(ctx, b.Timeout)
	defer cancel()

	var (
		mu    sync.Mutex
		hints []*protocol.DiscoveryData
		seen  = make(map[string]bool)
	)

	err := b.Browse(ctx, func(data *protocol.DiscoveryData) {
		mu.Lock()
		defer mu.Unlock()
		if seen[data.EndpointReference] {
			return
		}
		seen[data.EndpointReference] = true
		hints = append(hints, data)
	})
	if err != nil {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	return hints, nil
}

// parseServiceEntry converts a zeroconf entry into discovery data.
// Returns nil if the entry carries no endpoint reference or no address.
func (b *HintBrowser) parseServiceEntry(entry *zeroconf.ServiceEntry) *protocol.DiscoveryData {
	txt := parseTXT(entry.Text)

	epr := txt[txtEndpointReference]
	if epr == "" {
		return nil
	}

	version := protocol.DPWS2009
	if v, err := protocol.ParseVersion(txt[txtVersion]); err == nil && v != protocol.VersionUnknown {
		version = v
	}

	data := &protocol.DiscoveryData{EndpointReference: epr}

	if xaddr := txt[txtXAddr]; xaddr != "" {
		for _, u := range strings.Fields(xaddr) {
			data.XAddrs = append(data.XAddrs, protocol.XAddress{URL: u, Version: version})
		}
	} else if u := entryURL(entry, txt[txtPath]); u != "" {
		data.XAddrs = append(data.XAddrs, protocol.XAddress{URL: u, Version: version})
	}
	if len(data.XAddrs) == 0 {
		return nil
	}

	for _, field := range strings.Fields(txt[txtTypes]) {
		if q, err := protocol.ParseQName(field); err == nil {
			data.Types = append(data.Types, q)
		}
	}
	data.Scopes = strings.Fields(txt[txtScopes])

	if mdv, err := strconv.ParseUint(txt[txtMetadataVersion], 10, 64); err == nil {
		data.MetadataVersion = mdv
	}

	return data
}

// entryURL builds an http URL from the advertised address (IPv4 preferred).
func entryURL(entry *zeroconf.ServiceEntry, path string) string {
	var host string
	if len(entry.AddrIPv4) > 0 {
		host = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		host = entry.AddrIPv6[0].String()
	}
	if host == "" {
		return ""
	}

	port := entry.Port
	if port == 0 {
		port = DefaultPort
	}
	if path == "" {
		path = "/"
	} else if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + path
}

// parseTXT splits "key=value" TXT records. Keys without value map to "".
func parseTXT(records []string) map[string]string {
	txt := make(map[string]string, len(records))
	for _, record := range records {
		parts := strings.SplitN(record, "=", 2)
		if len(parts) == 2 {
			txt[parts[0]] = parts[1]
		} else {
			txt[parts[0]] = ""
		}
	}
	return txt
}
