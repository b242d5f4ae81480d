package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/muurk/dpws/internal/config"
	"github.com/muurk/dpws/internal/device"
	"github.com/muurk/dpws/internal/discovery"
	"github.com/muurk/dpws/internal/logging"
	"github.com/muurk/dpws/internal/monitor"
	"github.com/muurk/dpws/internal/protocol"
	"github.com/muurk/dpws/internal/stack"
	"github.com/muurk/dpws/internal/ui"
)

func init() {
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(announceCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(configCmd)
}

// deviceJSON is the machine readable form of a device reference.
type deviceJSON struct {
	EndpointReference string                   `json:"epr"`
	State             string                   `json:"state"`
	Location          string                   `json:"location"`
	MetadataVersion   *uint64                  `json:"metadataVersion,omitempty"`
	Types             []string                 `json:"types,omitempty"`
	Scopes            []string                 `json:"scopes,omitempty"`
	XAddrs            []string                 `json:"xaddrs,omitempty"`
	Metadata          *protocol.DeviceMetadata `json:"metadata,omitempty"`
}

func toJSON(ref *device.Reference) deviceJSON {
	out := deviceJSON{
		EndpointReference: ref.EndpointReference(),
		State:             ref.State().String(),
		Location:          ref.Location().String(),
	}
	if mdv := ref.MetadataVersion(); mdv != protocol.MetadataVersionUnknown {
		out.MetadataVersion = &mdv
	}
	if data := ref.Data(); data != nil {
		for _, t := range data.Types {
			out.Types = append(out.Types, t.String())
		}
		out.Scopes = data.Scopes
		out.XAddrs = data.XAddrURLs()
	}
	if dev := ref.Device(); dev != nil {
		out.Metadata = &dev.Metadata
	}
	return out
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func jsonOutput() bool {
	return outputFormat == "json"
}

// probeCmd searches the network for devices
var (
	probeTypes    []string
	probeScopes   []string
	probeMatchBy  string
	probeRemember bool
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Search the network for devices",
	Long: `Multicast a Probe and list every device that answers before the timeout.

Types are given as "{namespace}LocalName" or a bare local name. A device
matches when it has all requested types and all requested scopes.`,
	Example: `  # Every device on the network
  dpws-discover probe

  # Printers only, waiting five seconds
  dpws-discover probe --type "{http://schemas.microsoft.com/windows/2006/08/wdp/print}PrintDeviceType" --timeout 5s

  # Remember the answering devices in the configuration file
  dpws-discover probe --remember`,
	RunE: runProbe,
}

func init() {
	probeCmd.Flags().StringSliceVar(&probeTypes, "type", nil, "Device type to match (repeatable)")
	probeCmd.Flags().StringSliceVar(&probeScopes, "scope", nil, "Scope to match (repeatable)")
	probeCmd.Flags().StringVar(&probeMatchBy, "match-by", "", "Scope matching rule URI (default: RFC 3986)")
	probeCmd.Flags().BoolVar(&probeRemember, "remember", false, "Record the devices found in the known devices list")
}

func probeScope() (*protocol.ProbeScope, error) {
	if len(probeTypes) == 0 && len(probeScopes) == 0 && probeMatchBy == "" {
		return nil, nil
	}
	scope := &protocol.ProbeScope{Scopes: probeScopes, MatchBy: probeMatchBy}
	for _, t := range probeTypes {
		q, err := protocol.ParseQName(t)
		if err != nil {
			return nil, fmt.Errorf("invalid --type: %w", err)
		}
		scope.Types = append(scope.Types, q)
	}
	return scope, nil
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	scope, err := probeScope()
	if err != nil {
		return err
	}
	timeout := cfg.Network.ProbeTimeout.Std()

	printer := ui.NewPrinter(nil)
	if !jsonOutput() {
		params := []ui.Field{{Key: "Timeout", Value: timeout.String()}}
		if scope != nil {
			for _, t := range scope.Types {
				params = append(params, ui.Field{Key: "Type", Value: t.String()})
			}
			for _, sc := range scope.Scopes {
				params = append(params, ui.Field{Key: "Scope", Value: sc})
			}
		}
		printer.PrintHeader("probe", "dpws-discover probe", params)
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	s, stop, err := startStack(ctx, cfg, nodeOptions{})
	if err != nil {
		return err
	}
	defer stop()

	refs, err := s.Registry().Search(ctx, scope, timeout)
	if err != nil && ctx.Err() == nil {
		if !jsonOutput() {
			printer.PrintError("Probe failed", err, ui.Troubleshooting(err))
		}
		return err
	}

	if probeRemember && len(refs) > 0 {
		if err := rememberSeen(cfg, refs); err != nil {
			return err
		}
	}

	if jsonOutput() {
		out := make([]deviceJSON, 0, len(refs))
		for _, ref := range refs {
			out = append(out, toJSON(ref))
		}
		return printJSON(out)
	}

	printer.PrintDevices(refs)
	if len(refs) == 0 {
		printer.Newline()
		for _, tip := range ui.Troubleshooting(protocol.NewTimeoutError("no device answered")) {
			printer.Println(ui.StatusLineStyle.Render("- " + tip))
		}
	}
	return nil
}

// resolveCmd finds the transport addresses of one device
var resolveCmd = &cobra.Command{
	Use:   "resolve <endpoint-reference>",
	Short: "Find the transport addresses of a device",
	Long: `Multicast a Resolve for the endpoint reference and print the addresses the
device answers with.`,
	Example: `  dpws-discover resolve urn:uuid:5a0c1ef0-3f5e-4d7a-9f39-2d1b8c9f4e11`,
	Args:    cobra.ExactArgs(1),
	RunE:    runResolve,
}

func runResolve(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	epr := args[0]

	printer := ui.NewPrinter(nil)
	if !jsonOutput() {
		printer.PrintHeader("resolve", "dpws-discover resolve", []ui.Field{{Key: "Endpoint", Value: epr}})
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	s, stop, err := startStack(ctx, cfg, nodeOptions{})
	if err != nil {
		return err
	}
	defer stop()

	ref := s.Registry().Reference(epr)
	if _, err := ref.ResolveRemoteDevice(ctx); err != nil {
		if !jsonOutput() {
			printer.PrintError("Resolve failed", err, ui.Troubleshooting(err))
		}
		return err
	}

	if jsonOutput() {
		return printJSON(toJSON(ref))
	}
	printer.PrintData("Resolved "+epr, ref.Data())
	return nil
}

// getCmd fetches the metadata of one device
var getXAddr string

var getCmd = &cobra.Command{
	Use:   "get <endpoint-reference>",
	Short: "Fetch the metadata of a device",
	Long: `Send a Get to the device and print its metadata.

The device is resolved first unless --xaddr is given or the known devices
list holds its last address. Every known address is tried in turn.`,
	Example: `  dpws-discover get urn:uuid:5a0c1ef0-3f5e-4d7a-9f39-2d1b8c9f4e11

  # Skip the Resolve
  dpws-discover get urn:uuid:5a0c... --xaddr http://192.168.1.40:5357/dev

  # Device behind HTTP Basic Auth
  dpws-discover get urn:uuid:5a0c... --username admin --password`,
	Args: cobra.ExactArgs(1),
	RunE: runGet,
}

func init() {
	getCmd.Flags().StringVar(&getXAddr, "xaddr", "", "Transport address of the device")
}

func runGet(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	epr := args[0]

	printer := ui.NewPrinter(nil)
	if !jsonOutput() {
		params := []ui.Field{{Key: "Endpoint", Value: epr}}
		if getXAddr != "" {
			params = append(params, ui.Field{Key: "Address", Value: getXAddr})
		}
		printer.PrintHeader("get", "dpws-discover get", params)
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	s, stop, err := startStack(ctx, cfg, nodeOptions{})
	if err != nil {
		return err
	}
	defer stop()

	hintKnownAddress(s, cfg, epr, getXAddr)
	ref := s.Registry().Reference(epr)
	dev, err := ref.GetDevice(ctx)
	if err != nil {
		if !jsonOutput() {
			printer.PrintError("Get failed", err, ui.Troubleshooting(err))
		}
		return err
	}

	if jsonOutput() {
		return printJSON(toJSON(ref))
	}
	if kd := cfg.GetKnownDevice(epr); kd != nil && kd.Nickname != "" {
		printer.Println(ui.StatusLineStyle.Render(ui.DeviceMarker + " " + kd.Nickname))
	}
	printer.PrintDevice(dev)
	return nil
}

// inspectCmd confirms the complete discovery data with a directed Probe
var inspectXAddr string

var inspectCmd = &cobra.Command{
	Use:   "inspect <endpoint-reference>",
	Short: "Fetch the complete discovery data of a device",
	Long: `Send a directed Probe to the device and print its types, scopes and
addresses as the device itself reports them.`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().StringVar(&inspectXAddr, "xaddr", "", "Transport address of the device")
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	epr := args[0]

	printer := ui.NewPrinter(nil)
	if !jsonOutput() {
		printer.PrintHeader("inspect", "dpws-discover inspect", []ui.Field{{Key: "Endpoint", Value: epr}})
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	s, stop, err := startStack(ctx, cfg, nodeOptions{})
	if err != nil {
		return err
	}
	defer stop()

	hintKnownAddress(s, cfg, epr, inspectXAddr)
	data, err := s.Registry().Reference(epr).FetchCompleteDiscoveryDataSync(ctx)
	if err != nil {
		if !jsonOutput() {
			printer.PrintError("Directed probe failed", err, ui.Troubleshooting(err))
		}
		return err
	}

	if jsonOutput() {
		return printJSON(data)
	}
	printer.PrintData("Discovery data of "+epr, data)
	return nil
}

// watchCmd shows a live device table
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow devices live in a terminal view",
	Long: `Open a live table of every device seen on the network. The table follows
Hello and Bye announcements. Press r to probe again and enter to fetch the
metadata of the selected device.`,
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if !ui.IsTerminal() {
		return fmt.Errorf("watch needs a terminal; use 'probe' or 'monitor' instead")
	}
	timeout := cfg.Network.ProbeTimeout.Std()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	s, stop, err := startStack(ctx, cfg, nodeOptions{})
	if err != nil {
		return err
	}
	defer stop()

	registry := s.Registry()
	actions := ui.WatchActions{
		Search: func() ([]*device.Reference, error) {
			return registry.Search(ctx, nil, timeout)
		},
		Get: func(epr string) (*device.Device, error) {
			return registry.Reference(epr).GetDevice(ctx)
		},
	}
	return ui.RunWatch(ctx, registry, actions, timeout)
}

// announceCmd hosts the configured local devices
var (
	announceListen  string
	announceMonitor string
)

var announceCmd = &cobra.Command{
	Use:   "announce [device-name...]",
	Short: "Host and announce configured devices",
	Long: `Host the local devices of the configuration file, send Hello for each, and
answer Probe, Resolve and Get until interrupted. Bye is sent on exit.

Without arguments every configured local device is hosted. Generated
endpoint references are written back to the configuration so a device keeps
its identity across runs.`,
	Example: `  # Create an example configuration first
  dpws-discover config init

  dpws-discover announce example --listen :5357`,
	RunE: runAnnounce,
}

func init() {
	announceCmd.Flags().StringVar(&announceListen, "listen", "", "HTTP listen address for metadata requests (default: hosting.listen)")
	announceCmd.Flags().StringVar(&announceMonitor, "monitor", "", "Also serve the event monitor on this address")
}

func runAnnounce(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	names := args
	if len(names) == 0 {
		for name := range cfg.LocalDevices {
			names = append(names, name)
		}
		sort.Strings(names)
	}
	if len(names) == 0 {
		return fmt.Errorf("no local devices configured; run 'dpws-discover config init' for an example")
	}

	listen := announceListen
	if listen == "" {
		listen = cfg.Hosting.Listen
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	s, err := newStack(cfg, nodeOptions{hostHTTP: listen})
	if err != nil {
		return err
	}

	generated := false
	var hosted []*device.LocalDevice
	for _, name := range names {
		ld, ok := cfg.LocalDevices[name]
		if !ok {
			return fmt.Errorf("no local device named %q", name)
		}
		data, err := ld.DiscoveryData()
		if err != nil {
			return fmt.Errorf("local device %q: %w", name, err)
		}
		dev := device.NewLocalDevice(data, ld.Metadata())
		if ld.EndpointReference == "" {
			ld.EndpointReference = dev.EndpointReference()
			generated = true
		}
		if _, err := s.AddLocalDevice(dev); err != nil {
			return err
		}
		hosted = append(hosted, dev)
	}
	if generated {
		if err := cfg.Save(configPath); err != nil {
			return err
		}
	}

	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("failed to start discovery: %w", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if err := s.Stop(stopCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}()

	var mon *monitor.Server
	if announceMonitor != "" {
		mon, err = startMonitor(ctx, s, cfg, announceMonitor)
		if err != nil {
			return err
		}
		defer shutdownMonitor(mon)
	}

	printer := ui.NewPrinter(nil)
	fields := []ui.Field{{Key: "Metadata endpoint", Value: s.HTTPAddr()}}
	for _, dev := range hosted {
		data := dev.Data()
		fields = append(fields, ui.Field{Key: "Device", Value: data.EndpointReference})
		for _, x := range data.XAddrs {
			fields = append(fields, ui.Field{Key: "Address", Value: x.URL})
		}
	}
	if mon != nil {
		fields = append(fields, ui.Field{Key: "Monitor", Value: mon.Addr()})
	}
	printer.PrintSuccess(fmt.Sprintf("Announcing %d device(s), press Ctrl+C to stop", len(hosted)), fields)

	<-ctx.Done()
	printer.Println(ui.StatusLineStyle.Render("Sending Bye..."))
	return nil
}

// monitorCmd streams registry events to websocket clients
var (
	monitorListen string
	monitorCert   string
	monitorKey    string
	monitorProbe  time.Duration
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Stream device events to websocket clients",
	Long: `Follow discovery traffic and stream device events as JSON over a websocket.

Clients connecting to /events receive a snapshot of every known device and
then live events. GET /devices returns the current snapshot. TLS is enabled
when both --cert and --key are given.`,
	Example: `  dpws-discover monitor --listen 127.0.0.1:8765

  # Probe again every minute
  dpws-discover monitor --reprobe 1m

  # With TLS
  dpws-discover monitor --cert cert.pem --key key.pem`,
	RunE: runMonitor,
}

func init() {
	monitorCmd.Flags().StringVar(&monitorListen, "listen", "", "Listen address (default: monitor.listen)")
	monitorCmd.Flags().StringVar(&monitorCert, "cert", "", "TLS certificate file")
	monitorCmd.Flags().StringVar(&monitorKey, "key", "", "TLS private key file")
	monitorCmd.Flags().DurationVar(&monitorProbe, "reprobe", 0, "Probe again at this interval (0 probes once)")
}

func startMonitor(ctx context.Context, s *stack.Stack, cfg *config.Config, listen string) (*monitor.Server, error) {
	mc := monitor.Config{Addr: listen}
	if cfg.Monitor != nil {
		mc.CertPath = cfg.Monitor.CertPath
		mc.KeyPath = cfg.Monitor.KeyPath
	}
	if monitorCert != "" || monitorKey != "" {
		mc.CertPath, mc.KeyPath = monitorCert, monitorKey
	}
	mon, err := monitor.New(mc, s.Registry(), logging.Named("monitor"))
	if err != nil {
		return nil, err
	}
	if err := mon.Start(ctx); err != nil {
		return nil, err
	}
	return mon, nil
}

func shutdownMonitor(mon *monitor.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if n := mon.ActiveClients(); n > 0 {
		fmt.Fprintf(os.Stderr, "Disconnecting %d monitor client(s)\n", n)
	}
	if err := mon.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	listen := monitorListen
	if listen == "" {
		listen = cfg.Monitor.Listen
	}
	timeout := cfg.Network.ProbeTimeout.Std()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	s, stop, err := startStack(ctx, cfg, nodeOptions{})
	if err != nil {
		return err
	}
	defer stop()

	mon, err := startMonitor(ctx, s, cfg, listen)
	if err != nil {
		return err
	}
	defer shutdownMonitor(mon)

	printer := ui.NewPrinter(nil)
	ws, web := "ws", "http"
	if mc := cfg.Monitor; (mc != nil && mc.CertPath != "") || monitorCert != "" {
		ws, web = "wss", "https"
	}
	printer.PrintSuccess("Monitor running, press Ctrl+C to stop", []ui.Field{
		{Key: "Events", Value: fmt.Sprintf("%s://%s%s", ws, mon.Addr(), monitor.EventsPath)},
		{Key: "Devices", Value: fmt.Sprintf("%s://%s%s", web, mon.Addr(), monitor.DevicesPath)},
	})

	probe := func() {
		if _, err := s.Registry().Search(ctx, nil, timeout); err != nil && ctx.Err() == nil {
			printer.PrintWarning("Probe failed: " + err.Error())
		}
	}
	probe()

	if monitorProbe <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(monitorProbe)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			probe()
		}
	}
}

// configCmd manages the configuration file
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitForce bool

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with defaults and an example device",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configFilePath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil && !configInitForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.CreateDefaultConfig(path); err != nil {
			return err
		}
		ui.NewPrinter(nil).PrintSuccess("Configuration written", []ui.Field{{Key: "Path", Value: path}})
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file location",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configFilePath()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}

var configNicknameCmd = &cobra.Command{
	Use:   "nickname <endpoint-reference> <nickname>",
	Short: "Remember a nickname for a device",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg.SetDeviceNickname(args[0], args[1])
		return cfg.Save(configPath)
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configNicknameCmd)
}

func configFilePath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	return config.GetConfigPath()
}

// hintsCmd lists devices advertised over mDNS
var hintsService string

var hintsCmd = &cobra.Command{
	Use:   "hints",
	Short: "List devices advertised over mDNS / DNS-SD",
	Long: `Browse DNS-SD advertisements carrying WS-Discovery hints and list them.

Some devices advertise their endpoint reference and transport address over
mDNS. These hints let 'get' skip the Resolve when multicast discovery is
filtered.`,
	Example: `  dpws-discover hints
  dpws-discover hints --service _printer._tcp --timeout 10s`,
	RunE: runHints,
}

func init() {
	hintsCmd.Flags().StringVar(&hintsService, "service", "", "DNS-SD service type (default: network.mdns_service or _dpws._tcp)")
	rootCmd.AddCommand(hintsCmd)
}

func runHints(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	service := hintsService
	if service == "" {
		service = cfg.Network.MDNSService
	}

	browser := discovery.NewHintBrowser(service, logging.Named("mdns"))
	if flagChanged(cmd, "timeout") {
		browser.Timeout = cfg.Network.ProbeTimeout.Std()
	}

	printer := ui.NewPrinter(nil)
	if !jsonOutput() {
		printer.PrintHeader("hints", "dpws-discover hints", []ui.Field{
			{Key: "Service", Value: browser.ServiceType},
			{Key: "Timeout", Value: browser.Timeout.String()},
		})
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	hints, err := browser.Scan(ctx)
	if err != nil {
		return fmt.Errorf("mDNS scan failed: %w", err)
	}
	if jsonOutput() {
		return printJSON(hints)
	}
	if len(hints) == 0 {
		printer.Println(ui.StatusLineStyle.Render("No devices found"))
		return nil
	}
	for _, data := range hints {
		printer.PrintData(data.EndpointReference, data)
	}
	return nil
}
