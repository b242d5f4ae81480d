package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/muurk/dpws/internal/config"
	"github.com/muurk/dpws/internal/device"
	"github.com/muurk/dpws/internal/logging"
	"github.com/muurk/dpws/internal/protocol"
	"github.com/muurk/dpws/internal/stack"
	"github.com/muurk/dpws/internal/ui"
	"github.com/muurk/dpws/internal/version"
)

// Global flags
var (
	configPath   string
	interfaces   []string
	useIPv6      bool
	protocols    []string
	logLevel     string
	username     string
	askPassword  bool
	probeTimeout time.Duration
	outputFormat string
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Configuration file (default: per-user config directory)")
	flags.StringSliceVar(&interfaces, "interface", nil, "Network interface to use (repeatable, default: system choice)")
	flags.BoolVar(&useIPv6, "ipv6", false, "Use the IPv6 discovery group ff02::c")
	flags.StringSliceVar(&protocols, "protocol", nil, "Protocol versions to speak: dpws2009, dpws2006 (repeatable)")
	flags.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.StringVar(&username, "username", "", "HTTP Basic Auth username for metadata requests")
	flags.BoolVar(&askPassword, "password", false, "Prompt for the HTTP Basic Auth password")
	flags.DurationVar(&probeTimeout, "timeout", 0, "How long to wait for answers (default: network.probe_timeout)")
	flags.StringVar(&outputFormat, "format", "table", "Output format (table, json)")
}

// loadConfig reads the configuration file and applies command line
// overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if flagChanged(cmd, "interface") {
		cfg.Network.Interfaces = interfaces
	}
	if flagChanged(cmd, "ipv6") {
		cfg.Network.IPv6 = useIPv6
	}
	if flagChanged(cmd, "protocol") {
		cfg.Network.Versions = protocols
	}
	if flagChanged(cmd, "timeout") {
		cfg.Network.ProbeTimeout = config.Duration(probeTimeout)
	}
	if flagChanged(cmd, "username") {
		cfg.Auth = &config.AuthPrefs{Username: username}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// flagChanged reports whether a local or inherited flag was set.
func flagChanged(cmd *cobra.Command, name string) bool {
	if f := cmd.Flag(name); f != nil {
		return f.Changed
	}
	return false
}

// nodeOptions selects what a node serves besides the client side.
type nodeOptions struct {
	hostHTTP string // listen address for hosted devices, empty for none
}

// newStack builds a discovery stack from the configuration.
func newStack(cfg *config.Config, opts nodeOptions) (*stack.Stack, error) {
	dispatchCfg, err := cfg.DispatchConfig()
	if err != nil {
		return nil, err
	}

	so := stack.Options{
		Dispatch:       dispatchCfg,
		Device:         cfg.DeviceConfig(),
		IPv6:           cfg.Network.IPv6,
		Workers:        cfg.Network.Workers,
		RequestTimeout: cfg.Device.RequestTimeout.Std(),
		UserAgent:      version.UserAgent(),
		MDNSService:    cfg.Network.MDNSService,
		HTTPListen:     opts.hostHTTP,
		Logger:         logging.Named("dpws"),
	}
	if opts.hostHTTP != "" && cfg.Hosting != nil {
		so.AdvertiseHost = cfg.Hosting.AdvertiseHost
	}
	if cfg.Auth != nil && cfg.Auth.Username != "" {
		so.Username = cfg.Auth.Username
		if askPassword {
			pw, err := ui.PromptPassword(fmt.Sprintf("Password for %s:", so.Username))
			if err != nil {
				return nil, err
			}
			so.Password = pw
		}
	}
	return stack.New(so), nil
}

// startStack builds and starts a stack. The returned stop function sends
// Bye for hosted devices and releases the network.
func startStack(ctx context.Context, cfg *config.Config, opts nodeOptions) (*stack.Stack, func(), error) {
	s, err := newStack(cfg, opts)
	if err != nil {
		return nil, nil, err
	}
	if err := s.Start(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to start discovery: %w", err)
	}
	stop := func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Stop(stopCtx); err != nil {
			logging.Warn("Discovery stack did not stop cleanly", zap.Error(err))
		}
	}
	return s, stop, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// rememberSeen records the preferred address of every found device in the
// known devices list.
func rememberSeen(cfg *config.Config, refs []*device.Reference) error {
	now := time.Now()
	for _, ref := range refs {
		x, _ := ref.PreferredXAddress()
		cfg.UpdateDeviceLastSeen(ref.EndpointReference(), x.URL, now)
	}
	return cfg.Save(configPath)
}

// hintKnownAddress feeds the last remembered address of epr into the
// registry so Get can skip the Resolve.
func hintKnownAddress(s *stack.Stack, cfg *config.Config, epr, xaddr string) {
	if xaddr == "" {
		if kd := cfg.GetKnownDevice(epr); kd != nil {
			xaddr = kd.LastXAddr
		}
	}
	if xaddr == "" {
		return
	}
	s.Registry().HandleHint(&protocol.DiscoveryData{
		EndpointReference: epr,
		XAddrs:            []protocol.XAddress{{URL: xaddr, Version: s.Transport().PreferredVersion()}},
	})
}
