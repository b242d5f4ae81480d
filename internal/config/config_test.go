package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/muurk/dpws/internal/protocol"
)

func TestGetConfigDir(t *testing.T) {
	configDir, err := GetConfigDir()
	if err != nil {
		t.Fatalf("GetConfigDir() error = %v", err)
	}
	if !strings.Contains(configDir, "dpws") {
		t.Errorf("GetConfigDir() = %v, should contain 'dpws'", configDir)
	}

	switch runtime.GOOS {
	case "darwin", "linux":
		if os.Getenv("XDG_CONFIG_HOME") == "" && !strings.Contains(configDir, ".config") {
			t.Errorf("Unix config dir should contain '.config', got: %v", configDir)
		}
	}
}

func TestGetConfigPath(t *testing.T) {
	configPath, err := GetConfigPath()
	if err != nil {
		t.Fatalf("GetConfigPath() error = %v", err)
	}
	if filepath.Base(configPath) != "config.yaml" {
		t.Errorf("GetConfigPath() should end with 'config.yaml', got: %v", configPath)
	}
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig()

	if cfg.Version != CurrentVersion {
		t.Errorf("Version = %v, want %v", cfg.Version, CurrentVersion)
	}
	if cfg.Network == nil || cfg.Device == nil || cfg.Hosting == nil || cfg.Monitor == nil {
		t.Fatal("NewConfig() left a section nil")
	}
	if cfg.Network.ProbeTimeout.Std() != 3*time.Second {
		t.Errorf("ProbeTimeout = %v, want 3s", cfg.Network.ProbeTimeout.Std())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name: "durations and versions",
			doc: `
version: 1
network:
  versions: [dpws2006]
  probe_timeout: 1500ms
  timing:
    dpws2006:
      app_max_delay: 2s
device:
  wait_quantum: 100ms
  wait_retries: 5
  resolve_spacing: 0s
  request_timeout: 4s
  caching_timeout: 1m
  sweep_interval: 10s
`,
			check: func(t *testing.T, cfg *Config) {
				if got := cfg.Network.ProbeTimeout.Std(); got != 1500*time.Millisecond {
					t.Errorf("ProbeTimeout = %v", got)
				}
				dc, err := cfg.DispatchConfig()
				if err != nil {
					t.Fatalf("DispatchConfig: %v", err)
				}
				if len(dc.Versions) != 1 || dc.Versions[0] != protocol.DPWS2006 {
					t.Errorf("Versions = %v, want [dpws2006]", dc.Versions)
				}
				p := dc.Params[protocol.DPWS2006]
				if p.AppMaxDelay != 2*time.Second {
					t.Errorf("AppMaxDelay = %v, want 2s", p.AppMaxDelay)
				}
				if p.MulticastUDPRepeat != protocol.DefaultParams(protocol.DPWS2006).MulticastUDPRepeat {
					t.Error("unset timing field did not keep the standard value")
				}

				d := cfg.DeviceConfig()
				if d.WaitQuantum != 100*time.Millisecond || d.WaitRetries != 5 {
					t.Errorf("wait = %v x %d", d.WaitQuantum, d.WaitRetries)
				}
				if d.ResolveSpacing != 0 {
					t.Errorf("ResolveSpacing = %v, want disabled", d.ResolveSpacing)
				}
				if d.RequestTimeout != 4*time.Second || d.CachingTimeout != time.Minute {
					t.Errorf("timeouts = %v, %v", d.RequestTimeout, d.CachingTimeout)
				}
				if cfg.Hosting == nil || cfg.KnownDevices == nil {
					t.Error("missing sections were not defaulted")
				}
			},
		},
		{
			name:    "bad version",
			doc:     "version: 2\n",
			wantErr: "unsupported config version",
		},
		{
			name:    "bad duration",
			doc:     "version: 1\nnetwork:\n  probe_timeout: soon\n",
			wantErr: "invalid duration",
		},
		{
			name:    "unknown protocol version",
			doc:     "version: 1\nnetwork:\n  versions: [dpws2099]\n",
			wantErr: "unknown protocol version",
		},
		{
			name:    "inconsistent timing",
			doc:     "version: 1\nnetwork:\n  timing:\n    dpws2009:\n      max_delay: 2s\n",
			wantErr: "upper delay",
		},
		{
			name:    "local device without types",
			doc:     "version: 1\nlocal_devices:\n  lamp:\n    friendly_name: Lamp\n",
			wantErr: "needs at least one type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.doc))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Parse() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := NewConfig()
	cfg.Auth = &AuthPrefs{Username: "admin"}
	cfg.SetDeviceNickname("urn:uuid:a", "Lobby printer")
	seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cfg.UpdateDeviceLastSeen("urn:uuid:a", "http://192.0.2.7/dev", seen)

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm() != 0600 {
		t.Errorf("file mode = %v, want 0600", info.Mode().Perm())
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary file left behind")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.HasPrefix(string(raw), "# dpws-discover configuration file") {
		t.Error("saved file has no header comment")
	}
	if !strings.Contains(string(raw), "probe_timeout: 3s") {
		t.Errorf("durations not written as strings:\n%s", raw)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	kd := loaded.GetKnownDevice("urn:uuid:a")
	if kd == nil {
		t.Fatal("known device was not saved")
	}
	if kd.Nickname != "Lobby printer" || kd.LastXAddr != "http://192.0.2.7/dev" || !kd.LastSeen.Equal(seen) {
		t.Errorf("known device = %+v", kd)
	}
	if loaded.Auth == nil || loaded.Auth.Username != "admin" {
		t.Errorf("Auth = %+v", loaded.Auth)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Version != CurrentVersion || len(cfg.KnownDevices) != 0 {
		t.Errorf("Load() of a missing file = %+v, want defaults", cfg)
	}
}

func TestCreateDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := CreateDefaultConfig(path); err != nil {
		t.Fatalf("CreateDefaultConfig() error = %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	ld := cfg.LocalDevices["example"]
	if ld == nil {
		t.Fatal("example device missing")
	}
	data, err := ld.DiscoveryData()
	if err != nil {
		t.Fatalf("DiscoveryData: %v", err)
	}
	if len(data.Types) != 1 || data.Types[0].Local != "Device" {
		t.Errorf("Types = %v", data.Types)
	}
	if ld.Metadata().FriendlyName != "Example device" {
		t.Errorf("FriendlyName = %q", ld.Metadata().FriendlyName)
	}
}

func TestKnownDeviceHelpers(t *testing.T) {
	cfg := &Config{Version: CurrentVersion}

	if cfg.GetKnownDevice("urn:uuid:x") != nil {
		t.Error("GetKnownDevice on an empty config returned an entry")
	}

	first := cfg.ensureKnownDevice("urn:uuid:x")
	if cfg.ensureKnownDevice("urn:uuid:x") != first {
		t.Error("ensureKnownDevice created a second entry")
	}

	cfg.UpdateDeviceLastSeen("urn:uuid:x", "http://a", time.Unix(10, 0))
	cfg.UpdateDeviceLastSeen("urn:uuid:x", "", time.Unix(20, 0))
	if first.LastXAddr != "http://a" {
		t.Errorf("LastXAddr = %q, an empty address must not clear it", first.LastXAddr)
	}
	if first.LastSeen.Unix() != 20 {
		t.Errorf("LastSeen = %v", first.LastSeen)
	}
}
