// Package config provides the user configuration of dpws-discover.
//
// The configuration is a YAML file holding network and timing settings,
// the devices this node can announce, and what the user chose to remember
// about remote devices. Durations are written as Go duration strings.
//
// # Configuration File Location
//
//   - Linux: $XDG_CONFIG_HOME/dpws/config.yaml or $HOME/.config/dpws/config.yaml
//   - macOS: $HOME/.config/dpws/config.yaml
//   - Windows: %LOCALAPPDATA%\dpws\config.yaml
//
// # Security
//
// Passwords are never stored. Only the default username is kept.
//
// # Usage Example
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	cfg.SetDeviceNickname("urn:uuid:...", "Lobby printer")
//	if err := cfg.Save(""); err != nil {
//	    log.Fatal(err)
//	}
package config
