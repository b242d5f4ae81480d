// Package ui provides terminal UI components for the dpws-discover CLI.
//
// This package uses Lipgloss and Bubble Tea to render terminal output. Most
// commands follow a "run once and exit" pattern through Printer: a header
// box naming the command and its parameters, then a device table, a
// metadata box, or an error box with troubleshooting tips.
//
// # Components
//
//   - Printer: header, success and error boxes, and device tables
//   - WatchModel: a live Bubble Tea table of device references that
//     follows registry notifications through WatchListener
//   - PromptPassword: reads a password without echo
//
// Example:
//
//	p := ui.NewPrinter(nil)
//	p.PrintHeader("probe", "dpws-discover probe", []ui.Field{{Key: "Timeout", Value: "3s"}})
//	p.PrintDevices(refs)
//
// # Logging Integration
//
// Logging is controlled through the DPWS_LOG_LEVEL environment variable.
// When it is unset zap stays silent, so the styled output is displayed
// cleanly.
package ui
