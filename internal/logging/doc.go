// Package logging provides structured logging for the discovery stack.
//
// This package wraps zap. Long-lived components receive their own
// *zap.Logger at construction (usually logging.Named("transport") and
// friends); the package-level helpers are for CLI code.
//
// # Log Levels
//
//   - Debug: datagram dumps, dropped duplicates, retransmissions
//   - Info: device state changes, startup and shutdown
//   - Warn: socket failures, address fail-over
//   - Error: failures that stop a component
//
// # Configuration
//
// Logging is silent unless a level is given, either explicitly or through
// DPWS_LOG_LEVEL:
//
//	DPWS_LOG_LEVEL=debug dpws-discover probe
//
// DPWS_LOG_FORMAT=json switches from the console encoder to JSON. Output
// goes to stderr so command output on stdout stays clean.
//
// # Thread Safety
//
// All logging functions are safe for concurrent use. The underlying zap logger
// handles synchronization automatically.
package logging
