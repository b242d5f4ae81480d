package protocol

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"syscall"
)

// Error types for communication with remote devices

// ErrorType represents the category of a communication failure
type ErrorType int

const (
	// ErrTypeTransmission indicates a local socket or connection failure
	ErrTypeTransmission ErrorType = iota
	// ErrTypeTimeout indicates that no response arrived before the deadline
	ErrTypeTimeout
	// ErrTypeFault indicates that the remote peer answered with a fault
	ErrTypeFault
	// ErrTypeAuthorization indicates that the remote peer refused our credentials
	ErrTypeAuthorization
	// ErrTypeNoAddress indicates that every candidate transport address failed
	ErrTypeNoAddress
	// ErrTypeConnectionRefused indicates the device refused the connection
	ErrTypeConnectionRefused
	// ErrTypeClosed indicates the stack is shutting down
	ErrTypeClosed
	// ErrTypeCodec indicates a message could not be encoded or decoded
	ErrTypeCodec
)

// String returns a human-readable name for the error type
func (et ErrorType) String() string {
	switch et {
	case ErrTypeTransmission:
		return "Transmission Error"
	case ErrTypeTimeout:
		return "Timeout"
	case ErrTypeFault:
		return "Fault"
	case ErrTypeAuthorization:
		return "Authorization Error"
	case ErrTypeNoAddress:
		return "No Usable Address"
	case ErrTypeConnectionRefused:
		return "Connection Refused"
	case ErrTypeClosed:
		return "Closed"
	case ErrTypeCodec:
		return "Codec Error"
	default:
		return fmt.Sprintf("ErrorType(%d)", et)
	}
}

// CommError represents a failure while talking to a remote device
type CommError struct {
	Type      ErrorType // Category of error
	Message   string    // Human-readable error message
	Address   string    // Transport address involved (if any)
	Fault     *Fault    // Remote fault (for ErrTypeFault and ErrTypeAuthorization)
	Err       error     // Underlying error (if any)
	Retryable bool      // Whether another transport address is worth trying
}

// Error implements the error interface
func (e *CommError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Address != "" {
		msg += " [" + e.Address + "]"
	}
	if e.Err != nil {
		msg += fmt.Sprintf(" (caused by: %v)", e.Err)
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection
func (e *CommError) Unwrap() error {
	return e.Err
}

// ErrClosed is returned by every operation attempted after shutdown.
var ErrClosed = &CommError{Type: ErrTypeClosed, Message: "communication stack is closed"}

// ClassifyNetworkError analyzes a transport error and returns a CommError
// with the appropriate type. A nil error classifies to nil.
func ClassifyNetworkError(err error, address string) *CommError {
	if err == nil {
		return nil
	}

	var commErr *CommError
	if errors.As(err, &commErr) {
		return commErr
	}

	if os.IsTimeout(err) {
		return &CommError{
			Type:      ErrTypeTimeout,
			Message:   "request timed out",
			Address:   address,
			Err:       err,
			Retryable: true,
		}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && errors.Is(opErr.Err, syscall.ECONNREFUSED) {
		return &CommError{
			Type:      ErrTypeConnectionRefused,
			Message:   "device refused connection",
			Address:   address,
			Err:       err,
			Retryable: true,
		}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		return ClassifyNetworkError(urlErr.Err, address)
	}

	return &CommError{
		Type:      ErrTypeTransmission,
		Message:   "transmission failed",
		Address:   address,
		Err:       err,
		Retryable: true,
	}
}

// NewTransmissionError creates a transmission error for the given address
func NewTransmissionError(address string, err error) *CommError {
	classified := ClassifyNetworkError(err, address)
	if classified == nil {
		return &CommError{Type: ErrTypeTransmission, Message: "transmission failed", Address: address, Retryable: true}
	}
	return classified
}

// NewTimeoutError creates a timeout error
func NewTimeoutError(message string) *CommError {
	return &CommError{
		Type:      ErrTypeTimeout,
		Message:   message,
		Retryable: true,
	}
}

// NewFaultError converts a remote fault into an error. Authorization faults
// become ErrTypeAuthorization and are not retryable.
func NewFaultError(f *Fault, address string) *CommError {
	if f.IsAuthorization() {
		return &CommError{
			Type:      ErrTypeAuthorization,
			Message:   "remote peer rejected authorization",
			Address:   address,
			Fault:     f,
			Err:       f,
			Retryable: false,
		}
	}
	return &CommError{
		Type:      ErrTypeFault,
		Message:   "remote peer reported a fault",
		Address:   address,
		Fault:     f,
		Err:       f,
		Retryable: true,
	}
}

// NewNoAddressError creates the error reported once fail-over has exhausted
// every candidate address of a device.
func NewNoAddressError(endpointReference string, last error) *CommError {
	return &CommError{
		Type:      ErrTypeNoAddress,
		Message:   fmt.Sprintf("no further address to try for %s", endpointReference),
		Err:       last,
		Retryable: false,
	}
}

// NewCodecError creates an encoding or decoding error
func NewCodecError(message string, err error) *CommError {
	return &CommError{
		Type:    ErrTypeCodec,
		Message: message,
		Err:     err,
	}
}

func errorType(err error) (ErrorType, bool) {
	var commErr *CommError
	if errors.As(err, &commErr) {
		return commErr.Type, true
	}
	return 0, false
}

// IsTimeout checks if an error is a timeout
func IsTimeout(err error) bool {
	t, ok := errorType(err)
	return ok && t == ErrTypeTimeout
}

// IsTransmissionError checks if an error is a local socket or connection failure
func IsTransmissionError(err error) bool {
	t, ok := errorType(err)
	return ok && (t == ErrTypeTransmission || t == ErrTypeConnectionRefused)
}

// IsAuthorizationError checks if an error is an authorization failure
func IsAuthorizationError(err error) bool {
	t, ok := errorType(err)
	return ok && t == ErrTypeAuthorization
}

// IsNoAddressError checks if fail-over ran out of addresses
func IsNoAddressError(err error) bool {
	t, ok := errorType(err)
	return ok && t == ErrTypeNoAddress
}

// IsFault checks if an error carries a remote fault of any kind
func IsFault(err error) bool {
	t, ok := errorType(err)
	return ok && (t == ErrTypeFault || t == ErrTypeAuthorization)
}

// IsClosed checks if an error was caused by shutdown
func IsClosed(err error) bool {
	t, ok := errorType(err)
	return ok && t == ErrTypeClosed
}

// IsRetryable checks if an operation should fail over to the next address
func IsRetryable(err error) bool {
	var commErr *CommError
	if errors.As(err, &commErr) {
		return commErr.Retryable
	}
	// Unknown errors are not retryable by default
	return false
}
