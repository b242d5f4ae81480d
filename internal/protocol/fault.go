package protocol

import "fmt"

// Fault codes
const (
	FaultCodeSender   = "Sender"
	FaultCodeReceiver = "Receiver"
)

// Fault subcodes that mean the peer refused to serve us rather than failed.
const (
	FaultSubcodeAuthorizationFailed  = "AuthorizationFailed"
	FaultSubcodeFailedAuthentication = "wsse:FailedAuthentication"
	FaultSubcodeActionNotSupported   = "wsa:ActionNotSupported"
	FaultSubcodeMatchingRuleNotSup   = "wsd:MatchingRuleNotSupported"
)

// Fault is a protocol fault reported by a remote peer.
type Fault struct {
	Code    string `json:"code"`
	Subcode string `json:"subcode,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// IsAuthorization reports whether the fault rejects the caller's
// credentials. Such faults are not retried against other addresses.
func (f *Fault) IsAuthorization() bool {
	if f == nil {
		return false
	}
	return f.Subcode == FaultSubcodeAuthorizationFailed || f.Subcode == FaultSubcodeFailedAuthentication
}

// Error lets a Fault be used as an error value
func (f *Fault) Error() string {
	if f.Subcode != "" {
		return fmt.Sprintf("fault %s/%s: %s", f.Code, f.Subcode, f.Reason)
	}
	return fmt.Sprintf("fault %s: %s", f.Code, f.Reason)
}

// NewFault builds a Fault response to request.
func NewFault(request *Message, code, subcode, reason string) *Message {
	msg := NewResponse(TypeFault, request)
	msg.Fault = &Fault{Code: code, Subcode: subcode, Reason: reason}
	return msg
}
