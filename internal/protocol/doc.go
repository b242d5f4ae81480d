// Package protocol defines the DPWS discovery message model shared by every
// layer of the stack.
//
// The package is deliberately independent of any wire format. Messages are
// plain Go values; turning them into datagrams or HTTP bodies is the job of a
// Codec. A small JSON codec is included so that the stack can run end to end
// without an XML/SOAP encoder.
//
// # Protocol Versions
//
// Two WS-Discovery generations are supported:
//   - DPWS2006: WS-Discovery April 2005 with SOAP-over-UDP 2004 timings
//   - DPWS2009: WS-Discovery 1.1 with SOAP-over-UDP 1.1 timings
//
// Each Version carries its Params: the multicast and unicast UDP repeat
// counts, the retransmission delay bounds and the maximum application delay
// applied before a Hello is first sent.
//
// # Message Identity
//
// Every message has a MessageID ("urn:uuid:..."). Responses carry the id of
// the request in RelatesTo. When one logical request is sent in several
// protocol versions each variant gets an id derived from the original with
// DeriveMessageID, so siblings can be tracked together.
//
// Discovery messages (Hello, Bye, ProbeMatches, ResolveMatches) carry an
// AppSequence that receivers use to discard stale and duplicate traffic.
//
// # Errors
//
// CommError classifies every communication failure (transmission, timeout,
// fault, authorization, no usable address) and records whether it is worth
// retrying against another transport address.
package protocol
