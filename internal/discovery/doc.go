// Package discovery holds the receive-side filters that guard a device
// reference against stale, duplicated and reordered discovery traffic, and a
// DNS-SD browser that turns mDNS advertisements into discovery hints.
//
// # Ordering
//
// Every Hello, Bye, ProbeMatches and ResolveMatches carries an AppSequence
// (instanceId, sequenceId, messageNumber). A SequenceTracker remembers the
// newest sequence accepted from one device and rejects anything that is not
// strictly newer:
//
//	tracker := &discovery.SequenceTracker{}
//	if !tracker.CheckAndUpdate(msg.AppSequence) {
//	    return // stale or duplicate, drop silently
//	}
//
// A nil AppSequence is always accepted; it marks events synthesized locally,
// such as mDNS hints.
//
// # Duplicate Datagrams
//
// SOAP-over-UDP repeats every discovery datagram. MessageIDFilter remembers a
// bounded window of recently seen message ids so repeats are dropped before
// they reach the protocol logic.
//
// # mDNS Hints
//
// Some devices also advertise themselves with DNS-SD. HintBrowser browses a
// configurable service type with zeroconf and converts each entry carrying
// an "epr" and "xaddr" TXT record into protocol.DiscoveryData.
//
// # Thread Safety
//
// SequenceTracker and MessageIDFilter are safe for concurrent use.
package discovery
