// Package device tracks remote devices and hosts local ones.
//
// A Reference follows one remote device through the lifecycle
// unknown, running, build-up and stopped. Discovery traffic passes a
// per-device AppSequence gate before it is applied; unicast answers to
// Resolve, directed Probe and Get are applied only if the metadata version
// captured when the request was sent is still current.
//
// Each Reference has at most one pending request per kind. Concurrent
// callers attach to the pending Synchronizer instead of sending their own
// request, and a caller whose Synchronizer was superseded follows it to
// the newer one.
//
// The Registry keeps References by endpoint reference, feeds them inbound
// discovery traffic and answers Probe, Resolve and Get for local devices.
package device
