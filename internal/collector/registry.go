// Package collector implements the central relay: it accepts Agent
// connections on one endpoint, Client connections on another, reconciles
// identities across silent reconnects, caches each host's model data, and
// fans out metrics to every connected viewer.
package collector

import (
	"time"

	"github.com/danielrobbins/hostbeacon/internal/protocol"
	"github.com/danielrobbins/hostbeacon/internal/wiresocket"
)

// AgentRegistry holds everything the Collector knows about connected
// agents. It is mutated only by the engine's single event-loop goroutine;
// no lock is needed as long as that contract holds.
type AgentRegistry struct {
	identities     map[wiresocket.PeerID]time.Time
	hostnameToPeer map[string]wiresocket.PeerID
	modelCache     map[string]protocol.Metrics
}

// NewAgentRegistry returns an empty registry.
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{
		identities:     make(map[wiresocket.PeerID]time.Time),
		hostnameToPeer: make(map[string]wiresocket.PeerID),
		modelCache:     make(map[string]protocol.Metrics),
	}
}

// Touch records that peer was just heard from.
func (r *AgentRegistry) Touch(peer wiresocket.PeerID, now time.Time) {
	r.identities[peer] = now
}

// Reconcile applies the silent-reconnect rule for hostname h reported by
// peer: if a different peer previously claimed h, that old peer is evicted
// from identities. Returns the evicted peer, if any.
func (r *AgentRegistry) Reconcile(hostname string, peer wiresocket.PeerID) (evicted wiresocket.PeerID, didEvict bool) {
	if old, ok := r.hostnameToPeer[hostname]; ok && old != peer {
		delete(r.identities, old)
		evicted, didEvict = old, true
	}
	r.hostnameToPeer[hostname] = peer
	return evicted, didEvict
}

// HasModel reports whether hostname has a cached model entry.
func (r *AgentRegistry) HasModel(hostname string) bool {
	_, ok := r.modelCache[hostname]
	return ok
}

// SetModel overwrites the cached model entry for hostname.
func (r *AgentRegistry) SetModel(hostname string, m protocol.Metrics) {
	r.modelCache[hostname] = m
}

// ModelSnapshot returns every cached model entry. The returned slice is a
// point-in-time copy, safe for the caller to range over while the registry
// keeps mutating.
func (r *AgentRegistry) ModelSnapshot() []protocol.Metrics {
	out := make([]protocol.Metrics, 0, len(r.modelCache))
	for _, m := range r.modelCache {
		out = append(out, m)
	}
	return out
}

// Peers returns a snapshot of (peer, lastRecv) pairs. Safe to range over
// while deciding sweep removals; never mutate the registry while holding
// this slice's iteration open.
func (r *AgentRegistry) Peers() []PeerLastSeen {
	out := make([]PeerLastSeen, 0, len(r.identities))
	for p, t := range r.identities {
		out = append(out, PeerLastSeen{Peer: p, LastSeen: t})
	}
	return out
}

// PeerLastSeen pairs a peer with the last instant it was heard from.
type PeerLastSeen struct {
	Peer     wiresocket.PeerID
	LastSeen time.Time
}

// hostnameOf reverse-resolves peer's hostname via hostnameToPeer, used only
// at sweep time to know what to evict alongside an identity.
func (r *AgentRegistry) hostnameOf(peer wiresocket.PeerID) (string, bool) {
	for h, p := range r.hostnameToPeer {
		if p == peer {
			return h, true
		}
	}
	return "", false
}

// Evict removes peer and, if it still owns a hostname mapping, that
// hostname's entries too. Must be called after sweep iteration completes,
// never during it.
func (r *AgentRegistry) Evict(peer wiresocket.PeerID) {
	if h, ok := r.hostnameOf(peer); ok {
		delete(r.hostnameToPeer, h)
		delete(r.modelCache, h)
	}
	delete(r.identities, peer)
}

// ClientRegistry holds everything the Collector knows about connected
// viewer clients.
type ClientRegistry struct {
	identities map[wiresocket.PeerID]time.Time
	lastSend   map[wiresocket.PeerID]time.Time
}

// NewClientRegistry returns an empty registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		identities: make(map[wiresocket.PeerID]time.Time),
		lastSend:   make(map[wiresocket.PeerID]time.Time),
	}
}

// Touch records that peer was just heard from.
func (r *ClientRegistry) Touch(peer wiresocket.PeerID, now time.Time) {
	r.identities[peer] = now
}

// MarkSent records that a frame was just dispatched to peer.
func (r *ClientRegistry) MarkSent(peer wiresocket.PeerID, now time.Time) {
	r.lastSend[peer] = now
}

// Peers returns a snapshot of every connected peer, for fan-out and sweeps.
func (r *ClientRegistry) Peers() []wiresocket.PeerID {
	out := make([]wiresocket.PeerID, 0, len(r.identities))
	for p := range r.identities {
		out = append(out, p)
	}
	return out
}

// SweepCandidate describes one peer's state as seen by a liveness sweep.
type SweepCandidate struct {
	Peer     wiresocket.PeerID
	LastSeen time.Time
	LastSent time.Time
	HaveSent bool
}

// SweepSnapshot returns a point-in-time view of every client for the
// liveness sweep to decide on, without holding any iterator open across a
// mutation.
func (r *ClientRegistry) SweepSnapshot() []SweepCandidate {
	out := make([]SweepCandidate, 0, len(r.identities))
	for p, seen := range r.identities {
		sent, ok := r.lastSend[p]
		out = append(out, SweepCandidate{Peer: p, LastSeen: seen, LastSent: sent, HaveSent: ok})
	}
	return out
}

// Evict removes peer from both maps. Must be called after sweep iteration
// completes.
func (r *ClientRegistry) Evict(peer wiresocket.PeerID) {
	delete(r.identities, peer)
	delete(r.lastSend, peer)
}
