package pending

import (
	"sync"
	"time"

	"ocpp_node/frame"
	"ocpp_node/netpath"
)

type relayKey struct {
	peer netpath.NodeID
	id   frame.RequestID
}

type relayEntry struct {
	route netpath.NetworkPath
	exp   *time.Timer
}

// Relays remembers requests this node forwarded so that answers from peers which
// drop routing metadata can still be sent back. Entries prune themselves after
// their lifetime. The zero value is ready to use.
type Relays struct {
	mu sync.Mutex
	m  map[relayKey]*relayEntry
}

// Store records that request id was forwarded to peer and its answer must travel
// route. An existing entry is replaced and its timer reset.
func (r *Relays) Store(peer netpath.NodeID, id frame.RequestID, route netpath.NetworkPath, lifetime time.Duration) {
	key := relayKey{peer: peer, id: id}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.m == nil {
		r.m = make(map[relayKey]*relayEntry)
	}
	if old, found := r.m[key]; found {
		old.exp.Stop()
	}
	e := &relayEntry{route: route}
	e.exp = time.AfterFunc(lifetime, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if cur, found := r.m[key]; found && cur == e {
			delete(r.m, key)
		}
	})
	r.m[key] = e
}

// Take returns and removes the return route for an answer from peer.
func (r *Relays) Take(peer netpath.NodeID, id frame.RequestID) (netpath.NetworkPath, bool) {
	key := relayKey{peer: peer, id: id}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, found := r.m[key]
	if !found {
		return netpath.NetworkPath{}, false
	}
	e.exp.Stop()
	delete(r.m, key)
	return e.route, true
}

// Peek returns the return route for an answer from peer without removing it.
func (r *Relays) Peek(peer netpath.NodeID, id frame.RequestID) (netpath.NetworkPath, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, found := r.m[relayKey{peer: peer, id: id}]
	if !found {
		return netpath.NetworkPath{}, false
	}
	return e.route, true
}

// Has reports whether an answer from peer for id would be relayed.
func (r *Relays) Has(peer netpath.NodeID, id frame.RequestID) bool {
	_, found := r.Peek(peer, id)
	return found
}

func (r *Relays) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}
