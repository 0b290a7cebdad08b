// Package transport connects adapters to each other: over OCPP web-sockets with
// ocpp-go's ws package, or in memory for tests and simulations.
package transport

import (
	"context"
	"errors"

	"ocpp_node/frame"
	"ocpp_node/netpath"
)

var (
	ErrNotConnected = errors.New("peer not connected")
	ErrStopped      = errors.New("transport stopped")
)

// Receiver consumes decoded inbound frames. *adapter.Adapter implements it.
type Receiver interface {
	HandleInbound(ctx context.Context, arrival netpath.NodeID, f *frame.Frame)
	HandleMalformed(ctx context.Context, arrival netpath.NodeID, err error)
}

// Link is a sender that knows which neighbours it can reach directly.
type Link interface {
	SendFrame(ctx context.Context, nextHop netpath.NodeID, f *frame.Frame) error
	Reaches(id netpath.NodeID) bool
}

// deliver decodes data and hands it to r.
func deliver(ctx context.Context, r Receiver, from netpath.NodeID, data []byte) (frame.Format, error) {
	f, format, err := frame.Decode(data)
	if err != nil {
		r.HandleMalformed(ctx, from, err)
		return format, err
	}
	r.HandleInbound(ctx, from, f)
	return format, nil
}

// Mux sends over the first link that reaches the next hop, falling back to a
// default link (usually the upstream connection of a networking node).
type Mux struct {
	links    []Link
	fallback Link
}

func NewMux(fallback Link, links ...Link) *Mux {
	return &Mux{links: links, fallback: fallback}
}

func (m *Mux) Reaches(id netpath.NodeID) bool {
	for _, l := range m.links {
		if l.Reaches(id) {
			return true
		}
	}
	return m.fallback != nil && m.fallback.Reaches(id)
}

func (m *Mux) SendFrame(ctx context.Context, nextHop netpath.NodeID, f *frame.Frame) error {
	for _, l := range m.links {
		if l.Reaches(nextHop) {
			return l.SendFrame(ctx, nextHop, f)
		}
	}
	if m.fallback != nil {
		return m.fallback.SendFrame(ctx, nextHop, f)
	}
	return ErrNotConnected
}
