package transport

import (
	"context"
	"fmt"
	"sync"

	"ocpp_node/frame"
	"ocpp_node/netpath"
)

type busNode struct {
	receiver Receiver
	format   frame.Format
}

// Bus is an in-memory network. Frames are encoded on send and decoded on a new
// goroutine at the receiving node, so delivery is asynchronous like a socket.
// Only linked nodes can talk to each other.
type Bus struct {
	ctx context.Context

	mu    sync.RWMutex
	nodes map[netpath.NodeID]busNode
	links map[[2]netpath.NodeID]bool
	wg    sync.WaitGroup
}

func NewBus(ctx context.Context) *Bus {
	return &Bus{
		ctx:   ctx,
		nodes: map[netpath.NodeID]busNode{},
		links: map[[2]netpath.NodeID]bool{},
	}
}

// Attach adds a node. FormatOCPPJ models a plain charging station: frames to and
// from it carry no routing metadata.
func (b *Bus) Attach(id netpath.NodeID, r Receiver, format frame.Format) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nodes[id] = busNode{receiver: r, format: format}
}

func (b *Bus) Detach(id netpath.NodeID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.nodes, id)
}

func linkKey(x, y netpath.NodeID) [2]netpath.NodeID {
	if x > y {
		x, y = y, x
	}
	return [2]netpath.NodeID{x, y}
}

// Link connects two nodes in both directions.
func (b *Bus) Link(x, y netpath.NodeID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.links[linkKey(x, y)] = true
}

func (b *Bus) Unlink(x, y netpath.NodeID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.links, linkKey(x, y))
}

// Endpoint returns the sender used by node id.
func (b *Bus) Endpoint(id netpath.NodeID) Link {
	return &busEndpoint{bus: b, self: id}
}

// Wait blocks until every delivery started so far has returned.
func (b *Bus) Wait() {
	b.wg.Wait()
}

type busEndpoint struct {
	bus  *Bus
	self netpath.NodeID
}

func (e *busEndpoint) Reaches(id netpath.NodeID) bool {
	e.bus.mu.RLock()
	defer e.bus.mu.RUnlock()
	_, attached := e.bus.nodes[id]
	return attached && e.bus.links[linkKey(e.self, id)]
}

func (e *busEndpoint) SendFrame(ctx context.Context, nextHop netpath.NodeID, f *frame.Frame) error {
	e.bus.mu.RLock()
	dst, attached := e.bus.nodes[nextHop]
	src := e.bus.nodes[e.self]
	linked := e.bus.links[linkKey(e.self, nextHop)]
	e.bus.mu.RUnlock()

	if !attached || !linked {
		return fmt.Errorf("%w: %v -> %v", ErrNotConnected, e.self, nextHop)
	}
	if err := e.bus.ctx.Err(); err != nil {
		return ErrStopped
	}
	// The envelope is only used when both ends understand it.
	format := dst.format
	if src.format < format {
		format = src.format
	}
	data, err := frame.Encode(f, format)
	if err != nil {
		return err
	}

	e.bus.wg.Add(1)
	go func() {
		defer e.bus.wg.Done()
		_, _ = deliver(e.bus.ctx, dst.receiver, e.self, data)
	}()
	return nil
}
