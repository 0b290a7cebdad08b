// Package netpath holds node identifiers and the ordered hop lists that frames
// carry while traveling between charging stations, networking nodes and the CSMS.
package netpath

import (
	"encoding/json"
	"errors"
	"strings"
)

var ErrEmptyNodeID = errors.New("node id must not be empty")

// NodeID identifies a charging station, networking node or CSMS.
type NodeID string

// ParseNodeID trims and validates a textual node id.
func ParseNodeID(s string) (NodeID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrEmptyNodeID
	}
	return NodeID(s), nil
}

func (id NodeID) IsZero() bool {
	return id == ""
}

func (id NodeID) String() string {
	return string(id)
}

// NetworkPath is an ordered list of hops. The first entry is the original sender;
// relaying nodes append themselves. The zero value is an empty path.
//
// Paths are treated as values: every method that changes the hop list returns a copy.
type NetworkPath struct {
	hops []NodeID
}

func New(hops ...NodeID) NetworkPath {
	p := NetworkPath{hops: make([]NodeID, 0, len(hops))}
	for _, h := range hops {
		if !h.IsZero() {
			p.hops = append(p.hops, h)
		}
	}
	return p
}

// Append returns a copy of the path with hop added at the tail.
func (p NetworkPath) Append(hop NodeID) NetworkPath {
	out := make([]NodeID, len(p.hops), len(p.hops)+1)
	copy(out, p.hops)
	return NetworkPath{hops: append(out, hop)}
}

// Prepend returns a copy of the path with hop added at the head.
func (p NetworkPath) Prepend(hop NodeID) NetworkPath {
	out := make([]NodeID, 0, len(p.hops)+1)
	out = append(out, hop)
	return NetworkPath{hops: append(out, p.hops...)}
}

// Source returns the original sender, or false for an empty path.
func (p NetworkPath) Source() (NodeID, bool) {
	if len(p.hops) == 0 {
		return "", false
	}
	return p.hops[0], true
}

// Last returns the final hop, or false for an empty path.
func (p NetworkPath) Last() (NodeID, bool) {
	if len(p.hops) == 0 {
		return "", false
	}
	return p.hops[len(p.hops)-1], true
}

func (p NetworkPath) Len() int {
	return len(p.hops)
}

func (p NetworkPath) IsEmpty() bool {
	return len(p.hops) == 0
}

func (p NetworkPath) Hops() []NodeID {
	out := make([]NodeID, len(p.hops))
	copy(out, p.hops)
	return out
}

func (p NetworkPath) Index(id NodeID) int {
	for i, h := range p.hops {
		if h == id {
			return i
		}
	}
	return -1
}

func (p NetworkPath) Contains(id NodeID) bool {
	return p.Index(id) >= 0
}

// IsFinal reports whether id is the final entry of the path.
func (p NetworkPath) IsFinal(id NodeID) bool {
	last, ok := p.Last()
	return ok && last == id
}

// NextHop returns the hop following self. When self is not on the path the final
// entry is returned, i.e. the frame is sent straight toward its destination.
// ok is false if the path is empty or self is already the final hop.
func (p NetworkPath) NextHop(self NodeID) (NodeID, bool) {
	if len(p.hops) == 0 {
		return "", false
	}
	i := p.Index(self)
	switch {
	case i < 0:
		return p.hops[len(p.hops)-1], true
	case i == len(p.hops)-1:
		return "", false
	default:
		return p.hops[i+1], true
	}
}

// Reverse returns the hops in reverse order.
func (p NetworkPath) Reverse() NetworkPath {
	out := make([]NodeID, len(p.hops))
	for i, h := range p.hops {
		out[len(p.hops)-1-i] = h
	}
	return NetworkPath{hops: out}
}

// ReturnRoute builds the destination path for an answer to a frame that traveled p
// and arrived at self.
func (p NetworkPath) ReturnRoute(self NodeID) NetworkPath {
	return p.Reverse().Prepend(self)
}

func (p NetworkPath) Equal(o NetworkPath) bool {
	if len(p.hops) != len(o.hops) {
		return false
	}
	for i := range p.hops {
		if p.hops[i] != o.hops[i] {
			return false
		}
	}
	return true
}

func (p NetworkPath) String() string {
	parts := make([]string, len(p.hops))
	for i, h := range p.hops {
		parts[i] = string(h)
	}
	return strings.Join(parts, " -> ")
}

func (p NetworkPath) MarshalJSON() ([]byte, error) {
	if p.hops == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(p.hops)
}

func (p *NetworkPath) UnmarshalJSON(data []byte) error {
	var hops []NodeID
	if err := json.Unmarshal(data, &hops); err != nil {
		return err
	}
	for _, h := range hops {
		if h.IsZero() {
			return ErrEmptyNodeID
		}
	}
	p.hops = hops
	return nil
}
