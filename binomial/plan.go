package binomial

import (
	"github.com/najoast/thorium/message"
)

// Hop describes one node of a broadcast tree. The root has Forwarder set to
// the original sender.
type Hop struct {
	Forwarder message.ActorName
	Names     []message.ActorName
	Children  []*Hop
}

// Direct reports whether the hop sends straight to its names.
func (h *Hop) Direct() bool {
	return len(h.Children) == 0
}

// Depth returns the number of forwarding levels below h.
func (h *Hop) Depth() int {
	depth := 0
	for _, child := range h.Children {
		if d := child.Depth() + 1; d > depth {
			depth = d
		}
	}
	return depth
}

// Plan computes the tree SendToMany would produce for names.
func Plan(sender message.ActorName, names []message.ActorName, threshold int) *Hop {
	b := New(threshold, nil)
	return b.plan(sender, names)
}

func (b *Broadcaster) plan(forwarder message.ActorName, names []message.ActorName) *Hop {
	hop := &Hop{Forwarder: forwarder, Names: names}
	if len(names) < b.threshold {
		return hop
	}
	left, right := Split(names)
	hop.Children = []*Hop{
		b.plan(Forwarder(left), left),
		b.plan(Forwarder(right), right),
	}
	return hop
}
