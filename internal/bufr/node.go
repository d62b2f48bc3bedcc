// Package bufr models the output of the external low-level BUFR engine: a
// per-subset tree of decoded descriptor nodes plus the decoded value arrays.
// The semantic decoder consumes this model read-only; the bit-unpacking of
// octets into values belongs to whichever engine implementation is wired in.
package bufr

// Descriptor identifies one WMO Table B/D code as it appears in a decoded
// node, together with the declared unit and scale from Table B. Element
// descriptors are written without the leading zeros, e.g. 4021 for 0-04-021
// and 301011 for 3-01-011.
type Descriptor struct {
	ID    int
	Unit  string
	Scale int
}

// Node is one decoded descriptor node. Implementations are the five tagged
// variants below and nothing else.
type Node interface {
	Descriptor() Descriptor
}

// SequenceNode is an expanded Table D sequence (F=3).
type SequenceNode struct {
	Desc    Descriptor
	Members []Node
}

// DelayedReplicationNode repeats its members a data-driven number of times;
// Factor carries the decoded replication count.
type DelayedReplicationNode struct {
	Desc    Descriptor
	Factor  *ValueNode
	Members []Node
}

// FixedReplicationNode repeats its members a count embedded in the
// descriptor id (the YYY digits of 1-XX-YYY).
type FixedReplicationNode struct {
	Desc    Descriptor
	Members []Node
}

// RepeatCount returns the repetition count embedded in the descriptor id.
func (n *FixedReplicationNode) RepeatCount() int {
	return n.Desc.ID % 1000
}

// ValueNode is an element descriptor whose decoded value lives at Index in
// the subset's value array.
type ValueNode struct {
	Desc  Descriptor
	Index int
}

// NoValueNode is an operator or other descriptor that produced no value.
type NoValueNode struct {
	Desc Descriptor
}

func (n *SequenceNode) Descriptor() Descriptor           { return n.Desc }
func (n *DelayedReplicationNode) Descriptor() Descriptor { return n.Desc }
func (n *FixedReplicationNode) Descriptor() Descriptor   { return n.Desc }
func (n *ValueNode) Descriptor() Descriptor              { return n.Desc }
func (n *NoValueNode) Descriptor() Descriptor            { return n.Desc }
