package decoder

import (
	"maps"
	"slices"

	"github.com/couchcryptid/gts-bufr-etl/internal/bufr"
	"github.com/couchcryptid/gts-bufr-etl/internal/record"
)

// pending is metadata stashed for a later element ("following") or a later
// closed sub-record ("subrecords"), with an optional field filter.
type pending struct {
	value  *record.Value
	filter []string
}

// decodeContext is the per-subset mutable state threaded through the node
// walk. Contexts are forked when entering a nested node list or a
// replication child so pending metadata set in one branch never leaks into a
// sibling branch; the target record pointer is threaded through so a child
// branch can replace it (new sub-record boundaries) and the caller sees the
// replacement.
type decodeContext struct {
	subset    int
	hierarchy []string

	target       *record.Record
	parentTarget *record.Record

	varMetadata    map[string]pending
	recordMetadata map[string]pending

	nodeList   []bufr.Node
	currentIdx int
	// skip counts upcoming sibling nodes already consumed by lookahead.
	skip int

	// scaleFactor multiplies subsequently decoded numeric values by
	// 10^scaleFactor until the context ends (descriptor 8090).
	scaleFactor *float64

	childRecordType string
	targetSubsetKey string
}

func newContext(subset int) *decodeContext {
	return &decodeContext{
		subset:         subset,
		varMetadata:    map[string]pending{},
		recordMetadata: map[string]pending{},
	}
}

// fork returns a copy with its own hierarchy vector and pending-metadata
// maps. Everything else (including the target pointer) carries over; the
// iteration cursor is reset by startIteration.
func (c *decodeContext) fork() *decodeContext {
	return &decodeContext{
		subset:          c.subset,
		hierarchy:       slices.Clone(c.hierarchy),
		target:          c.target,
		parentTarget:    c.parentTarget,
		varMetadata:     maps.Clone(c.varMetadata),
		recordMetadata:  maps.Clone(c.recordMetadata),
		scaleFactor:     c.scaleFactor,
		childRecordType: c.childRecordType,
		targetSubsetKey: c.targetSubsetKey,
	}
}

func (c *decodeContext) startIteration(nodes []bufr.Node) {
	c.nodeList = nodes
	c.currentIdx = 0
	c.skip = 0
}

// peek returns the node lookAhead positions from the current one (0 = the
// current node itself), or nil past either end of the list.
func (c *decodeContext) peek(lookAhead int) bufr.Node {
	idx := c.currentIdx + lookAhead
	if idx < 0 || idx >= len(c.nodeList) {
		return nil
	}
	return c.nodeList[idx]
}

// pendingNames returns map keys in a stable order so metadata attachment is
// deterministic.
func pendingNames(m map[string]pending) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
