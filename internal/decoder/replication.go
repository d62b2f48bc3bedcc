package decoder

import (
	"fmt"
	"sort"

	"github.com/couchcryptid/gts-bufr-etl/internal/bufr"
	"github.com/couchcryptid/gts-bufr-etl/internal/record"
)

// timePeriodIDs are the elapsed-time descriptors whose presence marks a
// repeated block as a time series.
var timePeriodIDs = []int{4021, 4022, 4023, 4024, 4025, 4026}

// parseReplicationNode decides whether a repeated block becomes a named
// sub-record set or flattens into the current record. A block becomes
// sub-records when any member descriptor maps to a subrecord_type, or when it
// repeats more than once and contains an elapsed-time descriptor. A single
// repetition of a directional pair deliberately flattens; see the grouping
// tests for the known edge case.
func (m *messageDecoder) parseReplicationNode(node bufr.Node, members []bufr.Node, ctx *decodeContext) {
	nElements, nRepeats, ok := m.repetitionInfo(node, ctx)
	if !ok {
		m.warn(fmt.Sprintf("malformed replication %d: cannot determine repetition count", node.Descriptor().ID), ctx)
		m.iterateOnNodes(members, ctx)
		return
	}

	ids := distinctDescriptorIDs(members)

	mapTo := ""
	directional := false
	var coordIDs []int
	for _, id := range ids {
		mapping := m.tables.Lookup(id)
		if mapping == nil || mapping.SubrecordType == "" {
			continue
		}
		if mapTo != "" && mapping.SubrecordType != mapTo {
			m.warn(fmt.Sprintf("overwriting mapping type [%s] with %s", mapTo, mapping.SubrecordType), ctx)
		}
		mapTo = mapping.SubrecordType
		directional = mapping.DirectionalSubrecord
		coordIDs = []int{id}
	}
	if mapTo == "" && nRepeats > 1 && containsAnyID(ids, timePeriodIDs) {
		mapTo = "TSERIES"
		directional = true
		coordIDs = timePeriodIDs
	}

	if mapTo != "" {
		m.iterateIntoChildren(members, ctx, mapTo, coordIDs, directional, nElements, nRepeats)
		return
	}
	if nRepeats > 1 {
		m.warn(fmt.Sprintf("multiple repetitions without a subrecord key found: %v", ids), ctx)
	}
	m.iterateOnNodes(members, ctx)
}

// repetitionInfo computes the element count per repetition and the repeat
// count, from the delayed-replication factor or the count embedded in a
// fixed-replication descriptor id.
func (m *messageDecoder) repetitionInfo(node bufr.Node, ctx *decodeContext) (nElements, nRepeats int, ok bool) {
	nTotal := len(nodeMembers(node))
	switch n := node.(type) {
	case *bufr.DelayedReplicationNode:
		if n.Factor == nil {
			return 0, 0, false
		}
		factor, isNum := m.rawNumeric(n.Factor, ctx)
		if !isNum || factor <= 0 {
			return 0, 0, false
		}
		nRepeats = int(factor)
	case *bufr.FixedReplicationNode:
		nRepeats = n.RepeatCount()
	default:
		return 0, 0, false
	}
	if nRepeats <= 0 || nTotal%nRepeats != 0 {
		return 0, 0, false
	}
	return nTotal / nRepeats, nRepeats, true
}

// iterateIntoChildren turns each repetition into a child record under a
// shared sub-record set key. When directional, the set's type name is
// suffixed by the dominant ordering of the designated coordinate across
// repetitions: _I or _D, or both (e.g. _ID) when the start and end of the
// series run in different directions.
func (m *messageDecoder) iterateIntoChildren(members []bufr.Node, ctx *decodeContext, childType string, coordIDs []int, directional bool, nElements, nRepeats int) {
	if directional {
		childType += m.directionSuffix(members, ctx, coordIDs, nElements, nRepeats)
	}
	key := ctx.target.NewSubrecordSet(childType)
	for i := 0; i < nRepeats; i++ {
		child := ctx.fork()
		child.parentTarget = ctx.target
		child.hierarchy = append(child.hierarchy, fmt.Sprintf("REPEAT%d", i))
		child.childRecordType = childType
		child.targetSubsetKey = key
		child.target = nil
		m.startNewRecord(child)
		m.iterateOnNodes(members[i*nElements:(i+1)*nElements], child)
		m.closeSubrecord(child)
	}
}

// startNewRecord closes the current child (if any) and begins a fresh one.
// Also used mid-repetition when an elapsed-time value forces a boundary.
func (m *messageDecoder) startNewRecord(ctx *decodeContext) {
	if ctx.target != nil {
		m.closeSubrecord(ctx)
	}
	ctx.target = record.New()
}

// closeSubrecord attaches pending sub-record metadata and merges the child
// into the parent's sub-record set. Filtered metadata only lands when the
// filter names a field actually present on the parent's variables or
// coordinates.
func (m *messageDecoder) closeSubrecord(ctx *decodeContext) {
	for _, name := range pendingNames(ctx.recordMetadata) {
		p := ctx.recordMetadata[name]
		if p.filter == nil || anyFieldPresent(p.filter, ctx.parentTarget) {
			ctx.target.Metadata.Set(name, p.value)
		}
	}
	ctx.parentTarget.AttachSubrecord(ctx.targetSubsetKey, ctx.target)
}

func anyFieldPresent(fields []string, rec *record.Record) bool {
	if rec == nil {
		return false
	}
	for _, f := range fields {
		if rec.Variables.Has(f) || rec.Coordinates.Has(f) {
			return true
		}
	}
	return false
}

// directionSuffix classifies the ordering of the designated coordinate over
// the repetitions. The signed differences between consecutive coordinate
// values are majority-voted over the first and last min(4, n) deltas.
func (m *messageDecoder) directionSuffix(members []bufr.Node, ctx *decodeContext, coordIDs []int, nElements, nRepeats int) string {
	var deltas []int
	var last *float64
	for i := 0; i < nRepeats; i++ {
		var coord *float64
		for j := 0; j < nElements; j++ {
			vn, ok := members[i*nElements+j].(*bufr.ValueNode)
			if !ok || !containsID(coordIDs, vn.Desc.ID) {
				continue
			}
			if v, isNum := m.rawNumeric(vn, ctx); isNum {
				coord = &v
				break
			}
		}
		if coord == nil {
			continue
		}
		if last != nil {
			switch {
			case *coord > *last:
				deltas = append(deltas, 1)
			case *coord < *last:
				deltas = append(deltas, -1)
			}
		}
		last = coord
	}
	if len(deltas) == 0 {
		return ""
	}
	size := len(deltas)
	if size > 4 {
		size = 4
	}
	start := mostFrequentDirection(deltas[:size])
	end := mostFrequentDirection(deltas[len(deltas)-size:])
	if start == "" && end == "" {
		return ""
	}
	if start == end {
		return "_" + start
	}
	return "_" + start + end
}

// mostFrequentDirection returns "I" or "D" by majority, or "" on a tie.
func mostFrequentDirection(deltas []int) string {
	inc, dec := 0, 0
	for _, d := range deltas {
		if d > 0 {
			inc++
		} else if d < 0 {
			dec++
		}
	}
	switch {
	case inc > dec:
		return "I"
	case dec > inc:
		return "D"
	}
	return ""
}

func distinctDescriptorIDs(members []bufr.Node) []int {
	seen := map[int]bool{}
	for _, n := range members {
		seen[n.Descriptor().ID] = true
	}
	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func containsID(ids []int, id int) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func containsAnyID(ids, candidates []int) bool {
	for _, c := range candidates {
		if containsID(ids, c) {
			return true
		}
	}
	return false
}
