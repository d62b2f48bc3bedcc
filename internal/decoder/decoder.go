// Package decoder walks the descriptor-node tree produced by the low-level
// BUFR engine and reinterprets it, descriptor by descriptor, into domain
// records using the mapping tables. One record is produced per message
// subset. A bad descriptor degrades that branch to a logged warning; it never
// aborts the record, and a bad record never aborts the message.
package decoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/gts-bufr-etl/internal/bufr"
	"github.com/couchcryptid/gts-bufr-etl/internal/gts"
	"github.com/couchcryptid/gts-bufr-etl/internal/record"
	"github.com/couchcryptid/gts-bufr-etl/internal/tables"
)

// ErrCorrectedBulletin marks CCx/AAx/Pxx bulletins, which this decoder is
// not configured to reconcile against their originals.
var ErrCorrectedBulletin = errors.New("decoder: corrected/amended/pilot bulletins (CCx, AAx, Pxx) are not supported")

// Decoder converts framed BUFR messages into records.
type Decoder struct {
	engine bufr.Engine
	tables *tables.MappingTable
	logger *slog.Logger
}

// New creates a Decoder around the given engine and mapping tables.
func New(engine bufr.Engine, tbl *tables.MappingTable, logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{engine: engine, tables: tbl, logger: logger}
}

// Decode parses one framed envelope and produces one record per subset.
// A returned error is message-local; the caller is expected to continue with
// the next message.
func (d *Decoder) Decode(ctx context.Context, header string, env *gts.Envelope) ([]*record.Record, error) {
	if fields := strings.Fields(header); len(fields) > 3 && len(fields[3]) > 0 {
		switch fields[3][0] {
		case 'C', 'A', 'P':
			return nil, fmt.Errorf("%w: %q", ErrCorrectedBulletin, header)
		}
	}

	msg, err := d.engine.Parse(ctx, env.Raw)
	if err != nil {
		return nil, fmt.Errorf("bufr engine: %w", err)
	}

	m := &messageDecoder{
		header: header,
		msg:    msg,
		tables: d.tables,
		logger: d.logger,
	}
	common := m.commonMetadata()
	records := make([]*record.Record, 0, msg.SubsetCount)
	for n := 0; n < msg.SubsetCount; n++ {
		records = append(records, m.convertSubset(n, common))
	}
	return records, nil
}

// messageDecoder holds the per-message decode state shared across subsets.
type messageDecoder struct {
	header string
	msg    *bufr.Message
	tables *tables.MappingTable
	logger *slog.Logger
}

// commonMetadata is seeded onto every subset record for traceability back to
// the bulletin.
func (m *messageDecoder) commonMetadata() map[string]any {
	return map[string]any{
		"GTSHeader":            m.header,
		"BUFRDescriptors":      append([]int(nil), m.msg.UnexpandedDescriptors...),
		"BUFROriginCentre":     m.msg.OriginatingCentre,
		"BUFROriginSubcentre":  m.msg.OriginatingSubcentre,
		"BUFRDataCategory":     m.msg.DataCategory,
		"BUFRIsObservation":    boolToInt(m.msg.IsObservation),
		"BUFRMessageTime":      m.msg.MessageTime.UTC().Format(time.RFC3339),
	}
}

func (m *messageDecoder) convertSubset(subset int, common map[string]any) *record.Record {
	ctx := newContext(subset)
	ctx.target = record.New()
	for name, val := range common {
		ctx.target.Metadata.Set(name, record.NewValue(val))
	}
	ctx.target.Metadata.Set("BUFRSubsetIndex", record.NewValue(subset))
	ctx.hierarchy = []string{fmt.Sprintf("M#%d", subset)}

	if subset < len(m.msg.Nodes) {
		m.iterateOnNodes(m.msg.Nodes[subset], ctx)
	} else {
		m.warn(fmt.Sprintf("no decoded nodes for subset %d", subset), ctx)
	}

	ctx.target.DecodedAt = record.Now()
	ctx.target.UID = record.GenerateUID(
		m.header,
		m.msg.MessageTime.UTC().Format(time.RFC3339),
		strconv.Itoa(subset),
	)
	return ctx.target
}

// iterateOnNodes walks one node list in a forked context. The possibly
// replaced target record is threaded back to the caller so sub-record
// boundaries opened mid-list survive the walk; pending metadata and the
// hierarchy path stay isolated in the fork.
func (m *messageDecoder) iterateOnNodes(nodes []bufr.Node, ctx *decodeContext) {
	c := ctx.fork()
	c.startIteration(nodes)
	c.hierarchy = append(c.hierarchy, "")
	for idx, node := range nodes {
		c.hierarchy[len(c.hierarchy)-1] = fmt.Sprintf("%d[%d]", node.Descriptor().ID, idx)
		c.currentIdx = idx
		if c.skip > 0 {
			c.skip--
			continue
		}
		m.parseNode(node, c, false)
	}
	ctx.target = c.target
}

// parseNode dispatches one node. Custom handlers cover the compound
// descriptors that need multi-node lookahead; skipCustom lets a handler fall
// back to this generic path without recursing into itself.
func (m *messageDecoder) parseNode(node bufr.Node, ctx *decodeContext, skipCustom bool) {
	if !skipCustom {
		if handler, ok := customHandlers[node.Descriptor().ID]; ok {
			handler(m, node, ctx)
			return
		}
	}
	switch n := node.(type) {
	case *bufr.SequenceNode:
		if inst := m.tables.Lookup(n.Desc.ID); inst != nil {
			m.applyInstruction(inst, nil, ctx, node)
		} else if len(n.Members) > 0 {
			m.iterateOnNodes(n.Members, ctx)
		}
	case *bufr.DelayedReplicationNode:
		if len(n.Members) > 0 {
			m.parseReplicationNode(node, n.Members, ctx)
		}
	case *bufr.FixedReplicationNode:
		if len(n.Members) > 0 {
			m.parseReplicationNode(node, n.Members, ctx)
		}
	case *bufr.ValueNode:
		m.parseValueNode(n, ctx)
	case *bufr.NoValueNode:
		// Operator descriptors 2-00 through 2-09 are handled by the engine.
		if n.Desc.ID >= 200000 && n.Desc.ID < 210000 {
			return
		}
		m.warn(fmt.Sprintf("unhandled no-value node: %d", n.Desc.ID), ctx)
	}
}

func (m *messageDecoder) parseValueNode(node *bufr.ValueNode, ctx *decodeContext) {
	inst := m.tables.Lookup(node.Desc.ID)
	if inst == nil {
		m.warn(fmt.Sprintf("unhandled node descriptor: %d: %v", node.Desc.ID, m.rawValue(node, ctx)), ctx)
		return
	}
	m.applyInstruction(inst, m.nodeValue(node, ctx), ctx, node)
}

// resolveContext picks the context-qualified override whose condition is a
// substring of any current hierarchy entry, first match in table order.
func (m *messageDecoder) resolveContext(inst *tables.Instruction, ctx *decodeContext) *tables.Instruction {
	if inst == nil {
		return nil
	}
	for _, cond := range inst.Context {
		for _, h := range ctx.hierarchy {
			if strings.Contains(h, cond.When) {
				return m.resolveContext(cond.Then, ctx)
			}
		}
	}
	return inst
}

func (m *messageDecoder) applyInstruction(inst *tables.Instruction, value *record.Value, ctx *decodeContext, node bufr.Node) {
	if inst.HasValue {
		value = record.NewValue(inst.Value)
	}
	if value == nil {
		value = record.NewValue(nil)
	}
	inst = m.resolveContext(inst, ctx)
	if inst == nil {
		return
	}
	if inst.ValueMap != nil {
		if mapped, ok := inst.ValueMap[tables.CanonicalKey(value.Val)]; ok {
			value = &record.Value{Val: mapped, Metadata: value.Metadata}
		} else if value.Val != nil {
			m.warn(fmt.Sprintf("instruction for %s provides a value_map but [%v] is not in it", inst.Name, value.Val), ctx)
		}
	}
	for _, key := range inst.RemoveMetadata {
		delete(value.Metadata, key)
	}
	for key, val := range inst.Metadata {
		value.SetMetadata(key, val)
	}

	switch inst.ApplyTo {
	case tables.ApplyTarget:
		switch inst.Kind {
		case tables.KindMetadata:
			m.setRecordProperty(ctx.target.Metadata, inst.Name, value, ctx, false)
		case tables.KindMetadataMap:
			keys := make([]string, 0, len(inst.Map))
			for k := range inst.Map {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				m.setRecordProperty(ctx.target.Metadata, k, record.NewValue(inst.Map[k]), ctx, false)
			}
		case tables.KindCoordinates:
			m.setRecordProperty(ctx.target.Coordinates, inst.Name, value, ctx, true)
		case tables.KindVariables:
			m.setRecordProperty(ctx.target.Variables, inst.Name, value, ctx, true)
		default:
			m.warn(fmt.Sprintf("unrecognized target type %q", inst.Kind), ctx)
		}
	case tables.ApplyFollowing:
		if inst.Kind == tables.KindMetadata {
			m.addPendingVarMetadata(inst.Name, value, ctx, inst)
		} else {
			m.warn(fmt.Sprintf("unrecognized following application type %q", inst.Kind), ctx)
		}
	case tables.ApplySubrecords:
		if inst.Kind == tables.KindMetadata {
			m.addPendingRecordMetadata(inst.Name, value, ctx, inst)
		} else {
			m.warn(fmt.Sprintf("unrecognized subrecords application type %q", inst.Kind), ctx)
		}
	case tables.ApplyNoop:
	case tables.ApplyRaise:
		id := "unknown"
		if node != nil {
			id = strconv.Itoa(node.Descriptor().ID)
		}
		m.warn(fmt.Sprintf("no instruction provided for [%s]", id), ctx)
	default:
		m.warn(fmt.Sprintf("unrecognized instruction application %q", inst.ApplyTo), ctx)
	}

	if inst.IterateAfter && node != nil {
		if members := nodeMembers(node); len(members) > 0 {
			m.iterateOnNodes(members, ctx)
		}
	}
}

// setRecordProperty stores a value on the target, first attaching any pending
// per-element metadata whose filter admits this element name. Nil values are
// silently dropped: a sensor not reporting is not an event.
func (m *messageDecoder) setRecordProperty(pm record.PropertyMap, name string, value *record.Value, ctx *decodeContext, attachVarMeta bool) {
	if value.Val == nil {
		return
	}
	if attachVarMeta {
		for _, metaName := range pendingNames(ctx.varMetadata) {
			p := ctx.varMetadata[metaName]
			if p.filter == nil || containsString(p.filter, name) {
				value.SetMetadata(metaName, p.value.Val)
			}
		}
	}
	pm.Set(name, value)
}

// addPendingVarMetadata stashes metadata for the next value-bearing element;
// a nil value clears a previous stash of the same name.
func (m *messageDecoder) addPendingVarMetadata(name string, value *record.Value, ctx *decodeContext, inst *tables.Instruction) {
	if value.Val != nil {
		ctx.varMetadata[name] = pending{value: value, filter: inst.Filter}
	} else {
		delete(ctx.varMetadata, name)
	}
}

// addPendingRecordMetadata stashes metadata for the next closed sub-record.
func (m *messageDecoder) addPendingRecordMetadata(name string, value *record.Value, ctx *decodeContext, inst *tables.Instruction) {
	if value.Val != nil {
		ctx.recordMetadata[name] = pending{value: value, filter: inst.Filter}
	} else {
		delete(ctx.recordMetadata, name)
	}
}

// warn logs a descriptor-local anomaly with the full hierarchy path and
// records it on the target. Decoding always continues.
func (m *messageDecoder) warn(message string, ctx *decodeContext) {
	path := strings.Join(ctx.hierarchy, ">")
	m.logger.Warn(message, "hierarchy", path, "header", m.header)
	if ctx.target != nil {
		ctx.target.ReportWarning(message, path)
	}
}

func nodeMembers(node bufr.Node) []bufr.Node {
	switch n := node.(type) {
	case *bufr.SequenceNode:
		return n.Members
	case *bufr.DelayedReplicationNode:
		return n.Members
	case *bufr.FixedReplicationNode:
		return n.Members
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
