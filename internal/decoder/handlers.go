package decoder

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/couchcryptid/gts-bufr-etl/internal/bufr"
	"github.com/couchcryptid/gts-bufr-etl/internal/record"
	"github.com/couchcryptid/gts-bufr-etl/internal/tables"
)

// customHandlers maps the compound descriptor ids that need multi-node
// lookahead to their handlers. Everything else goes through the generic
// instruction path. Handlers fall back to the generic path (parseNode with
// skipCustom) when their expected neighbours are absent.
var customHandlers map[int]func(*messageDecoder, bufr.Node, *decodeContext)

func init() {
	customHandlers = map[int]func(*messageDecoder, bufr.Node, *decodeContext){
		301011: (*messageDecoder).parseDateTimeSequenceNode,
		4001:   (*messageDecoder).parseYearNode,
		1125:   (*messageDecoder).parseWigosNode,
		1087:   (*messageDecoder).parseExtendedStationNode,
		1001:   (*messageDecoder).parseWMOBlockNode,
		1003:   (*messageDecoder).parseWMORegionNode,
		8080:   (*messageDecoder).parseQualityFlagNode,
		8021:   (*messageDecoder).parseTimeSignificanceNode,
		8041:   (*messageDecoder).parseDateSignificanceNode,
		8090:   (*messageDecoder).parseScaleOverrideNode,
		4021:   (*messageDecoder).parseTimePeriodNode,
		4022:   (*messageDecoder).parseTimePeriodNode,
		4023:   (*messageDecoder).parseTimePeriodNode,
		4024:   (*messageDecoder).parseTimePeriodNode,
		4025:   (*messageDecoder).parseTimePeriodNode,
		4026:   (*messageDecoder).parseTimePeriodNode,
	}
}

func targetInstr(kind tables.Kind, name string) *tables.Instruction {
	return &tables.Instruction{ApplyTo: tables.ApplyTarget, Kind: kind, Name: name}
}

func followingInstr(name string) *tables.Instruction {
	return &tables.Instruction{ApplyTo: tables.ApplyFollowing, Kind: tables.KindMetadata, Name: name}
}

// --- timestamps ---

// parseDateTimeSequenceNode handles the pre-built 3-01-011 year/month/day
// hour/minute sequence, optionally merged with a following second sequence.
func (m *messageDecoder) parseDateTimeSequenceNode(_ bufr.Node, ctx *decodeContext) {
	m.applyInstruction(targetInstr(tables.KindCoordinates, "Time"),
		record.NewValue(m.parseDTSequence(ctx, 0)), ctx, nil)
}

// parseYearNode handles a flat run of individual year/month/day[/hour/minute
// /second] descriptors starting at 0-04-001.
func (m *messageDecoder) parseYearNode(_ bufr.Node, ctx *decodeContext) {
	m.applyInstruction(targetInstr(tables.KindCoordinates, "Time"),
		record.NewValue(m.parseDTSequence(ctx, 0)), ctx, nil)
}

// parseDTSequence assembles an ISO-8601 timestamp from the nodes starting
// startAt positions ahead of the current one, recognizing either a date-time
// sequence node (3-01-011, plus 3-01-012/013 for the time of day), a flat
// run of 0-04-00x descriptors, or a run of 0-26-021..023 (month/day/year
// order used by instrument manufacture dates). Consumed lookahead nodes are
// added to the context's skip count.
func (m *messageDecoder) parseDTSequence(ctx *decodeContext, startAt int) any {
	start := ctx.peek(startAt)
	if start == nil {
		return nil
	}
	switch start.Descriptor().ID {
	case 301011:
		seq, ok := start.(*bufr.SequenceNode)
		if !ok {
			return nil
		}
		ctx.skip += startAt
		nodes := append([]bufr.Node(nil), seq.Members...)
		if nxt := ctx.peek(startAt + 1); nxt != nil {
			if id := nxt.Descriptor().ID; id == 301012 || id == 301013 {
				if hms, ok := nxt.(*bufr.SequenceNode); ok {
					ctx.skip++
					nodes = append(nodes, hms.Members...)
				}
			}
		}
		return m.nodeListToDatetime(ctx, nodes)
	case 4001:
		return m.datetimeRun(ctx, startAt, start, []int{4002, 4003, 4004, 4005, 4006})
	case 26021:
		return m.datetimeRun(ctx, startAt, start, []int{26022, 26023})
	}
	return nil
}

func (m *messageDecoder) datetimeRun(ctx *decodeContext, startAt int, first bufr.Node, expected []int) any {
	seq := []bufr.Node{first}
	ctx.skip += startAt
	for idx, want := range expected {
		check := ctx.peek(startAt + idx + 1)
		if check == nil || check.Descriptor().ID != want {
			break
		}
		ctx.skip++
		seq = append(seq, check)
	}
	return m.nodeListToDatetime(ctx, seq)
}

// nodeListToDatetime renders year/month/day[/hour/minute[/second]] values as
// an ISO-8601 string, e.g. "2023-05-16T18:14+00:00". Trailing unreported
// fields are dropped; a missing date part means no timestamp at all.
func (m *messageDecoder) nodeListToDatetime(ctx *decodeContext, nodes []bufr.Node) any {
	vals := make([]any, 0, len(nodes))
	for _, n := range nodes {
		if vn, ok := n.(*bufr.ValueNode); ok {
			vals = append(vals, m.rawValue(vn, ctx))
		} else {
			vals = append(vals, nil)
		}
	}
	for len(vals) > 0 && vals[len(vals)-1] == nil {
		vals = vals[:len(vals)-1]
	}
	if len(vals) < 3 || vals[0] == nil || vals[1] == nil || vals[2] == nil {
		return nil
	}
	out := numString(vals[0]) + "-" + padLeft(numString(vals[1]), 2) + "-" + padLeft(numString(vals[2]), 2)
	if len(vals) > 3 {
		parts := make([]string, 0, len(vals)-3)
		for _, v := range vals[3:] {
			if v == nil {
				break
			}
			parts = append(parts, padLeft(numString(v), 2))
		}
		if len(parts) > 0 {
			out += "T" + strings.Join(parts, ":") + "+00:00"
		}
	}
	return out
}

// --- station identifiers ---

// parseWigosNode assembles a WIGOS identifier from the 0-01-125..128 run
// (identifier series, issuer, issue number, local identifier).
func (m *messageDecoder) parseWigosNode(node bufr.Node, ctx *decodeContext) {
	vn, ok := node.(*bufr.ValueNode)
	if !ok {
		m.parseNode(node, ctx, true)
		return
	}
	peeks := make([]*bufr.ValueNode, 3)
	for i, want := range []int{1126, 1127, 1128} {
		p, ok := ctx.peek(i + 1).(*bufr.ValueNode)
		if !ok || p.Desc.ID != want {
			m.parseNode(node, ctx, true)
			return
		}
		peeks[i] = p
	}
	vals := []any{m.rawValue(vn, ctx)}
	for _, p := range peeks {
		vals = append(vals, m.rawValue(p, ctx))
	}
	ctx.skip = 3
	if allNil(vals) {
		m.applyInstruction(targetInstr(tables.KindMetadata, "WigosId"), record.NewValue(nil), ctx, nil)
		return
	}
	if anyNil(vals) {
		// Partial identifier: fall back to per-descriptor decoding.
		ctx.skip = 0
		m.parseNode(node, ctx, true)
		return
	}
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = numString(v)
	}
	m.applyInstruction(targetInstr(tables.KindMetadata, "WigosId"),
		record.NewValue(strings.Join(parts, "-")), ctx, nil)
}

// parseExtendedStationNode handles 0-01-087 extended marine platform ids;
// short forms are zero-padded to the 7-character form after the 2-digit
// prefix.
func (m *messageDecoder) parseExtendedStationNode(node bufr.Node, ctx *decodeContext) {
	vn, ok := node.(*bufr.ValueNode)
	if !ok {
		m.parseNode(node, ctx, true)
		return
	}
	var value any
	if raw := m.rawValue(vn, ctx); raw != nil {
		s := numString(raw)
		if len(s) >= 2 && len(s) < 7 {
			s = s[0:2] + padLeft(s[2:], 5)
		}
		value = s
	}
	m.applyInstruction(targetInstr(tables.KindMetadata, "StationId"), record.NewValue(value), ctx, nil)
}

// parseWMOBlockNode assembles a WMO station id from the 0-01-001 block
// number and the following 0-01-002 station number.
func (m *messageDecoder) parseWMOBlockNode(node bufr.Node, ctx *decodeContext) {
	vn, ok := node.(*bufr.ValueNode)
	if !ok {
		m.parseNode(node, ctx, true)
		return
	}
	peek1, ok := ctx.peek(1).(*bufr.ValueNode)
	if !ok || peek1.Desc.ID != 1002 {
		m.parseNode(node, ctx, true)
		return
	}
	block := m.rawValue(vn, ctx)
	station := m.rawValue(peek1, ctx)
	switch {
	case block == nil && station == nil:
		m.applyInstruction(targetInstr(tables.KindMetadata, "StationId"), record.NewValue(nil), ctx, nil)
		ctx.skip = 1
	case block == nil || station == nil:
		m.parseNode(node, ctx, true)
	default:
		m.applyInstruction(targetInstr(tables.KindMetadata, "StationId"),
			record.NewValue(numString(block)+padLeft(numString(station), 3)), ctx, nil)
		ctx.skip = 1
	}
}

// parseWMORegionNode assembles a buoy/platform id from 0-01-003 region,
// 0-01-020/0-01-004 sub-area and 0-01-005 platform number.
func (m *messageDecoder) parseWMORegionNode(node bufr.Node, ctx *decodeContext) {
	vn, ok := node.(*bufr.ValueNode)
	if !ok {
		m.parseNode(node, ctx, true)
		return
	}
	peek1, ok := ctx.peek(1).(*bufr.ValueNode)
	if !ok || (peek1.Desc.ID != 1020 && peek1.Desc.ID != 1004) {
		m.parseNode(node, ctx, true)
		return
	}
	peek2, ok := ctx.peek(2).(*bufr.ValueNode)
	if !ok || peek2.Desc.ID != 1005 {
		m.parseNode(node, ctx, true)
		return
	}
	vals := []any{m.rawValue(vn, ctx), m.rawValue(peek1, ctx), m.rawValue(peek2, ctx)}
	switch {
	case allNil(vals):
		m.applyInstruction(targetInstr(tables.KindMetadata, "StationId"), record.NewValue(nil), ctx, nil)
		ctx.skip = 2
	case anyNil(vals):
		m.parseNode(node, ctx, true)
	default:
		m.applyInstruction(targetInstr(tables.KindMetadata, "StationId"),
			record.NewValue(numString(vals[0])+numString(vals[1])+padLeft(numString(vals[2]), 5)), ctx, nil)
		ctx.skip = 2
	}
}

// --- quality flags ---

type qualityTarget struct {
	coordinate bool
	name       string
}

// qualityFlagTargets maps the 0-08-080 "qualifier for GTSPP quality flag"
// code to the element the following 0-33-050 flag applies to.
var qualityFlagTargets = map[int][]qualityTarget{
	20: {{true, "Latitude"}, {true, "Longitude"}},
	4:  {{false, "SeaDepth"}},
	10: {{true, "Pressure"}},
	11: {{false, "Temperature"}},
	12: {{false, "PracticalSalinity"}},
	13: {{true, "Depth"}},
	14: {{false, "CurrentSpeed"}},
	15: {{false, "CurrentDirection"}},
	16: {{false, "DissolvedOxygen"}},
}

func (m *messageDecoder) parseQualityFlagNode(node bufr.Node, ctx *decodeContext) {
	vn, ok := node.(*bufr.ValueNode)
	if !ok {
		m.parseNode(node, ctx, true)
		return
	}
	appliesTo := m.rawValue(vn, ctx)
	var flag any
	if nxt, ok := ctx.peek(1).(*bufr.ValueNode); ok && nxt.Desc.ID == 33050 {
		ctx.skip++
		if raw := m.rawValue(nxt, ctx); raw != nil {
			flag = numString(raw)
		}
	}
	if appliesTo == nil {
		if flag != nil {
			m.warn("quality flag qualifier was missing but a flag value followed", ctx)
		}
		return
	}
	code, isNum := appliesTo.(float64)
	if !isNum {
		m.warn(fmt.Sprintf("non-numeric quality flag qualifier [%v]", appliesTo), ctx)
		return
	}
	targets, known := qualityFlagTargets[int(code)]
	if !known {
		m.warn(fmt.Sprintf("unhandled quality flag qualifier [%v]", appliesTo), ctx)
		return
	}
	for _, t := range targets {
		m.setQualityFlag(ctx, t, flag)
	}
}

// setQualityFlag attaches the flag as Quality metadata on a previously set
// coordinate or variable.
func (m *messageDecoder) setQualityFlag(ctx *decodeContext, target qualityTarget, flag any) {
	pm := ctx.target.Variables
	kind := "variable"
	if target.coordinate {
		pm = ctx.target.Coordinates
		kind = "coordinate"
	}
	if p, ok := pm[target.name]; ok {
		p.SetMetadata("Quality", flag)
		return
	}
	if s, isStr := flag.(string); isStr && s != "0" {
		m.warn(fmt.Sprintf("cannot find %s %s for quality flag", kind, target.name), ctx)
	}
}

// --- significance qualifiers and overrides ---

// parseTimeSignificanceNode interprets 0-08-021: a handful of codes change
// how the following descriptors are read.
func (m *messageDecoder) parseTimeSignificanceNode(node bufr.Node, ctx *decodeContext) {
	vn, ok := node.(*bufr.ValueNode)
	if !ok {
		m.parseNode(node, ctx, true)
		return
	}
	value := m.rawValue(vn, ctx)
	if value == nil {
		// clears any pending aggregation metadata
		m.applyInstruction(followingInstr("AggregationMethod"), record.NewValue(nil), ctx, nil)
		return
	}
	code, isNum := value.(float64)
	if !isNum {
		m.warn(fmt.Sprintf("non-numeric 8021 value: %v", value), ctx)
		return
	}
	switch int(code) {
	case 2: // time averaged
		m.applyInstruction(followingInstr("AggregationMethod"), record.NewValue("AVERAGE"), ctx, nil)
	case 25: // nominal reporting time
		m.applyInstruction(targetInstr(tables.KindCoordinates, "Time"),
			record.NewValue(m.parseDTSequence(ctx, 1)), ctx, nil)
	case 26: // time of last known position
		m.applyInstruction(targetInstr(tables.KindMetadata, "LastKnownPositionTime"),
			record.NewValue(m.parseDTSequence(ctx, 1)), ctx, nil)
	default:
		m.warn(fmt.Sprintf("unhandled 8021 value: %v", value), ctx)
	}
}

// parseDateSignificanceNode interprets 0-08-041; code 13 marks an instrument
// manufacture date.
func (m *messageDecoder) parseDateSignificanceNode(node bufr.Node, ctx *decodeContext) {
	vn, ok := node.(*bufr.ValueNode)
	if !ok {
		m.parseNode(node, ctx, true)
		return
	}
	value := m.rawValue(vn, ctx)
	if value == nil {
		return
	}
	if code, isNum := value.(float64); isNum && int(code) == 13 {
		m.applyInstruction(targetInstr(tables.KindMetadata, "InstrumentManufacturingDate"),
			record.NewValue(m.parseDTSequence(ctx, 1)), ctx, nil)
		return
	}
	m.warn(fmt.Sprintf("unhandled 8041 value: %v", value), ctx)
}

// parseScaleOverrideNode interprets 0-08-090: all subsequently decoded
// numeric values in this context are multiplied by 10^value.
func (m *messageDecoder) parseScaleOverrideNode(node bufr.Node, ctx *decodeContext) {
	vn, ok := node.(*bufr.ValueNode)
	if !ok {
		m.parseNode(node, ctx, true)
		return
	}
	if v, isNum := m.rawValue(vn, ctx).(float64); isNum {
		ctx.scaleFactor = &v
	} else {
		ctx.scaleFactor = nil
	}
}

// --- elapsed time periods ---

// parseTimePeriodNode interprets 0-04-021..026. Inside a detected time
// series the value becomes the child's TimeOffset coordinate, forcing a new
// child record when it differs from the running offset; elsewhere it is
// pending ObservationPeriod metadata for the next element. A consecutive
// pair of the same descriptor (period start/end) is kept as a two-element
// value.
func (m *messageDecoder) parseTimePeriodNode(node bufr.Node, ctx *decodeContext) {
	vn, ok := node.(*bufr.ValueNode)
	if !ok {
		m.parseNode(node, ctx, true)
		return
	}
	val := m.timedeltaValue(vn, ctx)
	if nxt, ok := ctx.peek(1).(*bufr.ValueNode); ok && nxt.Desc.ID == vn.Desc.ID {
		val = []any{val, m.timedeltaValue(nxt, ctx)}
		ctx.skip++
	}
	value := record.NewValue(val)
	if strings.HasPrefix(ctx.childRecordType, "TSERIES") && !ctx.target.Coordinates.Has("Time") {
		if existing := ctx.target.Coordinates.Get("TimeOffset"); existing != nil && !reflect.DeepEqual(existing.Val, value.Val) {
			m.startNewRecord(ctx)
		}
		m.applyInstruction(targetInstr(tables.KindCoordinates, "TimeOffset"), value, ctx, nil)
		return
	}
	m.applyInstruction(followingInstr("ObservationPeriod"), value, ctx, nil)
}

// timedeltaValue renders an elapsed-time value as an ISO-8601 duration
// according to the descriptor's declared unit. The raw (unscaled) engine
// value is used; scale overrides do not apply to durations.
func (m *messageDecoder) timedeltaValue(vn *bufr.ValueNode, ctx *decodeContext) any {
	if ctx.subset >= len(m.msg.Values) || vn.Index < 0 || vn.Index >= len(m.msg.Values[ctx.subset]) {
		return nil
	}
	value := m.msg.Values[ctx.subset][vn.Index]
	if value == nil {
		return nil
	}
	units := m.tables.StandardizeUnit(vn.Desc.Unit)
	if units == "" {
		units = "s"
	}
	n := numString(value)
	switch units {
	case "s":
		return "PT" + n + "S"
	case "min":
		return "PT" + n + "M"
	case "h":
		return "PT" + n + "H"
	case "d":
		return "P" + n + "D"
	case "a":
		return "P" + n + "Y"
	case "mon":
		return "P" + n + "M"
	}
	m.warn(fmt.Sprintf("value %s [%s] could not be converted to an ISO duration", n, units), ctx)
	return value
}

func allNil(vals []any) bool {
	for _, v := range vals {
		if v != nil {
			return false
		}
	}
	return true
}

func anyNil(vals []any) bool {
	for _, v := range vals {
		if v == nil {
			return true
		}
	}
	return false
}
