package decoder

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/couchcryptid/gts-bufr-etl/internal/bufr"
	"github.com/couchcryptid/gts-bufr-etl/internal/record"
)

// rawValue reads a node's decoded value from the subset value array and
// normalizes it: character data is scrubbed to printable ASCII and trimmed,
// empty strings collapse to nil, and numeric values pick up the active 8090
// scale override. A nil result is a sensor legitimately not reporting.
func (m *messageDecoder) rawValue(node *bufr.ValueNode, ctx *decodeContext) any {
	if ctx.subset >= len(m.msg.Values) || node.Index < 0 || node.Index >= len(m.msg.Values[ctx.subset]) {
		return nil
	}
	value := m.msg.Values[ctx.subset][node.Index]
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		return cleanCharacterData(v)
	case string:
		if s := strings.Trim(v, " "); s != "" {
			return s
		}
		return nil
	case float64:
		return m.applyScale(v, ctx)
	case float32:
		return m.applyScale(float64(v), ctx)
	case int:
		return m.applyScale(float64(v), ctx)
	case int64:
		return m.applyScale(float64(v), ctx)
	default:
		return value
	}
}

func (m *messageDecoder) applyScale(v float64, ctx *decodeContext) float64 {
	if ctx.scaleFactor != nil {
		return v * math.Pow(10, *ctx.scaleFactor)
	}
	return v
}

// nodeValue wraps the raw value with unit and uncertainty metadata from the
// descriptor's Table B declaration. Uncertainty is half the descriptor's
// resolution, 10^-scale / 2.
func (m *messageDecoder) nodeValue(node *bufr.ValueNode, ctx *decodeContext) *record.Value {
	value := record.NewValue(m.rawValue(node, ctx))
	units := m.tables.StandardizeUnit(node.Desc.Unit)
	if units != "" {
		value.SetMetadata("Units", units)
		value.SetMetadata("Uncertainty", math.Pow(10, float64(-node.Desc.Scale))/2)
	}
	return value
}

// rawNumeric returns the raw value as a float64 when it is numeric.
func (m *messageDecoder) rawNumeric(node *bufr.ValueNode, ctx *decodeContext) (float64, bool) {
	v, ok := m.rawValue(node, ctx).(float64)
	return v, ok
}

// cleanCharacterData keeps printable ASCII only; BUFR character fields are
// space-padded and occasionally carry stray high bytes.
func cleanCharacterData(b []byte) any {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		if c > 0 && c < 128 {
			out = append(out, c)
		}
	}
	if s := strings.Trim(string(out), " "); s != "" {
		return s
	}
	return nil
}

// numString renders a scalar for identifier and timestamp assembly: integral
// floats print without a fractional part.
func numString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// padLeft zero-pads s to at least width characters.
func padLeft(s string, width int) string {
	for len(s) < width {
		s = "0" + s
	}
	return s
}
