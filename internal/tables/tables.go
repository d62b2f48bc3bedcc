// Package tables loads the descriptor mapping and unit name tables that
// drive the semantic decoder. Both are YAML files maintained alongside the
// WMO Table B/D vocabularies: the mapping table keys stringified descriptor
// ids to either a shorthand string ("metadata:Name", "coordinates:Name",
// "variables:Name", "next_recs:<type>:<name>", "next_vars:<type>:<name>",
// "noop") or a structured instruction object.
package tables

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// MappingTable holds the descriptor-to-instruction and unit-name tables.
type MappingTable struct {
	instructions map[string]*Instruction
	units        map[string]string
}

// Load reads both tables from YAML files.
func Load(bufrMapPath, unitMapPath string) (*MappingTable, error) {
	bufrMap, err := os.ReadFile(bufrMapPath)
	if err != nil {
		return nil, fmt.Errorf("read descriptor map: %w", err)
	}
	unitMap, err := os.ReadFile(unitMapPath)
	if err != nil {
		return nil, fmt.Errorf("read unit map: %w", err)
	}
	return Parse(bufrMap, unitMap)
}

// Parse builds a MappingTable from raw YAML documents. Either document may
// be empty.
func Parse(bufrMap, unitMap []byte) (*MappingTable, error) {
	t := &MappingTable{
		instructions: map[string]*Instruction{},
		units:        map[string]string{},
	}

	var root yaml.Node
	if err := yaml.Unmarshal(bufrMap, &root); err != nil {
		return nil, fmt.Errorf("parse descriptor map: %w", err)
	}
	if len(root.Content) > 0 {
		doc := root.Content[0]
		if doc.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("descriptor map: expected mapping at top level, got %v", doc.Kind)
		}
		for i := 0; i+1 < len(doc.Content); i += 2 {
			key := doc.Content[i].Value
			inst, err := standardizeInstruction(doc.Content[i+1])
			if err != nil {
				return nil, fmt.Errorf("descriptor map entry %q: %w", key, err)
			}
			if inst == nil {
				continue
			}
			// Keys may appear with or without leading zeros.
			if n, err := strconv.Atoi(key); err == nil {
				key = strconv.Itoa(n)
			}
			t.instructions[key] = inst
		}
	}

	if err := yaml.Unmarshal(unitMap, &t.units); err != nil {
		return nil, fmt.Errorf("parse unit map: %w", err)
	}
	if t.units == nil {
		t.units = map[string]string{}
	}
	return t, nil
}

// Lookup returns the instruction for a descriptor id, or nil when unmapped.
func (t *MappingTable) Lookup(descriptorID int) *Instruction {
	return t.instructions[strconv.Itoa(descriptorID)]
}

// StandardizeUnit canonicalizes a raw Table B unit string. The dimensionless
// pseudo-units ("Numeric", "CCITT IA5", "CODE TABLE") and the empty string
// map to "" meaning no unit.
func (t *MappingTable) StandardizeUnit(unit string) string {
	switch unit {
	case "", "Numeric", "CCITT IA5", "CODE TABLE":
		return ""
	}
	if canonical, ok := t.units[unit]; ok {
		return canonical
	}
	return unit
}

// standardizeInstruction expands the shorthand and structured instruction
// forms into a uniform Instruction. Unrecognized shorthands yield nil (the
// entry is ignored), matching a permissive table-maintenance workflow.
func standardizeInstruction(node *yaml.Node) (*Instruction, error) {
	if node.Kind == yaml.AliasNode {
		node = node.Alias
	}
	switch node.Kind {
	case yaml.ScalarNode:
		return shorthandInstruction(node.Value), nil
	case yaml.MappingNode:
		return structuredInstruction(node)
	default:
		return nil, nil
	}
}

func shorthandInstruction(s string) *Instruction {
	pieces := strings.Split(s, ":")
	switch pieces[0] {
	case "noop":
		return &Instruction{ApplyTo: ApplyNoop, Kind: KindNoop, Name: "noop"}
	case "metadata", "coordinates", "variables":
		if len(pieces) < 2 {
			return nil
		}
		return &Instruction{ApplyTo: ApplyTarget, Kind: Kind(pieces[0]), Name: pieces[1]}
	case "next_recs":
		if len(pieces) < 3 {
			return nil
		}
		return &Instruction{ApplyTo: ApplySubrecords, Kind: Kind(pieces[1]), Name: pieces[2]}
	case "next_vars":
		if len(pieces) < 3 {
			return nil
		}
		return &Instruction{ApplyTo: ApplyFollowing, Kind: Kind(pieces[1]), Name: pieces[2]}
	default:
		return nil
	}
}

func structuredInstruction(node *yaml.Node) (*Instruction, error) {
	inst := &Instruction{ApplyTo: ApplyTarget, Kind: KindMetadata, Name: "noop"}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		val := node.Content[i+1]
		switch key {
		case "apply_to":
			inst.ApplyTo = ApplyTo(val.Value)
		case "type":
			inst.Kind = Kind(val.Value)
		case "name":
			inst.Name = val.Value
		case "context":
			conditions, err := decodeConditions(val)
			if err != nil {
				return nil, err
			}
			inst.Context = conditions
		case "value_map":
			vm, err := decodeScalarMap(val)
			if err != nil {
				return nil, err
			}
			inst.ValueMap = vm
		case "filter":
			if err := val.Decode(&inst.Filter); err != nil {
				return nil, fmt.Errorf("filter: %w", err)
			}
		case "value":
			var v any
			if err := val.Decode(&v); err != nil {
				return nil, fmt.Errorf("value: %w", err)
			}
			inst.Value = v
			inst.HasValue = true
		case "metadata":
			md, err := decodeScalarMap(val)
			if err != nil {
				return nil, err
			}
			inst.Metadata = md
		case "remove_metadata":
			if err := val.Decode(&inst.RemoveMetadata); err != nil {
				return nil, fmt.Errorf("remove_metadata: %w", err)
			}
		case "map":
			m, err := decodeScalarMap(val)
			if err != nil {
				return nil, err
			}
			inst.Map = m
		case "subrecord_type":
			inst.SubrecordType = val.Value
		case "directional_subrecord":
			if err := val.Decode(&inst.DirectionalSubrecord); err != nil {
				return nil, fmt.Errorf("directional_subrecord: %w", err)
			}
		case "iterate_after":
			if err := val.Decode(&inst.IterateAfter); err != nil {
				return nil, fmt.Errorf("iterate_after: %w", err)
			}
		}
	}
	return inst, nil
}

// decodeConditions keeps the YAML mapping order: condition evaluation is
// first-match in table order, not by specificity.
func decodeConditions(node *yaml.Node) ([]Condition, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("context: expected mapping")
	}
	out := make([]Condition, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		then, err := standardizeInstruction(node.Content[i+1])
		if err != nil {
			return nil, fmt.Errorf("context %q: %w", node.Content[i].Value, err)
		}
		out = append(out, Condition{When: node.Content[i].Value, Then: then})
	}
	return out, nil
}

// decodeScalarMap decodes a mapping whose keys may be ints, floats or
// strings, canonicalizing every key with CanonicalKey.
func decodeScalarMap(node *yaml.Node) (map[string]any, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("expected mapping")
	}
	out := make(map[string]any, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var key any
		if err := node.Content[i].Decode(&key); err != nil {
			return nil, err
		}
		var val any
		if err := node.Content[i+1].Decode(&val); err != nil {
			return nil, err
		}
		out[CanonicalKey(key)] = val
	}
	return out, nil
}

// CanonicalKey formats a scalar so numeric lookups are insensitive to the
// int/float representation the YAML parser or the BUFR engine happened to
// pick.
func CanonicalKey(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}
