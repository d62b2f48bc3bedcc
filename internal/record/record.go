// Package record models the hierarchical observation record produced by the
// decoder: metadata, coordinates and variables maps plus named sets of
// nested sub-records (profile levels, time-series points), each shaped the
// same way, and a diagnostic log keyed by hierarchy path.
package record

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// Value is one decoded element value with attached metadata (units,
// uncertainty, quality flags, pending aggregation metadata...).
type Value struct {
	Val      any            `json:"value"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewValue wraps v; a nil v means the sensor did not report.
func NewValue(v any) *Value {
	return &Value{Val: v}
}

// SetMetadata attaches one metadata key, allocating the map on first use.
func (v *Value) SetMetadata(key string, val any) {
	if v.Metadata == nil {
		v.Metadata = map[string]any{}
	}
	v.Metadata[key] = val
}

func (v *Value) equal(o *Value) bool {
	return reflect.DeepEqual(v.Val, o.Val)
}

// Property is a named slot in one of the record's maps. It normally holds a
// single Value; conflicting reports for the same element promote it to a
// multi-value.
type Property struct {
	value *Value
	multi []*Value
}

// Single returns the property's value when it holds exactly one.
func (p *Property) Single() *Value {
	return p.value
}

// Values returns every value the property holds.
func (p *Property) Values() []*Value {
	if p.multi != nil {
		return p.multi
	}
	if p.value != nil {
		return []*Value{p.value}
	}
	return nil
}

// SetMetadata attaches a metadata key to every value held.
func (p *Property) SetMetadata(key string, val any) {
	for _, v := range p.Values() {
		v.SetMetadata(key, val)
	}
}

// MarshalJSON renders a single value as the value object itself and a
// promoted property as {"values": [...]}.
func (p *Property) MarshalJSON() ([]byte, error) {
	if p.multi != nil {
		return json.Marshal(map[string]any{"values": p.multi})
	}
	return json.Marshal(p.value)
}

// PropertyMap holds the named properties of one record section.
type PropertyMap map[string]*Property

// Has reports whether name is present.
func (m PropertyMap) Has(name string) bool {
	_, ok := m[name]
	return ok
}

// Get returns the primary value for name, or nil.
func (m PropertyMap) Get(name string) *Value {
	p, ok := m[name]
	if !ok {
		return nil
	}
	if p.value != nil {
		return p.value
	}
	if len(p.multi) > 0 {
		return p.multi[len(p.multi)-1]
	}
	return nil
}

// Set stores value under name with the merge rules: a missing or nil-valued
// slot is replaced, an equal value is ignored, and a genuine conflict
// promotes the slot to a multi-value so nothing reported is lost.
func (m PropertyMap) Set(name string, value *Value) {
	existing, ok := m[name]
	if !ok {
		m[name] = &Property{value: value}
		return
	}
	if existing.multi != nil {
		existing.multi = append(existing.multi, value)
		return
	}
	switch {
	case existing.value == nil || existing.value.Val == nil:
		existing.value = value
	case existing.value.equal(value):
		// keep the first report
	default:
		existing.multi = []*Value{existing.value, value}
		existing.value = nil
	}
}

// LogEntry is one decode diagnostic attached to the record.
type LogEntry struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

// Record is one decoded observation (or nested sub-record).
type Record struct {
	UID         string                `json:"uid,omitempty"`
	Metadata    PropertyMap           `json:"metadata,omitempty"`
	Coordinates PropertyMap           `json:"coordinates,omitempty"`
	Variables   PropertyMap           `json:"variables,omitempty"`
	Subrecords  map[string]*RecordSet `json:"subrecords,omitempty"`
	Log         []LogEntry            `json:"log,omitempty"`
	DecodedAt   time.Time             `json:"decoded_at,omitzero"`
}

// RecordSet is an ordered collection of sibling sub-records of one type.
type RecordSet struct {
	Records []*Record `json:"records"`
}

// New creates an empty record.
func New() *Record {
	return &Record{
		Metadata:    PropertyMap{},
		Coordinates: PropertyMap{},
		Variables:   PropertyMap{},
	}
}

// NewSubrecordSet allocates a named sub-record set of the given type and
// returns its key. The key is allocated once per parent and shared by every
// child of the same replication block; repeated blocks of the same type get
// numbered keys.
func (r *Record) NewSubrecordSet(recordType string) string {
	if r.Subrecords == nil {
		r.Subrecords = map[string]*RecordSet{}
	}
	key := recordType
	for n := 1; ; n++ {
		if _, taken := r.Subrecords[key]; !taken {
			break
		}
		key = fmt.Sprintf("%s_%d", recordType, n)
	}
	r.Subrecords[key] = &RecordSet{}
	return key
}

// AttachSubrecord appends child to the named sub-record set, allocating the
// set when the key is new.
func (r *Record) AttachSubrecord(key string, child *Record) {
	if r.Subrecords == nil {
		r.Subrecords = map[string]*RecordSet{}
	}
	set, ok := r.Subrecords[key]
	if !ok {
		set = &RecordSet{}
		r.Subrecords[key] = set
	}
	set.Records = append(set.Records, child)
}

// ReportWarning appends a warning diagnostic.
func (r *Record) ReportWarning(message, path string) {
	r.Log = append(r.Log, LogEntry{Level: "warning", Message: message, Path: path})
}

// ReportError appends an error diagnostic.
func (r *Record) ReportError(message, path string) {
	r.Log = append(r.Log, LogEntry{Level: "error", Message: message, Path: path})
}

// Warnings returns the warning-level diagnostics.
func (r *Record) Warnings() []LogEntry {
	var out []LogEntry
	for _, e := range r.Log {
		if e.Level == "warning" {
			out = append(out, e)
		}
	}
	return out
}

// GenerateUID produces a deterministic short id from the record's key parts.
// Deterministic ids make downstream upserts idempotent: re-decoding the same
// bulletin yields the same uid.
func GenerateUID(parts ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:8])
}
