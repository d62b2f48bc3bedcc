package tables

// ApplyTo says which part of the decode state an instruction targets.
type ApplyTo string

const (
	ApplyTarget     ApplyTo = "target"     // the record currently being populated
	ApplyFollowing  ApplyTo = "following"  // pending metadata for the next value element
	ApplySubrecords ApplyTo = "subrecords" // pending metadata for the next closed sub-record
	ApplyNoop       ApplyTo = "noop"
	ApplyRaise      ApplyTo = "raise" // descriptor is known but deliberately unmapped
)

// Kind says which property map of the record receives the value.
type Kind string

const (
	KindMetadata    Kind = "metadata"
	KindCoordinates Kind = "coordinates"
	KindVariables   Kind = "variables"
	KindMetadataMap Kind = "metadata_map"
	KindNoop        Kind = "noop"
)

// Condition pairs a hierarchy substring with the instruction to use when it
// matches. Conditions are evaluated in table order; the first one whose key
// is a substring of any current hierarchy entry wins.
type Condition struct {
	When string
	Then *Instruction
}

// Instruction is one semantic rule for a descriptor id: where to put the
// decoded value and how to rewrite it on the way.
type Instruction struct {
	ApplyTo ApplyTo
	Kind    Kind
	Name    string

	// Context-qualified overrides, in table order.
	Context []Condition

	// ValueMap remaps raw decoded values; keys and lookups are canonicalized
	// through the same scalar formatting so "4", 4 and 4.0 all collide.
	ValueMap map[string]any

	// Filter restricts pending ("following"/"subrecords") metadata to
	// elements or children that actually carry one of the named fields.
	Filter []string

	// Value, when HasValue, replaces the decoded value with a literal.
	Value    any
	HasValue bool

	// Metadata is attached to the produced value; RemoveMetadata strips keys.
	Metadata       map[string]any
	RemoveMetadata []string

	// Map carries the expansion for metadata_map instructions.
	Map map[string]any

	// SubrecordType marks descriptors whose replicated block becomes a named
	// sub-record set; DirectionalSubrecord adds the direction suffix.
	SubrecordType        string
	DirectionalSubrecord bool

	// IterateAfter recurses into the node's members after applying.
	IterateAfter bool
}
