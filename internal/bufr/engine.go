package bufr

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Message is one parsed BUFR message: section 1/3 metadata plus the decoded
// node tree and value array for each subset. Values are indexed by
// ValueNode.Index and are nil, float64 or string; a nil value is a sensor
// legitimately not reporting, never an error.
type Message struct {
	Edition               int
	OriginatingCentre     int
	OriginatingSubcentre  int
	DataCategory          int
	IsObservation         bool
	MessageTime           time.Time
	UnexpandedDescriptors []int
	SubsetCount           int

	// Nodes[i] and Values[i] describe subset i.
	Nodes  [][]Node
	Values [][]any
}

// Engine is the external low-level BUFR collaborator: it unpacks the raw
// message octets into a Message according to WMO Table B/D. This repository
// ships no production implementation; deployments register one (typically an
// ecCodes binding) via Register.
type Engine interface {
	Parse(ctx context.Context, raw []byte) (*Message, error)
}

// EngineFunc adapts a function to the Engine interface.
type EngineFunc func(ctx context.Context, raw []byte) (*Message, error)

func (f EngineFunc) Parse(ctx context.Context, raw []byte) (*Message, error) {
	return f(ctx, raw)
}

var (
	enginesMu sync.RWMutex
	engines   = map[string]func() (Engine, error){}
)

// Register makes an engine factory available under the given name, in the
// manner of database/sql drivers. It panics on duplicate registration.
func Register(name string, factory func() (Engine, error)) {
	enginesMu.Lock()
	defer enginesMu.Unlock()
	if _, dup := engines[name]; dup {
		panic(fmt.Sprintf("bufr: engine %q registered twice", name))
	}
	engines[name] = factory
}

// Open instantiates a registered engine by name.
func Open(name string) (Engine, error) {
	enginesMu.RLock()
	factory, ok := engines[name]
	names := registeredNames()
	enginesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("bufr: unknown engine %q (registered: %v)", name, names)
	}
	return factory()
}

func registeredNames() []string {
	names := make([]string, 0, len(engines))
	for name := range engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
