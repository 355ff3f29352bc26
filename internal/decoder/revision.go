package decoder

import (
	"fmt"
	"sort"
	"sync"
)

// Revision is a device firmware protocol revision. Telegrams carry no tags,
// so whether the optional debug block is present has to be inferred from the
// fields that follow the header; each revision does that differently.
type Revision interface {
	// Name returns the configuration name of the revision.
	Name() string

	// HasDebugBlock reports whether the fields after the header start with
	// a debug block.
	HasDebugBlock(rest []string) bool

	// DateEncoding is the fix date/time encoding the firmware sends.
	DateEncoding() DateEncoding
}

// ParityRevision detects the debug block by field count: fix groups are 4
// fields wide, so an odd remainder means a 5-field debug block leads.
type ParityRevision struct{}

func (ParityRevision) Name() string               { return "parity" }
func (ParityRevision) DateEncoding() DateEncoding { return DayOfYear }

func (ParityRevision) HasDebugBlock(rest []string) bool {
	return len(rest)%2 == 1
}

// LengthRevision is the earlier firmware: its debug block starts with an
// 8-character field, while fix groups start with a 6-character date.
type LengthRevision struct{}

func (LengthRevision) Name() string               { return "length" }
func (LengthRevision) DateEncoding() DateEncoding { return Calendar }

func (LengthRevision) HasDebugBlock(rest []string) bool {
	return len(rest) >= 1 && len(rest[0]) == 8
}

// Registry holds the protocol revisions known by name.
type Registry struct {
	mu        sync.RWMutex
	revisions map[string]Revision
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{revisions: make(map[string]Revision)}
}

var defaultRegistry = NewRegistry()

func init() {
	defaultRegistry.Register(ParityRevision{})
	defaultRegistry.Register(LengthRevision{})
}

// DefaultRegistry returns the registry holding the built-in revisions.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Register adds a revision, replacing any revision with the same name.
func (r *Registry) Register(rev Revision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revisions[rev.Name()] = rev
}

// Lookup returns the revision registered under name.
func (r *Registry) Lookup(name string) (Revision, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rev, ok := r.revisions[name]
	if !ok {
		return nil, fmt.Errorf("unknown protocol revision %q", name)
	}
	return rev, nil
}

// Names returns the registered revision names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.revisions))
	for name := range r.revisions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
