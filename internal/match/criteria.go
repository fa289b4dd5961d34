// Package match decides which image series belong in a record.
//
// A Criteria object maps logical names (e.g. "CT") to the set of series
// descriptions accepted under that name. Matching is exact string
// membership with no normalization: case folding across clinically
// distinct series would invite false positives. The accepted sets may grow
// during a run, but only through Extend, which is an explicit,
// caller-visible operation — never silent internal state.
package match

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Criteria is the mutable matching dictionary shared across a run. All
// methods are safe for concurrent use; parallel drivers should prefer
// Snapshot and MergeFrom over in-place mutation.
type Criteria struct {
	mu       sync.Mutex
	names    []string
	accepted map[string][]string

	// path is the yaml file the criteria were loaded from, rewritten on
	// every Extend so interactive corrections survive the run.
	path string
}

// New returns an empty Criteria. An empty dictionary disables
// description-based filtering: callers accept every series under an
// identity criterion equal to its own description.
func New() *Criteria {
	return &Criteria{accepted: make(map[string][]string)}
}

// FromMap builds Criteria from an inline mapping. Names are ordered
// lexically so runs are deterministic.
func FromMap(m map[string][]string) (*Criteria, error) {
	c := New()
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c.names = append(c.names, name)
		c.accepted[name] = append([]string(nil), m[name]...)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadFile reads Criteria from a yaml mapping of name to description list,
// preserving the file's key order. Extensions made during the run are
// written back to the same file.
func LoadFile(path string) (*Criteria, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read criteria file: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse criteria file: %w", err)
	}

	c := New()
	c.path = path
	if len(doc.Content) == 0 {
		return c, nil
	}

	mapping := doc.Content[0]
	if mapping.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("criteria file must be a mapping of name to description list")
	}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		name := mapping.Content[i].Value
		var descriptions []string
		if err := mapping.Content[i+1].Decode(&descriptions); err != nil {
			return nil, fmt.Errorf("criteria %q: %w", name, err)
		}
		c.names = append(c.names, name)
		c.accepted[name] = descriptions
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// validate rejects description sets that overlap between two criteria: one
// description matching two logical names would make record entries
// ambiguous.
func (c *Criteria) validate() error {
	seen := make(map[string]string)
	for _, name := range c.names {
		for _, description := range c.accepted[name] {
			if previous, ok := seen[description]; ok && previous != name {
				return fmt.Errorf("description %q is accepted by both %q and %q",
					description, previous, name)
			}
			seen[description] = name
		}
	}
	return nil
}

// Empty reports whether no criteria are configured.
func (c *Criteria) Empty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.names) == 0
}

// Names returns the criterion names in configuration order.
func (c *Criteria) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.names...)
}

// Accepted returns a copy of the accepted description set of a criterion.
func (c *Criteria) Accepted(name string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.accepted[name]...)
}

// Match returns the name of the first criterion accepting the given series
// description, in configuration order.
func (c *Criteria) Match(description string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range c.names {
		for _, accepted := range c.accepted[name] {
			if accepted == description {
				return name, true
			}
		}
	}
	return "", false
}

// Extend appends a description to a criterion's accepted set. This is the
// dictionary's only mutation path. When the criteria were loaded from a
// file, the file is rewritten so the correction persists.
func (c *Criteria) Extend(name, description string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	descriptions, ok := c.accepted[name]
	if !ok {
		return fmt.Errorf("unknown criterion %q", name)
	}
	for _, existing := range descriptions {
		if existing == description {
			return nil
		}
	}
	// Same overlap rule as load-time validation: one description matching
	// two logical names would make record entries ambiguous.
	for _, other := range c.names {
		if other == name {
			continue
		}
		for _, existing := range c.accepted[other] {
			if existing == description {
				return fmt.Errorf("description %q is already accepted by %q", description, other)
			}
		}
	}
	c.accepted[name] = append(descriptions, description)

	if c.path != "" {
		if err := c.saveLocked(c.path); err != nil {
			return fmt.Errorf("persist criteria: %w", err)
		}
	}
	return nil
}

// Snapshot returns a deep copy detached from any backing file, for
// per-worker use.
func (c *Criteria) Snapshot() *Criteria {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := New()
	out.names = append([]string(nil), c.names...)
	for name, descriptions := range c.accepted {
		out.accepted[name] = append([]string(nil), descriptions...)
	}
	return out
}

// MergeFrom folds the accepted sets of a snapshot back into c, appending
// descriptions c has not seen. Criterion names unknown to c are ignored.
func (c *Criteria) MergeFrom(other *Criteria) {
	for _, name := range other.Names() {
		for _, description := range other.Accepted(name) {
			_ = c.Extend(name, description)
		}
	}
}

// SaveFile writes the criteria as a yaml mapping in configuration order.
func (c *Criteria) SaveFile(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveLocked(path)
}

func (c *Criteria) saveLocked(path string) error {
	mapping := &yaml.Node{Kind: yaml.MappingNode}
	for _, name := range c.names {
		var list yaml.Node
		if err := list.Encode(c.accepted[name]); err != nil {
			return err
		}
		mapping.Content = append(mapping.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: name},
			&list,
		)
	}

	raw, err := yaml.Marshal(mapping)
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0644)
}
