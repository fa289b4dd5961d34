// Package organs renames heterogeneous segment labels into a canonical
// organ vocabulary.
//
// Segmentation tools emit labels like "Segment_1" or "prostate" for the
// same structure; the alias table maps every accepted raw label to one
// canonical name so masks are addressed consistently across patients.
package organs

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// AliasTable maps canonical organ names to the raw segment labels accepted
// for them. Lookup is exact, no normalization.
type AliasTable struct {
	names   []string
	aliases map[string][]string
}

// FromMap builds an AliasTable from an inline mapping. Canonical names are
// ordered lexically.
func FromMap(m map[string][]string) *AliasTable {
	t := &AliasTable{aliases: make(map[string][]string)}
	for name := range m {
		t.names = append(t.names, name)
	}
	sort.Strings(t.names)
	for _, name := range t.names {
		t.aliases[name] = append([]string(nil), m[name]...)
	}
	return t
}

// LoadFile reads an alias table from a yaml mapping of canonical name to
// raw label list.
func LoadFile(path string) (*AliasTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read organ alias file: %w", err)
	}

	var m map[string][]string
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse organ alias file: %w", err)
	}
	return FromMap(m), nil
}

// Empty reports whether no aliases are configured. An empty table passes
// raw labels through unchanged.
func (t *AliasTable) Empty() bool {
	return t == nil || len(t.names) == 0
}

// Names returns the canonical organ names.
func (t *AliasTable) Names() []string {
	if t == nil {
		return nil
	}
	return append([]string(nil), t.names...)
}

// Resolve maps a raw segment label to its canonical organ name. With no
// table configured, the label resolves to itself. A miss means the segment
// is unmapped and should be dropped by the caller.
func (t *AliasTable) Resolve(label string) (string, bool) {
	if t.Empty() {
		return label, true
	}
	for _, name := range t.names {
		for _, accepted := range t.aliases[name] {
			if accepted == label {
				return name, true
			}
		}
	}
	return "", false
}
