// Package pricebook resolves feature identifiers to token costs. Pricing is
// injected configuration: the engine never hardcodes what a feature costs.
package pricebook

import (
	"fmt"
	"sync/atomic"

	"github.com/inkfable/tokenledger/internal/models"
)

// Entry prices one feature.
type Entry struct {
	Feature  string        `yaml:"feature" json:"feature"`     // Feature identifier, e.g. "chapter_generation".
	UnitCost int64         `yaml:"unit-cost" json:"unit_cost"` // Tokens charged per unit.
	Reason   models.Reason `yaml:"reason" json:"reason"`       // Ledger reason recorded for charges.
}

// Lookup resolves features to price entries.
type Lookup interface {
	Price(feature string) (Entry, bool)
}

// Static is a Lookup over a fixed entry set, swappable at runtime without
// locking readers.
type Static struct {
	entries atomic.Pointer[map[string]Entry]
}

// NewStatic builds a Static pricebook and validates every entry.
func NewStatic(entries []Entry) (*Static, error) {
	s := &Static{}
	if err := s.Replace(entries); err != nil {
		return nil, err
	}
	return s, nil
}

// Price resolves one feature.
func (s *Static) Price(feature string) (Entry, bool) {
	index := s.entries.Load()
	if index == nil {
		return Entry{}, false
	}
	entry, ok := (*index)[feature]
	return entry, ok
}

// Replace atomically swaps the full entry set, used on config reload.
func (s *Static) Replace(entries []Entry) error {
	index := make(map[string]Entry, len(entries))
	for _, entry := range entries {
		if entry.Feature == "" {
			return fmt.Errorf("pricebook: entry with empty feature")
		}
		if entry.UnitCost <= 0 {
			return fmt.Errorf("pricebook: feature %q has non-positive unit cost %d", entry.Feature, entry.UnitCost)
		}
		if !entry.Reason.Valid() {
			return fmt.Errorf("pricebook: feature %q has unknown reason %q", entry.Feature, entry.Reason)
		}
		if _, dup := index[entry.Feature]; dup {
			return fmt.Errorf("pricebook: duplicate feature %q", entry.Feature)
		}
		index[entry.Feature] = entry
	}
	s.entries.Store(&index)
	return nil
}

// Features lists the priced feature identifiers.
func (s *Static) Features() []string {
	index := s.entries.Load()
	if index == nil {
		return nil
	}
	features := make([]string, 0, len(*index))
	for feature := range *index {
		features = append(features, feature)
	}
	return features
}
