// Package registry holds the static table that decides which sources the
// relay republishes and under what name.
package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/errors"
)

// Entry is one row of the table
type Entry struct {
	SourceID string `json:"source_id"`
	NewName  string `json:"new_name"`
}

// Registry maps source identities to the names their relays publish under.
// It is read-only after New.
type Registry struct {
	names map[string]string
}

// New copies table into a Registry. Identities and names must be non-empty.
func New(table map[string]string) (*Registry, error) {
	names := make(map[string]string, len(table))
	for id, name := range table {
		if strings.TrimSpace(id) == "" {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: empty source id", errors.ErrInvalidConfig),
				"Registry", "New", "validate table")
		}
		if strings.TrimSpace(name) == "" {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: empty name for source %q", errors.ErrInvalidConfig, id),
				"Registry", "New", "validate table")
		}
		names[id] = name
	}
	return &Registry{names: names}, nil
}

// Lookup returns the name registered for sourceID
func (r *Registry) Lookup(sourceID string) (string, bool) {
	name, ok := r.names[sourceID]
	return name, ok
}

// Require returns the name registered for sourceID, or an invalid error
// wrapping ErrNotRegistered
func (r *Registry) Require(sourceID string) (string, error) {
	name, ok := r.names[sourceID]
	if !ok {
		return "", errors.WrapInvalid(fmt.Errorf("%w: %q", errors.ErrNotRegistered, sourceID),
			"Registry", "Require", "look up source")
	}
	return name, nil
}

// Contains reports whether sourceID is registered
func (r *Registry) Contains(sourceID string) bool {
	_, ok := r.names[sourceID]
	return ok
}

// Len returns the number of registered sources
func (r *Registry) Len() int {
	return len(r.names)
}

// Entries returns the table sorted by source id
func (r *Registry) Entries() []Entry {
	entries := make([]Entry, 0, len(r.names))
	for id, name := range r.names {
		entries = append(entries, Entry{SourceID: id, NewName: name})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].SourceID < entries[j].SourceID })
	return entries
}
