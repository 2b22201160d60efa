package stream

import (
	"context"
	"encoding/json"
	"sort"
)

// Query selects advertised streams. Empty fields match anything.
type Query struct {
	Type     string `json:"type,omitempty"`
	Name     string `json:"name,omitempty"`
	SourceID string `json:"source_id,omitempty"`
}

// Matches reports whether d satisfies every set field of q
func (q Query) Matches(d Descriptor) bool {
	if q.Type != "" && q.Type != d.Type {
		return false
	}
	if q.Name != "" && q.Name != d.Name {
		return false
	}
	if q.SourceID != "" && q.SourceID != d.SourceID {
		return false
	}
	return true
}

func decodeQuery(data []byte) (Query, error) {
	var q Query
	if len(data) == 0 {
		return q, nil
	}
	err := json.Unmarshal(data, &q)
	return q, err
}

// Resolver finds advertised streams. Finding nothing is an empty result,
// not an error.
type Resolver interface {
	Resolve(ctx context.Context, q Query) ([]Descriptor, error)
}

// sortDescriptors orders results by name then uid so callers see a stable
// order regardless of reply arrival.
func sortDescriptors(ds []Descriptor) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].Name != ds[j].Name {
			return ds[i].Name < ds[j].Name
		}
		return ds[i].UID < ds[j].UID
	})
}
