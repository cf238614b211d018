// Package pipeline holds the data-quality stages run between flattening and
// the upsert: the referential filter, which drops rows whose parent entities
// are unknown to the store, and the deduplication stage, which drops rows
// colliding on a table's composite primary key. Both stages report rather
// than fail: the external feed routinely references historically deleted
// parents and is observed to emit duplicate keys, especially in the region
// breakdown.
package pipeline

import (
	"fmt"

	"github.com/derekwayne/facebook-to-db/tables"
)

// ParentKeys is the authoritative set of parent-entity keys currently in
// the store, fetched fresh before filtering.
type ParentKeys struct {
	Campaigns map[string]struct{}
	AdSets    map[string]struct{}
}

// HasCampaign reports whether the campaign id is known.
func (p ParentKeys) HasCampaign(id string) bool {
	_, ok := p.Campaigns[id]
	return ok
}

// HasAdSet reports whether the ad set id is known.
func (p ParentKeys) HasAdSet(id string) bool {
	_, ok := p.AdSets[id]
	return ok
}

// keyOf renders a row's column value as a comparable string.
func keyOf(r tables.Row, column string) string {
	return fmt.Sprintf("%v", tables.Normalize(r[column]))
}

// Referential retains only rows whose campaign and ad set both exist in the
// store, returning the retained and removed rows in feed order. Removal is
// diagnostic, not an error: insight data for deleted campaigns cannot be
// synced without violating the foreign keys.
func Referential(rows []tables.Row, parents ParentKeys) (kept, removed []tables.Row) {
	for _, row := range rows {
		if parents.HasCampaign(keyOf(row, "campaign_id")) && parents.HasAdSet(keyOf(row, "adset_id")) {
			kept = append(kept, row)
			continue
		}
		removed = append(removed, row)
	}
	return kept, removed
}

// Deduplicate drops rows sharing an identical composite key tuple, keeping
// the first occurrence in feed order, and returns the retained and removed
// rows.
func Deduplicate(rows []tables.Row, keyColumns []string) (kept, removed []tables.Row) {
	seen := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		key := tables.KeyString(row, keyColumns)
		if _, found := seen[key]; found {
			removed = append(removed, row)
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, row)
	}
	return kept, removed
}
