package field

import "sort"

// ReconcileHeights keeps exactly one record per individual. Individuals with
// at least one measured height keep their tallest record (first one wins on
// ties); the rest keep the record of their latest event.
func ReconcileHeights(records []Record) []Record {
	var order []string
	groups := make(map[string][]Record)
	for _, r := range records {
		if _, ok := groups[r.IndividualID]; !ok {
			order = append(order, r.IndividualID)
		}
		groups[r.IndividualID] = append(groups[r.IndividualID], r)
	}
	sort.Strings(order)

	var withHeights, missingHeights []Record
	for _, id := range order {
		group := groups[id]
		if best, ok := tallest(group); ok {
			withHeights = append(withHeights, best)
			continue
		}
		missingHeights = append(missingHeights, latestEvent(group))
	}

	return append(withHeights, missingHeights...)
}

func tallest(group []Record) (Record, bool) {
	var best Record
	found := false
	for _, r := range group {
		if !r.Height.Valid {
			continue
		}
		if !found || r.Height.Value > best.Height.Value {
			best = r
			found = true
		}
	}
	return best, found
}

func latestEvent(group []Record) Record {
	sorted := make([]Record, len(group))
	copy(sorted, group)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].EventID > sorted[j].EventID
	})
	return sorted[0]
}
