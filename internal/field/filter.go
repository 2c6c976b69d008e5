package field

import (
	"slices"
	"strings"
	"unicode"

	"github.com/Ritesh313/DeepTreeAttention/internal/config"
)

var (
	excludedGrowthForms = []string{"liana", "small shrub"}
	shadedPositions     = []string{"Full shade", "Mostly shaded"}
	openPositions       = []string{"Open grown", "Full sun"}
)

// FilterOptions controls which field records survive Filter.
type FilterOptions struct {
	MinStemDiameter float64
	config.Exclusions
}

func FilterOptionsFromConfig(cfg config.Config) FilterOptions {
	return FilterOptions{MinStemDiameter: cfg.MinStemDiameter, Exclusions: cfg.Exclusions}
}

// Filter drops field records that are unusable as spectral training
// locations. Row level rules are applied first; the canopy rule is then
// evaluated per individual over the surviving rows, so Filter(Filter(x))
// equals Filter(x).
func Filter(records []Record, opts FilterOptions) []Record {
	kept := make([]Record, 0, len(records))
	for _, r := range records {
		if keepRecord(r, opts) {
			kept = append(kept, r)
		}
	}

	shaded := shadedOnlyIndividuals(kept)
	if len(shaded) == 0 {
		return kept
	}

	result := kept[:0]
	for _, r := range kept {
		if _, drop := shaded[r.IndividualID]; !drop {
			result = append(result, r)
		}
	}
	return result
}

func keepRecord(r Record, opts FilterOptions) bool {
	if !r.Elevation.Valid {
		return false
	}
	if r.GrowthForm == "" || slices.Contains(excludedGrowthForms, r.GrowthForm) {
		return false
	}
	if !strings.Contains(r.PlantStatus, "Live") {
		return false
	}
	// unmeasured height is tolerated, a recorded short tree is not
	if r.Height.Valid && r.Height.Value <= 3 {
		return false
	}
	if !r.StemDiameter.Valid || r.StemDiameter.Value <= opts.MinStemDiameter {
		return false
	}
	if slices.Contains(opts.Taxa, r.TaxonID) {
		return false
	}
	if opts.BadEventMarker != "" && strings.Contains(r.EventID, opts.BadEventMarker) {
		return false
	}
	if isMultibole(r.IndividualID) {
		return false
	}
	if slices.Contains(opts.Individuals, r.IndividualID) || slices.Contains(opts.Plots, r.PlotID) {
		return false
	}
	if slices.Contains(opts.Sites, r.SiteID) {
		return false
	}
	return true
}

// isMultibole reports the tagging convention for extra stems: a trailing
// uppercase letter on the individual id.
func isMultibole(id string) bool {
	if id == "" {
		return false
	}
	last := rune(id[len(id)-1])
	return last <= unicode.MaxASCII && unicode.IsUpper(last)
}

func shadedOnlyIndividuals(records []Record) map[string]struct{} {
	shaded := make(map[string]bool)
	open := make(map[string]bool)
	for _, r := range records {
		if slices.Contains(shadedPositions, r.CanopyPosition) {
			shaded[r.IndividualID] = true
		}
		if slices.Contains(openPositions, r.CanopyPosition) {
			open[r.IndividualID] = true
		}
	}

	result := make(map[string]struct{})
	for id := range shaded {
		if !open[id] {
			result[id] = struct{}{}
		}
	}
	return result
}
