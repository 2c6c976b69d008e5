package dataset

import (
	"fmt"
	"slices"
	"sort"
)

// Dictionary is an immutable bidirectional name <-> index mapping. Indices
// follow the sorted order of the names.
type Dictionary struct {
	names   []string
	indices map[string]int
}

func NewDictionary(names ...string) Dictionary {
	unique := slices.Clone(names)
	sort.Strings(unique)
	unique = slices.Compact(unique)

	indices := make(map[string]int, len(unique))
	for i, name := range unique {
		indices[name] = i
	}
	return Dictionary{names: unique, indices: indices}
}

func (d Dictionary) Index(name string) (int, bool) {
	i, ok := d.indices[name]
	return i, ok
}

func (d Dictionary) Name(index int) (string, bool) {
	if index < 0 || index >= len(d.names) {
		return "", false
	}
	return d.names[index], true
}

func (d Dictionary) Len() int {
	return len(d.names)
}

// Names returns a copy of the names in index order.
func (d Dictionary) Names() []string {
	return slices.Clone(d.names)
}

func (d Dictionary) Equal(other Dictionary) bool {
	return slices.Equal(d.names, other.names)
}

// LabelDictionary maps taxa and sites to the integer indices used in the
// annotation tables.
type LabelDictionary struct {
	Species Dictionary
	Sites   Dictionary
}

// BuildLabels derives both dictionaries from the union of the train and test
// points. The same point files always produce the same indices.
func BuildLabels(train, test []TreePoint) LabelDictionary {
	var taxa, sites []string
	for _, points := range [][]TreePoint{train, test} {
		for _, p := range points {
			taxa = append(taxa, p.TaxonID)
			sites = append(sites, p.SiteID)
		}
	}
	return LabelDictionary{Species: NewDictionary(taxa...), Sites: NewDictionary(sites...)}
}

func (l LabelDictionary) Equal(other LabelDictionary) bool {
	return l.Species.Equal(other.Species) && l.Sites.Equal(other.Sites)
}

// Annotate attaches the species and site index of a point to a crop path.
func (l LabelDictionary) Annotate(p TreePoint, imagePath string) (Annotation, error) {
	label, ok := l.Species.Index(p.TaxonID)
	if !ok {
		return Annotation{}, fmt.Errorf("taxon %s of %s is not in the label dictionary", p.TaxonID, p.IndividualID)
	}
	site, ok := l.Sites.Index(p.SiteID)
	if !ok {
		return Annotation{}, fmt.Errorf("site %s of %s is not in the site dictionary", p.SiteID, p.IndividualID)
	}
	return Annotation{ImagePath: imagePath, Label: label, Site: site}, nil
}

// Snapshot is the serialisable form of a LabelDictionary.
type Snapshot struct {
	Species []string `json:"species"`
	Sites   []string `json:"sites"`
}

func (l LabelDictionary) Snapshot() Snapshot {
	return Snapshot{Species: l.Species.Names(), Sites: l.Sites.Names()}
}

func (s Snapshot) Labels() LabelDictionary {
	return LabelDictionary{Species: NewDictionary(s.Species...), Sites: NewDictionary(s.Sites...)}
}
