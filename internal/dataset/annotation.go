package dataset

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gocarina/gocsv"
)

// Annotation is one pixel crop of a crown with its class and site index.
type Annotation struct {
	ImagePath string `csv:"image_path"`
	Label     int    `csv:"label"`
	Site      int    `csv:"site"`
}

// Individual is the crown id encoded in the crop file name
// (<individual>_<counter>.tif).
func (a Annotation) Individual() string {
	base := filepath.Base(a.ImagePath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if i := strings.Index(base, "_"); i >= 0 {
		return base[:i]
	}
	return base
}

func CropName(individualID string, counter int) string {
	return fmt.Sprintf("%s_%d.tif", individualID, counter)
}

func ReadAnnotations(path string) ([]Annotation, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open annotations %s: %w", path, err)
	}
	defer file.Close()

	var rows []*Annotation
	if err := gocsv.UnmarshalFile(file, &rows); err != nil {
		return nil, fmt.Errorf("failed to read annotations %s: %w", path, err)
	}
	annotations := make([]Annotation, 0, len(rows))
	for _, row := range rows {
		annotations = append(annotations, *row)
	}
	return annotations, nil
}

// WriteAnnotations writes the table through a temporary file so a reader
// never sees a partially written corpus.
func WriteAnnotations(path string, annotations []Annotation) error {
	rows := make([]*Annotation, 0, len(annotations))
	for i := range annotations {
		rows = append(rows, &annotations[i])
	}

	var buf bytes.Buffer
	if len(rows) == 0 {
		buf.WriteString("image_path,label,site\n")
	} else if err := gocsv.Marshal(&rows, &buf); err != nil {
		return fmt.Errorf("failed to encode annotations %s: %w", path, err)
	}
	return WriteFileAtomic(path, buf.Bytes())
}

// Labels returns the set of class indices present in the table.
func Labels(annotations []Annotation) map[int]int {
	counts := make(map[int]int)
	for _, a := range annotations {
		counts[a.Label]++
	}
	return counts
}
