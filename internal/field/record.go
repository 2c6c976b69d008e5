package field

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"
)

// NullFloat is a measurement that may be missing from the field sheet.
type NullFloat struct {
	Value float64
	Valid bool
}

func Float(v float64) NullFloat {
	return NullFloat{Value: v, Valid: true}
}

func (n *NullFloat) UnmarshalCSV(s string) error {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "na", "nan", "null":
		*n = NullFloat{}
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid measurement %q: %w", s, err)
	}
	if math.IsNaN(v) {
		*n = NullFloat{}
		return nil
	}
	*n = NullFloat{Value: v, Valid: true}
	return nil
}

func (n NullFloat) MarshalCSV() (string, error) {
	if !n.Valid {
		return "", nil
	}
	return strconv.FormatFloat(n.Value, 'f', -1, 64), nil
}

// Record is a single field observation of one individual during one event.
type Record struct {
	IndividualID   string    `csv:"individualID"`
	EventID        string    `csv:"eventID"`
	PlotID         string    `csv:"plotID"`
	SiteID         string    `csv:"siteID"`
	TaxonID        string    `csv:"taxonID"`
	GrowthForm     string    `csv:"growthForm"`
	PlantStatus    string    `csv:"plantStatus"`
	CanopyPosition string    `csv:"canopyPosition"`
	Height         NullFloat `csv:"height"`
	StemDiameter   NullFloat `csv:"stemDiameter"`
	Elevation      NullFloat `csv:"elevation"`
	Easting        float64   `csv:"itcEasting"`
	Northing       float64   `csv:"itcNorthing"`
	UTMZone        string    `csv:"utmZone"`
}

func LoadRecords(path string) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open field data %s: %w", path, err)
	}
	defer file.Close()

	var rows []*Record
	if err := gocsv.UnmarshalFile(file, &rows); err != nil {
		return nil, fmt.Errorf("failed to read field data %s: %w", path, err)
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, *row)
	}
	return records, nil
}
