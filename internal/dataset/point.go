package dataset

import (
	"fmt"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/Ritesh313/DeepTreeAttention/internal/field"
)

// TreePoint is the reconciled stem location of one individual.
type TreePoint struct {
	IndividualID string
	TaxonID      string
	SiteID       string
	PlotID       string
	PointID      int
	UTMZone      string
	Height       field.NullFloat
	Location     orb.Point
}

func PointsFromRecords(records []field.Record) []TreePoint {
	points := make([]TreePoint, 0, len(records))
	for i, r := range records {
		points = append(points, TreePoint{
			IndividualID: r.IndividualID,
			TaxonID:      r.TaxonID,
			SiteID:       r.SiteID,
			PlotID:       r.PlotID,
			PointID:      i,
			UTMZone:      r.UTMZone,
			Height:       r.Height,
			Location:     orb.Point{r.Easting, r.Northing},
		})
	}
	return points
}

func Taxa(points []TreePoint) map[string]int {
	counts := make(map[string]int)
	for _, p := range points {
		counts[p.TaxonID]++
	}
	return counts
}

func Sites(points []TreePoint) map[string]int {
	counts := make(map[string]int)
	for _, p := range points {
		counts[p.SiteID]++
	}
	return counts
}

func pointToFeature(p TreePoint) *geojson.Feature {
	f := geojson.NewFeature(p.Location)
	f.Properties["individualID"] = p.IndividualID
	f.Properties["taxonID"] = p.TaxonID
	f.Properties["siteID"] = p.SiteID
	f.Properties["plotID"] = p.PlotID
	f.Properties["point_id"] = p.PointID
	f.Properties["utmZone"] = p.UTMZone
	if p.Height.Valid {
		f.Properties["height"] = p.Height.Value
	}
	return f
}

func featureToPoint(f *geojson.Feature) (TreePoint, error) {
	location, ok := f.Geometry.(orb.Point)
	if !ok {
		return TreePoint{}, fmt.Errorf("expected point geometry, got %s", f.Geometry.GeoJSONType())
	}
	p := TreePoint{
		IndividualID: f.Properties.MustString("individualID", ""),
		TaxonID:      f.Properties.MustString("taxonID", ""),
		SiteID:       f.Properties.MustString("siteID", ""),
		PlotID:       f.Properties.MustString("plotID", ""),
		PointID:      f.Properties.MustInt("point_id", 0),
		UTMZone:      f.Properties.MustString("utmZone", ""),
		Location:     location,
	}
	if height, ok := f.Properties["height"].(float64); ok {
		p.Height = field.Float(height)
	}
	if p.IndividualID == "" || p.TaxonID == "" {
		return TreePoint{}, fmt.Errorf("point %d is missing individualID or taxonID", p.PointID)
	}
	return p, nil
}

func WritePoints(path string, points []TreePoint) error {
	fc := geojson.NewFeatureCollection()
	for _, p := range points {
		fc.Append(pointToFeature(p))
	}
	return writeFeatureCollection(path, fc)
}

func ReadPoints(path string) ([]TreePoint, error) {
	fc, err := readFeatureCollection(path)
	if err != nil {
		return nil, err
	}
	points := make([]TreePoint, 0, len(fc.Features))
	for i, f := range fc.Features {
		p, err := featureToPoint(f)
		if err != nil {
			return nil, fmt.Errorf("invalid feature %d in %s: %w", i, path, err)
		}
		points = append(points, p)
	}
	return points, nil
}

func writeFeatureCollection(path string, fc *geojson.FeatureCollection) error {
	data, err := fc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return WriteFileAtomic(path, data)
}

func readFeatureCollection(path string) (*geojson.FeatureCollection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return fc, nil
}
