package dataset

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Crown is the detected canopy of one field point.
type Crown struct {
	TreePoint
	Polygon orb.Polygon
	// Fixed marks a crown that fell back to a fixed size box.
	Fixed bool
}

func (c Crown) Bound() orb.Bound {
	return c.Polygon.Bound()
}

func WriteCrowns(path string, crowns []Crown) error {
	fc := geojson.NewFeatureCollection()
	for _, c := range crowns {
		f := pointToFeature(c.TreePoint)
		f.Geometry = c.Polygon
		f.Properties["easting"] = c.Location.X()
		f.Properties["northing"] = c.Location.Y()
		f.Properties["fixed_box"] = c.Fixed
		fc.Append(f)
	}
	return writeFeatureCollection(path, fc)
}

func ReadCrowns(path string) ([]Crown, error) {
	fc, err := readFeatureCollection(path)
	if err != nil {
		return nil, err
	}
	crowns := make([]Crown, 0, len(fc.Features))
	for i, f := range fc.Features {
		polygon, ok := f.Geometry.(orb.Polygon)
		if !ok {
			return nil, fmt.Errorf("invalid feature %d in %s: expected polygon, got %s", i, path, f.Geometry.GeoJSONType())
		}
		stem := orb.Point{f.Properties.MustFloat64("easting", 0), f.Properties.MustFloat64("northing", 0)}
		f.Geometry = stem
		p, err := featureToPoint(f)
		if err != nil {
			return nil, fmt.Errorf("invalid feature %d in %s: %w", i, path, err)
		}
		crowns = append(crowns, Crown{
			TreePoint: p,
			Polygon:   polygon,
			Fixed:     f.Properties.MustBool("fixed_box", false),
		})
	}
	return crowns, nil
}
