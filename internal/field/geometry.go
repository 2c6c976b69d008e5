package field

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// Reprojector converts a coordinate between two EPSG coded projections.
type Reprojector interface {
	Reproject(x, y float64, fromEPSG, toEPSG int) (float64, float64, error)
}

// ZoneFix moves the records of one site that were surveyed in the wrong UTM
// zone into the site's canonical zone.
type ZoneFix struct {
	SiteID   string
	FromZone string
	ToZone   string
}

// KnownZoneFixes are the sites with mixed zone coordinates in the field data.
var KnownZoneFixes = []ZoneFix{
	{SiteID: "BLAN", FromZone: "18N", ToZone: "17N"},
}

// UTMEPSG returns the WGS84 / UTM EPSG code for a zone label such as "17N".
func UTMEPSG(zone string) (int, error) {
	zone = strings.ToUpper(strings.TrimSpace(zone))
	if len(zone) < 2 {
		return 0, fmt.Errorf("invalid utm zone %q", zone)
	}
	hemisphere := zone[len(zone)-1]
	number, err := strconv.Atoi(zone[:len(zone)-1])
	if err != nil || number < 1 || number > 60 {
		return 0, fmt.Errorf("invalid utm zone %q", zone)
	}
	switch hemisphere {
	case 'N':
		return 32600 + number, nil
	case 'S':
		return 32700 + number, nil
	}
	return 0, fmt.Errorf("invalid utm zone hemisphere %q", zone)
}

// CorrectGeometry reprojects records matching a zone fix. It never drops a
// record: when a point cannot be reprojected it is kept unchanged and logged.
// Already corrected records no longer match the fix, so it is idempotent.
func CorrectGeometry(records []Record, reprojector Reprojector, fixes ...ZoneFix) []Record {
	if len(fixes) == 0 {
		fixes = KnownZoneFixes
	}
	result := make([]Record, len(records))
	copy(result, records)

	for _, fix := range fixes {
		from, err := UTMEPSG(fix.FromZone)
		if err != nil {
			slog.Warn("skipping zone fix", "site", fix.SiteID, "error", err)
			continue
		}
		to, err := UTMEPSG(fix.ToZone)
		if err != nil {
			slog.Warn("skipping zone fix", "site", fix.SiteID, "error", err)
			continue
		}

		corrected := 0
		for i := range result {
			r := &result[i]
			if r.SiteID != fix.SiteID || r.UTMZone != fix.FromZone {
				continue
			}
			x, y, err := reprojector.Reproject(r.Easting, r.Northing, from, to)
			if err != nil {
				slog.Warn("failed to reproject field record", "individual", r.IndividualID, "error", err)
				continue
			}
			r.Easting, r.Northing, r.UTMZone = x, y, fix.ToZone
			corrected++
		}
		if corrected > 0 {
			slog.Info("reprojected field records", "site", fix.SiteID, "from", fix.FromZone, "to", fix.ToZone, "rows", corrected)
		}
	}
	return result
}
