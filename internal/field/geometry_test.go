package field

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type shiftReprojector struct {
	calls int
	fail  bool
}

func (s *shiftReprojector) Reproject(x, y float64, from, to int) (float64, float64, error) {
	s.calls++
	if s.fail {
		return 0, 0, errors.New("no transform")
	}
	return x + float64(from-to)*1000, y, nil
}

func TestUTMEPSG(t *testing.T) {
	t.Parallel()

	code, err := UTMEPSG("18N")
	require.NoError(t, err)
	assert.Equal(t, 32618, code)

	code, err = UTMEPSG("55s")
	require.NoError(t, err)
	assert.Equal(t, 32755, code)

	for _, bad := range []string{"", "N", "61N", "17X"} {
		_, err := UTMEPSG(bad)
		assert.Error(t, err, bad)
	}
}

func TestCorrectGeometry(t *testing.T) {
	t.Parallel()

	wrong := validRecord("blan.1")
	wrong.SiteID, wrong.UTMZone, wrong.Easting = "BLAN", "18N", 200000
	right := validRecord("blan.2")
	right.SiteID = "BLAN"
	other := validRecord("osbs.1")
	other.UTMZone = "18N"

	reprojector := &shiftReprojector{}
	got := CorrectGeometry([]Record{wrong, right, other}, reprojector)

	require.Len(t, got, 3)
	assert.Equal(t, "17N", got[0].UTMZone)
	assert.InDelta(t, 201000.0, got[0].Easting, 1e-9)
	assert.Equal(t, right, got[1])
	assert.Equal(t, other, got[2])
	assert.Equal(t, 1, reprojector.calls)
	// input is not mutated
	assert.Equal(t, "18N", wrong.UTMZone)

	again := CorrectGeometry(got, reprojector)
	assert.Equal(t, got, again)
	assert.Equal(t, 1, reprojector.calls)
}

func TestCorrectGeometryNeverDrops(t *testing.T) {
	t.Parallel()

	wrong := validRecord("blan.1")
	wrong.SiteID, wrong.UTMZone = "BLAN", "18N"

	got := CorrectGeometry([]Record{wrong}, &shiftReprojector{fail: true})
	require.Len(t, got, 1)
	assert.Equal(t, wrong, got[0])
}
