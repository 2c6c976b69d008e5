package sensor

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/paulmach/orb"
)

var ErrNoCoverage = errors.New("no sensor tile covers bounds")

// Pool is the set of sensor tiles matched by a glob pattern. Every "**"
// segment matches zero or more directories.
type Pool struct {
	pattern string
	paths   []string
}

func NewPool(pattern string) (*Pool, error) {
	paths, err := glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to glob sensor pool %s: %w", pattern, err)
	}
	sort.Strings(paths)
	return &Pool{pattern: pattern, paths: paths}, nil
}

// PoolFromPaths builds a pool from an explicit tile list.
func PoolFromPaths(paths ...string) *Pool {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	return &Pool{paths: sorted}
}

func (p *Pool) Len() int {
	return len(p.paths)
}

// GeoIndex is the 1 km tile key of the lower left corner of bounds, as it
// appears in NEON tile file names.
func GeoIndex(bounds orb.Bound) string {
	left := math.Floor(bounds.Min.X()/1000) * 1000
	bottom := math.Floor(bounds.Min.Y()/1000) * 1000
	return fmt.Sprintf("%d_%d", int64(left), int64(bottom))
}

// Find returns the tile covering bounds. When several flights cover the same
// tile the last one in path order, which is the most recent year, wins.
func (p *Pool) Find(bounds orb.Bound) (string, error) {
	index := GeoIndex(bounds)
	var match string
	for _, path := range p.paths {
		if strings.Contains(filepath.Base(path), "_"+index+"_") {
			match = path
		}
	}
	if match == "" {
		return "", fmt.Errorf("%w %v (geo index %s) in pool %s", ErrNoCoverage, bounds, index, p.pattern)
	}
	return match, nil
}

func glob(pattern string) ([]string, error) {
	if pattern == "" {
		return nil, nil
	}
	return doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
}
