// Package raster binds the pipeline to GDAL: coordinate reprojection, sensor
// tile windows and crop chips.
package raster

import (
	"fmt"
	"math"
	"sync"

	"github.com/airbusgeo/godal"
	"github.com/paulmach/orb"

	"github.com/Ritesh313/DeepTreeAttention/internal/preprocess"
)

var registerOnce sync.Once

func register() {
	registerOnce.Do(godal.RegisterInternalDrivers)
}

func open(path string) (*godal.Dataset, error) {
	register()
	ds, err := godal.Open(path, godal.ErrLogger(func(ec godal.ErrorCategory, code int, msg string) error {
		if ec <= godal.CE_Warning {
			return nil
		}
		return fmt.Errorf("gdal error %d: %s", code, msg)
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to open raster %s: %w", path, err)
	}
	return ds, nil
}

// Reprojector converts coordinates between EPSG coded projections with GDAL.
type Reprojector struct{}

func (Reprojector) Reproject(x, y float64, fromEPSG, toEPSG int) (float64, float64, error) {
	srcSR, err := godal.NewSpatialRefFromEPSG(fromEPSG)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid source EPSG:%d: %w", fromEPSG, err)
	}
	defer srcSR.Close()
	dstSR, err := godal.NewSpatialRefFromEPSG(toEPSG)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid target EPSG:%d: %w", toEPSG, err)
	}
	defer dstSR.Close()

	tr, err := godal.NewTransform(srcSR, dstSR)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to create transform EPSG:%d -> EPSG:%d: %w", fromEPSG, toEPSG, err)
	}
	defer tr.Close()

	xs := []float64{x}
	ys := []float64{y}
	if err := tr.TransformEx(xs, ys, nil, nil); err != nil {
		return 0, 0, fmt.Errorf("transform error: %w", err)
	}
	return xs[0], ys[0], nil
}

// Window is a pixel rectangle inside a raster.
type Window struct {
	X, Y, Width, Height int
}

// window converts map bounds to the pixel window they cover, clipped to the
// raster extent.
func window(geoTransform [6]float64, sizeX, sizeY int, bounds orb.Bound) (Window, error) {
	if geoTransform[1] == 0 || geoTransform[5] == 0 {
		return Window{}, fmt.Errorf("raster is not georeferenced")
	}
	col0 := int(math.Floor((bounds.Min.X() - geoTransform[0]) / geoTransform[1]))
	col1 := int(math.Ceil((bounds.Max.X() - geoTransform[0]) / geoTransform[1]))
	row0 := int(math.Floor((bounds.Max.Y() - geoTransform[3]) / geoTransform[5]))
	row1 := int(math.Ceil((bounds.Min.Y() - geoTransform[3]) / geoTransform[5]))

	col0, col1 = max(col0, 0), min(col1, sizeX)
	row0, row1 = max(row0, 0), min(row1, sizeY)
	if col1 <= col0 || row1 <= row0 {
		return Window{}, fmt.Errorf("bounds %v are outside the raster", bounds)
	}
	return Window{X: col0, Y: row0, Width: col1 - col0, Height: row1 - row0}, nil
}

func readWindow(ds *godal.Dataset, w Window) (preprocess.Tensor, error) {
	bands := ds.Bands()
	out := preprocess.Zeros(len(bands), w.Height, w.Width)
	plane := w.Width * w.Height
	for i, band := range bands {
		if err := band.Read(w.X, w.Y, out.Data[i*plane:(i+1)*plane], w.Width, w.Height); err != nil {
			return preprocess.Tensor{}, fmt.Errorf("failed to read band %d: %w", i+1, err)
		}
	}
	return out, nil
}

// Cropper reads the pixels of a sensor tile under a crown.
type Cropper struct{}

func (Cropper) Crop(path string, bounds orb.Bound) (preprocess.Tensor, error) {
	ds, err := open(path)
	if err != nil {
		return preprocess.Tensor{}, err
	}
	defer ds.Close()

	geoTransform, err := ds.GeoTransform()
	if err != nil {
		return preprocess.Tensor{}, fmt.Errorf("failed to get GeoTransform of %s: %w", path, err)
	}
	structure := ds.Structure()
	w, err := window(geoTransform, structure.SizeX, structure.SizeY, bounds)
	if err != nil {
		return preprocess.Tensor{}, fmt.Errorf("failed to crop %s: %w", path, err)
	}
	return readWindow(ds, w)
}

// ImageSource loads whole crop chips as channels first tensors.
type ImageSource struct{}

func (ImageSource) Load(path string) (preprocess.Tensor, error) {
	ds, err := open(path)
	if err != nil {
		return preprocess.Tensor{}, err
	}
	defer ds.Close()

	structure := ds.Structure()
	return readWindow(ds, Window{Width: structure.SizeX, Height: structure.SizeY})
}

// ChipWriter stores crop chips as float32 GeoTIFFs.
type ChipWriter struct{}

func (ChipWriter) Write(path string, chip preprocess.Tensor) error {
	if len(chip.Shape) != 3 {
		return fmt.Errorf("expected a (bands, height, width) chip, got shape %v", chip.Shape)
	}
	register()
	bands, height, width := chip.Shape[0], chip.Shape[1], chip.Shape[2]
	ds, err := godal.Create(godal.GTiff, path, bands, godal.Float32, width, height)
	if err != nil {
		return fmt.Errorf("failed to create chip %s: %w", path, err)
	}

	plane := width * height
	buf := make([]float32, plane)
	for i, band := range ds.Bands() {
		for j, v := range chip.Data[i*plane : (i+1)*plane] {
			buf[j] = float32(v)
		}
		if err := band.Write(0, 0, buf, width, height); err != nil {
			ds.Close()
			return fmt.Errorf("failed to write band %d of %s: %w", i+1, path, err)
		}
	}
	if err := ds.Close(); err != nil {
		return fmt.Errorf("failed to close chip %s: %w", path, err)
	}
	return nil
}
