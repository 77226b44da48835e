package qtreer

import (
	"fmt"
	"image"
	"math"
)

// GeoTransform composes source pixel -> source lon/lat -> output pixel
// through two georeferences. Both projection legs come from the projector
// factory.
type GeoTransform struct {
	src, dst         Georeference
	srcProj, dstProj Projector
}

func NewGeoTransform(src, dst Georeference, pf ProjectorFactory) (*GeoTransform, error) {
	srcProj, err := src.projector(pf)
	if err != nil {
		return nil, fmt.Errorf("source projector: %w", err)
	}
	dstProj, err := dst.projector(pf)
	if err != nil {
		return nil, fmt.Errorf("output projector: %w", err)
	}
	return &GeoTransform{src: src, dst: dst, srcProj: srcProj, dstProj: dstProj}, nil
}

// Forward maps a source pixel position to an output pixel position.
func (t *GeoTransform) Forward(px, py float64) (float64, float64, error) {
	x, y := t.src.PixelToProj(px, py)
	lon, lat, err := t.srcProj.Inverse(x, y)
	if err != nil {
		return 0, 0, err
	}
	x, y, err = t.dstProj.Forward(lon, lat)
	if err != nil {
		return 0, 0, err
	}
	return t.dst.ProjToPixel(x, y)
}

// Reverse maps an output pixel position back to a source pixel position.
func (t *GeoTransform) Reverse(px, py float64) (float64, float64, error) {
	x, y := t.dst.PixelToProj(px, py)
	lon, lat, err := t.dstProj.Inverse(x, y)
	if err != nil {
		return 0, 0, err
	}
	x, y, err = t.srcProj.Forward(lon, lat)
	if err != nil {
		return 0, 0, err
	}
	return t.src.ProjToPixel(x, y)
}

// ForwardLonLat maps a source pixel position to lon/lat degrees.
func (t *GeoTransform) ForwardLonLat(px, py float64) (float64, float64, error) {
	x, y := t.src.PixelToProj(px, py)
	return t.srcProj.Inverse(x, y)
}

// ForwardBBox maps a source pixel rectangle to the output pixel rectangle
// covering its four transformed corners.
func (t *GeoTransform) ForwardBBox(r image.Rectangle) (image.Rectangle, error) {
	corners := [4][2]float64{
		{float64(r.Min.X), float64(r.Min.Y)},
		{float64(r.Max.X), float64(r.Min.Y)},
		{float64(r.Min.X), float64(r.Max.Y)},
		{float64(r.Max.X), float64(r.Max.Y)},
	}
	minx, miny := math.Inf(1), math.Inf(1)
	maxx, maxy := math.Inf(-1), math.Inf(-1)
	for _, c := range corners {
		x, y, err := t.Forward(c[0], c[1])
		if err != nil {
			return image.Rectangle{}, err
		}
		minx = math.Min(minx, x)
		miny = math.Min(miny, y)
		maxx = math.Max(maxx, x)
		maxy = math.Max(maxy, y)
	}
	return image.Rect(
		int(math.Floor(minx)), int(math.Floor(miny)),
		int(math.Ceil(maxx)), int(math.Ceil(maxy))), nil
}
