package qtreer

import (
	"context"
	"image"
	"math"

	"go.airbusds-geo.com/log"
)

// Resolution is the working pyramid resolution. X and Y derive from a single
// scalar total resolution divided by the configured aspect ratio. It is
// computed once per run and never recomputed.
type Resolution struct {
	Total int
	X, Y  int
}

// ResolutionFunc evaluates the profile-specific pyramid resolution implied by
// a source-to-lonlat transform at one source pixel.
type ResolutionFunc func(t *GeoTransform, p image.Point) (int, error)

func degreesPerPixel(t *GeoTransform, p image.Point) (float64, error) {
	x0, y0, err := t.ForwardLonLat(float64(p.X), float64(p.Y))
	if err != nil {
		return 0, err
	}
	x1, y1, err := t.ForwardLonLat(float64(p.X)+1, float64(p.Y)+1)
	if err != nil {
		return 0, err
	}
	return math.Min(math.Abs(x1-x0), math.Abs(y1-y0)), nil
}

// KMLResolution sizes a global pyramid so that one pixel covers no more than
// the source's angular pixel size, rounded up to a power of two.
func KMLResolution(t *GeoTransform, p image.Point) (int, error) {
	dpp, err := degreesPerPixel(t, p)
	if err != nil {
		return 0, err
	}
	if dpp <= 0 {
		return 0, nil
	}
	return nextPow2(int(math.Ceil(360 / dpp))), nil
}

// TMSResolution sizes a global pyramid in whole 256 pixel tile increments.
func TMSResolution(t *GeoTransform, p image.Point) (int, error) {
	dpp, err := degreesPerPixel(t, p)
	if err != nil {
		return 0, err
	}
	if dpp <= 0 {
		return 0, nil
	}
	res := 360 / dpp
	tiles := nextPow2(int(math.Ceil(res / 256)))
	return 256 * tiles, nil
}

func nextPow2(v int) int {
	p := 1
	for p < v {
		p <<= 1
	}
	return p
}

// ResolutionOptions tune resolution estimation.
type ResolutionOptions struct {
	// Override, when >0, replaces the computed total resolution.
	Override int
	// AspectRatio divides the x resolution; 0 means 1.
	AspectRatio int
}

func (opt ResolutionOptions) aspect() int {
	if opt.AspectRatio <= 0 {
		return 1
	}
	return opt.AspectRatio
}

// EstimateResolution probes every source at five pixel positions (image
// center and center offset by a quarter width/height) and keeps the running
// maximum. Multiple samples dodge degenerate results at exact projection
// singularities such as pole-centered rasters. The floor is 1024.
func EstimateResolution(ctx context.Context, sources []RasterSource, refs []Georeference, rf ResolutionFunc, pf ProjectorFactory, opt ResolutionOptions) (Resolution, error) {
	total := 1024
	for i, src := range sources {
		// The estimate only needs a lon/lat output frame on the source
		// datum; the real output frame is bound after the total is known.
		est := Georeference{
			Datum:     refs[i].Datum,
			Proj:      ProjectionSpec{Type: PlateCarree},
			Transform: [6]float64{0, 1, 0, 0, 0, 1},
		}
		geotx, err := NewGeoTransform(refs[i], est, pf)
		if err != nil {
			return Resolution{}, err
		}

		cols, rows := src.Size()
		samples := [5]image.Point{
			{cols / 2, rows / 2},
			{cols/2 + cols/4, rows / 2},
			{cols/2 - cols/4, rows / 2},
			{cols / 2, rows/2 + rows/4},
			{cols / 2, rows/2 - rows/4},
		}
		sampled := false
		for _, p := range samples {
			res, err := rf(geotx, p)
			if err != nil {
				// A singular sample point is exactly what the extra probes
				// are for.
				log.Logger(ctx).Sugar().Debugf("resolution sample %v of %s: %v", p, src.Name(), err)
				continue
			}
			sampled = true
			if res > total {
				total = res
			}
		}
		if !sampled {
			return Resolution{}, GeoreferenceError{"no valid resolution sample for " + src.Name()}
		}
	}
	if opt.Override > 0 {
		log.Logger(ctx).Sugar().Debugf("overriding calculated resolution %d with %d", total, opt.Override)
		total = opt.Override
	}
	return Resolution{Total: total, X: total / opt.aspect(), Y: total}, nil
}
