// Package gdalio implements the pipeline's raster collaborators on GDAL:
// source decoding, projection math, and warping into output pixel space.
package gdalio

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"strings"
	"sync"

	"github.com/airbusgeo/godal"

	"github.com/airbusgeo/qtreer"
)

// Register makes the GDAL drivers available. Call once at startup.
func Register() {
	godal.RegisterAll()
}

// Source is a qtreer.RasterSource backed by a GDAL dataset.
type Source struct {
	path       string
	ds         *godal.Dataset
	cols, rows int
	nbands     int
	channel    qtreer.ChannelType
	nodata     *float64

	mu     sync.Mutex
	pixels [][]float64 // per band, row major, loaded on first access
}

func Open(path string) (*Source, error) {
	ds, err := godal.Open(path, godal.RasterOnly())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	st := ds.Structure()
	s := &Source{
		path:    path,
		ds:      ds,
		cols:    st.SizeX,
		rows:    st.SizeY,
		nbands:  len(ds.Bands()),
		channel: qtreer.ChannelFloat32,
	}
	switch st.DataType {
	case godal.Byte:
		s.channel = qtreer.ChannelUint8
	case godal.UInt16:
		s.channel = qtreer.ChannelUint16
	case godal.Int16:
		s.channel = qtreer.ChannelInt16
	}
	if s.nbands > 0 {
		if nd, ok := ds.Bands()[0].NoData(); ok {
			s.nodata = &nd
		}
	}
	return s, nil
}

func (s *Source) Close() error {
	return s.ds.Close()
}

func (s *Source) Name() string {
	return s.path
}

func (s *Source) Size() (int, int) {
	return s.cols, s.rows
}

func (s *Source) ChannelType() qtreer.ChannelType {
	return s.channel
}

func (s *Source) Nodata() (float64, bool) {
	if s.nodata == nil {
		return 0, false
	}
	return *s.nodata, true
}

// ReadGeoreference reports the dataset's geotransform. Datum and projection
// classification for GeoTIFFs goes through the pure tag probe; other formats
// default to WGS84 plate carree, which the run options can override.
func (s *Source) ReadGeoreference() (qtreer.Georeference, bool, error) {
	gt, err := s.ds.GeoTransform()
	if err != nil {
		return qtreer.Georeference{}, false, nil
	}
	ref := qtreer.Georeference{
		Datum:     qtreer.WGS84,
		Proj:      qtreer.ProjectionSpec{Type: qtreer.PlateCarree},
		Transform: gt,
	}
	if strings.HasSuffix(strings.ToLower(s.path), ".tif") || strings.HasSuffix(strings.ToLower(s.path), ".tiff") {
		f, err := os.Open(s.path)
		if err != nil {
			return qtreer.Georeference{}, false, fmt.Errorf("reopen %s: %w", s.path, err)
		}
		defer f.Close()
		probed, ok, err := qtreer.ReadGeoTIFF(f)
		if err != nil {
			return ref, true, err
		}
		if ok {
			ref.Datum = probed.Datum
			ref.Proj = probed.Proj
		}
	}
	return ref, true, nil
}

// load reads all bands once. Sources are kept pixel-resident for the run so
// the warper can wrap-sample across the date line seam.
func (s *Source) load() ([][]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pixels != nil {
		return s.pixels, nil
	}
	bands := s.ds.Bands()
	pixels := make([][]float64, len(bands))
	for i, band := range bands {
		buf := make([]float64, s.cols*s.rows)
		if err := band.Read(0, 0, buf, s.cols, s.rows); err != nil {
			return nil, fmt.Errorf("read band %d of %s: %w", i+1, s.path, err)
		}
		pixels[i] = buf
	}
	s.pixels = pixels
	return pixels, nil
}

// Range scans every band and reports the observed value range, masking the
// nodata value when one is known.
func (s *Source) Range(ctx context.Context) (qtreer.Range, error) {
	pixels, err := s.load()
	if err != nil {
		return qtreer.Range{}, err
	}
	r := qtreer.Range{Lo: math.Inf(1), Hi: math.Inf(-1)}
	for _, band := range pixels {
		for _, v := range band {
			if s.nodata != nil && v == *s.nodata {
				continue
			}
			r.Lo = math.Min(r.Lo, v)
			r.Hi = math.Max(r.Hi, v)
		}
	}
	return r, nil
}

// Projectors is the ProjectorFactory bound to GDAL's coordinate transforms.
func Projectors(spec qtreer.ProjectionSpec, datum qtreer.Datum) (qtreer.Projector, error) {
	if spec.Type == qtreer.PlateCarree {
		return qtreer.DefaultProjectors(spec, datum)
	}
	proj4, err := spec.Proj4(datum)
	if err != nil {
		return nil, err
	}
	lonlat4, err := qtreer.ProjectionSpec{Type: qtreer.PlateCarree}.Proj4(datum)
	if err != nil {
		return nil, err
	}
	srs, err := godal.NewSpatialRefFromProj4(proj4)
	if err != nil {
		return nil, fmt.Errorf("spatialref %q: %w", proj4, err)
	}
	lls, err := godal.NewSpatialRefFromProj4(lonlat4)
	if err != nil {
		return nil, fmt.Errorf("spatialref %q: %w", lonlat4, err)
	}
	fwd, err := godal.NewTransform(lls, srs)
	if err != nil {
		return nil, fmt.Errorf("transform to %q: %w", proj4, err)
	}
	inv, err := godal.NewTransform(srs, lls)
	if err != nil {
		return nil, fmt.Errorf("transform from %q: %w", proj4, err)
	}
	return &projector{fwd: fwd, inv: inv}, nil
}

type projector struct {
	fwd, inv *godal.Transform
}

func (p *projector) Forward(lon, lat float64) (float64, float64, error) {
	x, y := []float64{lon}, []float64{lat}
	if err := p.fwd.TransformEx(x, y, nil, nil); err != nil {
		return 0, 0, fmt.Errorf("forward project: %w", err)
	}
	return x[0], y[0], nil
}

func (p *projector) Inverse(x, y float64) (float64, float64, error) {
	xs, ys := []float64{x}, []float64{y}
	if err := p.inv.TransformEx(xs, ys, nil, nil); err != nil {
		return 0, 0, fmt.Errorf("inverse project: %w", err)
	}
	return xs[0], ys[0], nil
}

// Warper resamples Sources into output pixel space with bilinear
// interpolation, honoring the wrap/nodata/rescale/normalize options.
type Warper struct{}

func (Warper) Warp(ctx context.Context, src qtreer.RasterSource, tx *qtreer.GeoTransform, bounds image.Rectangle, opts qtreer.WarpOptions) (qtreer.ImageView, error) {
	gs, ok := src.(*Source)
	if !ok {
		return nil, fmt.Errorf("gdalio warper got a %T source", src)
	}
	if _, err := gs.load(); err != nil {
		return nil, err
	}
	return &warpedView{src: gs, tx: tx, bounds: bounds, opts: opts}, nil
}

type warpedView struct {
	src    *Source
	tx     *qtreer.GeoTransform // nil requests the source's own pixel frame
	bounds image.Rectangle
	opts   qtreer.WarpOptions
}

func (v *warpedView) Bounds() image.Rectangle {
	return v.bounds
}

func (v *warpedView) Read(ctx context.Context, window image.Rectangle) (image.Image, error) {
	window = window.Intersect(v.bounds)
	out := image.NewNRGBA(window)
	for y := window.Min.Y; y < window.Max.Y; y++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for x := window.Min.X; x < window.Max.X; x++ {
			sx, sy := float64(x)+0.5, float64(y)+0.5
			if v.tx != nil {
				var err error
				sx, sy, err = v.tx.Reverse(sx, sy)
				if err != nil {
					continue // outside the projection's valid domain
				}
			}
			c, ok := v.sample(sx-0.5, sy-0.5)
			if ok {
				out.SetNRGBA(x, y, c)
			}
		}
	}
	return out, nil
}

// sample bilinearly interpolates the source at pixel coordinates (x,y), with
// cylindrical wrap on the x axis for global sources and edge extension
// otherwise.
func (v *warpedView) sample(x, y float64) (color.NRGBA, bool) {
	x0, y0 := int(math.Floor(x)), int(math.Floor(y))
	fx, fy := x-float64(x0), y-float64(y0)

	var acc [4]float64
	var wsum float64
	for dy := 0; dy <= 1; dy++ {
		for dx := 0; dx <= 1; dx++ {
			px, py, ok := v.tap(x0+dx, y0+dy)
			if !ok {
				return color.NRGBA{}, false
			}
			w := (1 - math.Abs(float64(dx)-fx)) * (1 - math.Abs(float64(dy)-fy))
			if w == 0 {
				continue
			}
			r, g, b, a, ok := v.src.texel(px, py, v.opts)
			if !ok {
				continue // nodata taps drop out of the blend
			}
			acc[0] += w * r
			acc[1] += w * g
			acc[2] += w * b
			acc[3] += w * a
			wsum += w
		}
	}
	if wsum == 0 {
		return color.NRGBA{}, false
	}
	clamp := func(f float64) uint8 {
		f /= wsum
		if f < 0 {
			return 0
		}
		if f > 255 {
			return 255
		}
		return uint8(f + 0.5)
	}
	return color.NRGBA{R: clamp(acc[0]), G: clamp(acc[1]), B: clamp(acc[2]), A: clamp(acc[3])}, true
}

// tap resolves one integer tap position against the source edges.
func (v *warpedView) tap(px, py int) (int, int, bool) {
	if v.opts.Wrap {
		px = ((px % v.src.cols) + v.src.cols) % v.src.cols
	} else if px < 0 {
		px = 0
	} else if px >= v.src.cols {
		px = v.src.cols - 1
	}
	if py < 0 {
		py = 0
	} else if py >= v.src.rows {
		py = v.src.rows - 1
	}
	if v.src.cols == 0 || v.src.rows == 0 {
		return 0, 0, false
	}
	return px, py, true
}

// texel reads one source pixel as display-range RGBA, applying nodata
// masking first and then either the linear rescale or the normalization.
func (s *Source) texel(px, py int, opts qtreer.WarpOptions) (r, g, b, a float64, ok bool) {
	idx := py*s.cols + px
	read := func(band int) float64 {
		return s.pixels[band][idx]
	}

	var vals [4]float64
	switch s.nbands {
	case 0:
		return 0, 0, 0, 0, false
	case 1:
		v := read(0)
		vals = [4]float64{v, v, v, math.NaN()}
	case 2:
		v := read(0)
		vals = [4]float64{v, v, v, read(1)}
	case 3:
		vals = [4]float64{read(0), read(1), read(2), math.NaN()}
	default:
		vals = [4]float64{read(0), read(1), read(2), read(3)}
	}

	if opts.NodataAlpha != nil {
		nd := *opts.NodataAlpha
		if vals[0] == nd && vals[1] == nd && vals[2] == nd {
			return 0, 0, 0, 0, false
		}
	}

	scale := func(v float64) float64 {
		switch {
		case opts.Normalize != nil:
			lo, hi := opts.Normalize.Lo, opts.Normalize.Hi
			if hi <= lo {
				return 0
			}
			return (v - lo) / (hi - lo) * 255
		case opts.Rescale != nil:
			v = v*opts.Rescale.Scale + opts.Rescale.Offset
		}
		channel := s.channel
		if opts.ChannelType != qtreer.ChannelNone {
			channel = opts.ChannelType
		}
		switch channel {
		case qtreer.ChannelUint8:
			return v
		case qtreer.ChannelUint16:
			return v / 257
		case qtreer.ChannelInt16:
			return v / 128
		default:
			return v * 255
		}
	}

	alpha := 255.0
	if !math.IsNaN(vals[3]) {
		alpha = scale(vals[3])
	}
	return scale(vals[0]), scale(vals[1]), scale(vals[2]), alpha, true
}
