package qtreer

import (
	"context"
	"image"
	"image/color"
)

type fakeSource struct {
	name       string
	cols, rows int
	channel    ChannelType
	ref        *Georeference
	refErr     error
	nodata     *float64
	rng        Range
}

func (s *fakeSource) Name() string {
	return s.name
}

func (s *fakeSource) Size() (int, int) {
	return s.cols, s.rows
}

func (s *fakeSource) ChannelType() ChannelType {
	if s.channel == ChannelNone {
		return ChannelUint8
	}
	return s.channel
}

func (s *fakeSource) Nodata() (float64, bool) {
	if s.nodata == nil {
		return 0, false
	}
	return *s.nodata, true
}

func (s *fakeSource) ReadGeoreference() (Georeference, bool, error) {
	if s.refErr != nil {
		return Georeference{}, false, s.refErr
	}
	if s.ref == nil {
		return Georeference{}, false, nil
	}
	return *s.ref, true, nil
}

func (s *fakeSource) Range(ctx context.Context) (Range, error) {
	return s.rng, nil
}

type fakeView struct {
	bounds image.Rectangle
	fill   color.NRGBA
}

func (v fakeView) Bounds() image.Rectangle {
	return v.bounds
}

func (v fakeView) Read(ctx context.Context, window image.Rectangle) (image.Image, error) {
	img := image.NewNRGBA(window)
	for y := window.Min.Y; y < window.Max.Y; y++ {
		for x := window.Min.X; x < window.Max.X; x++ {
			img.SetNRGBA(x, y, v.fill)
		}
	}
	return img, nil
}

// fakeWarper hands back an opaque view covering exactly the requested bounds
// and records the options it was invoked with.
type fakeWarper struct {
	opts []WarpOptions
}

func (w *fakeWarper) Warp(ctx context.Context, src RasterSource, tx *GeoTransform, bounds image.Rectangle, opts WarpOptions) (ImageView, error) {
	w.opts = append(w.opts, opts)
	return fakeView{bounds: bounds, fill: color.NRGBA{R: 255, A: 255}}, nil
}

type fakeTileWriter struct {
	cfg        TileConfig
	configured bool
	generated  bool
	levels     int
}

func (tw *fakeTileWriter) Configure(cfg TileConfig) error {
	tw.cfg = cfg
	tw.configured = true
	return nil
}

func (tw *fakeTileWriter) Generate(ctx context.Context) error {
	tw.generated = true
	return nil
}

func (tw *fakeTileWriter) Levels() int {
	if tw.levels == 0 {
		return 1
	}
	return tw.levels
}

func (tw *fakeTileWriter) FileType() string {
	return "png"
}
