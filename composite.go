package qtreer

import (
	"context"
	"fmt"
	"image"
	"math"

	"go.airbusds-geo.com/log"
)

// PixelRescale is a linear pixel rescale: out = in*Scale + Offset.
type PixelRescale struct {
	Scale, Offset float64
}

// WarpOptions carry the per-source processing the resampling collaborator
// must apply while warping. Nodata masking runs first; Normalize and Rescale
// are mutually exclusive by the time they reach the warper.
type WarpOptions struct {
	// Wrap selects cylindrical edge handling for global sources so that
	// interpolation across the lon=±180 seam is not corrupted.
	Wrap bool
	// NodataAlpha turns pixels equal to this value transparent.
	NodataAlpha *float64
	Rescale     *PixelRescale
	// Normalize maps the observed range onto [0,1].
	Normalize   *Range
	ChannelType ChannelType
}

// Warper resamples a source raster into output pixel space, cropped to
// bounds. It owns the transform/interpolation primitive.
type Warper interface {
	Warp(ctx context.Context, src RasterSource, tx *GeoTransform, bounds image.Rectangle, opts WarpOptions) (ImageView, error)
}

// PlacedView is one warped view registered on the canvas.
type PlacedView struct {
	View   ImageView
	Origin image.Point
}

// Bounds is the canvas-space rectangle covered by the view.
func (pv PlacedView) Bounds() image.Rectangle {
	return image.Rectangle{Min: pv.Origin, Max: pv.Origin.Add(pv.View.Bounds().Size())}
}

// CompositeCanvas accumulates warped views in output pixel space. Its
// bounding box is always the union of all insertion bounding boxes. The
// canvas owns its views for the duration of the run.
type CompositeCanvas struct {
	views    []PlacedView
	bbox     image.Rectangle
	draft    bool
	prepared bool
}

func NewCompositeCanvas() *CompositeCanvas {
	return &CompositeCanvas{draft: true}
}

func (c *CompositeCanvas) Insert(v ImageView, at image.Point) {
	pv := PlacedView{View: v, Origin: at}
	c.views = append(c.views, pv)
	c.bbox = c.bbox.Union(pv.Bounds())
}

func (c *CompositeCanvas) BBox() image.Rectangle {
	return c.bbox
}

func (c *CompositeCanvas) Len() int {
	return len(c.views)
}

// Views exposes the placed views, in insertion order, to the tile writer.
func (c *CompositeCanvas) Views() []PlacedView {
	return c.views
}

// SetDraft selects fast single-source-wins compositing; false requests
// blended (multiband) compositing from the tile writer.
func (c *CompositeCanvas) SetDraft(draft bool) {
	c.draft = draft
}

func (c *CompositeCanvas) Draft() bool {
	return c.draft
}

func (c *CompositeCanvas) Prepared() bool {
	return c.prepared
}

// Prepare registers the canvas onto the total bounding box: view origins and
// the canvas bbox become relative to total's minimum corner. It must be
// called exactly once, after the total bbox is known.
func (c *CompositeCanvas) Prepare(total image.Rectangle) error {
	if c.prepared {
		return fmt.Errorf("composite prepared twice")
	}
	for i := range c.views {
		c.views[i].Origin = c.views[i].Origin.Sub(total.Min)
	}
	c.bbox = c.bbox.Sub(total.Min)
	c.prepared = true
	return nil
}

// Composer warps sources into output pixel space and inserts them into a
// shared canvas, duplicating content across the antimeridian where needed.
type Composer struct {
	Output     Georeference
	Res        Resolution
	Warper     Warper
	Projectors ProjectorFactory

	// Per-source processing, uniform across the run.
	Nodata      *float64
	Rescale     *PixelRescale
	Normalize   *Range
	ChannelType ChannelType
}

// globalSource reports whether the source spans the full lon/lat range: the
// four cardinal edge midpoints must forward-map within one pixel of the
// matching image edge.
func globalSource(ref Georeference, cols, rows int, pf ProjectorFactory) (bool, error) {
	if ref.Proj.Type != PlateCarree {
		return false, nil
	}
	edge := func(lon, lat float64) (float64, float64, error) {
		return ref.LonLatToPixel(pf, lon, lat)
	}
	wx, _, err := edge(-180, 0)
	if err != nil {
		return false, err
	}
	ex, _, err := edge(180, 0)
	if err != nil {
		return false, err
	}
	_, ny, err := edge(0, 90)
	if err != nil {
		return false, err
	}
	_, sy, err := edge(0, -90)
	if err != nil {
		return false, err
	}
	return math.Abs(wx) < 1 &&
		math.Abs(ex-float64(cols)) < 1 &&
		math.Abs(ny) < 1 &&
		math.Abs(sy-float64(rows)) < 1, nil
}

// Add warps one source and inserts it into the canvas, in input order.
func (mc *Composer) Add(ctx context.Context, canvas *CompositeCanvas, src RasterSource, ref Georeference) error {
	sugar := log.Logger(ctx).Sugar()

	geotx, err := NewGeoTransform(ref, mc.Output, mc.Projectors)
	if err != nil {
		return fmt.Errorf("transform for %s: %w", src.Name(), err)
	}

	cols, rows := src.Size()
	global, err := globalSource(ref, cols, rows, mc.Projectors)
	if err != nil {
		return fmt.Errorf("classify %s: %w", src.Name(), err)
	}
	if global {
		sugar.Infof("%s: detected global overlay, using cylindrical edge extension to hide the seam", src.Name())
	}

	opts := WarpOptions{Wrap: global, NodataAlpha: mc.Nodata, ChannelType: mc.ChannelType}
	switch {
	case mc.Normalize != nil:
		if mc.Rescale != nil {
			// Observed precedence: normalization wins and the rescale is
			// silently dropped. Kept, but no longer silent.
			sugar.Warnf("%s: pixel scale/offset ignored, normalization takes precedence", src.Name())
		}
		r := *mc.Normalize
		opts.Normalize = &r
	case mc.Rescale != nil:
		r := *mc.Rescale
		opts.Rescale = &r
	}

	bbox, err := geotx.ForwardBBox(image.Rect(0, 0, cols, rows))
	if err != nil {
		return fmt.Errorf("forward bbox of %s: %w", src.Name(), err)
	}

	view, err := mc.Warper.Warp(ctx, src, geotx, bbox, opts)
	if err != nil {
		return fmt.Errorf("warp %s: %w", src.Name(), err)
	}

	// Sources that wrap the date line are inserted on both sides of the
	// canvas; sources entirely in the 180..360 range only go on the far side.
	if bbox.Max.X > mc.Res.Total {
		canvas.Insert(view, image.Pt(bbox.Min.X-mc.Res.Total, bbox.Min.Y))
	}
	if bbox.Min.X < mc.Res.X {
		canvas.Insert(view, bbox.Min)
	}
	return nil
}
