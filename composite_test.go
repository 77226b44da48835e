package qtreer

import (
	"context"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGlobalSourceDetection(t *testing.T) {
	testfunc := func(ref Georeference, cols, rows int, expected bool) {
		t.Helper()
		global, err := globalSource(ref, cols, rows, nil)
		assert.NoError(t, err)
		assert.Equal(t, expected, global)
	}

	// full globe
	testfunc(globalRef(1024, 512), 1024, 512, true)
	// eastern hemisphere only
	testfunc(Georeference{Proj: ProjectionSpec{Type: PlateCarree},
		Transform: [6]float64{0, 180.0 / 1024, 0, 90, 0, -180.0 / 1024}}, 1024, 1024, false)
	// off by more than a pixel
	testfunc(Georeference{Proj: ProjectionSpec{Type: PlateCarree},
		Transform: [6]float64{-178, 356.0 / 1024, 0, 90, 0, -180.0 / 512}}, 1024, 512, false)
}

func composerFixture(warper Warper) (*Composer, *CompositeCanvas) {
	res := Resolution{Total: 2048, X: 2048, Y: 2048}
	return &Composer{
		Output: GlobalGeoreference(WGS84, res.X, res.Y),
		Res:    res,
		Warper: warper,
	}, NewCompositeCanvas()
}

func TestComposerAntimeridianDuplication(t *testing.T) {
	warper := &fakeWarper{}
	mc, canvas := composerFixture(warper)

	// covers lon 170..190, straddling the date line: inserted on both sides
	ref := Georeference{Datum: WGS84, Proj: ProjectionSpec{Type: PlateCarree},
		Transform: [6]float64{170, 0.2, 0, 10, 0, -0.1}}
	src := &fakeSource{name: "straddle.tif", cols: 100, rows: 100, ref: &ref}

	err := mc.Add(context.Background(), canvas, src, ref)
	assert.NoError(t, err)
	assert.Equal(t, 2, canvas.Len())

	views := canvas.Views()
	assert.Equal(t, image.Pt(-57, 455), views[0].Origin)
	assert.Equal(t, image.Pt(1991, 455), views[1].Origin)
	assert.Equal(t, image.Rect(-57, 455, 2105, 512), canvas.BBox())
}

func TestComposerFarSideOnly(t *testing.T) {
	warper := &fakeWarper{}
	mc, canvas := composerFixture(warper)

	// entirely past lon 180: only the wrapped copy is inserted
	ref := Georeference{Datum: WGS84, Proj: ProjectionSpec{Type: PlateCarree},
		Transform: [6]float64{185, 0.05, 0, 10, 0, -0.1}}
	src := &fakeSource{name: "far.tif", cols: 100, rows: 100, ref: &ref}

	err := mc.Add(context.Background(), canvas, src, ref)
	assert.NoError(t, err)
	assert.Equal(t, 1, canvas.Len())
	assert.Equal(t, image.Pt(28, 455), canvas.Views()[0].Origin)
}

func TestComposerInRange(t *testing.T) {
	warper := &fakeWarper{}
	mc, canvas := composerFixture(warper)

	ref := Georeference{Datum: WGS84, Proj: ProjectionSpec{Type: PlateCarree},
		Transform: [6]float64{-10, 0.1, 0, 10, 0, -0.1}}
	src := &fakeSource{name: "mid.tif", cols: 100, rows: 100, ref: &ref}

	err := mc.Add(context.Background(), canvas, src, ref)
	assert.NoError(t, err)
	assert.Equal(t, 1, canvas.Len())
	assert.Equal(t, image.Pt(967, 455), canvas.Views()[0].Origin)
}

func TestComposerNormalizationPrecedence(t *testing.T) {
	warper := &fakeWarper{}
	mc, canvas := composerFixture(warper)
	nd := -32768.0
	mc.Nodata = &nd
	mc.Normalize = &Range{Lo: 0, Hi: 4000}
	mc.Rescale = &PixelRescale{Scale: 2, Offset: 1}

	ref := globalRef(1024, 512)
	src := &fakeSource{name: "dem.tif", cols: 1024, rows: 512, ref: &ref}

	err := mc.Add(context.Background(), canvas, src, ref)
	assert.NoError(t, err)
	assert.Len(t, warper.opts, 1)
	opts := warper.opts[0]
	assert.True(t, opts.Wrap)
	assert.NotNil(t, opts.NodataAlpha)
	assert.Equal(t, nd, *opts.NodataAlpha)
	// both were configured: normalization wins, the rescale is dropped
	assert.NotNil(t, opts.Normalize)
	assert.Equal(t, Range{Lo: 0, Hi: 4000}, *opts.Normalize)
	assert.Nil(t, opts.Rescale)
}

func TestCanvasBBoxUnion(t *testing.T) {
	canvas := NewCompositeCanvas()
	canvas.Insert(fakeView{bounds: image.Rect(0, 0, 100, 100)}, image.Pt(10, 20))
	assert.Equal(t, image.Rect(10, 20, 110, 120), canvas.BBox())
	canvas.Insert(fakeView{bounds: image.Rect(0, 0, 50, 50)}, image.Pt(-5, 200))
	assert.Equal(t, image.Rect(-5, 20, 110, 250), canvas.BBox())
}

func TestCanvasPrepareOnce(t *testing.T) {
	canvas := NewCompositeCanvas()
	canvas.Insert(fakeView{bounds: image.Rect(0, 0, 100, 100)}, image.Pt(300, 300))
	assert.False(t, canvas.Prepared())

	err := canvas.Prepare(image.Rect(256, 256, 512, 512))
	assert.NoError(t, err)
	assert.True(t, canvas.Prepared())
	assert.Equal(t, image.Pt(44, 44), canvas.Views()[0].Origin)
	assert.Equal(t, image.Rect(44, 44, 144, 144), canvas.BBox())

	assert.Error(t, canvas.Prepare(image.Rect(0, 0, 512, 512)))
}
