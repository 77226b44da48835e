package qtreer

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGlobalGeoreference(t *testing.T) {
	ref := GlobalGeoreference(WGS84, 2048, 2048)

	corner := func(px, py, elon, elat float64) {
		t.Helper()
		lon, lat, err := ref.PixelToLonLat(nil, px, py)
		assert.NoError(t, err)
		assert.InDelta(t, elon, lon, 1e-9)
		assert.InDelta(t, elat, lat, 1e-9)
	}
	corner(0, 0, -180, 90)
	corner(2048, 0, 180, 90)
	corner(0, 1024, -180, -90)
	corner(2048, 1024, 180, -90)
	corner(1024, 512, 0, 0)
}

func TestGeoreferenceRoundTrip(t *testing.T) {
	ref := GlobalGeoreference(WGS84, 2048, 2048)
	for px := 0.0; px <= 2048; px += 256 {
		for py := 0.0; py <= 1024; py += 128 {
			lon, lat, err := ref.PixelToLonLat(nil, px, py)
			assert.NoError(t, err)
			rx, ry, err := ref.LonLatToPixel(nil, lon, lat)
			assert.NoError(t, err)
			assert.InDelta(t, px, rx, 1e-9)
			assert.InDelta(t, py, ry, 1e-9)
		}
	}
}

func TestProjToPixelDegenerate(t *testing.T) {
	ref := Georeference{Datum: WGS84}
	_, _, err := ref.ProjToPixel(10, 10)
	gerr := GeoreferenceError{}
	assert.ErrorAs(t, err, &gerr)
}

func TestResolveManualBBox(t *testing.T) {
	src := &fakeSource{name: "raw.png", cols: 100, rows: 50}
	opt := GeorefOptions{Manual: &ManualBBox{North: 90, South: -90, East: 180, West: -180}}

	refs, datum, err := ResolveGeoreferences(context.Background(), []RasterSource{src}, opt)
	assert.NoError(t, err)
	assert.Equal(t, "WGS84", datum.Name)
	assert.Equal(t, WGS84, refs[0].Datum)
	assert.Equal(t, [6]float64{-180, 3.6, 0, 90, 0, -3.6}, refs[0].Transform)

	// an explicit override still wins over the default
	opt.Datum = DatumMars
	_, datum, err = ResolveGeoreferences(context.Background(), []RasterSource{src}, opt)
	assert.NoError(t, err)
	assert.Equal(t, Mars, datum)
}

func TestResolveManualBBoxMultipleSources(t *testing.T) {
	srcs := []RasterSource{
		&fakeSource{name: "a.png", cols: 10, rows: 10},
		&fakeSource{name: "b.png", cols: 10, rows: 10},
	}
	opt := GeorefOptions{Manual: &ManualBBox{North: 10, South: 0, East: 10, West: 0}}

	_, _, err := ResolveGeoreferences(context.Background(), srcs, opt)
	cerr := ConfigError{}
	assert.ErrorAs(t, err, &cerr)
}

func TestResolveMissingGeoreference(t *testing.T) {
	src := &fakeSource{name: "raw.png", cols: 10, rows: 10}
	_, _, err := ResolveGeoreferences(context.Background(), []RasterSource{src}, GeorefOptions{})
	gerr := GeoreferenceError{}
	assert.ErrorAs(t, err, &gerr)
}

func TestResolveMalformedGeoreference(t *testing.T) {
	src := &fakeSource{name: "bad.tif", cols: 10, rows: 10, refErr: fmt.Errorf("truncated geokeys")}

	// unrecoverable without a manual bbox
	_, _, err := ResolveGeoreferences(context.Background(), []RasterSource{src}, GeorefOptions{})
	gerr := GeoreferenceError{}
	assert.ErrorAs(t, err, &gerr)

	// recoverable with one
	opt := GeorefOptions{Manual: &ManualBBox{North: 10, South: 0, East: 10, West: 0}}
	refs, _, err := ResolveGeoreferences(context.Background(), []RasterSource{src}, opt)
	assert.NoError(t, err)
	assert.Equal(t, [6]float64{0, 1, 0, 10, 0, -1}, refs[0].Transform)
}

func TestResolveDatumOverride(t *testing.T) {
	ref := GlobalGeoreference(WGS84, 1024, 1024)
	src := &fakeSource{name: "mars.tif", cols: 10, rows: 10, ref: &ref}

	refs, datum, err := ResolveGeoreferences(context.Background(), []RasterSource{src}, GeorefOptions{Datum: DatumMars})
	assert.NoError(t, err)
	assert.Equal(t, Mars, datum)
	assert.Equal(t, Mars, refs[0].Datum)

	_, _, err = ResolveGeoreferences(context.Background(), []RasterSource{src}, GeorefOptions{Datum: DatumSphere})
	cerr := ConfigError{}
	assert.ErrorAs(t, err, &cerr)

	_, datum, err = ResolveGeoreferences(context.Background(), []RasterSource{src},
		GeorefOptions{Datum: DatumSphere, SphereRadius: 1737400})
	assert.NoError(t, err)
	assert.Equal(t, 1737400.0, datum.SemiMajorAxis)
	assert.Equal(t, 1737400.0, datum.SemiMinorAxis)
}

func TestResolveNudge(t *testing.T) {
	ref := GlobalGeoreference(WGS84, 1024, 1024)
	src := &fakeSource{name: "a.tif", cols: 10, rows: 10, ref: &ref}

	refs, _, err := ResolveGeoreferences(context.Background(), []RasterSource{src},
		GeorefOptions{NudgeX: 0.5, NudgeY: -0.25})
	assert.NoError(t, err)
	assert.Equal(t, -179.5, refs[0].Transform[0])
	assert.Equal(t, 89.75, refs[0].Transform[3])
}

func TestResolveInvalidProjection(t *testing.T) {
	ref := GlobalGeoreference(WGS84, 1024, 1024)
	src := &fakeSource{name: "a.tif", cols: 10, rows: 10, ref: &ref}

	testfunc := func(spec ProjectionSpec) error {
		t.Helper()
		_, _, err := ResolveGeoreferences(context.Background(), []RasterSource{src},
			GeorefOptions{Projection: spec})
		return err
	}

	perr := ProjectionError{}
	assert.ErrorAs(t, testfunc(ProjectionSpec{Type: UTM}), &perr)
	assert.ErrorAs(t, testfunc(ProjectionSpec{Type: LambertConformalConic}), &perr)
	assert.NoError(t, testfunc(ProjectionSpec{Type: UTM, UTMZone: -17}))
	assert.NoError(t, testfunc(ProjectionSpec{Type: LambertConformalConic, P1: 33, P2: 45}))
}

func TestProj4(t *testing.T) {
	s, err := ProjectionSpec{Type: UTM, UTMZone: -17}.Proj4(WGS84)
	assert.NoError(t, err)
	assert.Equal(t, "+proj=utm +zone=17 +south +datum=WGS84", s)

	s, err = ProjectionSpec{Type: Sinusoidal, CenterLon: 10}.Proj4(Lunar)
	assert.NoError(t, err)
	assert.Equal(t, "+proj=sinu +lon_0=10 +x_0=0 +y_0=0 +a=1.7374e+06 +b=1.7374e+06", s)
}
