package qtreer

import (
	"context"
	"fmt"
	"strings"

	"go.airbusds-geo.com/log"
)

// Datum is the reference body for geographic coordinates.
type Datum struct {
	Name          string
	SemiMajorAxis float64
	SemiMinorAxis float64
}

var (
	WGS84 = Datum{Name: "WGS84", SemiMajorAxis: 6378137.0, SemiMinorAxis: 6356752.3142}
	Lunar = Datum{Name: "D_MOON", SemiMajorAxis: 1737400.0, SemiMinorAxis: 1737400.0}
	Mars  = Datum{Name: "D_MARS", SemiMajorAxis: 3396190.0, SemiMinorAxis: 3376200.0}
)

// Sphere is a user-supplied spherical datum.
func Sphere(radius float64) Datum {
	return Datum{Name: "SPHERICAL DATUM", SemiMajorAxis: radius, SemiMinorAxis: radius}
}

func (d Datum) proj4() string {
	if d.Name == "WGS84" {
		return "+datum=WGS84"
	}
	return fmt.Sprintf("+a=%g +b=%g", d.SemiMajorAxis, d.SemiMinorAxis)
}

// DatumOverride unconditionally replaces the datum resolved from a source.
type DatumOverride int

const (
	DatumNone DatumOverride = iota
	DatumWGS84
	DatumLunar
	DatumMars
	DatumSphere
)

func ParseDatumOverride(s string) (DatumOverride, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return DatumNone, nil
	case "wgs84":
		return DatumWGS84, nil
	case "lunar", "moon":
		return DatumLunar, nil
	case "mars":
		return DatumMars, nil
	case "sphere":
		return DatumSphere, nil
	}
	return DatumNone, ConfigError{fmt.Sprintf("unknown datum override %q", s)}
}

type ProjectionType int

const (
	PlateCarree ProjectionType = iota
	Sinusoidal
	Mercator
	TransverseMercator
	Orthographic
	Stereographic
	LambertAzimuthal
	LambertConformalConic
	UTM
)

var projectionNames = map[ProjectionType]string{
	PlateCarree:           "plate-carree",
	Sinusoidal:            "sinusoidal",
	Mercator:              "mercator",
	TransverseMercator:    "transverse-mercator",
	Orthographic:          "orthographic",
	Stereographic:         "stereographic",
	LambertAzimuthal:      "lambert-azimuthal",
	LambertConformalConic: "lambert-conformal-conic",
	UTM:                   "utm",
}

func (p ProjectionType) String() string {
	return projectionNames[p]
}

func ParseProjection(s string) (ProjectionType, error) {
	for p, name := range projectionNames {
		if strings.EqualFold(s, name) {
			return p, nil
		}
	}
	return PlateCarree, ConfigError{fmt.Sprintf("unknown projection %q", s)}
}

// ProjectionSpec selects and parameterizes the output projection. The
// projection formulas themselves are supplied by a Projector collaborator.
type ProjectionSpec struct {
	Type                 ProjectionType
	CenterLat, CenterLon float64
	Scale                float64 // 0 means 1
	P1, P2               float64 // standard parallels (lambert conformal conic)
	UTMZone              int     // >0 north, <0 south
}

func (p ProjectionSpec) scale() float64 {
	if p.Scale == 0 {
		return 1
	}
	return p.Scale
}

// Proj4 renders the spec as a proj4 string for the given datum. A missing
// required sub-parameter yields a ProjectionError.
func (p ProjectionSpec) Proj4(d Datum) (string, error) {
	var core string
	switch p.Type {
	case PlateCarree:
		core = "+proj=longlat"
	case Sinusoidal:
		core = fmt.Sprintf("+proj=sinu +lon_0=%g +x_0=0 +y_0=0", p.CenterLon)
	case Mercator:
		core = fmt.Sprintf("+proj=merc +lon_0=%g +lat_ts=%g +k=%g", p.CenterLon, p.CenterLat, p.scale())
	case TransverseMercator:
		core = fmt.Sprintf("+proj=tmerc +lat_0=%g +lon_0=%g +k=%g", p.CenterLat, p.CenterLon, p.scale())
	case Orthographic:
		core = fmt.Sprintf("+proj=ortho +lat_0=%g +lon_0=%g", p.CenterLat, p.CenterLon)
	case Stereographic:
		core = fmt.Sprintf("+proj=stere +lat_0=%g +lon_0=%g +k=%g", p.CenterLat, p.CenterLon, p.scale())
	case LambertAzimuthal:
		core = fmt.Sprintf("+proj=laea +lat_0=%g +lon_0=%g", p.CenterLat, p.CenterLon)
	case LambertConformalConic:
		if p.P1 == 0 && p.P2 == 0 {
			return "", ProjectionError{"lambert conformal conic requires standard parallels p1 and p2"}
		}
		core = fmt.Sprintf("+proj=lcc +lat_1=%g +lat_2=%g +lat_0=%g +lon_0=%g", p.P1, p.P2, p.CenterLat, p.CenterLon)
	case UTM:
		if p.UTMZone == 0 {
			return "", ProjectionError{"utm requires a zone (positive north, negative south)"}
		}
		zone := p.UTMZone
		south := ""
		if zone < 0 {
			zone = -zone
			south = " +south"
		}
		core = fmt.Sprintf("+proj=utm +zone=%d%s", zone, south)
	default:
		return "", ProjectionError{fmt.Sprintf("unknown projection type %d", p.Type)}
	}
	return core + " " + d.proj4(), nil
}

// Projector converts between projected coordinates and lon/lat degrees for
// one projection. Implementations own the projection formulas.
type Projector interface {
	Forward(lon, lat float64) (x, y float64, err error)
	Inverse(x, y float64) (lon, lat float64, err error)
}

// ProjectorFactory yields a Projector for a projection spec on a datum.
type ProjectorFactory func(spec ProjectionSpec, datum Datum) (Projector, error)

type plateCarreeProjector struct{}

func (plateCarreeProjector) Forward(lon, lat float64) (float64, float64, error) {
	return lon, lat, nil
}

func (plateCarreeProjector) Inverse(x, y float64) (float64, float64, error) {
	return x, y, nil
}

// DefaultProjectors handles plate carree, whose mapping is linear by
// definition. Every other projection must come from an external factory.
func DefaultProjectors(spec ProjectionSpec, datum Datum) (Projector, error) {
	if spec.Type == PlateCarree {
		return plateCarreeProjector{}, nil
	}
	return nil, ProjectionError{fmt.Sprintf("no projector available for %s", spec.Type)}
}

// Georeference maps pixel coordinates to geographic coordinates through an
// affine transform into projected space and a projection back to lon/lat.
type Georeference struct {
	Datum     Datum
	Proj      ProjectionSpec
	Transform [6]float64 // GDAL order: x0, dx, rx, y0, ry, dy
}

// PixelToProj applies the affine transform.
func (g Georeference) PixelToProj(px, py float64) (float64, float64) {
	t := g.Transform
	return t[0] + px*t[1] + py*t[2], t[3] + px*t[4] + py*t[5]
}

// ProjToPixel inverts the affine transform.
func (g Georeference) ProjToPixel(x, y float64) (float64, float64, error) {
	t := g.Transform
	det := t[1]*t[5] - t[2]*t[4]
	if det == 0 {
		return 0, 0, GeoreferenceError{"degenerate georeference transform"}
	}
	dx, dy := x-t[0], y-t[3]
	return (dx*t[5] - dy*t[2]) / det, (dy*t[1] - dx*t[4]) / det, nil
}

func (g Georeference) projector(pf ProjectorFactory) (Projector, error) {
	if pf == nil {
		pf = DefaultProjectors
	}
	return pf(g.Proj, g.Datum)
}

// PixelToLonLat maps a pixel position to lon/lat degrees.
func (g Georeference) PixelToLonLat(pf ProjectorFactory, px, py float64) (float64, float64, error) {
	proj, err := g.projector(pf)
	if err != nil {
		return 0, 0, err
	}
	x, y := g.PixelToProj(px, py)
	return proj.Inverse(x, y)
}

// LonLatToPixel maps lon/lat degrees to a pixel position.
func (g Georeference) LonLatToPixel(pf ProjectorFactory, lon, lat float64) (float64, float64, error) {
	proj, err := g.projector(pf)
	if err != nil {
		return 0, 0, err
	}
	x, y, err := proj.Forward(lon, lat)
	if err != nil {
		return 0, 0, err
	}
	return g.ProjToPixel(x, y)
}

// ManualBBox is a user supplied geographic bounding box, in projection units.
type ManualBBox struct {
	North, South, East, West float64
}

// GeorefOptions drive georeference resolution for one run.
type GeorefOptions struct {
	Datum        DatumOverride
	SphereRadius float64 // required when Datum == DatumSphere
	Projection   ProjectionSpec
	Manual       *ManualBBox
	NudgeX       float64
	NudgeY       float64
}

func (opt GeorefOptions) overrideDatum(d Datum) (Datum, error) {
	switch opt.Datum {
	case DatumNone:
		return d, nil
	case DatumWGS84:
		return WGS84, nil
	case DatumLunar:
		return Lunar, nil
	case DatumMars:
		return Mars, nil
	case DatumSphere:
		if opt.SphereRadius <= 0 {
			return d, ConfigError{"sphere datum override requires a radius"}
		}
		return Sphere(opt.SphereRadius), nil
	}
	return d, ConfigError{fmt.Sprintf("unknown datum override %d", opt.Datum)}
}

// ResolveGeoreferences produces one consistent georeference per source. The
// returned datum (taken from the first source, after override) is the datum
// shared by the whole run.
func ResolveGeoreferences(ctx context.Context, sources []RasterSource, opt GeorefOptions) ([]Georeference, Datum, error) {
	if len(sources) == 0 {
		return nil, Datum{}, ConfigError{"need at least one input image"}
	}
	if opt.Manual != nil && len(sources) > 1 {
		return nil, Datum{}, ConfigError{"cannot override georeference information on multiple images"}
	}

	refs := make([]Georeference, 0, len(sources))
	for _, src := range sources {
		ref, ok, err := src.ReadGeoreference()
		if err != nil {
			// Malformed georeferencing is recoverable when a manual bbox
			// can replace it.
			log.Logger(ctx).Sugar().Warnf("input %s has malformed georeferencing information: %v", src.Name(), err)
			ok = false
		}
		if !ok {
			// A source without georeferencing still needs a datum for the
			// output frame.
			ref = Georeference{Datum: WGS84}
		}
		if ref.Datum, err = opt.overrideDatum(ref.Datum); err != nil {
			return nil, Datum{}, err
		}

		if opt.Manual != nil {
			cols, rows := src.Size()
			ref.Transform = [6]float64{
				opt.Manual.West, (opt.Manual.East - opt.Manual.West) / float64(cols), 0,
				opt.Manual.North, 0, (opt.Manual.South - opt.Manual.North) / float64(rows),
			}
		} else if !ok {
			return nil, Datum{}, GeoreferenceError{
				fmt.Sprintf("missing georeference for %s: provide --north --south --east and --west", src.Name())}
		}

		ref.Proj = opt.Projection
		if _, err := ref.Proj.Proj4(ref.Datum); err != nil {
			return nil, Datum{}, err
		}

		if opt.NudgeX != 0 || opt.NudgeY != 0 {
			ref.Transform[0] += opt.NudgeX
			ref.Transform[3] += opt.NudgeY
		}
		refs = append(refs, ref)
	}
	return refs, refs[0].Datum, nil
}

// GlobalGeoreference is the output frame shared by all georeferenced
// profiles: a plate carree grid anchored at (-180,90) with square pixels of
// 360/resolution degrees. The frame is square in degrees, so a global
// equirectangular image occupies the top half of the canvas.
func GlobalGeoreference(datum Datum, xresolution, yresolution int) Georeference {
	return Georeference{
		Datum: datum,
		Proj:  ProjectionSpec{Type: PlateCarree},
		Transform: [6]float64{
			-180, 360 / float64(xresolution), 0,
			90, 0, -360 / float64(yresolution),
		},
	}
}
