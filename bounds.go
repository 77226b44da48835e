package qtreer

import (
	"image"
)

// LonLatBBox is a geographic rectangle in degrees.
type LonLatBBox struct {
	West, South, East, North float64
}

// Bounds groups the three bounding boxes handed to the final stage: the
// pyramid-aligned total bbox, the actually-rendered data bbox (in
// prepared-canvas coordinates), and the geographic bbox.
type Bounds struct {
	Total  image.Rectangle
	Data   image.Rectangle
	LonLat LonLatBBox
}

// Aligner computes profile-specific pyramid-aligned bounding boxes.
type Aligner struct {
	Profile    Profile
	Res        Resolution
	TileSize   int
	Output     Georeference
	Projectors ProjectorFactory
}

// TotalBBox aligns the raw composite bbox to the pyramid grid and derives
// the geographic bbox.
//
// KML-like profiles clip to the working resolution and snap to a square
// power-of-two grid capped at the total resolution. Other profiles cover the
// full square canvas and inverse-project its corners.
func (a Aligner) TotalBBox(raw image.Rectangle) (image.Rectangle, LonLatBBox, error) {
	if raw.Empty() {
		return image.Rectangle{}, LonLatBBox{}, ConfigError{"composite is empty"}
	}

	if a.Profile.KMLAligned() {
		bbox := raw.Intersect(image.Rect(0, 0, a.Res.X, a.Res.Y))
		dim := nextPow2(max(bbox.Dx(), bbox.Dy()))
		if dim > a.Res.Total {
			dim = a.Res.Total
		}
		total := image.Rect(0, 0, dim, dim).Add(image.Pt((bbox.Min.X/dim)*dim, (bbox.Min.Y/dim)*dim))
		if !bbox.In(total) {
			if total.Max.X == a.Res.X {
				total.Min.X -= dim
			} else {
				total.Max.X += dim
			}
			if total.Max.Y == a.Res.Y {
				total.Min.Y -= dim
			} else {
				total.Max.Y += dim
			}
		}
		return total, a.interpolated(total), nil
	}

	total := image.Rect(0, 0, a.Res.Total, a.Res.Total)
	wlon, nlat, err := a.Output.PixelToLonLat(a.Projectors, float64(total.Min.X), float64(total.Min.Y))
	if err != nil {
		return image.Rectangle{}, LonLatBBox{}, err
	}
	elon, slat, err := a.Output.PixelToLonLat(a.Projectors, float64(total.Max.X), float64(total.Max.Y))
	if err != nil {
		return image.Rectangle{}, LonLatBBox{}, err
	}
	return total, LonLatBBox{West: wlon, South: slat, East: elon, North: nlat}, nil
}

// interpolated maps the aligned square's corners linearly against
// [-180,180]x[-90,90].
func (a Aligner) interpolated(total image.Rectangle) LonLatBBox {
	return LonLatBBox{
		West:  -180 + 360*float64(total.Min.X)/float64(a.Res.X),
		East:  -180 + 360*float64(total.Max.X)/float64(a.Res.X),
		North: 90 - 180*float64(total.Min.Y)/float64(a.Res.Y),
		South: 90 - 180*float64(total.Max.Y)/float64(a.Res.Y),
	}
}

// DataBBox computes the rendered sub-rectangle, cropped to the total bbox.
// prepared is the canvas bbox after Prepare (relative to total's origin); raw
// is the canvas bbox before Prepare.
func (a Aligner) DataBBox(prepared, raw, total image.Rectangle) image.Rectangle {
	if a.Profile.KMLAligned() {
		return prepared.Intersect(image.Rect(0, 0, total.Dx(), total.Dy()))
	}
	ts := a.TileSize
	minx := floorDiv(raw.Min.X, ts) * ts
	miny := floorDiv(raw.Min.Y, ts) * ts
	w := ceilDiv(raw.Dx(), ts) * ts
	h := ceilDiv(raw.Dy(), ts) * ts
	return image.Rect(minx, miny, minx+w, miny+h).Intersect(total)
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func ceilDiv(a, b int) int {
	return -floorDiv(-a, b)
}
