package qtreer

import (
	"fmt"

	"github.com/google/tiff"
	_ "github.com/google/tiff/bigtiff"
)

// geoIFD carries the GeoTIFF georeferencing tags of one IFD.
type geoIFD struct {
	ImageWidth          uint64    `tiff:"field,tag=256"`
	ImageLength         uint64    `tiff:"field,tag=257"`
	ModelPixelScale     []float64 `tiff:"field,tag=33550"`
	ModelTiePoint       []float64 `tiff:"field,tag=33922"`
	ModelTransformation []float64 `tiff:"field,tag=34264"`
	GeoKeyDirectory     []uint16  `tiff:"field,tag=34735"`
	GeoDoubleParams     []float64 `tiff:"field,tag=34736"`
	GeoASCIIParams      string    `tiff:"field,tag=34737"`
}

const (
	geoKeyModelType      = 1024
	geoKeyGeographicType = 2048
	geoKeySemiMajorAxis  = 2057
	geoKeySemiMinorAxis  = 2058

	modelTypeProjected  = 1
	modelTypeGeographic = 2

	gcsWGS84 = 4326
)

// GeoTIFFInfo is the georeferencing summary of a GeoTIFF file.
type GeoTIFFInfo struct {
	Cols, Rows int
	Ref        Georeference
	HasRef     bool
}

// ReadGeoTIFF extracts the embedded georeference of a GeoTIFF. ok is false
// when the file carries no georeferencing tags; an error means the tags are
// present but malformed or unsupported.
func ReadGeoTIFF(r tiff.ReadAtReadSeeker) (Georeference, bool, error) {
	info, err := ReadGeoTIFFInfo(r)
	if err != nil {
		return Georeference{}, false, err
	}
	return info.Ref, info.HasRef, nil
}

func ReadGeoTIFFInfo(r tiff.ReadAtReadSeeker) (GeoTIFFInfo, error) {
	t, err := tiff.Parse(r, nil, nil)
	if err != nil {
		return GeoTIFFInfo{}, fmt.Errorf("tiff.parse: %w", err)
	}
	ifds := t.IFDs()
	if len(ifds) == 0 {
		return GeoTIFFInfo{}, fmt.Errorf("tiff has no ifd")
	}
	gifd := geoIFD{}
	if err := tiff.UnmarshalIFD(ifds[0], &gifd); err != nil {
		return GeoTIFFInfo{}, fmt.Errorf("unmarshal ifd: %w", err)
	}

	info := GeoTIFFInfo{Cols: int(gifd.ImageWidth), Rows: int(gifd.ImageLength)}

	ref := Georeference{Datum: WGS84, Proj: ProjectionSpec{Type: PlateCarree}}
	switch {
	case len(gifd.ModelTransformation) == 16:
		m := gifd.ModelTransformation
		ref.Transform = [6]float64{m[3], m[0], m[1], m[7], m[4], m[5]}
	case len(gifd.ModelPixelScale) >= 2 && len(gifd.ModelTiePoint) >= 6:
		s, p := gifd.ModelPixelScale, gifd.ModelTiePoint
		// tiepoint maps raster (i,j) onto model (x,y); y scale is negated.
		ref.Transform = [6]float64{
			p[3] - p[0]*s[0], s[0], 0,
			p[4] + p[1]*s[1], 0, -s[1],
		}
	default:
		return info, nil
	}

	keys, err := parseGeoKeys(gifd)
	if err != nil {
		return info, err
	}
	if mt, ok := keys.value(geoKeyModelType); ok && mt == modelTypeProjected {
		return info, fmt.Errorf("projected geotiff not supported by the embedded probe")
	}
	if gcs, ok := keys.value(geoKeyGeographicType); ok && gcs != gcsWGS84 {
		a, aok := keys.double(geoKeySemiMajorAxis, gifd.GeoDoubleParams)
		b, bok := keys.double(geoKeySemiMinorAxis, gifd.GeoDoubleParams)
		if aok {
			if !bok {
				b = a
			}
			ref.Datum = Datum{Name: fmt.Sprintf("GCS %d", gcs), SemiMajorAxis: a, SemiMinorAxis: b}
		}
	}

	info.Ref = ref
	info.HasRef = true
	return info, nil
}

// geoKeys maps key id to the raw directory entry (location, count, value).
type geoKeys map[uint16][3]uint16

func (k geoKeys) double(id uint16, params []float64) (float64, bool) {
	e, ok := k[id]
	if !ok || e[0] != 34736 || int(e[2]) >= len(params) {
		return 0, false
	}
	return params[e[2]], true
}

// lookup of inline (location 0) short values
func (k geoKeys) value(id uint16) (uint16, bool) {
	e, ok := k[id]
	if !ok || e[0] != 0 {
		return 0, false
	}
	return e[2], true
}

func parseGeoKeys(gifd geoIFD) (geoKeys, error) {
	d := gifd.GeoKeyDirectory
	if len(d) == 0 {
		return nil, nil
	}
	if len(d) < 4 || len(d) < int(4+4*d[3]) {
		return nil, fmt.Errorf("truncated geokey directory")
	}
	keys := geoKeys{}
	for i := 0; i < int(d[3]); i++ {
		e := d[4+4*i : 8+4*i]
		keys[e[0]] = [3]uint16{e[1], e[2], e[3]}
	}
	return keys, nil
}
