package qtreer

import (
	"bytes"
	"encoding/binary"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

const (
	typeShort  = 3
	typeLong   = 4
	typeDouble = 12
)

type tiffTag struct {
	tag, typ uint16
	count    uint32
	raw      []byte
}

func shorts(vals ...uint16) []byte {
	b := &bytes.Buffer{}
	binary.Write(b, binary.LittleEndian, vals)
	return b.Bytes()
}

func doubles(vals ...float64) []byte {
	b := &bytes.Buffer{}
	binary.Write(b, binary.LittleEndian, vals)
	return b.Bytes()
}

// buildTIFF assembles a minimal single-IFD little-endian tiff from the given
// tags, inlining values of four bytes or less.
func buildTIFF(tags []tiffTag) *bytes.Reader {
	sort.Slice(tags, func(i, j int) bool { return tags[i].tag < tags[j].tag })

	buf := &bytes.Buffer{}
	buf.WriteString("II")
	binary.Write(buf, binary.LittleEndian, uint16(42))
	binary.Write(buf, binary.LittleEndian, uint32(8)) // first ifd offset

	dataOff := uint32(8 + 2 + len(tags)*12 + 4)
	if dataOff%2 != 0 {
		dataOff++
	}
	external := &bytes.Buffer{}

	binary.Write(buf, binary.LittleEndian, uint16(len(tags)))
	for _, t := range tags {
		binary.Write(buf, binary.LittleEndian, t.tag)
		binary.Write(buf, binary.LittleEndian, t.typ)
		binary.Write(buf, binary.LittleEndian, t.count)
		if len(t.raw) <= 4 {
			v := make([]byte, 4)
			copy(v, t.raw)
			buf.Write(v)
		} else {
			binary.Write(buf, binary.LittleEndian, dataOff+uint32(external.Len()))
			external.Write(t.raw)
		}
	}
	binary.Write(buf, binary.LittleEndian, uint32(0)) // no next ifd
	for uint32(buf.Len()) < dataOff {
		buf.WriteByte(0)
	}
	buf.Write(external.Bytes())
	return bytes.NewReader(buf.Bytes())
}

func sizeTags(cols, rows uint16) []tiffTag {
	return []tiffTag{
		{256, typeShort, 1, shorts(cols)},
		{257, typeShort, 1, shorts(rows)},
	}
}

func TestReadGeoTIFFScaleAndTiePoint(t *testing.T) {
	tags := append(sizeTags(1024, 512),
		tiffTag{33550, typeDouble, 3, doubles(0.1, 0.05, 0)},
		tiffTag{33922, typeDouble, 6, doubles(0, 0, 0, -180, 90, 0)},
		tiffTag{34735, typeShort, 8, shorts(
			1, 1, 0, 1,
			geoKeyModelType, 0, 1, modelTypeGeographic,
		)},
	)

	info, err := ReadGeoTIFFInfo(buildTIFF(tags))
	assert.NoError(t, err)
	assert.Equal(t, 1024, info.Cols)
	assert.Equal(t, 512, info.Rows)
	assert.True(t, info.HasRef)
	assert.Equal(t, [6]float64{-180, 0.1, 0, 90, 0, -0.05}, info.Ref.Transform)
	assert.Equal(t, WGS84, info.Ref.Datum)
}

func TestReadGeoTIFFTiePointOffset(t *testing.T) {
	// a tiepoint anchored away from the raster origin shifts the transform
	tags := append(sizeTags(100, 100),
		tiffTag{33550, typeDouble, 3, doubles(1, 1, 0)},
		tiffTag{33922, typeDouble, 6, doubles(10, 20, 0, 0, 0, 0)},
	)

	info, err := ReadGeoTIFFInfo(buildTIFF(tags))
	assert.NoError(t, err)
	assert.True(t, info.HasRef)
	assert.Equal(t, [6]float64{-10, 1, 0, 20, 0, -1}, info.Ref.Transform)
}

func TestReadGeoTIFFModelTransformation(t *testing.T) {
	tags := append(sizeTags(100, 100),
		tiffTag{34264, typeDouble, 16, doubles(
			0.5, 0, 0, -180,
			0, -0.25, 0, 90,
			0, 0, 0, 0,
			0, 0, 0, 1,
		)},
	)

	info, err := ReadGeoTIFFInfo(buildTIFF(tags))
	assert.NoError(t, err)
	assert.True(t, info.HasRef)
	assert.Equal(t, [6]float64{-180, 0.5, 0, 90, 0, -0.25}, info.Ref.Transform)
}

func TestReadGeoTIFFCustomDatum(t *testing.T) {
	tags := append(sizeTags(100, 100),
		tiffTag{33550, typeDouble, 3, doubles(0.1, 0.1, 0)},
		tiffTag{33922, typeDouble, 6, doubles(0, 0, 0, -180, 90, 0)},
		tiffTag{34735, typeShort, 16, shorts(
			1, 1, 0, 3,
			geoKeyModelType, 0, 1, modelTypeGeographic,
			geoKeyGeographicType, 0, 1, 4035,
			geoKeySemiMajorAxis, 34736, 1, 0,
		)},
		tiffTag{34736, typeDouble, 1, doubles(1737400)},
	)

	info, err := ReadGeoTIFFInfo(buildTIFF(tags))
	assert.NoError(t, err)
	assert.True(t, info.HasRef)
	assert.Equal(t, 1737400.0, info.Ref.Datum.SemiMajorAxis)
	assert.Equal(t, 1737400.0, info.Ref.Datum.SemiMinorAxis)
}

func TestReadGeoTIFFProjectedRejected(t *testing.T) {
	tags := append(sizeTags(100, 100),
		tiffTag{33550, typeDouble, 3, doubles(10, 10, 0)},
		tiffTag{33922, typeDouble, 6, doubles(0, 0, 0, 500000, 4000000, 0)},
		tiffTag{34735, typeShort, 8, shorts(
			1, 1, 0, 1,
			geoKeyModelType, 0, 1, modelTypeProjected,
		)},
	)

	_, err := ReadGeoTIFFInfo(buildTIFF(tags))
	assert.Error(t, err)
}

func TestReadGeoTIFFNoGeoreference(t *testing.T) {
	info, err := ReadGeoTIFFInfo(buildTIFF(sizeTags(640, 480)))
	assert.NoError(t, err)
	assert.False(t, info.HasRef)
	assert.Equal(t, 640, info.Cols)
	assert.Equal(t, 480, info.Rows)
}

func TestReadGeoTIFFTruncatedGeoKeys(t *testing.T) {
	tags := append(sizeTags(100, 100),
		tiffTag{33550, typeDouble, 3, doubles(0.1, 0.1, 0)},
		tiffTag{33922, typeDouble, 6, doubles(0, 0, 0, -180, 90, 0)},
		// directory claims 2 keys but carries none
		tiffTag{34735, typeShort, 4, shorts(1, 1, 0, 2)},
	)

	_, err := ReadGeoTIFFInfo(buildTIFF(tags))
	assert.Error(t, err)
}
