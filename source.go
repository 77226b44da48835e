package qtreer

import (
	"context"
	"fmt"
	"image"
	"math"
	"strings"

	"go.airbusds-geo.com/log"
)

// ChannelType is the per-channel sample type of a raster.
type ChannelType int

const (
	ChannelNone ChannelType = iota
	ChannelUint8
	ChannelUint16
	ChannelInt16
	ChannelFloat32
)

func (c ChannelType) String() string {
	switch c {
	case ChannelUint8:
		return "uint8"
	case ChannelUint16:
		return "uint16"
	case ChannelInt16:
		return "int16"
	case ChannelFloat32:
		return "float32"
	}
	return "none"
}

func ParseChannelType(s string) (ChannelType, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return ChannelNone, nil
	case "uint8":
		return ChannelUint8, nil
	case "uint16":
		return ChannelUint16, nil
	case "int16":
		return ChannelInt16, nil
	case "float32", "float":
		return ChannelFloat32, nil
	}
	return ChannelNone, ConfigError{fmt.Sprintf("unknown channel type %q", s)}
}

// RasterSource is an immutable handle onto one input raster, implemented by
// an external file-I/O collaborator. Pixel decoding stays on the collaborator
// side; the pipeline only consumes geometry and channel statistics.
type RasterSource interface {
	Name() string
	Size() (cols, rows int)
	ChannelType() ChannelType
	// Nodata reports the embedded nodata value, if any.
	Nodata() (float64, bool)
	// ReadGeoreference reports the embedded georeference. ok is false when
	// the source carries none.
	ReadGeoreference() (ref Georeference, ok bool, err error)
	// Range scans the source and reports its observed channel value range,
	// masking the nodata value when one is known.
	Range(ctx context.Context) (Range, error)
}

// Range is an observed [Lo,Hi] channel value range. It is computed over all
// sources in a first pass and consumed immutably while compositing.
type Range struct {
	Lo, Hi float64
}

// ObserveRange scans every source once and returns the union of their
// observed channel ranges.
func ObserveRange(ctx context.Context, sources []RasterSource) (Range, error) {
	r := Range{Lo: math.Inf(1), Hi: math.Inf(-1)}
	for _, src := range sources {
		sr, err := src.Range(ctx)
		if err != nil {
			return Range{}, fmt.Errorf("scan range of %s: %w", src.Name(), err)
		}
		r.Lo = math.Min(r.Lo, sr.Lo)
		r.Hi = math.Max(r.Hi, sr.Hi)
		log.Logger(ctx).Sugar().Infof("pixel range for %q: [%g %g], output dynamic range: [%g %g]",
			src.Name(), sr.Lo, sr.Hi, r.Lo, r.Hi)
	}
	return r, nil
}

// ImageView is a warped raster region registered in output pixel space.
// Reading pixels is deferred to tile generation time.
type ImageView interface {
	Bounds() image.Rectangle
	Read(ctx context.Context, window image.Rectangle) (image.Image, error)
}
