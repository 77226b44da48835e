package qtreer

import (
	"context"
	"fmt"
	"image"

	"go.airbusds-geo.com/log"
)

// TileWriterFactory builds the tile-writer collaborator over the finished
// canvas. The returned writer may parallelize internally but must not require
// the pipeline to re-expose mutable state once handed off.
type TileWriterFactory func(canvas *CompositeCanvas, outputName string) TileWriter

// Options is the configuration surface of one run, owned by the caller.
type Options struct {
	OutputName string
	Profile    ProfileConfig
	Georef     GeorefOptions
	Resolution ResolutionOptions
	TileSize   int
	FileType   string

	Multiband   bool
	Normalize   bool
	Nodata      *float64
	Rescale     *PixelRescale
	ChannelType ChannelType
}

func (opt Options) tileSize() int {
	if opt.TileSize <= 0 {
		return 256
	}
	return opt.TileSize
}

func (opt Options) fileType() string {
	if opt.FileType == "" {
		return "png"
	}
	return opt.FileType
}

// Pipeline fuses georeferenced sources into one multi-resolution tile
// pyramid. Stages run strictly sequentially and fail fast: any error aborts
// the run with no partial output and no retry.
type Pipeline struct {
	Sources    []RasterSource
	Options    Options
	Warper     Warper
	Projectors ProjectorFactory
	TileWriter TileWriterFactory
}

// Result is the bookkeeping state of a completed run.
type Result struct {
	Res    Resolution
	Output Georeference
	Bounds Bounds
	Canvas *CompositeCanvas
}

func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	opt := p.Options
	if len(p.Sources) == 0 {
		return nil, ConfigError{"need at least one input image"}
	}
	if !opt.Profile.Profile.Georeferenced() {
		return p.runRaw(ctx)
	}
	sugar := log.Logger(ctx).Sugar()

	refs, datum, err := ResolveGeoreferences(ctx, p.Sources, opt.Georef)
	if err != nil {
		return nil, err
	}

	res, err := EstimateResolution(ctx, p.Sources, refs, opt.Profile.Profile.ResolutionFunc(), p.Projectors, opt.Resolution)
	if err != nil {
		return nil, err
	}
	output := GlobalGeoreference(datum, res.X, res.Y)

	var normalize *Range
	if opt.Normalize {
		r, err := ObserveRange(ctx, p.Sources)
		if err != nil {
			return nil, err
		}
		normalize = &r
	}

	composer := &Composer{
		Output:      output,
		Res:         res,
		Warper:      p.Warper,
		Projectors:  p.Projectors,
		Nodata:      opt.Nodata,
		Rescale:     opt.Rescale,
		Normalize:   normalize,
		ChannelType: opt.ChannelType,
	}
	canvas := NewCompositeCanvas()
	for i, src := range p.Sources {
		sugar.Infof("adding file %s", src.Name())
		if err := composer.Add(ctx, canvas, src, refs[i]); err != nil {
			return nil, err
		}
	}

	aligner := Aligner{
		Profile:    opt.Profile.Profile,
		Res:        res,
		TileSize:   opt.tileSize(),
		Output:     output,
		Projectors: p.Projectors,
	}
	raw := canvas.BBox()
	total, ll, err := aligner.TotalBBox(raw)
	if err != nil {
		return nil, err
	}

	canvas.SetDraft(!opt.Multiband)
	if err := canvas.Prepare(total); err != nil {
		return nil, err
	}
	data := aligner.DataBBox(canvas.BBox(), raw, total)

	cfg := Configurator{
		Config:     opt.Profile,
		TileSize:   opt.tileSize(),
		FileType:   opt.fileType(),
		OutputName: opt.OutputName,
	}
	if err := cfg.Run(ctx, p.TileWriter(canvas, opt.OutputName), data, ll); err != nil {
		return nil, err
	}
	return &Result{
		Res:    res,
		Output: output,
		Bounds: Bounds{Total: total, Data: data, LonLat: ll},
		Canvas: canvas,
	}, nil
}

// runRaw bypasses georeferencing entirely and generates a pyramid directly
// from the single raw source (None and GigapanNoProj profiles).
func (p *Pipeline) runRaw(ctx context.Context) (*Result, error) {
	opt := p.Options
	if len(p.Sources) != 1 {
		return nil, ConfigError{"non-georeferenced images cannot be composed"}
	}
	src := p.Sources[0]
	cols, rows := src.Size()
	full := image.Rect(0, 0, cols, rows)

	// A nil transform requests the source's own pixel frame from the warper.
	view, err := p.Warper.Warp(ctx, src, nil, full, WarpOptions{
		NodataAlpha: opt.Nodata,
		Rescale:     opt.Rescale,
		ChannelType: opt.ChannelType,
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", src.Name(), err)
	}

	canvas := NewCompositeCanvas()
	canvas.Insert(view, image.Point{})
	canvas.SetDraft(!opt.Multiband)
	if err := canvas.Prepare(full); err != nil {
		return nil, err
	}

	tw := p.TileWriter(canvas, opt.OutputName)
	if err := tw.Configure(TileConfig{
		Crop:     full,
		TileSize: opt.tileSize(),
		FileType: opt.fileType(),
		Profile:  opt.Profile.Profile,
	}); err != nil {
		return nil, fmt.Errorf("configure tile writer: %w", err)
	}
	if err := tw.Generate(ctx); err != nil {
		return nil, fmt.Errorf("generate tiles: %w", err)
	}
	return &Result{
		Bounds: Bounds{Total: full, Data: full},
		Canvas: canvas,
	}, nil
}
