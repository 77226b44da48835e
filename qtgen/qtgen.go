// Package qtgen renders quad-tree tile pyramids from a prepared composite
// canvas. It owns the on-disk tile layout; the geometry it consumes (crop
// region, tile size, profile parameters) is computed upstream.
package qtgen

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/tbonfort/gobs"
	"go.airbusds-geo.com/log"
	xdraw "golang.org/x/image/draw"

	"github.com/airbusgeo/qtreer"
)

type ErrInvalidOption struct {
	msg string
}

func (err ErrInvalidOption) Error() string {
	return err.msg
}

type Option func(w *Writer) error

// Concurrency bounds the tile rendering pool.
func Concurrency(n int) Option {
	return func(w *Writer) error {
		if n <= 0 {
			return ErrInvalidOption{"concurrency must be >=1"}
		}
		w.concurrency = n
		return nil
	}
}

// JPEGQuality sets the jpeg quality factor, 0.0 to 1.0.
func JPEGQuality(q float64) Option {
	return func(w *Writer) error {
		if q < 0 || q > 1 {
			return ErrInvalidOption{"jpeg quality must be within [0,1]"}
		}
		w.jpegQuality = int(q * 100)
		return nil
	}
}

// PNGCompression sets the png compression level, 0 to 9.
func PNGCompression(level int) Option {
	return func(w *Writer) error {
		switch {
		case level < 0 || level > 9:
			return ErrInvalidOption{"png compression level must be within [0,9]"}
		case level == 0:
			w.pngLevel = png.NoCompression
		case level < 6:
			w.pngLevel = png.BestSpeed
		default:
			w.pngLevel = png.BestCompression
		}
		return nil
	}
}

// Writer renders the pyramid below a prepared canvas into <name>/z/x/y.<ext>
// tiles. Tiles fully outside the data region are skipped.
type Writer struct {
	canvas *qtreer.CompositeCanvas
	name   string
	cfg    qtreer.TileConfig
	levels int

	concurrency int
	jpegQuality int
	pngLevel    png.CompressionLevel
	optErr      error
	configured  bool
}

// New builds a Writer over a prepared canvas. name is the output directory.
func New(canvas *qtreer.CompositeCanvas, name string, options ...Option) *Writer {
	w := &Writer{
		canvas:      canvas,
		name:        name,
		concurrency: 8,
		jpegQuality: 85,
		pngLevel:    png.DefaultCompression,
	}
	for _, o := range options {
		if err := o(w); err != nil && w.optErr == nil {
			w.optErr = err
		}
	}
	return w
}

// Factory adapts New to the pipeline's tile writer factory.
func Factory(options ...Option) qtreer.TileWriterFactory {
	return func(canvas *qtreer.CompositeCanvas, name string) qtreer.TileWriter {
		return New(canvas, name, options...)
	}
}

func (w *Writer) Configure(cfg qtreer.TileConfig) error {
	if w.optErr != nil {
		return w.optErr
	}
	if cfg.TileSize <= 0 {
		return ErrInvalidOption{"tile size must be >=1"}
	}
	if cfg.Crop.Empty() {
		return ErrInvalidOption{"empty crop region"}
	}
	switch cfg.FileType {
	case "", "png", "jpg", "auto":
	case "jpeg":
		// single extension on disk, so overview assembly finds its children
		cfg.FileType = "jpg"
	default:
		return ErrInvalidOption{fmt.Sprintf("unsupported file type %q", cfg.FileType)}
	}
	if !w.canvas.Prepared() {
		return fmt.Errorf("canvas is not prepared")
	}
	w.cfg = cfg
	w.levels = treeLevels(cfg.Crop.Dx(), cfg.Crop.Dy(), cfg.TileSize)
	w.configured = true
	return nil
}

// Levels reports the pyramid depth. Valid after Configure.
func (w *Writer) Levels() int {
	return w.levels
}

func (w *Writer) FileType() string {
	if w.cfg.FileType == "" {
		return "png"
	}
	return w.cfg.FileType
}

func treeLevels(width, height, tileSize int) int {
	l := 1
	for width > tileSize || height > tileSize {
		width = (width + 1) / 2
		height = (height + 1) / 2
		l++
	}
	return l
}

// Generate renders all tiles into a staging directory and moves it into
// place once complete, so a failed run leaves no partial pyramid behind.
func (w *Writer) Generate(ctx context.Context) error {
	if !w.configured {
		return fmt.Errorf("generate before configure")
	}
	staging := fmt.Sprintf("%s.%s.tmp", w.name, uuid.New().String()[:8])
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", staging, err)
	}
	defer os.RemoveAll(staging)

	leaf := w.levels - 1
	if err := w.renderLeafLevel(ctx, staging, leaf); err != nil {
		return err
	}
	for z := leaf - 1; z >= 0; z-- {
		if err := w.renderOverviewLevel(ctx, staging, z); err != nil {
			return err
		}
	}
	if w.cfg.Profile == qtreer.ProfileKML {
		if err := w.writeRootKML(staging); err != nil {
			return err
		}
	}

	if err := os.RemoveAll(w.name); err != nil {
		return fmt.Errorf("remove stale %s: %w", w.name, err)
	}
	if err := os.Rename(staging, w.name); err != nil {
		return fmt.Errorf("rename %s: %w", staging, err)
	}
	log.Logger(ctx).Sugar().Infof("wrote %d pyramid levels to %s", w.levels, w.name)
	return nil
}

// tileGrid is the tile index range covering r at pyramid level z, where the
// leaf level is tile-aligned to the prepared canvas origin.
func (w *Writer) tileGrid(r image.Rectangle, z int) (image.Rectangle, int) {
	scale := 1 << (w.levels - 1 - z) // canvas pixels per tile pixel
	span := w.cfg.TileSize * scale
	return image.Rect(
		floorDiv(r.Min.X, span), floorDiv(r.Min.Y, span),
		ceilDiv(r.Max.X, span), ceilDiv(r.Max.Y, span)), span
}

func (w *Writer) renderLeafLevel(ctx context.Context, dir string, z int) error {
	grid, span := w.tileGrid(w.cfg.Crop, z)
	pool := gobs.NewPool(w.concurrency)
	batch := pool.Batch()
	for ty := grid.Min.Y; ty < grid.Max.Y; ty++ {
		for tx := grid.Min.X; tx < grid.Max.X; tx++ {
			tx, ty := tx, ty
			batch.Submit(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				window := image.Rect(tx*span, ty*span, (tx+1)*span, (ty+1)*span).Intersect(w.cfg.Crop)
				tile, err := w.renderTile(ctx, window, image.Pt(tx*span, ty*span))
				if err != nil {
					return fmt.Errorf("render tile %d/%d/%d: %w", z, tx, ty, err)
				}
				if tile == nil {
					return nil
				}
				return w.writeTile(dir, z, tx, ty, tile)
			})
		}
	}
	return batch.Wait()
}

// renderTile composites every view overlapping window into one tile image.
// A nil return means the tile has no data. origin is the canvas position of
// the tile's top left corner.
func (w *Writer) renderTile(ctx context.Context, window image.Rectangle, origin image.Point) (*image.NRGBA, error) {
	if window.Empty() {
		return nil, nil
	}
	var tile *image.NRGBA
	for _, pv := range w.canvas.Views() {
		overlap := window.Intersect(pv.Bounds())
		if overlap.Empty() {
			continue
		}
		local := overlap.Sub(pv.Origin).Add(pv.View.Bounds().Min)
		src, err := pv.View.Read(ctx, local)
		if err != nil {
			return nil, err
		}
		if tile == nil {
			tile = image.NewNRGBA(image.Rect(0, 0, w.cfg.TileSize, w.cfg.TileSize))
		}
		dst := overlap.Sub(origin)
		if w.canvas.Draft() {
			draw.Draw(tile, dst, src, src.Bounds().Min, draw.Over)
		} else {
			blendOver(tile, dst, src)
		}
	}
	return tile, nil
}

// blendOver averages the incoming view with pixels already present, the
// cheap stand-in for multi-band blending over overlap regions.
func blendOver(dst *image.NRGBA, r image.Rectangle, src image.Image) {
	off := src.Bounds().Min.Sub(r.Min)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			sr, sg, sb, sa := src.At(x+off.X, y+off.Y).RGBA()
			if sa == 0 {
				continue
			}
			i := dst.PixOffset(x, y)
			p := dst.Pix[i : i+4 : i+4]
			if p[3] == 0 {
				p[0], p[1], p[2], p[3] = uint8(sr>>8), uint8(sg>>8), uint8(sb>>8), uint8(sa>>8)
				continue
			}
			p[0] = uint8((uint32(p[0]) + sr>>8) / 2)
			p[1] = uint8((uint32(p[1]) + sg>>8) / 2)
			p[2] = uint8((uint32(p[2]) + sb>>8) / 2)
			if s := uint8(sa >> 8); s > p[3] {
				p[3] = s
			}
		}
	}
}

func (w *Writer) renderOverviewLevel(ctx context.Context, dir string, z int) error {
	grid, _ := w.tileGrid(w.cfg.Crop, z)
	pool := gobs.NewPool(w.concurrency)
	batch := pool.Batch()
	for ty := grid.Min.Y; ty < grid.Max.Y; ty++ {
		for tx := grid.Min.X; tx < grid.Max.X; tx++ {
			tx, ty := tx, ty
			batch.Submit(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				return w.assembleOverviewTile(dir, z, tx, ty)
			})
		}
	}
	return batch.Wait()
}

// assembleOverviewTile downsamples the four child tiles of (z,x,y) into one
// parent tile. Missing children stay transparent.
func (w *Writer) assembleOverviewTile(dir string, z, x, y int) error {
	ts := w.cfg.TileSize
	var tile *image.NRGBA
	for dy := 0; dy < 2; dy++ {
		for dx := 0; dx < 2; dx++ {
			child, err := w.readTile(dir, z+1, 2*x+dx, 2*y+dy)
			if err != nil {
				return err
			}
			if child == nil {
				continue
			}
			if tile == nil {
				tile = image.NewNRGBA(image.Rect(0, 0, ts, ts))
			}
			quadrant := image.Rect(dx*ts/2, dy*ts/2, (dx+1)*ts/2, (dy+1)*ts/2)
			xdraw.BiLinear.Scale(tile, quadrant, child, child.Bounds(), xdraw.Over, nil)
		}
	}
	if tile == nil {
		return nil
	}
	return w.writeTile(dir, z, x, y, tile)
}

func (w *Writer) tilePath(dir string, z, x, y int, ext string) string {
	return filepath.Join(dir, fmt.Sprintf("%d", z), fmt.Sprintf("%d", x), fmt.Sprintf("%d.%s", y, ext))
}

func (w *Writer) readTile(dir string, z, x, y int) (image.Image, error) {
	for _, ext := range []string{"png", "jpg"} {
		f, err := os.Open(w.tilePath(dir, z, x, y, ext))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		defer f.Close()
		var img image.Image
		if ext == "png" {
			img, err = png.Decode(f)
		} else {
			img, err = jpeg.Decode(f)
		}
		if err != nil {
			return nil, fmt.Errorf("decode tile %d/%d/%d: %w", z, x, y, err)
		}
		return img, nil
	}
	return nil, nil
}

func (w *Writer) writeTile(dir string, z, x, y int, tile *image.NRGBA) error {
	ext := w.FileType()
	if ext == "auto" {
		// jpg in opaque areas, png where there is transparency.
		if opaque(tile) {
			ext = "jpg"
		} else {
			ext = "png"
		}
	}
	path := w.tilePath(dir, z, x, y, ext)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	switch ext {
	case "jpg":
		err = jpeg.Encode(f, tile, &jpeg.Options{Quality: w.jpegQuality})
	default:
		enc := png.Encoder{CompressionLevel: w.pngLevel}
		err = enc.Encode(f, tile)
	}
	if err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}

func opaque(img *image.NRGBA) bool {
	for i := 3; i < len(img.Pix); i += 4 {
		if img.Pix[i] != 0xff {
			return false
		}
	}
	return true
}

func (w *Writer) writeRootKML(dir string) error {
	ll := w.cfg.LonLat
	ext := w.FileType()
	if ext == "auto" {
		ext = "png"
		if _, err := os.Stat(w.tilePath(dir, 0, 0, 0, "jpg")); err == nil {
			ext = "jpg"
		}
	}
	b := &strings.Builder{}
	fmt.Fprintf(b, "<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n")
	fmt.Fprintf(b, "<kml xmlns=\"http://www.opengis.net/kml/2.2\">\n")
	fmt.Fprintf(b, "<GroundOverlay>\n")
	fmt.Fprintf(b, "  <name>%s</name>\n", filepath.Base(w.name))
	fmt.Fprintf(b, "  <drawOrder>%d</drawOrder>\n", w.cfg.DrawOrderOffset)
	if w.cfg.MaxLODPixels != 0 {
		fmt.Fprintf(b, "  <Region><Lod><minLodPixels>0</minLodPixels><maxLodPixels>%d</maxLodPixels></Lod></Region>\n", w.cfg.MaxLODPixels)
	}
	fmt.Fprintf(b, "  <Icon><href>0/0/0.%s</href></Icon>\n", ext)
	fmt.Fprintf(b, "  <LatLonBox><north>%g</north><south>%g</south><east>%g</east><west>%g</west></LatLonBox>\n",
		ll.North, ll.South, ll.East, ll.West)
	fmt.Fprintf(b, "</GroundOverlay>\n")
	fmt.Fprintf(b, "</kml>\n")
	return os.WriteFile(filepath.Join(dir, "doc.kml"), []byte(b.String()), 0o644)
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
