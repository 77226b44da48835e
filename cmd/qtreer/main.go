package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/airbusgeo/godal"
	"github.com/airbusgeo/osio"
	"github.com/airbusgeo/osio/gcs"
	"github.com/alessio/shellescape"
	shellwords "github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.airbusds-geo.com/log"

	"github.com/airbusgeo/qtreer"
	"github.com/airbusgeo/qtreer/gdalio"
	"github.com/airbusgeo/qtreer/qtgen"
)

var verbose bool
var blocksize string
var numCachedBlocks int
var startTime time.Time

var cfgFile string
var outputName string
var mode string
var fileType string
var channelType string
var tileSize int
var jpegQuality float64
var pngCompression int
var jobs int

var forceDatum string
var datumRadius float64
var north, south, east, west float64
var global bool
var nudgeX, nudgeY float64

var projection string
var utmZone int
var projLat, projLon, projScale float64
var stdParallel1, stdParallel2 float64

var normalize bool
var pixelScale, pixelOffset float64
var nodata float64

var globalResolution int
var aspectRatio int
var multiband bool

var moduleName string
var terrain bool
var maxLODPixels int32
var drawOrderOffset int32

var gdalConfig string

var rootCmd = &cobra.Command{
	Use:   "qtreer",
	Short: "georeferenced quadtree mosaic cli",
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	SilenceUsage: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		startTime = time.Now()
		if !verbose {
			os.Setenv("LOGLEVEL", "info")
			log.Structured()
		}
		ctx := cmd.Context()

		needGS := false
		for _, a := range args {
			if strings.HasPrefix(a, "gs://") {
				needGS = true
			}
		}
		if needGS {
			stcl, err := storage.NewClient(ctx)
			if err != nil {
				return fmt.Errorf("storage.newclient: %w", err)
			}
			gcsh, err := gcs.Handle(ctx, gcs.GCSClient(stcl))
			if err != nil {
				return fmt.Errorf("gcs.handle: %w", err)
			}
			gcsa, err := osio.NewAdapter(gcsh, osio.BlockSize(blocksize), osio.NumCachedBlocks(numCachedBlocks))
			if err != nil {
				return fmt.Errorf("osio.new: %w", err)
			}
			if err := godal.RegisterVSIHandler("gs://", gcsa); err != nil {
				return fmt.Errorf("register osio: %w", err)
			}
		}
		if gdalConfig != "" {
			pairs, err := shellwords.Parse(gdalConfig)
			if err != nil {
				return fmt.Errorf("parse gdal config options: %w", err)
			}
			for _, kv := range pairs {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("gdal config option %q is not KEY=VALUE", kv)
				}
				os.Setenv(k, v)
			}
			log.Logger(ctx).Sugar().Debugf("gdal config: %s", shellescape.QuoteCommand(pairs))
		}
		gdalio.Register()
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, _ []string) {
		log.Logger(cmd.Context()).Sugar().Debugf("command %s took %.1fs",
			cmd.Name(), time.Since(startTime).Seconds())
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&blocksize, "blocksize", "512k", "gs cache blocksize")
	rootCmd.PersistentFlags().IntVar(&numCachedBlocks, "numblocks", 1000, "number of gs cached blocks")
	rootCmd.PersistentFlags().StringVar(&gdalConfig, "gdal-config", "", "gdal configuration options, e.g: \"GDAL_CACHEMAX=512 CPL_DEBUG=ON\"")
	rootCmd.AddCommand(generateCmd, georefCmd)

	f := generateCmd.Flags()
	f.StringVar(&cfgFile, "config-file", "", "read flag defaults from this yaml/toml file")
	f.StringVarP(&outputName, "output-name", "o", "", "base output directory name [default: basename of the first input]")
	f.StringVarP(&mode, "mode", "m", "none", "output profile: none, kml, tms, uniview, gmap, celestia, gigapan, gigapan-noproj")
	f.StringVar(&fileType, "file-type", "png", "tile image format: png, jpg, or auto")
	f.StringVar(&channelType, "channel-type", "", "force interpretation of the input channel type: uint8, uint16, int16, float32")
	f.IntVar(&tileSize, "tile-size", 256, "tile edge in pixels")
	f.Float64Var(&jpegQuality, "jpeg-quality", 0.75, "jpeg quality factor (0 to 1)")
	f.IntVar(&pngCompression, "png-compression", 3, "png compression level (0 to 9)")
	f.IntVar(&jobs, "jobs", 8, "number of parallel tile rendering jobs")

	f.StringVar(&forceDatum, "force-datum", "", "override the input datum: wgs84, lunar, mars, sphere")
	f.Float64Var(&datumRadius, "datum-radius", 0, "radius in meters for the sphere datum")
	f.Float64Var(&north, "north", math.NaN(), "northernmost latitude in projection units")
	f.Float64Var(&south, "south", math.NaN(), "southernmost latitude in projection units")
	f.Float64Var(&east, "east", math.NaN(), "easternmost longitude in projection units")
	f.Float64Var(&west, "west", math.NaN(), "westernmost longitude in projection units")
	f.BoolVar(&global, "global", false, "assume the input covers the full -180..180 -90..90 extent")
	f.Float64Var(&nudgeX, "nudge-x", 0, "translate the image x origin, in projected units")
	f.Float64Var(&nudgeY, "nudge-y", 0, "translate the image y origin, in projected units")

	f.StringVar(&projection, "projection", "plate-carree", "input projection: plate-carree, sinusoidal, mercator, transverse-mercator, orthographic, stereographic, lambert-azimuthal, lambert-conformal-conic, utm")
	f.IntVar(&utmZone, "utm-zone", 0, "utm zone (positive north, negative south)")
	f.Float64Var(&projLat, "proj-lat", 0, "latitude of the projection center")
	f.Float64Var(&projLon, "proj-lon", 0, "longitude of the projection center")
	f.Float64Var(&projScale, "proj-scale", 0, "projection scale factor")
	f.Float64Var(&stdParallel1, "std-parallel1", 0, "first standard parallel (lambert conformal conic)")
	f.Float64Var(&stdParallel2, "std-parallel2", 0, "second standard parallel (lambert conformal conic)")

	f.BoolVar(&normalize, "normalize", false, "normalize the observed pixel range onto the output range")
	f.Float64Var(&pixelScale, "pixel-scale", 0, "linear pixel scale factor")
	f.Float64Var(&pixelOffset, "pixel-offset", 0, "linear pixel offset")
	f.Float64Var(&nodata, "nodata", math.NaN(), "pixel value treated as transparent")

	f.IntVar(&globalResolution, "global-resolution", 0, "override the computed global resolution in pixels")
	f.IntVar(&aspectRatio, "aspect-ratio", 1, "pixel aspect ratio (width of the output frame, in multiples of its height)")
	f.BoolVar(&multiband, "multiband", false, "blend overlapping sources instead of keeping the first hit")

	f.StringVar(&moduleName, "module-name", "marsds", "module name the uniview/celestia sidecars reference")
	f.BoolVar(&terrain, "terrain", false, "generate a uniview terrain (heightmap) descriptor")
	f.Int32Var(&maxLODPixels, "max-lod-pixels", 1024, "kml: maximum on-screen size before switching resolution (-1 for always visible)")
	f.Int32Var(&drawOrderOffset, "draw-order-offset", 0, "kml: offset added to each overlay's draw order")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// bindConfigFile lets a viper config file supply defaults for flags the user
// did not set on the command line.
func bindConfigFile(flags *pflag.FlagSet) error {
	if cfgFile == "" {
		return nil
	}
	v := viper.New()
	v.SetConfigFile(cfgFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read %s: %w", cfgFile, err)
	}
	var bindErr error
	flags.VisitAll(func(fl *pflag.Flag) {
		if fl.Changed || !v.IsSet(fl.Name) {
			return
		}
		if err := flags.Set(fl.Name, v.GetString(fl.Name)); err != nil && bindErr == nil {
			bindErr = fmt.Errorf("config %s: %w", fl.Name, err)
		}
	})
	return bindErr
}

func buildOptions() (qtreer.Options, error) {
	opt := qtreer.Options{
		OutputName: outputName,
		TileSize:   tileSize,
		FileType:   fileType,
		Multiband:  multiband,
		Normalize:  normalize,
	}

	profile, err := qtreer.ParseProfile(mode)
	if err != nil {
		return opt, err
	}
	opt.Profile.Profile = profile
	switch profile {
	case qtreer.ProfileKML:
		opt.Profile.KML = &qtreer.KMLConfig{MaxLODPixels: maxLODPixels, DrawOrderOffset: drawOrderOffset}
	case qtreer.ProfileUniview:
		opt.Profile.Uniview = &qtreer.UniviewConfig{Module: moduleName, Terrain: terrain}
	case qtreer.ProfileCelestia:
		opt.Profile.Celestia = &qtreer.CelestiaConfig{Module: moduleName}
	}

	if opt.Georef.Datum, err = qtreer.ParseDatumOverride(forceDatum); err != nil {
		return opt, err
	}
	opt.Georef.SphereRadius = datumRadius

	ptype, err := qtreer.ParseProjection(projection)
	if err != nil {
		return opt, err
	}
	opt.Georef.Projection = qtreer.ProjectionSpec{
		Type:      ptype,
		CenterLat: projLat,
		CenterLon: projLon,
		Scale:     projScale,
		P1:        stdParallel1,
		P2:        stdParallel2,
		UTMZone:   utmZone,
	}
	opt.Georef.NudgeX, opt.Georef.NudgeY = nudgeX, nudgeY

	manualCount := 0
	for _, v := range []float64{north, south, east, west} {
		if !math.IsNaN(v) {
			manualCount++
		}
	}
	switch {
	case global:
		if manualCount > 0 {
			return opt, fmt.Errorf("--global cannot be combined with --north --south --east --west")
		}
		opt.Georef.Manual = &qtreer.ManualBBox{North: 90, South: -90, East: 180, West: -180}
	case manualCount == 4:
		opt.Georef.Manual = &qtreer.ManualBBox{North: north, South: south, East: east, West: west}
	case manualCount != 0:
		return opt, fmt.Errorf("a manual bbox needs all of --north --south --east and --west")
	}

	opt.Resolution.Override = globalResolution
	opt.Resolution.AspectRatio = aspectRatio

	if !math.IsNaN(nodata) {
		nd := nodata
		opt.Nodata = &nd
	}
	if pixelScale != 0 || pixelOffset != 0 {
		opt.Rescale = &qtreer.PixelRescale{Scale: pixelScale, Offset: pixelOffset}
	}
	if channelType != "" {
		if opt.ChannelType, err = qtreer.ParseChannelType(channelType); err != nil {
			return opt, err
		}
	}
	return opt, nil
}

var generateCmd = &cobra.Command{
	Use:   "generate image1.tif [image2.tif...]",
	Short: "fuse georeferenced images into a quadtree tile pyramid",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := bindConfigFile(cmd.Flags()); err != nil {
			return err
		}
		opt, err := buildOptions()
		if err != nil {
			return err
		}
		if opt.OutputName == "" {
			base := filepath.Base(args[0])
			opt.OutputName = strings.TrimSuffix(base, filepath.Ext(base))
		}

		sources := make([]qtreer.RasterSource, 0, len(args))
		for _, name := range args {
			src, err := gdalio.Open(name)
			if err != nil {
				return err
			}
			defer src.Close()
			sources = append(sources, src)
		}

		p := &qtreer.Pipeline{
			Sources:    sources,
			Options:    opt,
			Warper:     gdalio.Warper{},
			Projectors: gdalio.Projectors,
			TileWriter: qtgen.Factory(
				qtgen.Concurrency(jobs),
				qtgen.JPEGQuality(jpegQuality),
				qtgen.PNGCompression(pngCompression),
			),
		}
		res, err := p.Run(ctx)
		if err != nil {
			return err
		}
		log.Logger(ctx).Sugar().Infof("wrote %s: %dx%d canvas, data window %v",
			opt.OutputName, res.Bounds.Total.Dx(), res.Bounds.Total.Dy(), res.Bounds.Data)
		return nil
	},
}

var georefCmd = &cobra.Command{
	Use:   "georef image.tif...",
	Short: "print the embedded georeference of geotiff files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, name := range args {
			f, err := os.Open(name)
			if err != nil {
				return fmt.Errorf("open %s: %w", name, err)
			}
			info, err := qtreer.ReadGeoTIFFInfo(f)
			f.Close()
			if err != nil {
				return fmt.Errorf("read %s: %w", name, err)
			}
			fmt.Printf("%s: %dx%d\n", name, info.Cols, info.Rows)
			if !info.HasRef {
				fmt.Printf("  no georeference\n")
				continue
			}
			t := info.Ref.Transform
			fmt.Printf("  datum: %s (a=%g b=%g)\n", info.Ref.Datum.Name, info.Ref.Datum.SemiMajorAxis, info.Ref.Datum.SemiMinorAxis)
			fmt.Printf("  origin: (%g, %g)\n", t[0], t[3])
			fmt.Printf("  pixel size: (%g, %g)\n", t[1], t[5])
			if proj4, err := info.Ref.Proj.Proj4(info.Ref.Datum); err == nil {
				fmt.Printf("  proj4: %s\n", proj4)
			}
		}
		return nil
	},
}
