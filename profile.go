package qtreer

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.airbusds-geo.com/log"
)

// Profile identifies the output pyramid flavor. It is a closed variant:
// alignment and metadata emission dispatch on it exactly once, at
// configuration time.
type Profile int

const (
	ProfileNone Profile = iota
	ProfileKML
	ProfileTMS
	ProfileUniview
	ProfileGMap
	ProfileCelestia
	ProfileGigapan
	ProfileGigapanNoProj
)

var profileNames = map[Profile]string{
	ProfileNone:          "none",
	ProfileKML:           "kml",
	ProfileTMS:           "tms",
	ProfileUniview:       "uniview",
	ProfileGMap:          "gmap",
	ProfileCelestia:      "celestia",
	ProfileGigapan:       "gigapan",
	ProfileGigapanNoProj: "gigapan-noproj",
}

func (p Profile) String() string {
	return profileNames[p]
}

func ParseProfile(s string) (Profile, error) {
	for p, name := range profileNames {
		if strings.EqualFold(s, name) {
			return p, nil
		}
	}
	return ProfileNone, ConfigError{fmt.Sprintf("unknown profile %q", s)}
}

// Georeferenced reports whether the profile runs the georeferenced pipeline.
// None and GigapanNoProj generate a pyramid directly from the raw source.
func (p Profile) Georeferenced() bool {
	return p != ProfileNone && p != ProfileGigapanNoProj
}

// KMLAligned reports whether total/data bboxes use the power-of-two KML
// alignment rather than the full-canvas alignment.
func (p Profile) KMLAligned() bool {
	return p == ProfileKML || p == ProfileGigapan
}

// ResolutionFunc is the pyramid resolution rule bound to the profile.
func (p Profile) ResolutionFunc() ResolutionFunc {
	switch p {
	case ProfileKML:
		return KMLResolution
	case ProfileTMS, ProfileUniview, ProfileGMap, ProfileCelestia, ProfileGigapan:
		return TMSResolution
	}
	return nil
}

// Per-profile parameters, typed per case and resolved at configuration time.
type KMLConfig struct {
	MaxLODPixels    int32
	DrawOrderOffset int32
}

type UniviewConfig struct {
	Module  string
	Terrain bool
}

type CelestiaConfig struct {
	Module string
}

// ProfileConfig is the one profile configuration of a run. Exactly the field
// matching Profile is set.
type ProfileConfig struct {
	Profile  Profile
	KML      *KMLConfig
	Uniview  *UniviewConfig
	Celestia *CelestiaConfig
}

func (cfg ProfileConfig) validate() error {
	switch cfg.Profile {
	case ProfileUniview:
		if cfg.Uniview == nil || cfg.Uniview.Module == "" {
			return ConfigError{"uniview requires a module name"}
		}
	case ProfileCelestia:
		if cfg.Celestia == nil || cfg.Celestia.Module == "" {
			return ConfigError{"celestia requires a module name"}
		}
	}
	return nil
}

// TileConfig is everything the tile-writer collaborator receives: the crop
// region in prepared-canvas coordinates, tile parameters, and the
// profile-specific knobs it forwards into per-tile metadata.
type TileConfig struct {
	Crop     image.Rectangle
	TileSize int
	FileType string

	Profile         Profile
	LonLat          LonLatBBox
	MaxLODPixels    int32
	DrawOrderOffset int32
	Terrain         bool
}

// TileWriter is the tile-tree collaborator. It owns the on-disk layout and
// any internal tile generation parallelism.
type TileWriter interface {
	Configure(cfg TileConfig) error
	Generate(ctx context.Context) error
	// Levels reports the pyramid depth after generation.
	Levels() int
	FileType() string
}

// Configurator binds the profile parameters, drives the tile writer over the
// data bbox, and emits profile sidecar metadata afterwards.
type Configurator struct {
	Config     ProfileConfig
	TileSize   int
	FileType   string
	OutputName string
}

func (c Configurator) Run(ctx context.Context, tw TileWriter, data image.Rectangle, ll LonLatBBox) error {
	if err := c.Config.validate(); err != nil {
		return err
	}
	tc := TileConfig{
		Crop:     data,
		TileSize: c.TileSize,
		FileType: c.FileType,
		Profile:  c.Config.Profile,
	}
	switch c.Config.Profile {
	case ProfileKML:
		tc.LonLat = ll
		if c.Config.KML != nil {
			tc.MaxLODPixels = c.Config.KML.MaxLODPixels
			tc.DrawOrderOffset = c.Config.KML.DrawOrderOffset
		}
	case ProfileGigapan:
		tc.LonLat = ll
	case ProfileUniview:
		tc.Terrain = c.Config.Uniview.Terrain
	}
	if err := tw.Configure(tc); err != nil {
		return fmt.Errorf("configure tile writer: %w", err)
	}

	log.Logger(ctx).Sugar().Infof("generating %s overlay", c.Config.Profile)
	if err := tw.Generate(ctx); err != nil {
		return fmt.Errorf("generate tiles: %w", err)
	}

	// sidecars reference the pyramid by its base name, relative to the
	// module directory they get installed into
	name := filepath.Base(c.OutputName)
	switch c.Config.Profile {
	case ProfileUniview:
		return c.writeSidecar(c.OutputName+".conf", func(w io.Writer) error {
			return WriteUniviewConf(w, UniviewSidecar{
				Module:   c.Config.Uniview.Module,
				Name:     name,
				Terrain:  c.Config.Uniview.Terrain,
				FileType: tw.FileType(),
				Levels:   tw.Levels(),
				TileSize: c.TileSize,
			})
		})
	case ProfileCelestia:
		err := c.writeSidecar(c.OutputName+".ctx", func(w io.Writer) error {
			return WriteCelestiaCtx(w, name, c.TileSize, tw.FileType())
		})
		if err != nil {
			return err
		}
		return c.writeSidecar(c.OutputName+".ssc", func(w io.Writer) error {
			return WriteCelestiaSsc(w, name, c.Config.Celestia.Module)
		})
	}
	return nil
}

func (c Configurator) writeSidecar(path string, emit func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err = emit(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// UniviewSidecar carries the values interpolated into a Uniview .conf block.
type UniviewSidecar struct {
	Module   string
	Name     string
	Terrain  bool
	FileType string
	Levels   int
	TileSize int
}

// WriteUniviewConf emits the line-oriented key=value Uniview descriptor.
func WriteUniviewConf(w io.Writer, s UniviewSidecar) error {
	b := &strings.Builder{}
	if s.Terrain {
		fmt.Fprintf(b, "// Terrain\n")
		fmt.Fprintf(b, "HeightmapCacheLocation=modules/%s/Offlinedatasets/%s/Terrain/\n", s.Module, s.Name)
		fmt.Fprintf(b, "HeightmapCallstring=Generated by the qtreer tool.\n")
		fmt.Fprintf(b, "HeightmapFormat=%s\n", s.FileType)
		fmt.Fprintf(b, "NrHeightmapLevels=%d\n", s.Levels-1)
		fmt.Fprintf(b, "NrLevelsPerHeightmap=1\n")
	} else {
		fmt.Fprintf(b, "[Offlinedataset]\n")
		fmt.Fprintf(b, "NrRows=1\n")
		fmt.Fprintf(b, "NrColumns=2\n")
		fmt.Fprintf(b, "Bbox= -180 -90 180 90\n")
		fmt.Fprintf(b, "DatasetTitle=%s\n", s.Name)
		fmt.Fprintf(b, "Tessellation=19\n\n")

		fmt.Fprintf(b, "// Texture\n")
		fmt.Fprintf(b, "TextureCacheLocation=modules/%s/Offlinedatasets/%s/Texture/\n", s.Module, s.Name)
		fmt.Fprintf(b, "TextureCallstring=Generated by the qtreer tool.\n")
		fmt.Fprintf(b, "TextureFormat=%s\n", s.FileType)
		fmt.Fprintf(b, "TextureLevels= %d\n", s.Levels-1)
		fmt.Fprintf(b, "TextureSize= %d\n\n", s.TileSize)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// WriteCelestiaCtx emits the .ctx virtual texture descriptor.
func WriteCelestiaCtx(w io.Writer, name string, tileSize int, fileType string) error {
	b := &strings.Builder{}
	fmt.Fprintf(b, "VirtualTexture\n")
	fmt.Fprintf(b, "{\n")
	fmt.Fprintf(b, "        ImageDirectory %q\n", name)
	fmt.Fprintf(b, "        BaseSplit 0\n")
	fmt.Fprintf(b, "        TileSize %d\n", tileSize>>1)
	fmt.Fprintf(b, "        TileType %q\n", fileType)
	fmt.Fprintf(b, "}\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// WriteCelestiaSsc emits the .ssc surface descriptor referencing the .ctx.
func WriteCelestiaSsc(w io.Writer, name, module string) error {
	b := &strings.Builder{}
	fmt.Fprintf(b, "AltSurface %q %q\n", name, module)
	fmt.Fprintf(b, "{\n")
	fmt.Fprintf(b, "    Texture %q\n", name+".ctx")
	fmt.Fprintf(b, "}\n")
	_, err := io.WriteString(w, b.String())
	return err
}
