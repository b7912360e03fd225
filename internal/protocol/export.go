package protocol

import (
	"fmt"
	"log/slog"
	"math"
	"path/filepath"

	"ctfrefine/internal/emdata"
	"ctfrefine/internal/fsutil"
	"ctfrefine/internal/geometry"
	"ctfrefine/internal/star"
	"ctfrefine/internal/tasks"
)

// micBase is the file stem all per-micrograph files are named after.
func micBase(mic emdata.Micrograph) string { return fsutil.RemoveBaseExt(mic.FileName) }

// micWorkDir is the directory owned by one micrograph's goCTF run.
func micWorkDir(tmpDir string, mic emdata.Micrograph) string {
	return filepath.Join(tmpDir, micBase(mic))
}

// CoordinateScale returns the factor mapping particle coordinates onto the
// micrograph goCTF sees, and whether it differs from 1.
func CoordinateScale(particleSR, micSR, downFactor float64) (float64, bool) {
	if particleSR <= 0 || micSR <= 0 || downFactor <= 0 {
		return 1, false
	}
	scale := particleSR / micSR / downFactor
	return scale, math.Abs(scale-1) > 1e-5
}

// ExportOptions control coordinate export.
type ExportOptions struct {
	TmpDir      string
	Alignment   emdata.AlignType
	ApplyShifts bool
	Scale       float64
	DoScale     bool
}

// ExportCoordinates writes <tmp>/<micBase>/<micBase>_go.star for every group.
func ExportCoordinates(groups []MicGroup, opts ExportOptions, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if err := checkWorkDirs(groups, opts.TmpDir); err != nil {
		return err
	}
	if opts.DoScale {
		logger.Info(fmt.Sprintf("Scaling coordinates by a factor %0.2f", opts.Scale))
	}
	for _, g := range groups {
		if err := exportGroup(g, opts); err != nil {
			return fmt.Errorf("export coordinates of %s: %w", g.Mic.MicName, err)
		}
	}
	return nil
}

// checkWorkDirs fails when two micrographs would share a work directory,
// as /a/mic1.mrc and /b/mic1.tif do.
func checkWorkDirs(groups []MicGroup, tmpDir string) error {
	owner := make(map[string]string, len(groups))
	for _, g := range groups {
		dir := micWorkDir(tmpDir, g.Mic)
		if other, ok := owner[dir]; ok {
			return fmt.Errorf("micrographs %s and %s share the file name %s", other, g.Mic.MicName, micBase(g.Mic))
		}
		owner[dir] = g.Mic.MicName
	}
	return nil
}

func exportGroup(g MicGroup, opts ExportOptions) (err error) {
	base := micBase(g.Mic)
	dir := micWorkDir(opts.TmpDir, g.Mic)
	// An output table left by an earlier run in the same work dir must not
	// be read back as this run's result.
	if err := fsutil.CleanPath(tasks.OutputFile(dir, base)); err != nil {
		return err
	}
	w, err := star.NewCoordinatesWriter(tasks.CoordinatesFile(dir, base))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := w.Close(); err == nil {
			err = cerr
		}
	}()

	for _, p := range g.Particles {
		x, y, err := ExportPosition(p, opts)
		if err != nil {
			return fmt.Errorf("particle %d: %w", p.ID, err)
		}
		if err := w.WriteRow(x, y, p.CTF.DefocusU, p.CTF.DefocusV, p.CTF.DefocusAngle); err != nil {
			return err
		}
	}
	return nil
}

// ExportPosition returns the particle position written to the coordinate
// table: shifted by the truncated in-plane translation when requested, then
// scaled.
func ExportPosition(p emdata.Particle, opts ExportOptions) (x, y float64, err error) {
	x, y = p.Coordinate.X, p.Coordinate.Y
	if opts.ApplyShifts {
		shifts, ok, err := geometry.Shifts(p.Transform, opts.Alignment)
		if err != nil {
			return 0, 0, err
		}
		if ok {
			x -= math.Trunc(shifts[0])
			y -= math.Trunc(shifts[1])
		}
	}
	if opts.DoScale {
		x *= opts.Scale
		y *= opts.Scale
	}
	return x, y, nil
}
