package protocol

import (
	"errors"
	"log/slog"
	"math"
	"os"

	"ctfrefine/internal/emdata"
	"ctfrefine/internal/star"
	"ctfrefine/internal/tasks"
)

// IngestStats counts what IngestResults did.
type IngestStats struct {
	Refined   int      // particles whose CTF was replaced
	Unrefined int      // particles kept with their input CTF
	Dropped   int      // particles of failed micrographs or ones without output
	Missing   []string // micrographs without output
}

// IngestResults builds the output set: every particle of a micrograph with
// a goCTF output table, row i refining particle i of that micrograph.
// Rows lacking a finite defocus value leave the particle's input CTF in
// place. Micrographs named in failed are dropped whatever is on disk.
func IngestResults(input *emdata.ParticleSet, groups []MicGroup, tmpDir string, failed []string, logger *slog.Logger) (*emdata.ParticleSet, IngestStats) {
	if logger == nil {
		logger = slog.Default()
	}
	out := input.CopyInfo()
	out.Source = input.Path
	var stats IngestStats

	skip := make(map[string]bool, len(failed))
	for _, name := range failed {
		skip[name] = true
	}

	for _, g := range groups {
		if skip[g.Mic.MicName] {
			stats.Dropped += len(g.Particles)
			continue
		}
		path := tasks.OutputFile(micWorkDir(tmpDir, g.Mic), micBase(g.Mic))
		rows, err := star.ReadRows(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				logger.Warn("Unreadable goCTF output, skipping micrograph", "micrograph", g.Mic.MicName, "path", path, "error", err)
			}
			stats.Dropped += len(g.Particles)
			stats.Missing = append(stats.Missing, g.Mic.MicName)
			continue
		}
		if len(rows) != len(g.Particles) {
			logger.Warn("goCTF output row count differs from particle count",
				"micrograph", g.Mic.MicName, "rows", len(rows), "particles", len(g.Particles))
		}

		for i, p := range g.Particles {
			p.CTF.Refined = false
			if i < len(rows) && applyRow(rows[i], &p.CTF) {
				stats.Refined++
			} else {
				stats.Unrefined++
			}
			out.Particles = append(out.Particles, p)
		}
	}
	return out, stats
}

// applyRow copies the defocus values of row into ctf when all of them parse.
func applyRow(row star.Row, ctf *emdata.CTFModel) bool {
	if !row.ContainsAll(star.CTFLabels...) {
		return false
	}
	var vals [3]float64
	for i, label := range star.CTFLabels {
		f, err := row.Float(label)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
		vals[i] = f
	}
	ctf.SetDefocus(vals[0], vals[1], vals[2])
	return true
}
