package protocol

import (
	"log/slog"
	"sort"

	"ctfrefine/internal/emdata"
)

// MicGroup is one micrograph with the particles picked on it, in (MicID, ID) order.
type MicGroup struct {
	Mic       emdata.Micrograph
	Particles []emdata.Particle
}

// sortedParticles returns the particles ordered by micrograph id then id.
func sortedParticles(parts *emdata.ParticleSet) []emdata.Particle {
	out := make([]emdata.Particle, len(parts.Particles))
	copy(out, parts.Particles)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].MicID != out[j].MicID {
			return out[i].MicID < out[j].MicID
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// BuildMicDict maps micrograph names to the micrographs of mics that own at
// least one particle. A particle's micrograph is looked up by the name in
// its coordinate, once per micrograph id.
func BuildMicDict(parts *emdata.ParticleSet, mics *emdata.MicrographSet) map[string]emdata.Micrograph {
	byName := make(map[string]emdata.Micrograph, len(mics.Micrographs))
	for _, m := range mics.Micrographs {
		byName[m.MicName] = m
	}

	dict := make(map[string]emdata.Micrograph)
	var lastMicID int64
	first := true
	for _, p := range sortedParticles(parts) {
		if !first && p.MicID == lastMicID {
			continue
		}
		first = false
		lastMicID = p.MicID
		if m, ok := byName[p.Coordinate.MicName]; ok {
			dict[p.Coordinate.MicName] = m
		}
	}
	return dict
}

// GroupParticles splits the particles by micrograph, in micrograph id order.
// Particles whose micrograph name is not in dict are skipped with a warning.
func GroupParticles(parts *emdata.ParticleSet, dict map[string]emdata.Micrograph, logger *slog.Logger) []MicGroup {
	if logger == nil {
		logger = slog.Default()
	}
	var groups []MicGroup
	index := make(map[string]int)
	cur := -1
	var lastMicID int64
	first := true

	for _, p := range sortedParticles(parts) {
		if first || p.MicID != lastMicID {
			first = false
			lastMicID = p.MicID
			name := p.Coordinate.MicName
			mic, ok := dict[name]
			switch {
			case !ok:
				logger.Warn("Skipping all particles from micrograph, key " + name + " not found")
				cur = -1
			default:
				i, seen := index[name]
				if !seen {
					i = len(groups)
					index[name] = i
					groups = append(groups, MicGroup{Mic: mic})
				}
				cur = i
			}
		}
		if cur >= 0 {
			groups[cur].Particles = append(groups[cur].Particles, p)
		}
	}
	return groups
}
